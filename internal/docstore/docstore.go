// Package docstore is the authoritative document store behind the sync
// server: one record per user, pluggable persistence, and a change hub
// that fans accepted writes out to live subscribers.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/models"
	"github.com/alexjbarnes/dash-sync/internal/snapshot"
	"golang.org/x/text/unicode/norm"
)

// Backend persists records. Implementations receive already-normalized
// user IDs and return errors.ErrRecordNotFound from Get when no record
// exists.
type Backend interface {
	Put(ctx context.Context, rec models.Record) error
	Get(ctx context.Context, userID string) (*models.Record, error)
	Close() error
}

// Store validates writes, persists them through a Backend and publishes
// each accepted write to the user's subscribers.
type Store struct {
	backend Backend
	hub     *Hub
	logger  *slog.Logger
	now     func() time.Time

	// writeLocks holds one mutex per user. A write stores and publishes
	// under it, so subscribers see events in storage order.
	locksMu    sync.Mutex
	writeLocks map[string]*sync.Mutex
}

// New creates a Store over backend.
func New(backend Backend, logger *slog.Logger) *Store {
	return &Store{
		backend:    backend,
		hub:        NewHub(),
		logger:     logger.With(slog.String("component", "docstore")),
		now:        time.Now,
		writeLocks: make(map[string]*sync.Mutex),
	}
}

// NormalizeUserID maps a user ID onto its storage key. Keys are NFC so a
// user ID typed on different platforms resolves to one record.
func NormalizeUserID(userID string) string {
	return norm.NFC.String(userID)
}

// Put replaces the user's record with data, which must be a snapshot
// document. The record's updated_at mirrors the snapshot timestamp,
// falling back to the server clock when the snapshot carries none.
func (s *Store) Put(ctx context.Context, userID, deviceID string, data []byte) (models.Record, error) {
	snap, err := snapshot.Parse(data)
	if err != nil {
		return models.Record{}, err
	}

	body, err := json.Marshal(snap)
	if err != nil {
		return models.Record{}, fmt.Errorf("encoding snapshot: %w", err)
	}

	updated := snap.UpdatedAt()
	if updated.IsZero() {
		updated = s.now().UTC().Truncate(time.Millisecond)
	}

	rec := models.Record{
		UserID:    NormalizeUserID(userID),
		Data:      body,
		UpdatedAt: updated,
	}

	lock := s.writeLock(rec.UserID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.backend.Put(ctx, rec); err != nil {
		return models.Record{}, fmt.Errorf("storing record for %s: %w", rec.UserID, err)
	}

	s.logger.Debug("record stored",
		slog.String("user_id", rec.UserID),
		slog.String("device_id", deviceID),
		slog.Int("bytes", len(body)),
	)

	s.hub.Publish(models.ChangeEvent{Record: rec, DeviceID: deviceID})

	return rec, nil
}

func (s *Store) writeLock(userID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.writeLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.writeLocks[userID] = l
	}

	return l
}

// Get returns the user's record or errors.ErrRecordNotFound.
func (s *Store) Get(ctx context.Context, userID string) (*models.Record, error) {
	return s.backend.Get(ctx, NormalizeUserID(userID))
}

// Subscribe registers fn for the user's change events. See Hub.Subscribe.
func (s *Store) Subscribe(userID string, fn func(models.ChangeEvent)) func() {
	return s.hub.Subscribe(NormalizeUserID(userID), fn)
}

// SubscriberCount reports the live subscribers for a user.
func (s *Store) SubscriberCount(userID string) int {
	return s.hub.SubscriberCount(NormalizeUserID(userID))
}

// Close shuts down the hub and the backend.
func (s *Store) Close() error {
	s.hub.Close()
	return s.backend.Close()
}
