package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/errors"
	"github.com/alexjbarnes/dash-sync/internal/identity"
	"github.com/alexjbarnes/dash-sync/internal/remote"
	"github.com/alexjbarnes/dash-sync/internal/snapshot"
	"github.com/alexjbarnes/dash-sync/internal/store"
)

// GatewayFactory builds the remote store client for a signed-in
// identity.
type GatewayFactory func(id *identity.Identity) (remote.Gateway, error)

// ManagerConfig holds what every session shares.
type ManagerConfig struct {
	DeviceID   string
	Stores     *store.Stores
	NewGateway GatewayFactory
	Logger     *slog.Logger

	// Optional, passed through to each session.
	Clock        Clock
	Debounce     time.Duration
	PollInterval time.Duration
	FlushTimeout time.Duration
	OnStatus     func(Status)
}

// Manager runs at most one Session, bound to the current identity.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	// lifecycle serializes HandleIdentity and Close so sessions start
	// and stop in order.
	lifecycle sync.Mutex

	mu       sync.Mutex
	identity *identity.Identity
	session  *Session
	closed   bool
}

// NewManager creates a manager with no session.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "sync-manager")),
	}
}

// HandleIdentity reacts to an identity event. A nil identity signs out.
// A changed identity stops the old session before the new one starts, so
// state is never pushed under the wrong user or anonymously. The
// returned error reports a failed gateway setup or initial sync; a
// session that started with a failed sync stays running.
func (m *Manager) HandleIdentity(ctx context.Context, id *identity.Identity) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}

	if m.identity.Equal(id) {
		m.mu.Unlock()
		return nil
	}

	old := m.session
	m.session = nil
	m.identity = nil
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}

	if id == nil {
		m.publishSignedOut()
		return nil
	}

	gw, err := m.cfg.NewGateway(id)
	if err != nil {
		return fmt.Errorf("building gateway for %s: %w", id.UserID, err)
	}

	s := NewSession(Config{
		UserID:       id.UserID,
		DeviceID:     m.cfg.DeviceID,
		Gateway:      gw,
		Stores:       m.cfg.Stores,
		Logger:       m.cfg.Logger,
		Clock:        m.cfg.Clock,
		Debounce:     m.cfg.Debounce,
		PollInterval: m.cfg.PollInterval,
		FlushTimeout: m.cfg.FlushTimeout,
		OnStatus:     m.cfg.OnStatus,
	})

	m.mu.Lock()
	m.session = s
	m.identity = id
	m.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("initial sync for %s: %w", id.UserID, err)
	}

	return nil
}

// Close flushes unsynced local state and stops the session. Identity
// events after Close are ignored.
func (m *Manager) Close(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	s := m.session
	m.session = nil
	m.identity = nil
	m.closed = true
	m.mu.Unlock()

	if s == nil {
		return
	}

	s.Flush(ctx)
	s.Stop()
}

// UserID returns the signed-in user, or "" when signed out.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.identity == nil {
		return ""
	}

	return m.identity.UserID
}

// Status returns the current session's status.
func (m *Manager) Status() (Status, error) {
	s, err := m.current()
	if err != nil {
		return Status{}, err
	}

	return s.Status(), nil
}

// TriggerSync runs a sync cycle on the current session.
func (m *Manager) TriggerSync(ctx context.Context, force bool) error {
	s, err := m.current()
	if err != nil {
		return err
	}

	return s.TriggerSync(ctx, force)
}

// Diff fetches the remote record and returns a line diff from the remote
// payload to the local one. A user with no remote record diffs against
// an empty snapshot.
func (m *Manager) Diff(ctx context.Context) (string, error) {
	s, err := m.current()
	if err != nil {
		return "", err
	}

	rec, err := s.Gateway().Fetch(ctx, s.UserID())
	if err != nil {
		return "", fmt.Errorf("fetching remote record: %w", err)
	}

	remoteSnap := snapshot.Empty()
	if rec != nil && rec.Data != nil {
		remoteSnap = rec.Data
	}

	local := snapshot.Build(m.cfg.Stores, s.clock.Now())

	return snapshot.Diff(remoteSnap, local), nil
}

func (m *Manager) current() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil, errors.ErrSignedOut
	}

	return m.session, nil
}

func (m *Manager) publishSignedOut() {
	m.logger.Info("signed out, sync stopped")

	if m.cfg.OnStatus != nil {
		m.cfg.OnStatus(Status{})
	}
}
