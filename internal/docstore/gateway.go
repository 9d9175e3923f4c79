package docstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/dash-sync/internal/errors"
	"github.com/alexjbarnes/dash-sync/internal/models"
	"github.com/alexjbarnes/dash-sync/internal/remote"
	"github.com/alexjbarnes/dash-sync/internal/snapshot"
)

// Gateway adapts a Store to remote.Gateway for a single device, without
// a network hop. Failures are reported as transport failures so sessions
// treat them exactly like HTTP errors.
type Gateway struct {
	store    *Store
	deviceID string
	logger   *slog.Logger
}

var _ remote.Gateway = (*Gateway)(nil)

// NewGateway returns an in-process gateway writing as deviceID.
func NewGateway(store *Store, deviceID string, logger *slog.Logger) *Gateway {
	return &Gateway{
		store:    store,
		deviceID: deviceID,
		logger:   logger.With(slog.String("component", "local-gateway"), slog.String("device_id", deviceID)),
	}
}

// Upsert stores snap as the user's record.
func (g *Gateway) Upsert(ctx context.Context, userID string, snap *snapshot.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	if _, err := g.store.Put(ctx, userID, g.deviceID, data); err != nil {
		return fmt.Errorf("%w: %w", errors.ErrTransport, err)
	}

	return nil
}

// Fetch returns the user's record, or nil when there is none.
func (g *Gateway) Fetch(ctx context.Context, userID string) (*remote.Record, error) {
	m, err := g.store.Get(ctx, userID)
	if stderrors.Is(err, errors.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrTransport, err)
	}

	return remote.FromModel(*m, "")
}

// Subscribe delivers the user's change events on the hub's goroutine.
func (g *Gateway) Subscribe(ctx context.Context, userID string, onChange func(remote.Record)) (remote.Subscription, error) {
	if onChange == nil {
		return nil, fmt.Errorf("subscribe: onChange is required")
	}

	unsubscribe := g.store.Subscribe(userID, func(ev models.ChangeEvent) {
		rec, err := remote.FromModel(ev.Record, ev.DeviceID)
		if err != nil {
			g.logger.Warn("dropping change event", slog.String("error", err.Error()))
			return
		}

		onChange(*rec)
	})

	sub := &hubSubscription{unsubscribe: unsubscribe}
	sub.stopAfter = context.AfterFunc(ctx, sub.release)

	return sub, nil
}

type hubSubscription struct {
	unsubscribe func()
	stopAfter   func() bool
	once        sync.Once
}

func (s *hubSubscription) release() {
	s.once.Do(s.unsubscribe)
}

// Unsubscribe stops delivery.
func (s *hubSubscription) Unsubscribe() error {
	s.stopAfter()
	s.release()

	return nil
}
