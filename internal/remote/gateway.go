// Package remote defines the contract between a sync session and the
// authoritative remote document store, and an HTTP implementation of it.
package remote

//go:generate mockgen -source=gateway.go -destination=mock_gateway.go -package=remote

import (
	"context"
	"fmt"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/models"
	"github.com/alexjbarnes/dash-sync/internal/snapshot"
)

// Record is a user's remote document with its snapshot decoded.
type Record struct {
	UserID    string
	Data      *snapshot.Snapshot
	UpdatedAt time.Time

	// DeviceID is the writer of this version when known. Only change
	// notifications carry it.
	DeviceID string
}

// FromModel decodes a stored record.
func FromModel(m models.Record, deviceID string) (*Record, error) {
	snap, err := snapshot.Parse(m.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding record for %s: %w", m.UserID, err)
	}

	return &Record{
		UserID:    m.UserID,
		Data:      snap,
		UpdatedAt: m.UpdatedAt,
		DeviceID:  deviceID,
	}, nil
}

// Gateway is the remote document store as seen by a sync session.
type Gateway interface {
	// Upsert replaces the user's record with snap.
	Upsert(ctx context.Context, userID string, snap *snapshot.Snapshot) error

	// Fetch returns the user's record, or nil without error when the user
	// has never pushed.
	Fetch(ctx context.Context, userID string) (*Record, error)

	// Subscribe delivers every accepted upsert for userID to onChange
	// until the subscription is released or ctx ends. onChange runs on a
	// goroutine owned by the gateway, never on the goroutine that called
	// Upsert.
	Subscribe(ctx context.Context, userID string, onChange func(Record)) (Subscription, error)
}

// Subscription is a live change feed.
type Subscription interface {
	// Unsubscribe stops delivery and waits for the feed to wind down. It
	// is safe to call more than once.
	Unsubscribe() error
}
