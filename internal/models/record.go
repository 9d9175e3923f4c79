// Package models defines wire and storage types shared across internal packages.
package models

import (
	"encoding/json"
	"time"
)

// DeviceHeader carries the writing device's ID on every request to the
// sync server.
const DeviceHeader = "X-Device-ID"

// Record is the stored form of a user's latest snapshot: one per user,
// replaced wholesale on every accepted upsert.
type Record struct {
	UserID    string          `json:"user_id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ChangeEvent is pushed to every change-feed subscriber of a user after
// an upsert is accepted. DeviceID names the writer when it identified
// itself.
type ChangeEvent struct {
	Record   Record `json:"record"`
	DeviceID string `json:"device_id,omitempty"`
}
