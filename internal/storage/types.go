package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

type Config struct {
	// Driver is "none", "file" or "sqlite".
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

// Entry kinds.
const (
	KindSubscribe     = "subscribe"
	KindCancel        = "cancel"
	KindFire          = "fire"
	KindExpire        = "expire"
	KindRearm         = "rearm"
	KindDeliveryError = "delivery_error"
	KindBroadcast     = "broadcast"
)

type Entry struct {
	At             time.Time `json:"at"`
	Kind           string    `json:"kind"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	// JobID is the broadcast job id for KindBroadcast entries.
	JobID          string    `json:"job_id,omitempty"`
	StationID      string    `json:"station_id,omitempty"`
	Target         string    `json:"target,omitempty"`
	Threshold      int       `json:"threshold,omitempty"`
	FreeSlots      int       `json:"free_slots,omitempty"`
	Error          string    `json:"error,omitempty"`
}

type Store interface {
	Append(ctx context.Context, e Entry) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}
