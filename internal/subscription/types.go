package subscription

import (
	"errors"
	"time"

	"chargewatch/internal/transport"
)

var (
	ErrInvalidThreshold = errors.New("threshold must be a positive integer")
	ErrNotFound         = errors.New("subscription not found")
)

// State is the lifecycle state of a Subscription.
//
//	Active --MarkFired--> Fired
//	Active|Fired --Remove/Expire/supersede--> Cancelled
//	Fired --Rearm--> Active
type State uint8

const (
	StateActive State = iota + 1
	StateFired
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateFired:
		return "fired"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Subscription is one chat target's interest in one station.
type Subscription struct {
	ID          string
	StationID   string
	StationName string // display only; falls back to StationID
	Target      transport.ChatTarget
	Threshold   int
	State       State
	CreatedAt   time.Time
	FiredAt     time.Time
	ExpiresAt   time.Time // zero means never
}

// DisplayName is the station label used in chat messages.
func (s Subscription) DisplayName() string {
	if s.StationName != "" {
		return s.StationName
	}
	return s.StationID
}

// Stats counts live subscriptions per state.
type Stats struct {
	Active   int `json:"active"`
	Fired    int `json:"fired"`
	Stations int `json:"stations"`
	Targets  int `json:"targets"`
}
