package poller

import (
	"context"
	"time"

	"chargewatch/internal/station"
	"chargewatch/internal/transport"
)

type Config struct {
	Interval      time.Duration
	Concurrency   int
	QueryTimeout  time.Duration
	NotifyTimeout time.Duration
	// RearmAfter returns Fired subscriptions to Active after this long.
	// Zero keeps them Fired until the owner re-subscribes.
	RearmAfter time.Duration
	// Prefix is the chat command prefix quoted in notification texts.
	Prefix string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 10 * time.Second
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 10 * time.Second
	}
	if c.RearmAfter < 0 {
		c.RearmAfter = 0
	}
	if c.Prefix == "" {
		c.Prefix = "charge"
	}
	return c
}

// SlotSource is the vendor query, usually *station.Client.
type SlotSource interface {
	FreeSlots(ctx context.Context, stationID string) (station.Snapshot, error)
}

// TimedSlotSource is a SlotSource that paces its own calls. The poller hands
// it the query timeout instead of wrapping ctx, so time spent queued behind
// the vendor rate limit is not charged to the query.
type TimedSlotSource interface {
	SlotSource
	FreeSlotsWithin(ctx context.Context, stationID string, timeout time.Duration) (station.Snapshot, error)
}

// Sender delivers a threshold notification exactly once, usually *notifier.Service.
type Sender interface {
	Send(ctx context.Context, target transport.ChatTarget, text string) error
}

// NoticeSender queues informational messages such as expiry notices.
type NoticeSender interface {
	Notify(ctx context.Context, n transport.Notification) error
}

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	Stations  int           `json:"stations"`
	Failed    int           `json:"failed"`
	Fired     int           `json:"fired"`
	Delivered int           `json:"delivered"`
	Expired   int           `json:"expired"`
	Rearmed   int           `json:"rearmed"`
	Took      time.Duration `json:"took"`
	At        time.Time     `json:"at"`
}

// QueryFailedEvent is published when a station query fails.
type QueryFailedEvent struct {
	StationID string `json:"station_id"`
	Error     string `json:"error"`
}

// FiredEvent is published when a subscription fires.
type FiredEvent struct {
	SubscriptionID string `json:"subscription_id"`
	StationID      string `json:"station_id"`
	Target         string `json:"target"`
	FreeSlots      int    `json:"free_slots"`
	Delivered      bool   `json:"delivered"`
}
