package notifier

import "time"

// Config controls delivery. All durations are plain time.Duration values;
// the config layer parses the Go duration strings.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	SendTimeout     time.Duration
}

type HistoryItem struct {
	At      time.Time
	Channel string
	Target  string
	Text    string
	Err     string
}

// NotificationEvent is published on the event bus for delivery outcomes.
type NotificationEvent struct {
	Channel string    `json:"channel"`
	Target  string    `json:"target"`
	Key     string    `json:"key,omitempty"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
