package config

// Config is the on-disk configuration. Every field may be overridden from the
// environment (see ApplyEnv). Durations are Go duration strings ("15s", "1m").
type Config struct {
	Vendor  VendorConfig  `json:"vendor"`
	Gateway GatewayConfig `json:"gateway"`
	Bot     BotConfig     `json:"bot"`
	Poller  PollerConfig  `json:"poller"`
	Logging LoggingConfig `json:"logging"`

	// Notifier may be omitted; runtime defaults apply (enabled).
	Notifier  *NotifierConfig  `json:"notifier,omitempty"`
	Broadcast *BroadcastConfig `json:"broadcast,omitempty"`
	// Storage nil means no audit trail.
	Storage *StorageConfig `json:"storage,omitempty"`
	Ops     OpsConfig      `json:"ops,omitempty"`
}

// VendorConfig points at the charging vendor's HTTP API.
type VendorConfig struct {
	BaseURL     string `json:"base_url"`
	OpenID      string `json:"open_id"`
	Phone       string `json:"phone"`
	AccessToken string `json:"access_token,omitempty"` // do not log

	Longitude string `json:"longitude"`
	Latitude  string `json:"latitude"`

	FreeLabel            string `json:"free_label,omitempty"`
	Timeout              string `json:"timeout,omitempty"`
	RatePerMin           int    `json:"rate_per_min,omitempty"`
	Burst                int    `json:"burst,omitempty"`
	MaxConsecutiveErrors int    `json:"max_consecutive_errors,omitempty"`
	ReloginEvery         string `json:"relogin_every,omitempty"`
	CatalogTTL           string `json:"catalog_ttl,omitempty"`
}

// GatewayConfig selects the chat gateway. Kind is "onebot" or "telegram".
type GatewayConfig struct {
	Kind     string         `json:"kind"`
	OneBot   OneBotConfig   `json:"onebot,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type OneBotConfig struct {
	URL           string `json:"url"`
	AccessToken   string `json:"access_token,omitempty"` // do not log
	ActionTimeout string `json:"action_timeout,omitempty"`
	ReconnectMin  string `json:"reconnect_min,omitempty"`
	ReconnectMax  string `json:"reconnect_max,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token"` // do not log
	PollTimeout string `json:"poll_timeout,omitempty"`
	APIURL      string `json:"api_url,omitempty"`
}

// BotConfig controls chat command handling.
type BotConfig struct {
	Prefix    string  `json:"prefix,omitempty"` // default "charge"
	Operators []int64 `json:"operators,omitempty"`
	// WorkGroup is the bot's home group: always allowed, always a broadcast target.
	WorkGroup     int64   `json:"work_group,omitempty"`
	AllowedGroups []int64 `json:"allowed_groups,omitempty"`

	MaxThreshold   int    `json:"max_threshold,omitempty"`   // default 5
	DefaultMinutes int    `json:"default_minutes,omitempty"` // default max_minutes
	MaxMinutes     int    `json:"max_minutes,omitempty"`     // default 1440
	Workers        int    `json:"workers,omitempty"`
	CommandTimeout string `json:"command_timeout,omitempty"`
}

type PollerConfig struct {
	Interval      string `json:"interval,omitempty"` // default "15s"
	Concurrency   int    `json:"concurrency,omitempty"`
	QueryTimeout  string `json:"query_timeout,omitempty"`
	NotifyTimeout string `json:"notify_timeout,omitempty"`
	// RearmAfter re-activates fired subscriptions; "0s" disables.
	RearmAfter string `json:"rearm_after,omitempty"`
}

type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	SendTimeout     string `json:"send_timeout,omitempty"`
}

type BroadcastConfig struct {
	Enabled    bool `json:"enabled"`
	Workers    int  `json:"workers,omitempty"`
	RatePerSec int  `json:"rate_per_sec,omitempty"`
	RetryMax   int  `json:"retry_max,omitempty"`
}

// StorageConfig controls the audit trail.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./chargewatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Operator LoggingOperator `json:"operator"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingOperator forwards WARN+ log lines to the operators' private chats.
type LoggingOperator struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerMin int    `json:"rate_per_min"`
}

// OpsConfig controls the health/metrics/pprof HTTP server.
//
// Security note: bind to localhost, or set a token or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
