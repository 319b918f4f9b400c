package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected so typos surface on load and on hot reload.
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Storage  StorageConfig   `json:"storage"`
	Sweep    SweepConfig     `json:"sweep"`
	Dispatch DispatchConfig  `json:"dispatch"`
	Telegram TelegramConfig  `json:"telegram,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Ops      OpsConfig       `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the reminder store. Changes require a restart.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/bangremind.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://app@db/bangremind?sslmode=disable" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`          // do not log
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// SweepConfig controls the due-reminder sweep.
//
// Interval accepts a Go duration ("60s"), a cron expression
// ("*/15 * * * *", seconds optional) or a daily "HH:MM".
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - interval: "60s"
//   - batch_limit: 100
//   - workers: 4
//   - stuck_after: "10m"
type SweepConfig struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	Interval   string `json:"interval"`
	BatchLimit int    `json:"batch_limit,omitempty"`
	Workers    int    `json:"workers,omitempty"`
	StuckAfter string `json:"stuck_after,omitempty"`
	RunOnStart bool   `json:"run_on_start,omitempty"`

	// ClaimOwner tags claims made by this instance; default is hostname/uuid.
	ClaimOwner string `json:"claim_owner,omitempty"`
}

// DispatchConfig controls reminder delivery.
//
// Driver values:
//   - "log": write reminders to the log only
//   - "telegram": send via the Telegram bot to the owner's chat
type DispatchConfig struct {
	Driver     string  `json:"driver"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	// Chats maps owner id (as string) to a chat target ("12345", "-100123:7").
	Chats       map[string]string `json:"chats,omitempty"`
	DefaultChat string            `json:"default_chat,omitempty"`

	// Timezones maps owner id to an IANA zone used to show due times.
	Timezones       map[string]string `json:"timezones,omitempty"`
	DefaultTimezone string            `json:"default_timezone,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token,omitempty"` // do not log
	// AlertChat receives operator alerts from the notifier.
	AlertChat string `json:"alert_chat,omitempty"`
	// SendTimeout is a Go duration string.
	SendTimeout string `json:"send_timeout,omitempty"`
}

// NotifierConfig controls the async operator alert pipeline.
//
// If the whole section is omitted, the notifier defaults to enabled=true.
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
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// OpsConfig controls the operational HTTP server (healthz, status,
// prometheus metrics and pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// SweepEnabled reports the effective sweep.enabled value.
func (c *Config) SweepEnabled() bool {
	if c == nil || c.Sweep.Enabled == nil {
		return true
	}
	return *c.Sweep.Enabled
}
