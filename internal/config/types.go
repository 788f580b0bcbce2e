package config

// Config is the full on-disk configuration.
//
// All durations are Go duration strings (e.g. "35m", "2h", "5s").
// The file may be JSON or YAML; YAML is coerced to JSON and decoded
// strictly (unknown fields are rejected).
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Sched    SchedConfig    `json:"sched,omitempty"`
	Notify   NotifyConfig   `json:"notify,omitempty"`
	Tracker  TrackerConfig  `json:"tracker,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`

	// Announce channels per resource kind, and an ops channel for
	// escalated log lines.
	PlantChat int64 `json:"plant_chat"`
	PanelChat int64 `json:"panel_chat"`
	OpsChat   int64 `json:"ops_chat,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LogFileConfig     `json:"file,omitempty"`
	Chat    ChatLoggingConfig `json:"chat,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// ChatLoggingConfig mirrors log lines into the ops chat. MinLevel defaults
// to "ERROR" so only escalations reach operators.
type ChatLoggingConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the resource store driver.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process store, lost on restart (tests, dry runs)
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SchedConfig controls the timer service's execution pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "10s"
type SchedConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

type NotifyConfig struct {
	SendTimeout string `json:"send_timeout,omitempty"` // default "5s"
	RatePerSec  int    `json:"rate_per_sec,omitempty"` // default 3
	AckTTL      string `json:"ack_ttl,omitempty"`      // default "24h"
}

// TrackerConfig overrides the per-kind reminder timings and the reaper.
type TrackerConfig struct {
	Plants TimingConfig `json:"plants,omitempty"`
	Panels TimingConfig `json:"panels,omitempty"`
	Reap   ReapConfig   `json:"reap,omitempty"`
}

type TimingConfig struct {
	FirstReminder  string `json:"first_reminder,omitempty"`
	SecondReminder string `json:"second_reminder,omitempty"`
	CollectEvery   string `json:"collect_every,omitempty"` // panels only
}

type ReapConfig struct {
	Every     string `json:"every,omitempty"`     // default "24h"
	Retention string `json:"retention,omitempty"` // default "168h" (7 days)
}
