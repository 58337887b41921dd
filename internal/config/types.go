package config

import (
	"encoding/json"
	"strings"
)

// Config is the whole vsync configuration file.
//
// Example (YAML):
//
//	logging: { level: info, console: true }
//	scheduler: { lag_warn_per_sec: 1 }
//	storage: { driver: sqlite, path: ./data/vsync.db }
//	systemd: { watchdog: true, notify: true }
//	clients:
//	  - { name: heartbeat, rate: 1hz, action: log, want_dt: true }
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Storage is optional; nil disables the invocation journal.
	Storage *StorageConfig `json:"storage,omitempty"`
	Systemd SystemdConfig  `json:"systemd"`

	Clients []ClientConfig `json:"clients"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig tunes the shared scheduler.
//
// LagWarnPerSec bounds the "periods skipped" warnings (default 1/s, 0 silences them).
// It is a pointer so an explicit 0 differs from an omitted value.
type SchedulerConfig struct {
	LagWarnPerSec *float64 `json:"lag_warn_per_sec,omitempty"`

	// ShutdownTimeout is a Go duration string; default "5s".
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// StorageConfig controls the invocation journal.
//
//	"storage": { "driver": "file", "path": "./data/journal.jsonl", "max_bytes": 1048576 }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	// MaxRows caps the sqlite journal (0 = default). MaxBytes rotates the file journal.
	MaxRows  int   `json:"max_rows,omitempty"`
	MaxBytes int64 `json:"max_bytes,omitempty"`
}

type SystemdConfig struct {
	// Watchdog registers a client that pings the systemd watchdog at twice the
	// rate systemd expects. Only effective when WATCHDOG_USEC is set.
	Watchdog bool `json:"watchdog"`
	// Notify sends READY=1 / STOPPING=1 when NOTIFY_SOCKET is set.
	Notify bool `json:"notify"`
}

// ClientConfig declares one periodic client.
//
// Rate accepts anything vsync.ParseRate does ("60", "2hz", "500ms", "@every 5s").
// An empty rate means the scheduler default (60 Hz).
type ClientConfig struct {
	Name     string         `json:"name"`
	Rate     string         `json:"rate,omitempty"`
	Action   string         `json:"action"`
	WantDT   bool           `json:"want_dt,omitempty"`
	WantTime bool           `json:"want_time,omitempty"`
	Enabled  *bool          `json:"enabled,omitempty"`
	Offset   string         `json:"offset,omitempty"`
	Args     []any          `json:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty"`
}

// IsEnabled defaults to true when "enabled" is omitted.
func (c ClientConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// shape hashes everything except rate and enabled: a change here means the client
// must be rebuilt rather than adjusted in place.
func (c ClientConfig) shape() uint64 {
	c.Rate = ""
	c.Enabled = nil
	c.Name = strings.TrimSpace(c.Name)
	b, err := json.Marshal(c)
	if err != nil {
		return 0
	}
	return canonicalHashJSON(b)
}
