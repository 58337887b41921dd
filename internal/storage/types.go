package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

const (
	DefaultMaxRows  = 100_000
	DefaultMaxBytes = 16 << 20
)

// Config configures the invocation journal.
//
// Driver values:
//   - "file": JSON Lines file, rotated to <path>.1 once it exceeds MaxBytes
//   - "sqlite": SQLite database (modernc.org/sqlite, no cgo), pruned to MaxRows
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxRows     int           // sqlite only; 0 means DefaultMaxRows
	MaxBytes    int64         // file only; 0 means DefaultMaxBytes
}

// InvocationEntry records one callback invocation.
// Keep it compact and schema-stable: both drivers persist every field.
type InvocationEntry struct {
	Session string        `json:"session"`
	Client  string        `json:"client"`
	At      time.Time     `json:"at"`
	DT      time.Duration `json:"dt_ns,omitempty"`
	Elapsed time.Duration `json:"elapsed_ns,omitempty"`
	Skipped int64         `json:"skipped,omitempty"`
	TookMS  int64         `json:"took_ms"`
	Error   string        `json:"error,omitempty"`
}
