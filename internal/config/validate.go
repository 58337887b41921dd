package config

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"vsync/internal/vsync"
	logx "vsync/pkg/logx"
)

// Validate reports every problem in cfg at once (errors.Join).
// known reports whether an action name is registered; nil accepts any action.
func Validate(cfg *Config, known func(action string) bool) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			add("logging.level: unknown level %q", lvl)
		}
	}

	if p := cfg.Scheduler.LagWarnPerSec; p != nil && (math.IsNaN(*p) || *p < 0) {
		add("scheduler.lag_warn_per_sec: must be >= 0, got %v", *p)
	}
	if _, err := Duration("scheduler.shutdown_timeout", cfg.Scheduler.ShutdownTimeout, 0); err != nil {
		errs = append(errs, err)
	}

	if s := cfg.Storage; s != nil {
		switch d := strings.ToLower(strings.TrimSpace(s.Driver)); d {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add("storage.path: required for driver %q", d)
			}
		default:
			add("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := Duration("storage.busy_timeout", s.BusyTimeout, 0); err != nil {
			errs = append(errs, err)
		}
		if s.MaxRows < 0 {
			add("storage.max_rows: must be >= 0")
		}
		if s.MaxBytes < 0 {
			add("storage.max_bytes: must be >= 0")
		}
	}

	seen := make(map[string]int, len(cfg.Clients))
	for i, c := range cfg.Clients {
		field := fmt.Sprintf("clients[%d]", i)
		name := strings.TrimSpace(c.Name)
		switch {
		case name == "":
			add("%s.name: required", field)
		case seen[name] > 0:
			add("%s.name: duplicate client %q (also clients[%d])", field, name, seen[name]-1)
		default:
			seen[name] = i + 1
		}

		action := strings.TrimSpace(c.Action)
		if action == "" {
			add("%s.action: required", field)
		} else if known != nil && !known(action) {
			add("%s.action: unknown action %q", field, action)
		}

		if strings.TrimSpace(c.Rate) != "" {
			if _, err := vsync.ParseRate(c.Rate); err != nil {
				add("%s.rate: %w", field, err)
			}
		}
		if _, err := Duration(field+".offset", c.Offset, 0); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Hz resolves the client's rate; an empty rate is vsync.DefaultFrequency.
func (c ClientConfig) Hz() (float64, error) {
	if strings.TrimSpace(c.Rate) == "" {
		return vsync.DefaultFrequency, nil
	}
	return vsync.ParseRate(c.Rate)
}
