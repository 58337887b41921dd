package storage

import (
	"context"
	"fmt"
	"strings"

	logx "vsync/pkg/logx"
)

// Store is the journal API used by the app.
type Store interface {
	AppendInvocation(ctx context.Context, e InvocationEntry) error
	// Recent returns up to n entries, newest first. An empty client matches all.
	Recent(ctx context.Context, client string, n int) ([]InvocationEntry, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
