package app

import (
	"strings"
	"time"

	"vsync/internal/config"
	"vsync/internal/storage"
	logx "vsync/pkg/logx"
)

// mapStorageConfig converts the config section; enabled is false for a nil section
// or driver "none".
func mapStorageConfig(cfg *config.Config) (sc storage.Config, enabled bool, err error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	src := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(src.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.Duration("storage.busy_timeout", src.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(src.Path),
		BusyTimeout: busy,
		MaxRows:     src.MaxRows,
		MaxBytes:    src.MaxBytes,
	}, true, nil
}

// OpenJournal opens the store configured in cfg. It fails with storage.ErrDisabled
// when the journal is off.
func OpenJournal(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, storage.ErrDisabled
	}
	return storage.Open(sc, log)
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}
