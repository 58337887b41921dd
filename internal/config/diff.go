package config

import (
	"reflect"
	"slices"
	"strings"

	logx "vsync/pkg/logx"
)

// ClientDiff is what changed in the clients list between two configs.
// Entries are keyed by trimmed name and keep the new file's order.
type ClientDiff struct {
	Added   []ClientConfig
	Removed []ClientConfig

	// Rebuilt clients changed action, args, kwargs, flags or offset and must be
	// unregistered and registered again.
	Rebuilt []ClientConfig

	// Adjusted clients only changed rate and/or enabled; they keep their schedule.
	Adjusted []ClientConfig
}

func (d ClientDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Rebuilt) == 0 && len(d.Adjusted) == 0
}

func DiffClients(oldList, newList []ClientConfig) ClientDiff {
	index := func(list []ClientConfig) map[string]ClientConfig {
		m := make(map[string]ClientConfig, len(list))
		for _, c := range list {
			m[strings.TrimSpace(c.Name)] = c
		}
		return m
	}
	oldM, newM := index(oldList), index(newList)

	var d ClientDiff
	for _, c := range oldList {
		if _, ok := newM[strings.TrimSpace(c.Name)]; !ok {
			d.Removed = append(d.Removed, c)
		}
	}
	for _, c := range newList {
		prev, ok := oldM[strings.TrimSpace(c.Name)]
		switch {
		case !ok:
			d.Added = append(d.Added, c)
		case prev.shape() != c.shape():
			d.Rebuilt = append(d.Rebuilt, c)
		case strings.TrimSpace(prev.Rate) != strings.TrimSpace(c.Rate) || prev.IsEnabled() != c.IsEnabled():
			d.Adjusted = append(d.Adjusted, c)
		}
	}
	return d
}

// SummarizeConfigChange returns the sorted list of changed sections and safe
// structured fields for a single "config reloaded" log line.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 5)
	fields := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		if p := newCfg.Scheduler.LagWarnPerSec; p != nil {
			fields = append(fields, logx.Float64("scheduler.lag_warn_per_sec", *p))
		}
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver := "none"
		if newCfg.Storage != nil && strings.TrimSpace(newCfg.Storage.Driver) != "" {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
		}
		fields = append(fields, logx.String("storage.driver", driver))
	}
	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		fields = append(fields,
			logx.Bool("systemd.watchdog", newCfg.Systemd.Watchdog),
			logx.Bool("systemd.notify", newCfg.Systemd.Notify),
		)
	}
	if d := DiffClients(oldCfg.Clients, newCfg.Clients); !d.Empty() {
		changed = append(changed, "clients")
		fields = append(fields,
			logx.Int("clients.added", len(d.Added)),
			logx.Int("clients.removed", len(d.Removed)),
			logx.Int("clients.rebuilt", len(d.Rebuilt)),
			logx.Int("clients.adjusted", len(d.Adjusted)),
		)
	}

	slices.Sort(changed)
	return changed, fields
}
