package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"vsync/internal/config"
	"vsync/internal/vsync"
	logx "vsync/pkg/logx"
)

// ActionFactory builds the callback of a configured client.
type ActionFactory func(cc config.ClientConfig) (vsync.Func, error)

// Actions maps the "action" key of a client config to a callback factory.
//
// Built-in actions:
//   - log: writes one line per tick; kwargs.level picks the level (default info)
//   - noop: does nothing (useful to exercise the scheduler or the journal)
//   - counter: counts ticks per client; see Count
type Actions struct {
	log logx.Logger

	mu        sync.RWMutex
	factories map[string]ActionFactory
	counters  map[string]*atomic.Int64
}

func NewActions(log logx.Logger) *Actions {
	a := &Actions{
		log:       log,
		factories: map[string]ActionFactory{},
		counters:  map[string]*atomic.Int64{},
	}
	a.factories["log"] = a.logAction
	a.factories["noop"] = noopAction
	a.factories["counter"] = a.counterAction
	return a
}

// Register adds a custom action. Names are case-insensitive and must be unique.
func (a *Actions) Register(name string, f ActionFactory) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || f == nil {
		return fmt.Errorf("action: name and factory are required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.factories[key]; ok {
		return fmt.Errorf("action %q already registered", key)
	}
	a.factories[key] = f
	return nil
}

func (a *Actions) Known(name string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.factories[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

func (a *Actions) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.factories))
	for k := range a.factories {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func (a *Actions) Build(cc config.ClientConfig) (vsync.Func, error) {
	a.mu.RLock()
	f, ok := a.factories[strings.ToLower(strings.TrimSpace(cc.Action))]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("client %q: unknown action %q", cc.Name, cc.Action)
	}
	return f(cc)
}

// Count returns how many times the counter client name has ticked since it was built.
func (a *Actions) Count(name string) int64 {
	a.mu.RLock()
	c := a.counters[name]
	a.mu.RUnlock()
	if c == nil {
		return 0
	}
	return c.Load()
}

func noopAction(config.ClientConfig) (vsync.Func, error) {
	return func(context.Context, vsync.Call) (any, error) { return nil, nil }, nil
}

func (a *Actions) counterAction(cc config.ClientConfig) (vsync.Func, error) {
	n := &atomic.Int64{}
	a.mu.Lock()
	a.counters[strings.TrimSpace(cc.Name)] = n
	a.mu.Unlock()
	return func(context.Context, vsync.Call) (any, error) { return n.Add(1), nil }, nil
}

func (a *Actions) logAction(cc config.ClientConfig) (vsync.Func, error) {
	level := "info"
	if raw, ok := cc.Kwargs["level"]; ok {
		s, isStr := raw.(string)
		if !isStr {
			return nil, fmt.Errorf("client %q: kwargs.level must be a string", cc.Name)
		}
		level = s
	}
	lvl, ok := logx.ParseLevel(level)
	if !ok {
		return nil, fmt.Errorf("client %q: unknown log level %q", cc.Name, level)
	}
	log := a.log.With(logx.String("client", cc.Name))

	return func(_ context.Context, call vsync.Call) (any, error) {
		fields := make([]logx.Field, 0, 4)
		if call.DT.Valid {
			fields = append(fields, logx.Duration("dt", call.DT.Value))
		}
		if call.Time.Valid {
			fields = append(fields, logx.Duration("elapsed", call.Time.Value))
		}
		if len(call.Args) > 0 {
			fields = append(fields, logx.Any("args", call.Args))
		}
		if len(call.Kwargs) > 0 {
			fields = append(fields, logx.Any("kwargs", call.Kwargs))
		}
		logAt(log, lvl, "tick", fields...)
		return nil, nil
	}, nil
}

func logAt(log logx.Logger, lvl logx.Level, msg string, fields ...logx.Field) {
	switch lvl {
	case logx.LevelTrace:
		log.Trace(msg, fields...)
	case logx.LevelDebug:
		log.Debug(msg, fields...)
	case logx.LevelWarn:
		log.Warn(msg, fields...)
	case logx.LevelError:
		log.Error(msg, fields...)
	default:
		log.Info(msg, fields...)
	}
}
