package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"

	"vsync/internal/config"
	"vsync/internal/eventbus"
	"vsync/internal/runtime/supervisor"
	"vsync/internal/storage"
	"vsync/internal/vsync"
	logx "vsync/pkg/logx"
)

const defaultShutdownTimeout = 5 * time.Second

// App wires a config file to a running scheduler: it builds the configured clients,
// journals their invocations, follows config edits and talks to systemd.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service // nil when the caller supplied a logger
	bus   eventbus.Bus
	store storage.Store

	sched   *vsync.Scheduler
	actions *Actions
	sd      systemdPort

	session string

	journalEvents <-chan eventbus.Event
	unsubJournal  func()

	stopOnce sync.Once
}

type options struct {
	clock   vsync.Clock
	log     logx.Logger
	sd      systemdPort
	actions []namedAction
}

type namedAction struct {
	name string
	f    ActionFactory
}

type Option func(*options)

// WithClock drives the scheduler from c instead of the system clock.
func WithClock(c vsync.Clock) Option { return func(o *options) { o.clock = c } }

// WithLogger replaces the logging service built from the "logging" section.
// Logging changes in reloaded configs are then ignored.
func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithAction registers a custom action before the configured clients are built.
func WithAction(name string, f ActionFactory) Option {
	return func(o *options) { o.actions = append(o.actions, namedAction{name: name, f: f}) }
}

func withSystemd(sd systemdPort) Option { return func(o *options) { o.sd = sd } }

func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{sd: sdDaemon{}}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var logSvc *logx.Service
	log := o.log
	if log.IsZero() {
		logSvc, log = logx.New(mapLogConfig(cfg))
	}
	session := uuid.NewString()
	log = log.With(logx.String("session", session))

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		actions: NewActions(log.With(logx.String("comp", "actions"))),
		sd:      o.sd,
		session: session,
	}
	fail := func(err error) (*App, error) {
		if a.store != nil {
			_ = a.store.Close()
		}
		if logSvc != nil {
			_ = logSvc.Close()
		}
		return nil, err
	}

	for _, na := range o.actions {
		if err := a.actions.Register(na.name, na.f); err != nil {
			return fail(err)
		}
	}
	if err := a.validate(cfg); err != nil {
		return fail(fmt.Errorf("invalid config %s: %w", cfgPath, err))
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return fail(err)
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return fail(err)
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	a.sched = vsync.New(
		vsync.WithClock(o.clock),
		vsync.WithBus(a.bus),
		vsync.WithLogger(log.With(logx.String("comp", "scheduler"))),
		vsync.WithLagWarnRate(lagWarnRate(cfg)),
	)
	for _, cc := range cfg.Clients {
		c, err := a.buildClient(cc)
		if err != nil {
			return fail(err)
		}
		if _, err := a.sched.Register(c); err != nil {
			return fail(err)
		}
	}
	return a, nil
}

// validate is also installed as the reload validator: a file that fails it is never
// committed.
func (a *App) validate(cfg *config.Config) error { return validateWith(cfg, a.actions.Known) }

// ValidateConfig checks cfg against the built-in actions.
func ValidateConfig(cfg *config.Config) error {
	return validateWith(cfg, NewActions(logx.Nop()).Known)
}

func validateWith(cfg *config.Config, known func(string) bool) error {
	err := config.Validate(cfg, known)
	if cfg == nil {
		return err
	}
	for i, cc := range cfg.Clients {
		if strings.TrimSpace(cc.Name) == WatchdogClient {
			err = errors.Join(err, fmt.Errorf("clients[%d].name: %q is reserved", i, WatchdogClient))
		}
	}
	return err
}

func (a *App) buildClient(cc config.ClientConfig) (*vsync.Client, error) {
	name := strings.TrimSpace(cc.Name)
	fn, err := a.actions.Build(cc)
	if err != nil {
		return nil, err
	}
	hz, err := cc.Hz()
	if err != nil {
		return nil, fmt.Errorf("client %q: %w", name, err)
	}
	offset, err := config.Duration("clients."+name+".offset", cc.Offset, 0)
	if err != nil {
		return nil, err
	}
	return vsync.NewClient(fn,
		vsync.WithName(name),
		vsync.WithFrequency(hz),
		vsync.WithArgs(cc.Args...),
		vsync.WithKwargs(cc.Kwargs),
		vsync.WithDT(cc.WantDT),
		vsync.WithTime(cc.WantTime),
		vsync.WithEnabled(cc.IsEnabled()),
		vsync.WithOffset(offset),
	)
}

func lagWarnRate(cfg *config.Config) float64 {
	if cfg == nil || cfg.Scheduler.LagWarnPerSec == nil {
		return 1
	}
	return *cfg.Scheduler.LagWarnPerSec
}

func (a *App) Scheduler() *vsync.Scheduler { return a.sched }

// Store is nil when the journal is disabled.
func (a *App) Store() storage.Store { return a.store }

func (a *App) Actions() *Actions { return a.actions }

func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Session identifies this process in journal entries.
func (a *App) Session() string { return a.session }

// ShutdownTimeout is scheduler.shutdown_timeout of the current config (default 5s).
func (a *App) ShutdownTimeout() time.Duration {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return defaultShutdownTimeout
	}
	d, err := config.Duration("scheduler.shutdown_timeout", cfg.Scheduler.ShutdownTimeout, defaultShutdownTimeout)
	if err != nil {
		return defaultShutdownTimeout
	}
	return d
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, typically a
// *vsync.CallbackError that ended the scheduler loop.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return a.validate(cfg) })

	if err := a.registerWatchdog(); err != nil {
		a.sup.Cancel()
		return err
	}

	// Subscribe before the loop starts so the first invocations are journaled.
	if a.store != nil {
		events, unsub := a.bus.Subscribe(journalBuffer, vsync.EventInvoked, vsync.EventFailed)
		a.journalEvents, a.unsubJournal = events, unsub
		a.sup.GoRestart("journal", 250*time.Millisecond, 5*time.Second, func(c context.Context) error {
			return a.runJournal(c, events)
		})
	}

	lifecycle, unsubLifecycle := a.bus.Subscribe(64,
		vsync.EventRegistered, vsync.EventUnregistered, vsync.EventStarted, vsync.EventStopped, vsync.EventFailed)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsubLifecycle()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-lifecycle:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	a.sup.Go("scheduler", a.sched.Run)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				newCfg = latest(sub, newCfg)
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.notifySystemd(daemon.SdNotifyReady)
	a.log.Info("app started", logx.Int("clients", len(a.sched.Clients())), logx.String("config", a.cfgm.Path()))
	return nil
}

// latest coalesces a burst of reloads into the newest config.
func latest(sub <-chan *config.Config, cfg *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cfg
			}
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}

// applyConfig moves the running app from prev to next. Storage and systemd settings
// are only read at startup.
func (a *App) applyConfig(prev, next *config.Config) {
	if next == nil {
		return
	}
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage", "systemd":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	if a.logs != nil {
		a.logs.Apply(mapLogConfig(next))
	}
	a.sched.SetLagWarnRate(lagWarnRate(next))

	var prevClients []config.ClientConfig
	if prev != nil {
		prevClients = prev.Clients
	}
	a.applyClients(config.DiffClients(prevClients, next.Clients))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// applyClients keeps the schedule of adjusted clients; rebuilt ones start over.
// A client that cannot be built is skipped with a warning and the previous one kept.
func (a *App) applyClients(d config.ClientDiff) {
	if d.Empty() {
		return
	}
	for _, cc := range d.Removed {
		a.sched.Unregister(a.sched.Lookup(strings.TrimSpace(cc.Name)))
	}
	for _, cc := range d.Rebuilt {
		name := strings.TrimSpace(cc.Name)
		c, err := a.buildClient(cc)
		if err != nil {
			a.log.Warn("client rebuild failed; keeping previous", logx.String("client", name), logx.Err(err))
			continue
		}
		a.sched.Unregister(a.sched.Lookup(name))
		a.register(c)
	}
	for _, cc := range d.Adjusted {
		name := strings.TrimSpace(cc.Name)
		c := a.sched.Lookup(name)
		if c == nil {
			a.add(cc)
			continue
		}
		hz, err := cc.Hz()
		if err == nil {
			err = a.sched.SetFrequency(c, hz)
		}
		if err != nil {
			a.log.Warn("client rate change rejected", logx.String("client", name), logx.Err(err))
		}
		a.sched.SetEnabled(c, cc.IsEnabled())
	}
	for _, cc := range d.Added {
		a.add(cc)
	}
	a.log.Debug("clients updated",
		logx.Int("added", len(d.Added)),
		logx.Int("removed", len(d.Removed)),
		logx.Int("rebuilt", len(d.Rebuilt)),
		logx.Int("adjusted", len(d.Adjusted)),
	)
}

func (a *App) add(cc config.ClientConfig) {
	c, err := a.buildClient(cc)
	if err != nil {
		a.log.Warn("client build failed", logx.String("client", strings.TrimSpace(cc.Name)), logx.Err(err))
		return
	}
	a.register(c)
}

func (a *App) register(c *vsync.Client) {
	if _, err := a.sched.Register(c); err != nil {
		a.log.Warn("client register failed", logx.String("client", c.Name()), logx.Err(err))
	}
}

// Stop shuts the app down once; later calls return nil. An app that was never
// started only releases its storage and log file.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.stopOnce.Do(func() { a.stop(ctx, reason) })
	return nil
}

func (a *App) stop(ctx context.Context, reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	if a.sup != nil {
		a.notifySystemd(daemon.SdNotifyStopping)
		// The scheduler loop exits once its in-flight callback returns.
		a.sup.Cancel()
		a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
	}
	if a.unsubJournal != nil {
		a.unsubJournal()
		a.drainJournal(a.journalEvents)
	}
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// step runs one shutdown step bounded by max and by ctx, whichever ends first.
// A step that overruns is left running and reported when it eventually returns.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
