package vsync

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"vsync/internal/eventbus"
	logx "vsync/pkg/logx"
)

// Invocation describes one completed callback call.
type Invocation struct {
	Client   *Client
	Name     string
	At       time.Time
	DT       Elapsed
	Time     Elapsed
	Skipped  int64
	NextCall time.Time
	Duration time.Duration
	Value    any
}

// ClientInfo is a point-in-time view of a client, for diagnostics.
type ClientInfo struct {
	Name      string
	Frequency float64
	Enabled   bool
	Started   time.Time
	NextCall  time.Time
	LastCall  time.Time
}

type Snapshot struct {
	Running   bool
	LastError string
	Clients   []ClientInfo
}

// Scheduler drives registered clients from a single loop.
//
// One mutex guards the client list and every client's scheduling fields; callbacks run
// without it, so they may register, unregister, enable or disable clients (including
// themselves). Advance calls are serialized: a manual Advance issued while the
// background loop runs waits for the loop's current tick. Calling Advance or Run from
// inside a callback of the same scheduler deadlocks and is not supported. An idle loop
// has its own wake signal, so a manual Advance sleeping at the same time cannot swallow it.
type Scheduler struct {
	mu      sync.Mutex
	clients []*Client // registration order
	seq     uint64

	// changed wakes a sleeping Advance when the client set changes.
	changed chan struct{}
	// idle wakes a loop parked with nothing enabled.
	idle chan struct{}
	tick sync.Mutex

	runMu   sync.Mutex
	run     *runState
	lastErr error

	clock Clock
	log   logx.Logger
	bus   eventbus.Bus
	lag   *rate.Limiter
}

type Option func(*Scheduler)

func WithClock(c Clock) Option { return func(s *Scheduler) { s.clock = c } }

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(s *Scheduler) { s.bus = bus } }

// WithLagWarnRate bounds how many "periods skipped" warnings are logged per second.
// Lag events are always published on the bus; perSec <= 0 silences the log line.
func WithLagWarnRate(perSec float64) Option {
	return func(s *Scheduler) { s.lag = newLagLimiter(perSec) }
}

func newLagLimiter(perSec float64) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(0, 0)
	}
	return rate.NewLimiter(rate.Limit(perSec), 1)
}

// SetLagWarnRate changes the lag warning budget of a live scheduler.
func (s *Scheduler) SetLagWarnRate(perSec float64) {
	if perSec <= 0 {
		s.lag.SetBurst(0)
		s.lag.SetLimit(0)
		return
	}
	s.lag.SetLimit(rate.Limit(perSec))
	s.lag.SetBurst(1)
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		changed: make(chan struct{}, 1),
		idle:    make(chan struct{}, 1),
		clock:   SystemClock,
		lag:     newLagLimiter(1),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.clock == nil {
		s.clock = SystemClock
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// ---- registration ----

// Register makes c due immediately (or after its offset) and returns it as the handle
// for later lookup or removal.
func (s *Scheduler) Register(c *Client) (*Client, error) {
	if c == nil {
		return nil, invalidf("client is nil")
	}
	claimed := c.owner.CompareAndSwap(nil, s)
	if !claimed && c.owner.Load() != s {
		return nil, invalidf("client %q belongs to another scheduler", c.name)
	}

	s.mu.Lock()
	if slices.Contains(s.clients, c) {
		s.mu.Unlock()
		return nil, invalidf("client %q is already registered", c.name)
	}
	if c.name != "" && s.lookupLocked(c.name) != nil {
		s.mu.Unlock()
		if claimed {
			c.owner.Store(nil)
		}
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, c.name)
	}
	now := s.clock.Now()
	c.started = now
	c.nextCall = now.Add(c.offset)
	c.lastCall = time.Time{}
	s.seq++
	c.seq = s.seq
	s.clients = append(s.clients, c)
	freq := c.frequency
	total := len(s.clients)
	s.mu.Unlock()

	s.notify()
	s.log.Debug("client registered", logx.String("name", c.name), logx.Float64("hz", freq), logx.Int("clients", total))
	s.publish(EventRegistered, LifecycleEvent{Name: c.name, Frequency: freq})
	return c, nil
}

// Add builds a client and registers it. Nothing is added when construction fails.
func (s *Scheduler) Add(fn Func, opts ...ClientOption) (*Client, error) {
	c, err := NewClient(fn, opts...)
	if err != nil {
		return nil, err
	}
	return s.Register(c)
}

// Unregister removes c. It is a no-op when c is not registered here.
// An invocation of c already in flight completes; c is never selected afterwards.
// The removed client may then be registered with any scheduler.
func (s *Scheduler) Unregister(c *Client) {
	if c == nil {
		return
	}
	s.mu.Lock()
	i := slices.Index(s.clients, c)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	s.clients = slices.Delete(s.clients, i, i+1)
	c.owner.CompareAndSwap(s, nil)
	s.mu.Unlock()

	s.notify()
	s.log.Debug("client unregistered", logx.String("name", c.name))
	s.publish(EventUnregistered, LifecycleEvent{Name: c.name})
}

// Lookup returns the first client registered under name, or nil.
func (s *Scheduler) Lookup(name string) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(name)
}

func (s *Scheduler) lookupLocked(name string) *Client {
	for _, c := range s.clients {
		if c.name == name {
			return c
		}
	}
	return nil
}

// Clients returns all registered clients in registration order.
func (s *Scheduler) Clients() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.clients)
}

// EnabledClients returns the enabled clients in registration order.
func (s *Scheduler) EnabledClients() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.enabled {
			out = append(out, c)
		}
	}
	return out
}

// NextDue returns the enabled client with the earliest next call; ties go to the
// earliest registration. Nil when no client is enabled.
func (s *Scheduler) NextDue() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextDueLocked()
}

func (s *Scheduler) nextDueLocked() *Client {
	var best *Client
	for _, c := range s.clients {
		if !c.enabled {
			continue
		}
		if best == nil || c.nextCall.Before(best.nextCall) {
			best = c
		}
	}
	return best
}

func (s *Scheduler) hasEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextDueLocked() != nil
}

// SetEnabled enables or disables c. A re-enabled client keeps its next call, so it is
// due immediately when that instant already passed. A client registered with another
// scheduler is left untouched.
func (s *Scheduler) SetEnabled(c *Client, on bool) {
	if c == nil {
		return
	}
	if o := c.owner.Load(); o != nil && o != s {
		s.log.Warn("SetEnabled ignored: client belongs to another scheduler", logx.String("name", c.name))
		return
	}
	unlock := c.lock()
	c.enabled = on
	unlock()
	s.notify()
}

// SetFrequency changes the call rate of c; it applies from the next reschedule.
func (s *Scheduler) SetFrequency(c *Client, hz float64) error {
	if c == nil {
		return invalidf("client is nil")
	}
	if o := c.owner.Load(); o != nil && o != s {
		return invalidf("client %q belongs to another scheduler", c.name)
	}
	period, err := periodOf(hz)
	if err != nil {
		return err
	}
	unlock := c.lock()
	c.frequency = hz
	c.period = period
	unlock()
	s.notify()
	return nil
}

func (s *Scheduler) notify() {
	for _, ch := range []chan struct{}{s.changed, s.idle} {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// ---- ticking ----

// Advance serves the next due client.
//
// Non-blocking: returns (nil, nil) unless the next client's due time is strictly in
// the past. Blocking: sleeps until it is due; the sleep restarts when the client set
// changes and returns (nil, ctx.Err()) when ctx ends. With no enabled clients both
// modes return (nil, nil) immediately.
//
// The client is rescheduled before its callback runs, so a failing callback is not
// re-fired for the period it already consumed. A callback failure is returned as a
// *CallbackError.
func (s *Scheduler) Advance(ctx context.Context, block bool) (*Invocation, error) {
	return s.advance(ctx, block, nil)
}

type wakeReason int

const (
	wakeTimer wakeReason = iota
	wakeChanged
	wakeStopped
)

func (s *Scheduler) advance(ctx context.Context, block bool, stop <-chan struct{}) (*Invocation, error) {
	s.tick.Lock()
	defer s.tick.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.mu.Lock()
		c := s.nextDueLocked()
		if c == nil {
			s.mu.Unlock()
			return nil, nil
		}
		now := s.clock.Now()
		wait := c.nextCall.Sub(now)
		if !block && wait >= 0 {
			s.mu.Unlock()
			return nil, nil
		}
		if block && wait > 0 {
			s.mu.Unlock()
			why, err := s.sleep(ctx, wait, stop)
			if err != nil {
				return nil, err
			}
			if why == wakeStopped {
				return nil, nil
			}
			// Re-select: the client set may have changed while sleeping.
			continue
		}

		call := c.call(now)
		c.lastCall = now
		skipped := c.reschedule(now)
		next := c.nextCall
		s.mu.Unlock()

		return s.invoke(ctx, c, call, skipped, next)
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration, stop <-chan struct{}) (wakeReason, error) {
	t := s.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
		return wakeTimer, nil
	case <-s.changed:
		return wakeChanged, nil
	case <-stop:
		return wakeStopped, nil
	case <-ctx.Done():
		return wakeStopped, ctx.Err()
	}
}

func (s *Scheduler) invoke(ctx context.Context, c *Client, call Call, skipped int64, next time.Time) (*Invocation, error) {
	if skipped > 0 {
		s.noteLag(call, skipped)
	}

	start := s.clock.Now()
	val, err := runCallback(ctx, c, call)
	took := s.clock.Now().Sub(start)

	ev := InvocationEvent{Name: call.Name, At: call.At, DT: call.DT.Value, Elapsed: call.Time.Value, Skipped: skipped, Duration: took}
	if err != nil {
		ev.Error = err.Error()
		fields := []logx.Field{logx.String("name", call.Name), logx.Err(err), logx.Duration("took", took)}
		var ce *CallbackError
		if errors.As(err, &ce) && ce.Stack != "" {
			fields = append(fields, logx.Stack(ce.Stack))
		}
		s.log.Error("callback failed", fields...)
		s.publish(EventFailed, ev)
		return nil, err
	}

	s.log.Trace("client invoked", logx.String("name", call.Name), logx.Duration("took", took), logx.Time("next", next))
	s.publish(EventInvoked, ev)
	return &Invocation{
		Client:   c,
		Name:     call.Name,
		At:       call.At,
		DT:       call.DT,
		Time:     call.Time,
		Skipped:  skipped,
		NextCall: next,
		Duration: took,
		Value:    val,
	}, nil
}

// runCallback brackets the call with the client's scope; Exit runs even on panic.
func runCallback(ctx context.Context, c *Client, call Call) (any, error) {
	if c.scope != nil {
		if err := c.scope.Enter(ctx); err != nil {
			return nil, &CallbackError{Name: call.Name, Err: fmt.Errorf("enter scope: %w", err)}
		}
	}
	val, err := callSafely(ctx, c.fn, call)
	if c.scope != nil {
		c.scope.Exit(err)
	}
	return val, err
}

func callSafely(ctx context.Context, fn Func, call Call) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			val = nil
			err = &CallbackError{Name: call.Name, Err: fmt.Errorf("panic: %v", r), Panic: r, Stack: string(debug.Stack())}
		}
	}()
	val, err = fn(ctx, call)
	if err != nil {
		err = &CallbackError{Name: call.Name, Err: err}
	}
	return val, err
}

func (s *Scheduler) noteLag(call Call, skipped int64) {
	if s.lag.Allow() {
		s.log.Warn("client lagging; periods skipped", logx.String("name", call.Name), logx.Int64("skipped", skipped))
	}
	s.publish(EventLagging, InvocationEvent{Name: call.Name, At: call.At, Skipped: skipped})
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: data})
}

// ---- diagnostics ----

func (s *Scheduler) Snapshot() Snapshot {
	snap := Snapshot{Running: s.Running()}
	if err := s.Err(); err != nil {
		snap.LastError = err.Error()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.Clients = make([]ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		snap.Clients = append(snap.Clients, ClientInfo{
			Name:      c.name,
			Frequency: c.frequency,
			Enabled:   c.enabled,
			Started:   c.started,
			NextCall:  c.nextCall,
			LastCall:  c.lastCall,
		})
	}
	return snap
}
