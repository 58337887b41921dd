package vsync

import (
	"context"
	"maps"
	"math"
	"slices"
	"sync/atomic"
	"time"
)

// DefaultFrequency is used when a client is built without WithFrequency/WithInterval.
const DefaultFrequency = 60.0

// Func is the work performed on every tick of a client.
// The returned value is handed back to whoever drove the scheduler (see Invocation.Value).
type Func func(ctx context.Context, call Call) (any, error)

// Elapsed is an optional duration injected into a Call.
// Valid is false when the client did not ask for it.
type Elapsed struct {
	Value time.Duration
	Valid bool
}

// Seconds returns Value in seconds (0 when not valid).
func (e Elapsed) Seconds() float64 {
	if !e.Valid {
		return 0
	}
	return e.Value.Seconds()
}

// Call carries the arguments of one invocation.
//
// Args and Kwargs are copies of the values bound at construction, so a callback may
// modify them without affecting later calls.
type Call struct {
	Name   string
	At     time.Time
	Args   []any
	Kwargs map[string]any

	// DT is the time since the previous invocation (0 on the first one); set with WithDT.
	DT Elapsed
	// Time is the time since registration; set with WithTime.
	Time Elapsed
}

// Client is one periodic task.
//
// The scheduling fields (next/last call, started) are owned by the Scheduler the client
// is registered with; read them through the accessors, which take the scheduler lock.
type Client struct {
	fn       Func
	name     string
	args     []any
	kwargs   map[string]any
	wantDT   bool
	wantTime bool
	scope    Scope
	offset   time.Duration

	owner atomic.Pointer[Scheduler]
	seq   uint64

	// guarded by owner.mu once registered
	frequency float64
	period    time.Duration
	enabled   bool
	started   time.Time
	nextCall  time.Time
	lastCall  time.Time
}

type ClientOption func(*Client)

func WithName(name string) ClientOption { return func(c *Client) { c.name = name } }

// WithFrequency sets the call rate in Hz.
func WithFrequency(hz float64) ClientOption { return func(c *Client) { c.frequency = hz } }

// WithInterval sets the call rate as a period (1/frequency).
func WithInterval(every time.Duration) ClientOption {
	return func(c *Client) {
		if every <= 0 {
			c.frequency = 0
			return
		}
		c.frequency = float64(time.Second) / float64(every)
	}
}

func WithArgs(args ...any) ClientOption {
	return func(c *Client) { c.args = slices.Clone(args) }
}

func WithKwargs(kwargs map[string]any) ClientOption {
	return func(c *Client) { c.kwargs = maps.Clone(kwargs) }
}

// WithDT injects the time since the previous call as Call.DT.
func WithDT(on bool) ClientOption { return func(c *Client) { c.wantDT = on } }

// WithTime injects the time since registration as Call.Time.
func WithTime(on bool) ClientOption { return func(c *Client) { c.wantTime = on } }

func WithScope(s Scope) ClientOption { return func(c *Client) { c.scope = s } }

func WithEnabled(on bool) ClientOption { return func(c *Client) { c.enabled = on } }

// WithOffset delays the first call to registration time + d.
func WithOffset(d time.Duration) ClientOption { return func(c *Client) { c.offset = d } }

// NewClient builds an unregistered client.
// It fails with ErrInvalidConfiguration for a nil callback or a non-positive frequency.
func NewClient(fn Func, opts ...ClientOption) (*Client, error) {
	c := &Client{
		fn:        fn,
		frequency: DefaultFrequency,
		enabled:   true,
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	if c.fn == nil {
		return nil, invalidf("callback is required")
	}
	period, err := periodOf(c.frequency)
	if err != nil {
		return nil, err
	}
	if c.offset < 0 {
		return nil, invalidf("offset must be >= 0, got %s", c.offset)
	}
	c.period = period
	return c, nil
}

func periodOf(hz float64) (time.Duration, error) {
	if math.IsNaN(hz) || math.IsInf(hz, 0) || hz <= 0 {
		return 0, invalidf("frequency must be > 0, got %v", hz)
	}
	ns := float64(time.Second) / hz
	if ns >= math.MaxInt64 {
		return 0, invalidf("frequency %v Hz is too low", hz)
	}
	p := time.Duration(ns)
	if p <= 0 {
		return 0, invalidf("frequency %v Hz is too high", hz)
	}
	return p, nil
}

// Name is fixed at construction and never changes.
func (c *Client) Name() string { return c.name }

func (c *Client) Frequency() float64 {
	defer c.lock()()
	return c.frequency
}

func (c *Client) Period() time.Duration {
	defer c.lock()()
	return c.period
}

func (c *Client) Enabled() bool {
	defer c.lock()()
	return c.enabled
}

// Started is the registration instant (zero before registration).
func (c *Client) Started() time.Time {
	defer c.lock()()
	return c.started
}

func (c *Client) NextCall() time.Time {
	defer c.lock()()
	return c.nextCall
}

// LastCall is the previous invocation instant, zero before the first one.
func (c *Client) LastCall() time.Time {
	defer c.lock()()
	return c.lastCall
}

func (c *Client) lock() (unlock func()) {
	s := c.owner.Load()
	if s == nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// reschedule advances nextCall by whole periods until it is strictly after now.
// It returns how many periods were skipped beyond the one just served.
func (c *Client) reschedule(now time.Time) int64 {
	if c.nextCall.After(now) {
		return 0
	}
	n := int64(now.Sub(c.nextCall)/c.period) + 1
	c.nextCall = c.nextCall.Add(time.Duration(n) * c.period)
	return n - 1
}

func (c *Client) call(at time.Time) Call {
	call := Call{
		Name:   c.name,
		At:     at,
		Args:   slices.Clone(c.args),
		Kwargs: maps.Clone(c.kwargs),
	}
	if c.wantDT {
		last := c.lastCall
		if last.IsZero() {
			last = at
		}
		call.DT = Elapsed{Value: at.Sub(last), Valid: true}
	}
	if c.wantTime {
		call.Time = Elapsed{Value: at.Sub(c.started), Valid: true}
	}
	return call
}
