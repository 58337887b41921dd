package vsync

import "time"

// Clock is the time source of a Scheduler.
// Tests inject a manual clock; production uses SystemClock.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is a pending wakeup created by Clock.NewTimer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// SystemClock is the default Clock backed by the time package (monotonic readings).
var SystemClock Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTimer(d time.Duration) Timer {
	return realTimer{t: time.NewTimer(d)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }
