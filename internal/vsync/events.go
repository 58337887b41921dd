package vsync

import "time"

// Event types published on the bus (see WithBus).
const (
	EventRegistered   = "client.registered"
	EventUnregistered = "client.unregistered"
	EventInvoked      = "client.invoked"
	EventFailed       = "client.failed"
	EventLagging      = "client.lagging"
	EventStarted      = "scheduler.started"
	EventStopped      = "scheduler.stopped"
)

// InvocationEvent is the Data of EventInvoked, EventFailed and EventLagging.
type InvocationEvent struct {
	Name     string        `json:"name"`
	At       time.Time     `json:"at"`
	DT       time.Duration `json:"dt,omitempty"`
	Elapsed  time.Duration `json:"elapsed,omitempty"`
	Skipped  int64         `json:"skipped,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// LifecycleEvent is the Data of the registration and run lifecycle events.
type LifecycleEvent struct {
	Name      string  `json:"name,omitempty"`
	Frequency float64 `json:"frequency,omitempty"`
	Error     string  `json:"error,omitempty"`
}
