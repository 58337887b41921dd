package vsync

import (
	"context"
	"sync"
)

// Scope brackets a single callback invocation.
//
// Enter runs before the callback. If it fails the callback is skipped and Exit is not
// called. Otherwise Exit always runs after the callback, with the callback's error
// (nil on success), including when the callback panicked.
type Scope interface {
	Enter(ctx context.Context) error
	Exit(err error)
}

// ScopeFuncs adapts a pair of functions to Scope. Nil functions are skipped.
type ScopeFuncs struct {
	EnterFn func(ctx context.Context) error
	ExitFn  func(err error)
}

func (s ScopeFuncs) Enter(ctx context.Context) error {
	if s.EnterFn == nil {
		return nil
	}
	return s.EnterFn(ctx)
}

func (s ScopeFuncs) Exit(err error) {
	if s.ExitFn != nil {
		s.ExitFn(err)
	}
}

// LockScope holds l for the duration of each invocation, e.g. to share a resource
// (a GL context, a device handle) with code outside the scheduler.
func LockScope(l sync.Locker) Scope {
	return ScopeFuncs{
		EnterFn: func(context.Context) error {
			l.Lock()
			return nil
		},
		ExitFn: func(error) { l.Unlock() },
	}
}
