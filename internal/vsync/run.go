package vsync

import (
	"context"
	"errors"
	"sync"

	logx "vsync/pkg/logx"
)

// runState is one loop execution, synchronous (Run) or background (Start).
type runState struct {
	background bool
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	err        error // written before done is closed
}

func (r *runState) requestStop() { r.stopOnce.Do(func() { close(r.stop) }) }

func (r *runState) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Run drives the scheduler on the calling goroutine, Advance(block=true) after
// Advance, until Stop/Shutdown is called or ctx ends (both return nil).
// A callback failure ends the loop and is returned.
//
// With no enabled clients Run idles until a client is registered or enabled.
func (s *Scheduler) Run(ctx context.Context) error {
	r, err := s.beginRun(false)
	if err != nil {
		return err
	}
	err = s.loop(ctx, r)
	s.finishRun(r, err)
	return err
}

// Start runs the loop on a new goroutine. It fails with ErrAlreadyRunning while a
// loop (background or Run) is active. A loop that already ended on its own (callback
// failure, ctx cancellation) is reaped and replaced.
func (s *Scheduler) Start(ctx context.Context) error {
	r, err := s.beginRun(true)
	if err != nil {
		return err
	}
	go func() {
		err := s.loop(ctx, r)
		s.finishRun(r, err)
	}()
	return nil
}

// Stop asks the active loop to exit without waiting for it.
// A callback in flight always completes first.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	r := s.run
	s.runMu.Unlock()
	if r != nil {
		r.requestStop()
	}
}

// Shutdown stops the active loop and waits until it has exited, so no callback is in
// flight when it returns nil or the loop's error. ctx bounds the wait only.
// It fails with ErrNotRunning when no loop was started.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.runMu.Lock()
	r := s.run
	s.runMu.Unlock()
	if r == nil {
		return ErrNotRunning
	}

	r.requestStop()
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.runMu.Lock()
	if s.run == r {
		s.run = nil
	}
	s.runMu.Unlock()
	return r.err
}

// Running reports whether a loop is currently executing.
func (s *Scheduler) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.run != nil && !s.run.finished()
}

// Done is closed when the current loop exits. Without a loop it is already closed.
func (s *Scheduler) Done() <-chan struct{} {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.run == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.run.done
}

// Err returns the error that ended the most recent loop, nil if it stopped cleanly
// or is still running.
func (s *Scheduler) Err() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.lastErr
}

func (s *Scheduler) beginRun(background bool) (*runState, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if r := s.run; r != nil && !r.finished() {
		return nil, ErrAlreadyRunning
	}
	r := &runState{
		background: background,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.run = r
	s.lastErr = nil
	return r, nil
}

func (s *Scheduler) finishRun(r *runState, err error) {
	r.err = err
	s.runMu.Lock()
	s.lastErr = err
	if !r.background && s.run == r {
		s.run = nil
	}
	s.runMu.Unlock()
	close(r.done)

	ev := LifecycleEvent{}
	if err != nil {
		ev.Error = err.Error()
		s.log.Error("loop terminated", logx.Bool("background", r.background), logx.Err(err))
	} else {
		s.log.Info("loop stopped", logx.Bool("background", r.background))
	}
	s.publish(EventStopped, ev)
}

func (s *Scheduler) loop(ctx context.Context, r *runState) error {
	s.log.Info("loop started", logx.Bool("background", r.background))
	s.publish(EventStarted, LifecycleEvent{})

	for {
		select {
		case <-r.stop:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		inv, err := s.advance(ctx, true, r.stop)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return nil
			}
			return err
		}
		if inv != nil || s.hasEnabled() {
			continue
		}
		// Nothing enabled: park until the client set changes.
		select {
		case <-r.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-s.idle:
		}
	}
}
