package vsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

// settle drops a pending change notification so the next sleep of the loop is the one
// waitTimers observes.
func settle(s *Scheduler) {
	select {
	case <-s.changed:
	default:
	}
}

// steal consumes the change signal the way a concurrent blocking Advance would.
func steal(s *Scheduler) {
	select {
	case <-s.changed:
	case <-time.After(time.Second):
	}
}

func TestStartShutdownRestart(t *testing.T) {
	t.Parallel()
	clk := newManualClock()
	s := New(WithClock(clk))
	log := newCallLog()
	mustAdd(t, s, log.fn, WithName("bg"), WithFrequency(10))
	settle(s)

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	log.wait(t)
	if !s.Running() {
		t.Fatal("Running() = false after Start")
	}
	if err := s.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start err = %v, want ErrAlreadyRunning", err)
	}
	if err := s.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Run during Start err = %v, want ErrAlreadyRunning", err)
	}

	clk.waitTimers(t, 1)
	clk.Advance(100 * time.Millisecond)
	log.wait(t)

	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s.Running() {
		t.Fatal("Running() = true after Shutdown")
	}
	if err := s.Shutdown(ctx); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second Shutdown err = %v, want ErrNotRunning", err)
	}

	clk.Advance(time.Second)
	log.expectNone(t, 20*time.Millisecond)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	log.wait(t)
	log.expectNone(t, 20*time.Millisecond)
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown after restart: %v", err)
	}
	if n := log.count(); n != 3 {
		t.Fatalf("invocations = %d, want 3", n)
	}
}

func TestBackgroundFailureSurfaces(t *testing.T) {
	t.Parallel()
	s := New(WithClock(newManualClock()))
	boom := errors.New("boom")
	mustAdd(t, s, func(context.Context, Call) (any, error) { return nil, boom }, WithName("bad"))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after the callback failed")
	}
	if s.Running() {
		t.Fatal("Running() = true after failure")
	}
	if err := s.Err(); !errors.Is(err, boom) {
		t.Fatalf("Err() = %v, want %v", err, boom)
	}
	if snap := s.Snapshot(); snap.LastError == "" {
		t.Fatal("snapshot should carry the last error")
	}
	if err := s.Shutdown(context.Background()); !errors.Is(err, ErrCallbackFailure) {
		t.Fatalf("Shutdown err = %v, want callback failure", err)
	}

	// A finished loop does not block a new one.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start after failure: %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown of the new loop: %v", err)
	}
}

func TestStartReapsFinishedLoop(t *testing.T) {
	t.Parallel()
	s := New(WithClock(newManualClock()))
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	<-s.Done()
	if err := s.Err(); err != nil {
		t.Fatalf("Err() after cancellation = %v, want nil", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start after cancellation: %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestRunIdlesUntilClientAdded(t *testing.T) {
	t.Parallel()
	s := New(WithClock(newManualClock()))
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Running() {
		if time.Now().After(deadline) {
			t.Fatal("Run never started")
		}
		time.Sleep(time.Millisecond)
	}

	log := newCallLog()
	mustAdd(t, s, log.fn, WithName("late"))
	log.wait(t)

	s.Stop()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if s.Running() {
		t.Fatal("Running() = true after Run returned")
	}
}

func TestIdleRunWakesWhenAdvanceTakesChangeSignal(t *testing.T) {
	t.Parallel()
	s := New(WithClock(newManualClock()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Running() {
		if time.Now().After(deadline) {
			t.Fatal("Run never started")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	log := newCallLog()
	mustAdd(t, s, log.fn, WithName("late"))
	steal(s)
	log.wait(t)

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunEndsOnContextCancel(t *testing.T) {
	t.Parallel()
	s := New(WithClock(newManualClock()))
	log := newCallLog()
	mustAdd(t, s, log.fn, WithFrequency(1))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	log.wait(t)
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run = %v, want nil on cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run ignored context cancellation")
	}
}

func TestRunReturnsCallbackFailure(t *testing.T) {
	t.Parallel()
	s := New(WithClock(newAutoClock()))
	n := 0
	mustAdd(t, s, func(context.Context, Call) (any, error) {
		n++
		if n == 3 {
			panic("third frame")
		}
		return nil, nil
	}, WithName("frames"))

	err := s.Run(context.Background())
	var ce *CallbackError
	if !errors.As(err, &ce) || ce.Panic != "third frame" {
		t.Fatalf("Run = %v, want recovered panic", err)
	}
	if n != 3 {
		t.Fatalf("callback ran %d times, want 3", n)
	}
}

func TestShutdownWaitsForInFlightCallback(t *testing.T) {
	t.Parallel()
	s := New(WithClock(newManualClock()))
	entered := make(chan struct{})
	release := make(chan struct{})
	mustAdd(t, s, func(context.Context, Call) (any, error) {
		close(entered)
		<-release
		return nil, nil
	}, WithFrequency(1))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-entered

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Shutdown(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown with busy callback = %v, want deadline exceeded", err)
	}

	close(release)
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s.Running() {
		t.Fatal("loop still running after Shutdown")
	}
}

func TestShutdownWithoutLoop(t *testing.T) {
	t.Parallel()
	s := New()
	if err := s.Shutdown(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Shutdown = %v, want ErrNotRunning", err)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done() should be closed without a loop")
	}
	s.Stop()
}
