package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"vsync/internal/config"
	"vsync/internal/storage"
	"vsync/internal/vsync"
	logx "vsync/pkg/logx"
)

type fakeSystemd struct {
	interval time.Duration

	mu     sync.Mutex
	states []string
}

func (f *fakeSystemd) Notify(state string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
	return true, nil
}

func (f *fakeSystemd) WatchdogInterval() (time.Duration, error) { return f.interval, nil }

func (f *fakeSystemd) sent(state string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.states, state)
}

func (f *fakeSystemd) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.states)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vsync.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopUnknown); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
clients:
  - { name: systemd.watchdog, action: noop }
  - { name: x, action: nope }
`)
	_, err := New(path, WithLogger(logx.Nop()), withSystemd(&fakeSystemd{}))
	if err == nil {
		t.Fatalf("New succeeded with an invalid config")
	}
	for _, want := range []string{"reserved", `unknown action "nope"`} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("New error %q does not mention %q", err, want)
		}
	}
}

func TestAppRunsAndJournalsClients(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(`
storage: { driver: file, path: %q }
clients:
  - { name: ticks, rate: 200hz, action: counter, want_dt: true }
  - { name: idle, rate: 1hz, action: noop, enabled: false }
`, filepath.Join(dir, "journal.jsonl")))

	a, err := New(path, WithLogger(logx.Nop()), withSystemd(&fakeSystemd{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Store() == nil {
		t.Fatalf("Store() = nil with a file driver")
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Start(context.Background()); err == nil {
		t.Fatalf("second Start succeeded")
	}

	eventually(t, "counter ticks", func() bool { return a.Actions().Count("ticks") >= 5 })

	ctx := context.Background()
	var recent []storage.InvocationEntry
	eventually(t, "journal entries", func() bool {
		recent, err = a.Store().Recent(ctx, "ticks", 3)
		return err == nil && len(recent) == 3
	})
	for _, e := range recent {
		if e.Session != a.Session() || e.Client != "ticks" || e.Error != "" {
			t.Fatalf("journal entry = %+v", e)
		}
	}
	if !recent[0].At.After(recent[2].At) {
		t.Fatalf("Recent is not newest first: %v then %v", recent[0].At, recent[2].At)
	}
	if idle, err := a.Store().Recent(ctx, "idle", 1); err != nil || len(idle) != 0 {
		t.Fatalf("disabled client journaled: %v, %v", idle, err)
	}

	stopApp(t, a)
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done() open after Stop")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("Err() = %v after a clean stop", err)
	}
	if _, err := a.Store().Recent(ctx, "", 1); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("Recent after Stop = %v, want ErrClosed", err)
	}
}

func TestCallbackFailureStopsApp(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
clients:
  - { name: bomb, rate: 100hz, action: explode }
`)
	boom := errors.New("boom")
	explode := func(config.ClientConfig) (vsync.Func, error) {
		return func(context.Context, vsync.Call) (any, error) { return nil, boom }, nil
	}
	a, err := New(path, WithLogger(logx.Nop()), withSystemd(&fakeSystemd{}), WithAction("explode", explode))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopApp(t, a)

	select {
	case <-a.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("app still running after a callback failure")
	}
	err = a.Err()
	if !errors.Is(err, vsync.ErrCallbackFailure) || !errors.Is(err, boom) {
		t.Fatalf("Err() = %v, want callback failure wrapping boom", err)
	}
}

func TestApplyConfigUpdatesClients(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
clients:
  - { name: keep, rate: 10hz, action: noop }
  - { name: gone, action: noop }
  - { name: retune, rate: 10hz, action: noop }
  - { name: swap, action: noop }
`)
	a, err := New(path, WithLogger(logx.Nop()), withSystemd(&fakeSystemd{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer stopApp(t, a)

	s := a.Scheduler()
	keep, swap := s.Lookup("keep"), s.Lookup("swap")
	if keep == nil || swap == nil || len(s.Clients()) != 4 {
		t.Fatalf("configured clients not registered: %d", len(s.Clients()))
	}

	next, err := config.Decode("next.yaml", []byte(`
scheduler: { lag_warn_per_sec: 0 }
clients:
  - { name: keep, rate: 10hz, action: noop }
  - { name: retune, rate: 20hz, action: noop, enabled: false }
  - { name: swap, action: counter }
  - { name: fresh, rate: 5hz, action: counter }
`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	a.applyConfig(a.Config(), next)

	if s.Lookup("gone") != nil {
		t.Fatalf("removed client still registered")
	}
	if s.Lookup("keep") != keep {
		t.Fatalf("unchanged client was replaced")
	}
	if c := s.Lookup("retune"); c == nil || c.Frequency() != 20 || c.Enabled() {
		t.Fatalf("retune not adjusted in place: %+v", c)
	}
	if c := s.Lookup("swap"); c == nil || c == swap {
		t.Fatalf("swap not rebuilt")
	}
	if c := s.Lookup("fresh"); c == nil || c.Frequency() != 5 {
		t.Fatalf("fresh not added")
	}
	if n := len(s.Clients()); n != 4 {
		t.Fatalf("clients = %d, want 4", n)
	}
}

func TestSystemdNotifyAndWatchdog(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
systemd: { watchdog: true, notify: true }
clients: []
`)
	sd := &fakeSystemd{interval: 200 * time.Millisecond}
	a, err := New(path, WithLogger(logx.Nop()), withSystemd(sd))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c := a.Scheduler().Lookup(WatchdogClient)
	if c == nil || c.Period() != 100*time.Millisecond {
		t.Fatalf("watchdog client = %+v, want a 100ms period", c)
	}
	eventually(t, "READY and a watchdog ping", func() bool {
		return sd.sent(daemon.SdNotifyReady) && sd.sent(daemon.SdNotifyWatchdog)
	})

	stopApp(t, a)
	if !sd.sent(daemon.SdNotifyStopping) {
		t.Fatalf("STOPPING not sent")
	}
}

func TestSystemdDisabled(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
clients:
  - { name: ticks, rate: 50hz, action: counter }
`)
	sd := &fakeSystemd{interval: 200 * time.Millisecond}
	a, err := New(path, WithLogger(logx.Nop()), withSystemd(sd))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "counter ticks", func() bool { return a.Actions().Count("ticks") >= 2 })
	stopApp(t, a)

	if a.Scheduler().Lookup(WatchdogClient) != nil {
		t.Fatalf("watchdog registered while disabled")
	}
	if n := sd.count(); n != 0 {
		t.Fatalf("%d sd_notify calls while disabled", n)
	}
}
