package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"vsync/internal/vsync"
	logx "vsync/pkg/logx"
)

// WatchdogClient is the reserved name of the client that pings the systemd watchdog.
const WatchdogClient = "systemd.watchdog"

// systemdPort is the slice of sd_notify used by the app.
type systemdPort interface {
	Notify(state string) (sent bool, err error)
	// WatchdogInterval is 0 when the unit has no WatchdogSec (or is not ours).
	WatchdogInterval() (time.Duration, error)
}

type sdDaemon struct{}

func (sdDaemon) Notify(state string) (bool, error) { return daemon.SdNotify(false, state) }

func (sdDaemon) WatchdogInterval() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) }

func (a *App) notifySystemd(state string) {
	cfg := a.cfgm.Get()
	if cfg == nil || !cfg.Systemd.Notify {
		return
	}
	sent, err := a.sd.Notify(state)
	switch {
	case err != nil:
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// registerWatchdog pings the watchdog at twice the rate systemd requires.
// Nothing is registered outside systemd or when the unit has no watchdog.
func (a *App) registerWatchdog() error {
	cfg := a.cfgm.Get()
	if cfg == nil || !cfg.Systemd.Watchdog {
		return nil
	}
	interval, err := a.sd.WatchdogInterval()
	if err != nil {
		a.log.Warn("systemd watchdog unavailable", logx.Err(err))
		return nil
	}
	if interval <= 0 {
		return nil
	}

	// A failed ping only logs: systemd restarts the unit if pings stop arriving.
	ping := func(context.Context, vsync.Call) (any, error) {
		if _, err := a.sd.Notify(daemon.SdNotifyWatchdog); err != nil {
			a.log.Warn("watchdog ping failed", logx.Err(err))
		}
		return nil, nil
	}
	c, err := a.sched.Add(ping, vsync.WithName(WatchdogClient), vsync.WithInterval(interval/2))
	if err != nil {
		return err
	}
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval), logx.Float64("hz", c.Frequency()))
	return nil
}
