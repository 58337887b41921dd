package app

import (
	"context"

	"golang.org/x/time/rate"

	"vsync/internal/eventbus"
	"vsync/internal/storage"
	"vsync/internal/vsync"
	logx "vsync/pkg/logx"
)

const journalBuffer = 1024

// runJournal copies invocation events from the bus into the store until ctx ends.
// Events are dropped (and counted by the bus) when the store cannot keep up.
func (a *App) runJournal(ctx context.Context, events <-chan eventbus.Event) error {
	warn := rate.NewLimiter(rate.Limit(0.2), 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			a.journal(ctx, ev, warn)
		}
	}
}

// drainJournal persists what is still buffered once the app is stopping.
func (a *App) drainJournal(events <-chan eventbus.Event) {
	warn := rate.NewLimiter(rate.Limit(0.2), 1)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.journal(context.Background(), ev, warn)
		default:
			return
		}
	}
}

func (a *App) journal(ctx context.Context, ev eventbus.Event, warn *rate.Limiter) {
	data, ok := ev.Data.(vsync.InvocationEvent)
	if !ok {
		return
	}
	entry := storage.InvocationEntry{
		Session: a.session,
		Client:  data.Name,
		At:      data.At,
		DT:      data.DT,
		Elapsed: data.Elapsed,
		Skipped: data.Skipped,
		TookMS:  data.Duration.Milliseconds(),
		Error:   data.Error,
	}
	if err := a.store.AppendInvocation(ctx, entry); err != nil && warn.Allow() {
		a.log.Warn("journal append failed", logx.String("client", data.Name), logx.Err(err))
	}
}
