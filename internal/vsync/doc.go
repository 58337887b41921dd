// Package vsync multiplexes many periodic callbacks ("clients") onto one logical clock.
//
// Each client runs at its own frequency. The scheduler always picks the enabled client
// with the earliest due time, invokes it, and reschedules it by whole periods until its
// next due time is in the future (missed periods are skipped, never queued).
//
// The scheduler can be driven three ways:
//   - Advance(ctx, false): non-blocking poll, for hosts that own their event loop
//   - Advance(ctx, true) / Run(ctx): blocking, on the caller's goroutine
//   - Start(ctx) / Shutdown(ctx): a background goroutine that free-runs
//
// All callbacks run sequentially on whichever goroutine drives the scheduler.
// A callback is never interrupted; stopping is cooperative and observed between ticks
// or while sleeping.
package vsync
