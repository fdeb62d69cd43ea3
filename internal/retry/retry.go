// Package retry is the shared transient-failure retry loop used by
// StatusFetcher, InfoFetcher, and UpdateSender: exponential backoff
// between attempts, bounded not by an attempt count but by a wall-clock
// window (maxErrorDuration), tracked via an injected clock.Clock so
// tests can age a retry window out deterministically instead of
// sleeping in real time.
package retry

import (
	"context"
	"time"

	"github.com/grafana/dskit/backoff"

	"github.com/ChuLiYu/remotetask/internal/clock"
)

// Window tracks one bounded retry attempt sequence.
type Window struct {
	clk        clock.Clock
	ongoing    *backoff.Backoff
	minBackoff time.Duration
	maxBackoff time.Duration
	deadline   time.Time
	attempts   int
}

// NewWindow starts a retry window that tolerates transient failures for
// up to maxErrorDuration of wall-clock time (per the injected clock),
// backing off exponentially between attempts from minBackoff up to
// maxBackoff.
//
// A github.com/grafana/dskit/backoff.Backoff is constructed alongside
// (MaxRetries: 0, unbounded) to reuse its Ongoing() context-cancellation
// check, the same way the rest of the pack gates a retry loop on a
// Backoff. Its own Wait/NumRetries are not used: Wait sleeps real time
// internally, but this window's bound is wall-clock via Clock, not an
// attempt count, and tests substitute a fake Clock to exercise that
// bound without a real sleep.
func NewWindow(ctx context.Context, clk clock.Clock, minBackoff, maxBackoff, maxErrorDuration time.Duration) *Window {
	return &Window{
		clk: clk,
		ongoing: backoff.New(ctx, backoff.Config{
			MinBackoff: minBackoff,
			MaxBackoff: maxBackoff,
			MaxRetries: 0,
		}),
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		deadline:   clk.Now().Add(maxErrorDuration),
	}
}

// Exhausted reports whether the wall-clock window has elapsed.
func (w *Window) Exhausted() bool {
	return !w.clk.Now().Before(w.deadline)
}

// Ongoing reports whether the retry loop's context is still live.
func (w *Window) Ongoing() bool {
	return w.ongoing.Ongoing()
}

// NumRetries returns the number of attempts recorded so far.
func (w *Window) NumRetries() int {
	return w.attempts
}

// RecordAttempt counts one failed attempt, advancing the exponential
// backoff exponent used by Wait.
func (w *Window) RecordAttempt() {
	w.attempts++
}

// Wait blocks for this attempt's backoff interval, counted via the
// injected clock, or returns ctx.Err() if ctx is done first.
func (w *Window) Wait(ctx context.Context) error {
	delay := w.minBackoff << uint(w.attempts)
	if delay <= 0 || delay > w.maxBackoff {
		delay = w.maxBackoff
	}

	timer := w.clk.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
