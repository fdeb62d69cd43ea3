package clock

import (
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for deterministic tests: nothing
// fires until the test calls Advance, so tests that exercise
// maxErrorDuration aging-out or long-poll timeouts never depend on real
// wall-clock sleeps.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeTimer
}

// NewFake returns a Fake clock starting at now.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d, firing (in order) every
// timer/After channel whose deadline has now passed.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	var fire []*fakeTimer
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.deadline.After(now) {
			fire = append(fire, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.mu.Unlock()

	for _, w := range fire {
		select {
		case w.ch <- now:
		default:
		}
	}
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	f.waiters = append(f.waiters, &fakeTimer{deadline: f.now.Add(d), ch: ch})
	return ch
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{deadline: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, t)
	return &fakeTimerHandle{clock: f, timer: t}
}

type fakeTimer struct {
	deadline time.Time
	ch       chan time.Time
	stopped  bool
}

type fakeTimerHandle struct {
	clock *Fake
	timer *fakeTimer
}

func (h *fakeTimerHandle) C() <-chan time.Time { return h.timer.ch }

func (h *fakeTimerHandle) Reset(d time.Duration) bool {
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()
	wasActive := !h.timer.stopped
	h.timer.stopped = false
	h.timer.deadline = h.clock.now.Add(d)
	h.clock.waiters = append(h.clock.waiters, h.timer)
	return wasActive
}

func (h *fakeTimerHandle) Stop() bool {
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()
	wasActive := !h.timer.stopped
	h.timer.stopped = true
	return wasActive
}
