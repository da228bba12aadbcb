// Package timeutil provides a testable abstraction over time operations.
package timeutil

import (
	"sync"
	"time"
)

// Clock provides an abstraction over time operations for testability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the duration since t.
	Since(t time.Time) time.Duration

	// After waits for the duration to elapse and then sends the current time.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a new Ticker containing a channel that will
	// send the time with a period specified by the duration argument.
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks of a clock at intervals.
type Ticker interface {
	// C returns the channel on which ticks are delivered.
	C() <-chan time.Time

	// Stop turns off the ticker.
	Stop()
}

// RealClock implements Clock using the time package.
type RealClock struct{}

// NewRealClock returns a Clock backed by the system clock.
func NewRealClock() Clock { return RealClock{} }

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (RealClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (rt realTicker) C() <-chan time.Time { return rt.t.C }
func (rt realTicker) Stop()               { rt.t.Stop() }

// FakeClock implements Clock with a manually advanced current time. Tickers
// and After channels fire when Advance moves the clock past their deadline.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	at       time.Time
	period   time.Duration // zero for After, nonzero for tickers
	ch       chan time.Time
	stopped  bool
}

// NewFakeClock returns a FakeClock starting at the given time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *FakeClock) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{at: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)
	return w.ch
}

func (f *FakeClock) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{at: f.now.Add(d), period: d, ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)
	return &fakeTicker{clock: f, w: w}
}

// Advance moves the fake clock forward, firing any waiters whose deadline
// passes. Ticker waiters re-arm; one-shot waiters are removed.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)

	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if w.stopped {
			continue
		}
		fired := false
		for !w.at.After(f.now) {
			select {
			case w.ch <- w.at:
			default:
			}
			fired = true
			if w.period == 0 {
				break
			}
			w.at = w.at.Add(w.period)
		}
		if w.period == 0 && fired {
			continue
		}
		remaining = append(remaining, w)
	}
	f.waiters = remaining
}

type fakeTicker struct {
	clock *FakeClock
	w     *fakeWaiter
}

func (ft *fakeTicker) C() <-chan time.Time { return ft.w.ch }

func (ft *fakeTicker) Stop() {
	ft.clock.mu.Lock()
	defer ft.clock.mu.Unlock()
	ft.w.stopped = true
}
