// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock pinned to the given time. The clock moves
// only when Advance is called; timers and tickers registered against
// it fire deterministically, in deadline order, during Advance.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	f := &FakeClock{now: initial}
	f.registered = sync.NewCond(&f.mu)
	return f
}

// FakeClock is a deterministic Clock for tests.
//
// AfterFunc callbacks run synchronously inside Advance, in the calling
// goroutine. A callback must not call Advance or block on a channel
// that only the advancing goroutine drains — either deadlocks.
type FakeClock struct {
	mu         sync.Mutex
	now        time.Time
	timers     []*fakeTimer
	registered *sync.Cond
}

// fakeTimer is one pending deadline: a one-shot channel send (After),
// a one-shot callback (AfterFunc), or a repeating channel send
// (NewTicker, period > 0).
type fakeTimer struct {
	deadline time.Time
	period   time.Duration
	ch       chan time.Time
	fn       func()
	stopped  bool
	done     bool
}

// Now returns the current fake time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that receives when the clock advances past
// the deadline. A non-positive duration delivers immediately.
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.addLocked(&fakeTimer{deadline: f.now.Add(d), ch: ch})
	return ch
}

// AfterFunc schedules f to run when the clock advances past the
// deadline. A non-positive duration runs fn synchronously.
func (f *FakeClock) AfterFunc(d time.Duration, fn func()) *Timer {
	f.mu.Lock()
	if d <= 0 {
		f.mu.Unlock()
		fn()
		return &Timer{stop: func() bool { return false }}
	}

	timer := &fakeTimer{deadline: f.now.Add(d), fn: fn}
	f.addLocked(timer)
	f.mu.Unlock()

	return &Timer{stop: func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if timer.stopped || timer.done {
			return false
		}
		timer.stopped = true
		return true
	}}
}

// NewTicker returns a Ticker firing every d fake-time units during
// Advance. Panics if d <= 0.
func (f *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	timer := &fakeTimer{deadline: f.now.Add(d), period: d, ch: ch}
	f.addLocked(timer)

	return &Ticker{C: ch, stop: func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		timer.stopped = true
	}}
}

// Advance moves the clock forward by d, firing every timer whose
// deadline falls within the new time. One-shot timers fire at most
// once; tickers fire once per elapsed period (ticks that overflow the
// buffered channel are dropped, matching time.Ticker).
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.now = target
	f.mu.Unlock()

	for {
		due := f.takeDue(target)
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		for _, firing := range due {
			if firing.fn != nil {
				firing.fn()
				continue
			}
			select {
			case firing.ch <- firing.at:
			default:
			}
		}
	}
}

// firing is a timer that came due: its delivery target plus the
// deadline it fired at (the tick value for channel timers).
type firing struct {
	at time.Time
	ch chan time.Time
	fn func()
}

// takeDue removes timers due at or before target from the pending set,
// rescheduling tickers for their next period.
func (f *FakeClock) takeDue(target time.Time) []firing {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due []firing
	remaining := f.timers[:0]
	for _, timer := range f.timers {
		switch {
		case timer.stopped:
			// Dropped.
		case !timer.deadline.After(target):
			due = append(due, firing{at: timer.deadline, ch: timer.ch, fn: timer.fn})
			if timer.period > 0 {
				timer.deadline = timer.deadline.Add(timer.period)
				remaining = append(remaining, timer)
			} else {
				timer.done = true
			}
		default:
			remaining = append(remaining, timer)
		}
	}
	f.timers = remaining
	return due
}

// WaitForTimers blocks until at least n timers or tickers are pending.
// This synchronizes a test with a goroutine that registers timers, so
// Advance cannot race ahead of the registration.
func (f *FakeClock) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pendingLocked() < n {
		f.registered.Wait()
	}
}

// PendingCount returns the number of live (not stopped, not fired)
// timers. Useful for asserting that a component cancelled its work.
func (f *FakeClock) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingLocked()
}

func (f *FakeClock) pendingLocked() int {
	n := 0
	for _, timer := range f.timers {
		if !timer.stopped && !timer.done {
			n++
		}
	}
	return n
}

func (f *FakeClock) addLocked(timer *fakeTimer) {
	f.timers = append(f.timers, timer)
	f.registered.Broadcast()
}
