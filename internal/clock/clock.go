// Package clock provides a time abstraction for testable time-dependent code.
// Use RealClock for production and MockClock for testing.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is an interface for time operations, allowing time to be mocked in tests.
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// AfterFunc waits for the duration to elapse and then calls f in its own goroutine.
	// It returns a Timer that can be used to cancel the call using its Stop method.
	AfterFunc(d time.Duration, f func()) Timer

	// Since returns the time elapsed since t
	Since(t time.Time) time.Duration
}

// Timer represents a single pending call that can be stopped
type Timer interface {
	// Stop prevents the Timer from firing. Returns true if the call stops the timer,
	// false if the timer has already expired or been stopped.
	Stop() bool
}

// RealClock implements Clock using the standard time package
type RealClock struct{}

// NewRealClock creates a new RealClock instance
func NewRealClock() *RealClock {
	return &RealClock{}
}

// Now returns the current time
func (c *RealClock) Now() time.Time {
	return time.Now()
}

// AfterFunc waits for the duration to elapse and then calls f
func (c *RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Since returns the time elapsed since t
func (c *RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// MockClock is a Clock implementation for testing that allows manual time control.
// Timers only fire from Advance or Set, in deadline order, with the clock
// positioned at each timer's deadline while its callback runs.
type MockClock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	current time.Time
	timers  []*mockTimer
	seq     uint64
}

type mockTimer struct {
	clock    *MockClock
	deadline time.Time
	seq      uint64
	f        func()
	stopped  bool
}

// NewMockClock creates a new MockClock starting at the given time
func NewMockClock(start time.Time) *MockClock {
	c := &MockClock{current: start}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Now returns the mock current time
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc schedules f to be called once the mock time reaches now+d
func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	timer := &mockTimer{
		clock:    c,
		deadline: c.current.Add(d),
		seq:      c.seq,
		f:        f,
	}
	c.timers = append(c.timers, timer)
	c.cond.Broadcast()
	return timer
}

// Since returns the time elapsed since t using the mock current time
func (c *MockClock) Since(t time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Sub(t)
}

// PendingTimers returns the number of timers that have neither fired nor been stopped
func (c *MockClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// BlockUntil waits until at least n timers are pending. Tests use it to
// synchronise with goroutines that are about to wait on the clock.
func (c *MockClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.timers) < n {
		c.cond.Wait()
	}
}

// Advance moves the mock clock forward by duration d, firing every timer whose
// deadline falls inside the window. Timers registered by a callback during
// Advance fire too if their deadline is still inside the window.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.popExpiredLocked(target)
		if next == nil {
			c.current = target
			c.mu.Unlock()
			return
		}
		if next.deadline.After(c.current) {
			c.current = next.deadline
		}
		f := next.f
		c.mu.Unlock()

		// Fire outside the lock so callbacks may use the clock
		f()
	}
}

// popExpiredLocked removes and returns the earliest timer due at or before target.
func (c *MockClock) popExpiredLocked(target time.Time) *mockTimer {
	if len(c.timers) == 0 {
		return nil
	}
	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].deadline.Equal(c.timers[j].deadline) {
			return c.timers[i].seq < c.timers[j].seq
		}
		return c.timers[i].deadline.Before(c.timers[j].deadline)
	})
	first := c.timers[0]
	if first.deadline.After(target) {
		return nil
	}
	c.timers = c.timers[1:]
	first.stopped = true
	return first
}

// Set moves the mock clock to t. Moving forward fires expired timers; moving
// backward only changes the reported time.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	oldTime := c.current
	c.mu.Unlock()

	if t.After(oldTime) {
		c.Advance(t.Sub(oldTime))
		return
	}
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// Stop prevents the timer from firing
func (t *mockTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.stopped {
		return false
	}
	t.stopped = true
	for i, other := range c.timers {
		if other == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			break
		}
	}
	return true
}
