package testfixtures

import (
	"sort"
	"sync"
	"time"

	"homedash/internal/clock"
)

// ReferenceTime is the default start instant of a fake clock.
func ReferenceTime() time.Time {
	return time.Date(2025, time.January, 6, 9, 0, 0, 0, time.UTC)
}

// Clock provides a controllable time source for tests. Timers fire only when
// the clock is advanced past their deadline.
type Clock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	current time.Time
	timers  []*fakeTimer
}

var _ clock.Clock = (*Clock)(nil)

// NewClock returns a clock initialised to the supplied time. When start is the
// zero value, ReferenceTime is used.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = ReferenceTime()
	}
	c := &Clock{current: start}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Now returns the current instant tracked by the clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// NewTimer registers a timer that fires once the clock reaches now+d.
func (c *Clock) NewTimer(d time.Duration) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{clock: c, deadline: c.current.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		t.ch <- c.current
		return t
	}
	c.timers = append(c.timers, t)
	c.cond.Broadcast()
	return t
}

// Advance moves the clock forward, firing every pending timer whose deadline
// has been reached in deadline order, and returns the updated time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)
	var due, pending []*fakeTimer
	for _, t := range c.timers {
		if !t.deadline.After(c.current) {
			due = append(due, t)
		} else {
			pending = append(pending, t)
		}
	}
	c.timers = pending
	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.ch <- t.deadline
	}
	c.cond.Broadcast()
	return c.current
}

// Pending returns the number of timers that have neither fired nor been
// stopped.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// BlockUntil waits until at least n timers are pending.
func (c *Clock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.timers) < n {
		c.cond.Wait()
	}
}

func (c *Clock) remove(t *fakeTimer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, other := range c.timers {
		if other == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			c.cond.Broadcast()
			return true
		}
	}
	return false
}

type fakeTimer struct {
	clock    *Clock
	deadline time.Time
	ch       chan time.Time
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool { return t.clock.remove(t) }
