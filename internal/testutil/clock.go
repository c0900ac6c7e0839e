// Package testutil provides deterministic helpers for tests.
package testutil

import (
	"sync"
	"time"
)

// Clock is a thread-safe manual time source for tests. Inject its Now
// method wherever production code takes a clock function.
type Clock struct {
	mu  sync.Mutex
	now time.Time

	// tick advances the clock on every Now call when non-zero, for
	// loops that need strictly increasing timestamps.
	tick time.Duration
}

// NewClock creates a clock pinned at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t.UTC()}
}

// NewTickingClock creates a clock that advances by tick on every Now
// call. The first call returns t+tick.
func NewTickingClock(t time.Time, tick time.Duration) *Clock {
	return &Clock{now: t.UTC(), tick: tick}
}

// Now returns the current time, advancing first when ticking.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tick > 0 {
		c.now = c.now.Add(c.tick)
	}
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set pins the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}
