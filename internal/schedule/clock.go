package schedule

import (
	"sync"
	"time"
)

// Clock retains the highest block number or timestamp a session has observed, so an
// RPC node lagging behind another never moves the displayed phase backwards.
type Clock struct {
	mu         sync.Mutex
	max        uint64
	observedAt time.Time
	regressed  uint64
}

// NewClock creates an empty clock
func NewClock() *Clock {
	return &Clock{}
}

// Observe records v and returns the current maximum. regressed is true when v was
// below a value already seen.
func (c *Clock) Observe(v uint64) (current uint64, regressed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v < c.max {
		c.regressed++
		return c.max, true
	}
	c.max = v
	c.observedAt = time.Now()
	return c.max, false
}

// Now returns the maximum observed value, 0 before the first observation
func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max
}

// ObservedAt returns the wall time of the last advancing observation
func (c *Clock) ObservedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.observedAt
}

// Regressions returns how many stale observations were ignored
func (c *Clock) Regressions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regressed
}

// Reset clears the clock, used when a session switches address or chain
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.max = 0
	c.regressed = 0
	c.observedAt = time.Time{}
}
