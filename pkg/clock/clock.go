// Package clock provides the monotonic time source used for RTT sampling and
// liveness checks.
package clock

import (
	"sync"
	"time"
)

// Instant is a monotonic point in time, in microseconds since the owning
// clock's epoch. Instants from different clocks are not comparable.
type Instant int64

func (i Instant) Sub(other Instant) time.Duration {
	return time.Duration(i-other) * time.Microsecond
}

func (i Instant) Add(d time.Duration) Instant {
	return i + Instant(d.Microseconds())
}

func (i Instant) Before(other Instant) bool {
	return i < other
}

func (i Instant) After(other Instant) bool {
	return i > other
}

type Clock interface {
	// Now never regresses for the lifetime of the clock.
	Now() Instant
	// Seconds is the coarse time used for wire timestamps.
	Seconds() uint64
}

type SystemClock struct {
	startTime time.Time
}

func NewSystemClock() *SystemClock {
	return &SystemClock{
		startTime: time.Now(),
	}
}

func (c *SystemClock) Now() Instant {
	return Instant(time.Since(c.startTime).Microseconds())
}

func (c *SystemClock) Seconds() uint64 {
	return uint64(time.Now().Unix())
}

// ManualClock only moves when told to. Seconds are counted from the clock's
// start, which also makes it the backend for hosts without a wall clock.
type ManualClock struct {
	mut         sync.Mutex
	now         Instant
	baseSeconds uint64
}

func NewManualClock(baseSeconds uint64) *ManualClock {
	return &ManualClock{
		baseSeconds: baseSeconds,
	}
}

func (c *ManualClock) Now() Instant {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.now
}

func (c *ManualClock) Seconds() uint64 {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.baseSeconds + uint64(c.now/Instant(time.Second/time.Microsecond))
}

func (c *ManualClock) Advance(d time.Duration) Instant {
	c.mut.Lock()
	defer c.mut.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return c.now
}

// Set moves the clock to i. Moving backwards is ignored.
func (c *ManualClock) Set(i Instant) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if i > c.now {
		c.now = i
	}
}
