package core

import (
	"sync/atomic"
	"time"
)

// Clock is the microsecond timebase of the trigger coordinator.
type Clock interface {
	Micros() uint64
}

type monotonicClock struct {
	start time.Time
}

// NewMonotonicClock returns a Clock counting from its creation.
func NewMonotonicClock() Clock {
	return &monotonicClock{start: time.Now()}
}

func (c *monotonicClock) Micros() uint64 {
	return uint64(time.Since(c.start) / time.Microsecond)
}

// ManualClock only moves when told to. Used by tests and the simulator.
type ManualClock struct {
	now atomic.Uint64
}

func (c *ManualClock) Micros() uint64 { return c.now.Load() }

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.now.Add(uint64(d / time.Microsecond))
}

// secondsToMicros converts a validated, non-negative duration.
func secondsToMicros(s float32) uint64 {
	if s <= 0 {
		return 0
	}
	return uint64(float64(s)*1e6 + 0.5)
}
