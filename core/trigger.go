package core

import (
	"sync"
	"sync/atomic"
)

// Coordinator decides when a waveform starts. It runs on the command unit:
// Fire comes from commands, Poll from the command loop.
//
// At most one delayed fire is outstanding. While the source is
// SourceInternal a periodic timer re-arms the delay every interval.
type Coordinator struct {
	mu       sync.Mutex
	sched    Scheduler
	clock    Clock
	cfg      TriggerConfig
	delay    *Timer // pending delayed fire, nil when none
	ticker   *Timer // internal timer, non-nil iff source is SourceInternal
	dispatch func()

	armed      atomic.Uint32
	dispatched atomic.Uint32
}

// NewCoordinator returns a coordinator that calls dispatch when a delayed
// fire expires. dispatch must not block.
func NewCoordinator(clock Clock, dispatch func()) *Coordinator {
	return &Coordinator{
		clock:    clock,
		cfg:      DefaultTriggerConfig(),
		dispatch: dispatch,
	}
}

// Configure applies a trigger configuration. The internal timer is
// restarted when the source or interval changes; a change to
// SourceImmediate arms one fire so free-running starts by itself.
func (c *Coordinator) Configure(cfg TriggerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.cfg
	c.cfg = cfg
	if prev.Source == cfg.Source && prev.Interval == cfg.Interval && (c.ticker != nil) == (cfg.Source == SourceInternal) {
		return
	}

	if c.ticker != nil {
		c.sched.Cancel(c.ticker)
		c.ticker = nil
	}
	switch cfg.Source {
	case SourceInternal:
		c.startTicker()
	case SourceImmediate:
		if prev.Source != SourceImmediate {
			c.armDelayLocked()
		}
	}
}

func (c *Coordinator) startTicker() {
	interval := secondsToMicros(c.cfg.Interval)
	if interval == 0 {
		interval = 1
	}
	var t *Timer
	t = &Timer{
		WakeTime: c.clock.Micros() + interval,
		Handler: func(*Timer) uint8 {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.ticker != t {
				return SF_DONE
			}
			c.armDelayLocked()
			now := c.clock.Micros()
			for t.WakeTime <= now {
				t.WakeTime += interval
			}
			return SF_RESCHEDULE
		},
	}
	c.ticker = t
	c.sched.Schedule(t)
}

// ArmDelay schedules the delayed dispatch unless one is already pending.
// It reports whether a new fire was scheduled.
func (c *Coordinator) ArmDelay() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armDelayLocked()
}

func (c *Coordinator) armDelayLocked() bool {
	if c.delay != nil {
		return false
	}
	var t *Timer
	t = &Timer{
		WakeTime: c.clock.Micros() + secondsToMicros(c.cfg.Delay),
		Handler: func(*Timer) uint8 {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.delay != t {
				return SF_DONE
			}
			c.delay = nil
			c.dispatched.Add(1)
			c.dispatch()
			return SF_DONE
		},
	}
	c.delay = t
	c.armed.Add(1)
	c.sched.Schedule(t)
	return true
}

// Fire records a trigger edge from src. Edges from any source other than
// the configured one are ignored.
func (c *Coordinator) Fire(src TriggerSource) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if src != c.cfg.Source {
		return false
	}
	return c.armDelayLocked()
}

// Cancel drops a pending delayed fire.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.delay != nil {
		c.sched.Cancel(c.delay)
		c.delay = nil
	}
}

// Poll runs due timers.
func (c *Coordinator) Poll() {
	c.sched.Dispatch(c.clock.Micros())
}

// DelayPending reports whether a delayed fire is outstanding.
func (c *Coordinator) DelayPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delay != nil
}

// TickerActive reports whether the internal timer is running.
func (c *Coordinator) TickerActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticker != nil
}

// Counts returns how many fires were armed and how many reached dispatch.
func (c *Coordinator) Counts() (armed, dispatched uint32) {
	return c.armed.Load(), c.dispatched.Load()
}
