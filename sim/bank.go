// Package sim is a host-side model of an RP2040-style PWM slice bank. It
// implements core.PWMBank closely enough to check levels, polarity, enable
// mask and wrap interrupts without hardware.
package sim

import (
	"sync"

	"phasegen/core"
)

const (
	NumSlices = 8
	NumGPIO   = 30

	// DefaultClockHz is the RP2040 system clock.
	DefaultClockHz = 125_000_000
)

type slice struct {
	cfg      core.SliceConfig
	counter  uint16
	enabled  bool
	level    [2]uint16 // active compare level
	pending  [2]uint16 // written while running, latched at wrap
	inverted [2]bool
	wraps    uint64
}

// Bank is a simulated slice bank. Slice state belongs to the goroutine that
// plays the real-time unit (the one calling Period and the engine's Step);
// pin functions may be changed from any goroutine.
type Bank struct {
	clockHz uint32
	slices  [NumSlices]slice

	irqEnabled uint32
	irqRaw     uint32
	handler    func()
	periods    uint64

	pinMu sync.Mutex
	pins  map[int]bool
}

// New returns a bank clocked at clockHz.
func New(clockHz uint32) *Bank {
	return &Bank{clockHz: clockHz, pins: make(map[int]bool)}
}

func (b *Bank) ClockHz() uint32 { return b.clockHz }

// ChannelOf follows the RP2040 numbering: GPIO n drives slice (n/2)%8,
// output n%2, so GPIO n and n+16 share a channel.
func (b *Bank) ChannelOf(gpio int) core.Channel {
	return core.Channel{Slice: uint8(gpio>>1) & (NumSlices - 1), Out: uint8(gpio & 1)}
}

func (b *Bank) ConfigureSlice(s uint8, cfg core.SliceConfig) {
	sl := &b.slices[s]
	sl.cfg = cfg
	sl.counter = 0
	sl.enabled = false
	sl.inverted = [2]bool{}
	sl.level = [2]uint16{}
	sl.pending = [2]uint16{}
}

func (b *Bank) SetPolarity(ch core.Channel, inverted bool) {
	b.slices[ch.Slice].inverted[ch.Out] = inverted
}

func (b *Bank) SetLevel(ch core.Channel, level uint16) {
	sl := &b.slices[ch.Slice]
	sl.pending[ch.Out] = level
	if !sl.enabled {
		sl.level[ch.Out] = level
	}
}

func (b *Bank) SetCounter(s uint8, v uint16) {
	b.slices[s].counter = v
}

func (b *Bank) SetEnabled(mask uint32) {
	for i := range b.slices {
		b.slices[i].enabled = mask&(1<<i) != 0
	}
}

func (b *Bank) SetWrapHandler(fn func()) { b.handler = fn }

func (b *Bank) EnableWrapIRQ(s uint8, enabled bool) {
	if enabled {
		b.irqEnabled |= 1 << s
	} else {
		b.irqEnabled &^= 1 << s
	}
}

func (b *Bank) AckWrapIRQ(s uint8) { b.irqRaw &^= 1 << s }

func (b *Bank) SetPinFunction(gpio int, pwm bool) {
	b.pinMu.Lock()
	defer b.pinMu.Unlock()
	b.pins[gpio] = pwm
}

// Period runs every enabled slice through one full counter period: the
// buffered levels latch at the wrap and the wrap interrupt fires if it is
// enabled on any wrapping slice. It reports whether the handler ran.
func (b *Bank) Period() bool {
	for i := range b.slices {
		sl := &b.slices[i]
		if !sl.enabled {
			continue
		}
		sl.level = sl.pending
		sl.counter = 0
		sl.wraps++
		b.irqRaw |= 1 << i
	}
	b.periods++
	if b.irqRaw&b.irqEnabled != 0 && b.handler != nil {
		b.handler()
		return true
	}
	return false
}

// RunUntilIdle steps periods until no wrap interrupt is enabled or max
// periods have elapsed, and returns the number of periods run.
func (b *Bank) RunUntilIdle(max int) int {
	n := 0
	for n < max && b.irqEnabled != 0 {
		b.Period()
		n++
	}
	return n
}

// Output returns the pin level of ch with the counter at counter.
func (b *Bank) Output(ch core.Channel, counter uint16) bool {
	sl := &b.slices[ch.Slice]
	return (counter < sl.level[ch.Out]) != sl.inverted[ch.Out]
}

// Pin returns the current level of ch at the slice's parked counter.
func (b *Bank) Pin(ch core.Channel) bool {
	return b.Output(ch, b.slices[ch.Slice].counter)
}

// Level returns the active compare level of ch.
func (b *Bank) Level(ch core.Channel) uint16 { return b.slices[ch.Slice].level[ch.Out] }

// PendingLevel returns the level that latches at the next wrap.
func (b *Bank) PendingLevel(ch core.Channel) uint16 { return b.slices[ch.Slice].pending[ch.Out] }

func (b *Bank) Inverted(ch core.Channel) bool { return b.slices[ch.Slice].inverted[ch.Out] }

func (b *Bank) Config(s uint8) core.SliceConfig { return b.slices[s].cfg }

func (b *Bank) Enabled(s uint8) bool { return b.slices[s].enabled }

// EnabledMask returns the running slices.
func (b *Bank) EnabledMask() uint32 {
	var m uint32
	for i := range b.slices {
		if b.slices[i].enabled {
			m |= 1 << i
		}
	}
	return m
}

func (b *Bank) IRQEnabled(s uint8) bool { return b.irqEnabled&(1<<s) != 0 }

// Wraps returns how many periods slice s has completed while enabled.
func (b *Bank) Wraps(s uint8) uint64 { return b.slices[s].wraps }

// Periods returns the number of Period calls.
func (b *Bank) Periods() uint64 { return b.periods }

// PeriodTicks returns the length of one period of slice s in clock ticks.
func (b *Bank) PeriodTicks(s uint8) uint64 {
	cfg := b.slices[s].cfg
	n := uint64(cfg.Wrap) + 1
	if cfg.PhaseCorrect {
		n *= 2
	}
	return n * uint64(cfg.Divider)
}

// PinAttached reports whether gpio is routed to its slice.
func (b *Bank) PinAttached(gpio int) bool {
	b.pinMu.Lock()
	defer b.pinMu.Unlock()
	return b.pins[gpio]
}
