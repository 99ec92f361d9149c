package core

import (
	"math"

	"phasegen/errcode"
)

const (
	maxDivider     = 255
	maxCounterSpan = 1<<16 - 2
)

// pinHW is a resolved output.
type pinHW struct {
	Used     bool
	Ch       Channel
	Inverted bool // effective polarity written to the slice
	IdleHigh bool
}

// idleLevel is the compare level that holds the pin at its configured idle
// level with the counter parked at zero.
func (p *pinHW) idleLevel(maxCounter uint16) uint16 {
	if p.IdleHigh != p.Inverted {
		return maxCounter
	}
	return 0
}

// Derived is the compiled hardware view. Only the real-time unit writes it.
type Derived struct {
	Mode       OpMode
	Control    ControlMode
	Frequency  float32
	Phases     int
	Divider    uint8
	MaxCounter uint16

	DeadtimeLow  uint16
	DeadtimeHigh uint16
	MinDutyWD    float32

	Pins       [MaxPhases][2]pinHW
	EnableMask uint32
	IRQSlice   uint8
	HasIRQ     bool

	TicksPerCycle uint64
	Burst         BurstType
	BurstCycles   uint32
	TimeoutTicks  uint64
}

// Period returns the exact hardware period in seconds.
func (d *Derived) Period(clockHz uint32) float64 {
	return float64(d.TicksPerCycle) / float64(clockHz)
}

// timing computes the integer divider and center-aligned period for freq.
func timing(clockHz uint32, freq float32) (div uint8, maxCounter uint16, err error) {
	if freq <= 0 {
		return 0, 0, errcode.OutOfRange
	}
	clk := float64(clockHz)
	f := float64(freq)
	d := math.Ceil(clk / (f * 2 * maxCounterSpan))
	if d < 1 {
		d = 1
	}
	if d > maxDivider {
		d = maxDivider
	}
	mc := math.Round(clk / (f * 2 * d))
	if mc < 2 || mc > math.MaxUint16 {
		return 0, 0, errcode.OutOfRange
	}
	return uint8(d), uint16(mc), nil
}

// deadtimeCounts splits the deadtime so the halves sum back to the total.
func deadtimeCounts(deadtime, freq float32, maxCounter uint16) (low, high uint16) {
	total := uint32(math.Round(float64(deadtime) * float64(freq) * float64(maxCounter) * 2))
	return uint16(total / 2), uint16((total + 1) / 2)
}

// Compile derives the hardware parameters. Inputs have already been
// validated by the setters, so it cannot fail; a frequency that somehow
// slipped through is forced to the closest representable period.
func Compile(sc *StaticConfig, bc *BurstConfig, bank PWMBank) Derived {
	clk := bank.ClockHz()
	div, mc, err := timing(clk, sc.Frequency)
	if err != nil {
		div, mc = maxDivider, math.MaxUint16
	}

	d := Derived{
		Mode:          sc.Mode,
		Control:       sc.Control,
		Frequency:     sc.Frequency,
		Phases:        sc.Mode.Phases(),
		Divider:       div,
		MaxCounter:    mc,
		MinDutyWD:     sc.MinDutyWithDeadtime(),
		TicksPerCycle: 2 * uint64(div) * uint64(mc),
		Burst:         bc.Type,
		BurstCycles:   bc.Cycles,
		TimeoutTicks:  uint64(math.Round(float64(bc.Duration) * float64(clk))),
	}
	d.DeadtimeLow, d.DeadtimeHigh = deadtimeCounts(sc.Deadtime, sc.Frequency, mc)

	for k := 0; k < d.Phases; k++ {
		for s := LowSide; s <= HighSide; s++ {
			pc := sc.Phases[k].Pin(s)
			if !pc.Assigned() {
				continue
			}
			inv := pc.Inverted
			if s == HighSide {
				inv = !inv
			}
			ch := bank.ChannelOf(pc.GPIO)
			d.Pins[k][s] = pinHW{Used: true, Ch: ch, Inverted: inv, IdleHigh: pc.IdleHigh}
			d.EnableMask |= 1 << ch.Slice
			// phase 1 low-side when assigned, else the first pin found
			if !d.HasIRQ {
				d.IRQSlice, d.HasIRQ = ch.Slice, true
			}
		}
	}
	return d
}

// program writes d to the bank. All slices must be disabled.
func program(bank PWMBank, d *Derived) {
	cfg := SliceConfig{Divider: d.Divider, Wrap: d.MaxCounter - 1, PhaseCorrect: true}
	for s := uint8(0); s < 32; s++ {
		if d.EnableMask&(1<<s) != 0 {
			bank.ConfigureSlice(s, cfg)
		}
	}
	for k := 0; k < d.Phases; k++ {
		for s := range d.Pins[k] {
			if p := &d.Pins[k][s]; p.Used {
				bank.SetPolarity(p.Ch, p.Inverted)
			}
		}
	}
	applyIdleLevels(bank, d)
}

func applyIdleLevels(bank PWMBank, d *Derived) {
	for k := 0; k < d.Phases; k++ {
		for s := range d.Pins[k] {
			if p := &d.Pins[k][s]; p.Used {
				bank.SetLevel(p.Ch, p.idleLevel(d.MaxCounter))
			}
		}
	}
}
