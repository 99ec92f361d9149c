package core

import "phasegen/mathx"

const phaseMinus120 = ^Phase120 + 1

// phaseOffsets per active phase count.
var phaseOffsets = [MaxPhases + 1][MaxPhases]uint32{
	{},
	{0},
	{0, Phase180},
	{0, Phase120, phaseMinus120},
}

// OnWrap is the cycle-boundary handler. The bank calls it once per period;
// it must finish inside that period, so it neither blocks nor allocates.
func (e *Engine) OnWrap() {
	if e.marker != nil {
		e.marker.High()
	}
	e.bank.AckWrapIRQ(e.hw.IRQSlice)

	_, abort := e.sh.abort.pending()
	stop := abort || !e.sh.running.Load()
	if stop || e.burst.expired() {
		e.enterIdle(stop)
	} else {
		e.compute()
		e.burst.advance()
	}

	if e.marker != nil {
		e.marker.Low()
	}
}

// enterIdle performs RUNNING -> IDLE at a period boundary so no pulse is
// truncated.
func (e *Engine) enterIdle(aborted bool) {
	hw := &e.hw
	e.bank.EnableWrapIRQ(hw.IRQSlice, false)
	e.bank.SetEnabled(0)
	applyIdleLevels(e.bank, hw)
	for s := uint8(0); s < 32; s++ {
		if hw.EnableMask&(1<<s) != 0 {
			e.bank.SetCounter(s, 0)
		}
	}
	e.burst.reset()

	// IMMEDIATE keeps free-running; anything else must not restart on a
	// trigger that raced the stop.
	e.sh.trigPending.Store(e.sh.trigger.Load().Source == SourceImmediate)

	e.sh.running.Store(false)
	e.sh.state.Store(uint32(StateIdle))

	var v2 uint32
	if aborted {
		v2 = 1
	}
	RecordTiming(EvtIdle, uint8(hw.Phases), e.now(), e.passes.Load(), v2)
}

// compute produces and writes one period's compare levels.
func (e *Engine) compute() {
	hw := &e.hw
	gen, pending := e.sh.reload.pending()
	reload := pending || e.forceReload

	var rt *RuntimeParams
	if reload {
		rt = e.sh.runtime.Load()
		e.mod = rt.ModIndex
	}

	switch hw.Control {
	case ControlModAngle:
		if reload {
			e.acc = PhaseFromDegrees(rt.Angle)
			e.modulate()
		}
	case ControlModSpeed:
		if reload {
			e.delta = PhaseDelta(rt.Speed, hw.Frequency)
		}
		e.modulate()
		e.acc += uint32(e.delta)
	default:
		if reload {
			e.duty = rt.Duty
		}
	}

	lo := hw.MinDutyWD
	hi := 1 - lo
	// counts stay where both shifted edges fit, so the gap is always
	// DeadtimeLow+DeadtimeHigh
	cmin := int32(hw.DeadtimeLow)
	cmax := int32(hw.MaxCounter) - int32(hw.DeadtimeHigh)
	for k := 0; k < hw.Phases; k++ {
		d := mathx.Clamp(e.duty[k], lo, hi)
		counts := mathx.Clamp(int32(d*float32(hw.MaxCounter)), cmin, cmax)
		low := uint16(counts - int32(hw.DeadtimeLow))
		high := uint16(counts + int32(hw.DeadtimeHigh))
		e.lowLevel[k], e.highLevel[k] = low, high

		pins := &hw.Pins[k]
		if pins[LowSide].Used {
			e.bank.SetLevel(pins[LowSide].Ch, low)
		}
		if pins[HighSide].Used {
			e.bank.SetLevel(pins[HighSide].Ch, high)
		}
	}

	if pending {
		e.sh.reload.done(gen)
	}
	e.forceReload = false
	e.passes.Add(1)
}

// modulate spreads the accumulator over the active phases.
func (e *Engine) modulate() {
	n := e.hw.Phases
	offs := &phaseOffsets[n]
	for k := 0; k < n; k++ {
		e.duty[k] = 0.5 + 0.5*e.mod*Sin(e.acc+offs[k])
	}
}
