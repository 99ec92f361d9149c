package core

import (
	"math"
	"strconv"
	"time"

	"phasegen/errcode"
	"phasegen/mathx"
)

// Setters return nil, an errcode.Conflict when the engine state forbids the
// change, or an errcode.OutOfRange when the value breaks a numeric bound.
// Phase indices are zero based.

const (
	resetPollInterval = time.Millisecond
	resetMinWait      = 100 * time.Millisecond
)

func conflict(op, msg string) error   { return errcode.New(errcode.Conflict, op, msg) }
func outOfRange(op, msg string) error { return errcode.New(errcode.OutOfRange, op, msg) }

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// updateStatic applies fn to a copy of the static configuration and
// publishes it with the hardware-dirty flag.
func (e *Engine) updateStatic(op string, fn func(sc *StaticConfig) error) error {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()

	if e.sh.busy() {
		return conflict(op, "engine running")
	}
	sc := *e.sh.static.Load()
	if err := fn(&sc); err != nil {
		return err
	}
	if sc.MinDutyWithDeadtime() >= 0.5 {
		return outOfRange(op, "min duty plus deadtime must stay below 0.5")
	}
	e.sh.static.Store(&sc)
	e.sh.hwDirty.mark()
	return nil
}

func (e *Engine) updateRuntime(fn func(rt *RuntimeParams) error) error {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()

	rt := *e.sh.runtime.Load()
	if err := fn(&rt); err != nil {
		return err
	}
	e.sh.runtime.Store(&rt)
	e.sh.reload.mark()
	return nil
}

func (e *Engine) updateTrigger(op string, fn func(tc *TriggerConfig) error) error {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()

	if e.sh.busy() {
		return conflict(op, "engine running")
	}
	tc := *e.sh.trigger.Load()
	if err := fn(&tc); err != nil {
		return err
	}
	e.sh.trigger.Store(&tc)
	e.coord.Configure(tc)
	return nil
}

func (e *Engine) updateBurst(op string, fn func(bc *BurstConfig) error) error {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()

	if e.sh.busy() {
		return conflict(op, "engine running")
	}
	bc := *e.sh.burst.Load()
	if err := fn(&bc); err != nil {
		return err
	}
	e.sh.burst.Store(&bc)
	e.sh.hwDirty.mark()
	return nil
}

func checkPhase(op string, phase int, side Side) error {
	if phase < 0 || phase >= MaxPhases {
		return outOfRange(op, "phase "+strconv.Itoa(phase))
	}
	if side > HighSide {
		return outOfRange(op, "side")
	}
	return nil
}

// SetMode selects the operating mode. Outputs must be disabled, and the
// single-phase mode only accepts direct duty control.
func (e *Engine) SetMode(m OpMode) error {
	const op = "set_mode"
	return e.updateStatic(op, func(sc *StaticConfig) error {
		if m > ModeThreePhase {
			return outOfRange(op, "mode")
		}
		if e.sh.outputs.Load() {
			return conflict(op, "outputs enabled")
		}
		if m == ModeOnePhase && sc.Control != ControlDuty {
			return conflict(op, "single phase requires duty control")
		}
		sc.Mode = m
		return nil
	})
}

func (e *Engine) SetControl(c ControlMode) error {
	const op = "set_control"
	return e.updateStatic(op, func(sc *StaticConfig) error {
		if c > ControlModSpeed {
			return outOfRange(op, "control")
		}
		if c != ControlDuty && sc.Mode == ModeOnePhase {
			return conflict(op, "single phase cannot modulate")
		}
		sc.Control = c
		return nil
	})
}

// SetFrequency sets the carrier frequency in Hz. The frequency must have an
// integer-divider representation and leave room for the rotation speed.
func (e *Engine) SetFrequency(hz float32) error {
	const op = "set_frequency"
	return e.updateStatic(op, func(sc *StaticConfig) error {
		if !mathx.Between(hz, MinFrequency, MaxFrequency) {
			return outOfRange(op, "frequency")
		}
		if _, _, err := timing(e.bank.ClockHz(), hz); err != nil {
			return outOfRange(op, "no divider/counter pair for this clock")
		}
		if mathx.Abs(e.sh.runtime.Load().Speed) > hz/2 {
			return conflict(op, "rotation speed above frequency/2")
		}
		sc.Frequency = hz
		return nil
	})
}

// SetDeadtime sets the switch-over gap in seconds.
func (e *Engine) SetDeadtime(s float32) error {
	const op = "set_deadtime"
	return e.updateStatic(op, func(sc *StaticConfig) error {
		if !mathx.Between(s, 0, MaxDeadtime) {
			return outOfRange(op, "deadtime")
		}
		sc.Deadtime = s
		return nil
	})
}

func (e *Engine) SetMinDuty(d float32) error {
	const op = "set_min_duty"
	return e.updateStatic(op, func(sc *StaticConfig) error {
		if !mathx.Between(d, 0, MaxMinDuty) {
			return outOfRange(op, "min duty")
		}
		sc.MinDuty = d
		return nil
	})
}

// SetPhasePin assigns gpio (or NoGPIO) to one side of a phase. Outputs must
// be disabled and the GPIO's slice channel must not be used by another slot.
func (e *Engine) SetPhasePin(phase int, side Side, gpio int) error {
	const op = "set_pin"
	return e.updateStatic(op, func(sc *StaticConfig) error {
		if err := checkPhase(op, phase, side); err != nil {
			return err
		}
		if !mathx.Between(gpio, NoGPIO, MaxGPIO) {
			return outOfRange(op, "gpio "+strconv.Itoa(gpio))
		}
		if e.sh.outputs.Load() {
			return conflict(op, "outputs enabled")
		}
		if gpio != NoGPIO {
			want := e.bank.ChannelOf(gpio)
			for k := range sc.Phases {
				for s := LowSide; s <= HighSide; s++ {
					if k == phase && s == side {
						continue
					}
					other := sc.Phases[k].Pin(s)
					if other.Assigned() && e.bank.ChannelOf(other.GPIO) == want {
						return conflict(op, "gpio "+strconv.Itoa(gpio)+" shares a channel with phase "+
							strconv.Itoa(k)+" "+s.String())
					}
				}
			}
		}
		sc.Phases[phase].Pin(side).GPIO = gpio
		return nil
	})
}

func (e *Engine) SetPhaseInvert(phase int, side Side, inverted bool) error {
	const op = "set_invert"
	return e.updateStatic(op, func(sc *StaticConfig) error {
		if err := checkPhase(op, phase, side); err != nil {
			return err
		}
		sc.Phases[phase].Pin(side).Inverted = inverted
		return nil
	})
}

// SetPhaseIdle selects the electrical level a pin rests at while IDLE.
func (e *Engine) SetPhaseIdle(phase int, side Side, high bool) error {
	const op = "set_idle"
	return e.updateStatic(op, func(sc *StaticConfig) error {
		if err := checkPhase(op, phase, side); err != nil {
			return err
		}
		sc.Phases[phase].Pin(side).IdleHigh = high
		return nil
	})
}

// SetDuty sets the direct-mode duty of one phase. Allowed while running.
func (e *Engine) SetDuty(phase int, d float32) error {
	const op = "set_duty"
	if err := checkPhase(op, phase, LowSide); err != nil {
		return err
	}
	if !mathx.Between(d, 0, 1) {
		return outOfRange(op, "duty")
	}
	return e.updateRuntime(func(rt *RuntimeParams) error {
		rt.Duty[phase] = d
		return nil
	})
}

func (e *Engine) SetModIndex(m float32) error {
	const op = "set_mod_index"
	if !mathx.Between(m, 0, 1) {
		return outOfRange(op, "modulation index")
	}
	return e.updateRuntime(func(rt *RuntimeParams) error {
		rt.ModIndex = m
		return nil
	})
}

// SetAngle sets the modulation angle in degrees, wrapped into [0,360).
func (e *Engine) SetAngle(deg float32) error {
	const op = "set_angle"
	if !finite(deg) {
		return outOfRange(op, "angle")
	}
	a := float32(math.Mod(float64(deg), 360))
	if a < 0 {
		a += 360
	}
	if a >= 360 {
		a = 0
	}
	return e.updateRuntime(func(rt *RuntimeParams) error {
		rt.Angle = a
		return nil
	})
}

// SetSpeed sets the signed rotation speed in Hz; |speed| <= frequency/2.
func (e *Engine) SetSpeed(hz float32) error {
	const op = "set_speed"
	if !finite(hz) {
		return outOfRange(op, "speed")
	}
	return e.updateRuntime(func(rt *RuntimeParams) error {
		if mathx.Abs(hz) > e.sh.static.Load().Frequency/2 {
			return conflict(op, "rotation speed above frequency/2")
		}
		rt.Speed = hz
		return nil
	})
}

func (e *Engine) SetTriggerSource(src TriggerSource) error {
	const op = "set_trigger_source"
	return e.updateTrigger(op, func(tc *TriggerConfig) error {
		if src > SourceBus {
			return outOfRange(op, "source")
		}
		tc.Source = src
		return nil
	})
}

// SetTriggerDelay sets the delay between a trigger edge and the start.
func (e *Engine) SetTriggerDelay(s float32) error {
	const op = "set_trigger_delay"
	return e.updateTrigger(op, func(tc *TriggerConfig) error {
		if !finite(s) || s < 0 {
			return outOfRange(op, "delay")
		}
		tc.Delay = s
		return nil
	})
}

func (e *Engine) SetTriggerInterval(s float32) error {
	const op = "set_trigger_interval"
	return e.updateTrigger(op, func(tc *TriggerConfig) error {
		if !finite(s) || s <= 0 {
			return outOfRange(op, "interval")
		}
		tc.Interval = s
		return nil
	})
}

func (e *Engine) SetBurstType(t BurstType) error {
	const op = "set_burst_type"
	return e.updateBurst(op, func(bc *BurstConfig) error {
		if t > BurstDuration {
			return outOfRange(op, "burst type")
		}
		bc.Type = t
		return nil
	})
}

func (e *Engine) SetBurstCycles(n uint32) error {
	const op = "set_burst_cycles"
	return e.updateBurst(op, func(bc *BurstConfig) error {
		if n < 1 {
			return outOfRange(op, "cycles")
		}
		bc.Cycles = n
		return nil
	})
}

func (e *Engine) SetBurstDuration(s float32) error {
	const op = "set_burst_duration"
	return e.updateBurst(op, func(bc *BurstConfig) error {
		if !finite(s) || s <= 0 {
			return outOfRange(op, "duration")
		}
		bc.Duration = s
		return nil
	})
}

// SetOutputEnabled attaches the active phases' pins to their slices, or
// leaves every assigned pin high-impedance.
func (e *Engine) SetOutputEnabled(on bool) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	e.setOutputsLocked(on)
}

func (e *Engine) setOutputsLocked(on bool) {
	sc := e.sh.static.Load()
	active := sc.Mode.Phases()
	for k := range sc.Phases {
		for s := LowSide; s <= HighSide; s++ {
			if p := sc.Phases[k].Pin(s); p.Assigned() {
				e.bank.SetPinFunction(p.GPIO, on && k < active)
			}
		}
	}
	e.sh.outputs.Store(on)
}

// TriggerFire records a trigger edge from src; ignored unless src is the
// configured source.
func (e *Engine) TriggerFire(src TriggerSource) bool {
	return e.coord.Fire(src)
}

// Abort requests a return to IDLE. The cycle handler stops the hardware at
// the next period boundary.
func (e *Engine) Abort() {
	e.coord.Cancel()
	e.sh.trigPending.Store(false)
	e.sh.abort.mark()
	e.sh.running.Store(false)
}

// ResetToDefaults stops the waveform, waits for IDLE and restores every
// configuration field. Defaults are applied even when IDLE could not be
// confirmed, in which case an errcode.Timeout is returned.
func (e *Engine) ResetToDefaults() error {
	const op = "reset"
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()

	tc := *e.sh.trigger.Load()
	tc.Source = SourceBus
	e.sh.trigger.Store(&tc)
	e.coord.Configure(tc)
	e.Abort()

	var err error
	wait := resetMinWait
	if p := 2 * time.Duration(float64(time.Second)/float64(e.sh.static.Load().Frequency)); p > wait {
		wait = p
	}
	deadline := time.Now().Add(wait)
	for e.sh.State() != StateIdle {
		if time.Now().After(deadline) {
			err = errcode.New(errcode.Timeout, op, "engine did not reach idle")
			DebugPrintln("[RESET] idle not confirmed, applying defaults anyway")
			break
		}
		time.Sleep(resetPollInterval)
	}

	e.setOutputsLocked(false)
	e.sh.loadDefaults()
	e.coord.Configure(DefaultTriggerConfig())
	e.sh.trigPending.Store(false)
	return err
}

// Getters. Each returns a consistent snapshot of its own group only.

func (e *Engine) StaticConfig() StaticConfig   { return *e.sh.static.Load() }
func (e *Engine) RuntimeParams() RuntimeParams { return *e.sh.runtime.Load() }
func (e *Engine) TriggerConfig() TriggerConfig { return *e.sh.trigger.Load() }
func (e *Engine) BurstConfig() BurstConfig     { return *e.sh.burst.Load() }
func (e *Engine) OutputsEnabled() bool         { return e.sh.outputs.Load() }
func (e *Engine) State() State                 { return e.sh.State() }
func (e *Engine) Running() bool                { return e.sh.running.Load() }

// Status is the user-visible state. Fields are read one group at a time and
// are not mutually consistent while the engine is changing state.
type Status struct {
	State          State
	Running        bool
	OutputsEnabled bool
	Static         StaticConfig
	Runtime        RuntimeParams
	Trigger        TriggerConfig
	Burst          BurstConfig
	Periods        uint32 // computed periods of the current or last run
	Runs           uint32
	DelayPending   bool
}

// QueryState returns a Status snapshot.
func (e *Engine) QueryState() Status {
	return Status{
		State:          e.sh.State(),
		Running:        e.sh.running.Load(),
		OutputsEnabled: e.sh.outputs.Load(),
		Static:         *e.sh.static.Load(),
		Runtime:        *e.sh.runtime.Load(),
		Trigger:        *e.sh.trigger.Load(),
		Burst:          *e.sh.burst.Load(),
		Periods:        e.passes.Load(),
		Runs:           e.runs.Load(),
		DelayPending:   e.coord.DelayPending(),
	}
}
