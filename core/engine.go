package core

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// Options are the optional collaborators of an Engine.
type Options struct {
	Clock      Clock         // coordinator timebase; monotonic wall clock when nil
	Marker     Marker        // raised while the cycle handler runs
	TriggerOut TriggerOutput // pulsed on every start
}

// Engine is the generator context shared by both execution units.
//
// The command unit calls the setters, TriggerFire, Abort, QueryState,
// ResetToDefaults and Poll. The real-time unit calls Step (or Run) and the
// bank invokes OnWrap once per period. Fields below the shared block are
// owned by the real-time unit and never touched by the command unit.
type Engine struct {
	bank    PWMBank
	clock   Clock
	coord   *Coordinator
	marker  Marker
	trigOut TriggerOutput

	// serializes command-unit writers; the real-time unit never takes it
	cfgMu sync.Mutex
	sh    shared

	hw          Derived
	burst       burstPolicy
	acc         uint32
	delta       int32
	mod         float32
	duty        [MaxPhases]float32
	forceReload bool
	lowLevel    [MaxPhases]uint16
	highLevel   [MaxPhases]uint16

	passes    atomic.Uint32
	runs      atomic.Uint32
	reconfigs atomic.Uint32
}

// NewEngine builds an engine in IDLE with default configuration and
// installs its cycle handler on bank. The first Step compiles the defaults.
func NewEngine(bank PWMBank, opts Options) *Engine {
	e := &Engine{
		bank:    bank,
		clock:   opts.Clock,
		marker:  opts.Marker,
		trigOut: opts.TriggerOut,
	}
	if e.clock == nil {
		e.clock = NewMonotonicClock()
	}
	e.sh.loadDefaults()
	e.coord = NewCoordinator(e.clock, e.requestStart)
	bank.SetWrapHandler(e.OnWrap)
	return e
}

// requestStart is the coordinator's dispatch step.
func (e *Engine) requestStart() {
	e.sh.trigPending.Store(true)
}

// Coordinator exposes the trigger coordinator.
func (e *Engine) Coordinator() *Coordinator { return e.coord }

// Poll runs the coordinator's due timers. Command unit.
func (e *Engine) Poll() { e.coord.Poll() }

// Run is the real-time unit's supervisory loop. It never sleeps.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		e.Step()
		runtime.Gosched()
	}
}

// Step is one non-blocking iteration of the supervisory loop. It only acts
// while IDLE: it applies pending hardware changes and starts the waveform
// when a trigger is pending. Stopping is left to the cycle handler.
func (e *Engine) Step() {
	if e.sh.State() != StateIdle {
		return
	}
	e.syncHardware()
	if e.sh.running.Load() || !e.sh.trigPending.Load() {
		return
	}
	if !e.canStart() && e.sh.trigger.Load().Source == SourceImmediate {
		// hold the free-run request until there is something to drive
		return
	}

	ab, _ := e.sh.abort.pending()
	e.sh.abort.done(ab)
	if !e.sh.trigPending.Swap(false) {
		return
	}
	// a layout change may have landed together with the trigger
	e.syncHardware()
	if !e.canStart() {
		RecordTiming(EvtDropTrigger, uint8(e.hw.Phases), e.now(), uint32(e.hw.Mode), e.hw.EnableMask)
		DebugAsync("[ENGINE] trigger dropped: nothing to drive")
		return
	}
	e.start()
}

func (e *Engine) canStart() bool {
	return e.hw.Mode != ModeOff && e.hw.EnableMask != 0 && e.hw.HasIRQ
}

func (e *Engine) syncHardware() {
	gen, dirty := e.sh.hwDirty.pending()
	if !dirty {
		return
	}
	e.reconfigure()
	e.sh.hwDirty.done(gen)
}

// reconfigure recompiles the static configuration. IDLE only.
func (e *Engine) reconfigure() {
	if e.hw.HasIRQ {
		e.bank.EnableWrapIRQ(e.hw.IRQSlice, false)
	}
	e.bank.SetEnabled(0)

	e.hw = Compile(e.sh.static.Load(), e.sh.burst.Load(), e.bank)
	program(e.bank, &e.hw)
	e.burst.load(&e.hw)
	e.forceReload = true
	e.reconfigs.Add(1)
	RecordTiming(EvtReconfigure, uint8(e.hw.Phases), e.now(), uint32(e.hw.Divider), uint32(e.hw.MaxCounter))
}

// start performs IDLE -> RUNNING. The priming pass fills the compare
// registers for the first period before the slices are enabled.
func (e *Engine) start() {
	hw := &e.hw
	e.sh.running.Store(true)
	e.sh.state.Store(uint32(StateRunning))

	e.burst.reset()
	e.acc = 0
	e.delta = 0
	e.passes.Store(0)
	e.forceReload = true
	e.compute()
	e.burst.advance()

	e.bank.AckWrapIRQ(hw.IRQSlice)
	e.bank.EnableWrapIRQ(hw.IRQSlice, true)
	e.bank.SetEnabled(hw.EnableMask)
	if e.trigOut != nil {
		e.trigOut.Pulse()
	}
	e.runs.Add(1)
	RecordTiming(EvtStart, uint8(hw.Phases), e.now(), hw.EnableMask, 0)
}

func (e *Engine) now() uint32 { return uint32(e.clock.Micros()) }

// Derived returns the compiled hardware parameters. Only meaningful from
// the real-time unit or while the engine is quiescent.
func (e *Engine) Derived() Derived { return e.hw }
