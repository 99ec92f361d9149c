package core

import "sync/atomic"

// generation is a request flag that cannot lose a write: the command unit
// bumps req, the real-time unit stores the req it observed into ack after it
// has finished consuming it. A write that lands during consumption leaves
// req != ack and is picked up on the next pass.
type generation struct {
	req atomic.Uint32
	ack atomic.Uint32
}

func (g *generation) mark() { g.req.Add(1) }

func (g *generation) pending() (uint32, bool) {
	r := g.req.Load()
	return r, r != g.ack.Load()
}

func (g *generation) done(r uint32) { g.ack.Store(r) }

// shared is everything the two execution units exchange.
//
//	field           writer                      reader
//	static          command unit (copy-on-write) compiler
//	runtime         command unit (copy-on-write) cycle handler on reload
//	trigger         command unit (copy-on-write) coordinator, cycle handler
//	burst           command unit (copy-on-write) compiler
//	outputs         command unit                command unit
//	hwDirty         req: command, ack: real-time
//	reload          req: command, ack: real-time
//	abort           req: command, ack: real-time
//	trigPending     set: command (dispatch); cleared or re-armed: real-time;
//	                withdrawn by abort/reset before it is consumed
//	state           real-time                   both
//	running         real-time; command may only clear it (abort)
//
// No multi-field read is consistent as a whole; snapshots are.
type shared struct {
	static  atomic.Pointer[StaticConfig]
	runtime atomic.Pointer[RuntimeParams]
	trigger atomic.Pointer[TriggerConfig]
	burst   atomic.Pointer[BurstConfig]
	outputs atomic.Bool

	hwDirty generation
	reload  generation
	abort   generation

	trigPending atomic.Bool
	state       atomic.Uint32
	running     atomic.Bool
}

func (s *shared) loadDefaults() {
	sc, rt, tc, bc := DefaultStaticConfig(), DefaultRuntimeParams(), DefaultTriggerConfig(), DefaultBurstConfig()
	s.static.Store(&sc)
	s.runtime.Store(&rt)
	s.trigger.Store(&tc)
	s.burst.Store(&bc)
	s.hwDirty.mark()
	s.reload.mark()
}

func (s *shared) State() State { return State(s.state.Load()) }

// busy reports whether a layout change must be refused.
func (s *shared) busy() bool {
	return s.running.Load() || s.State() == StateRunning
}
