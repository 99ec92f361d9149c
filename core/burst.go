package core

// burstPolicy decides when a running waveform ends. It is owned by the
// real-time unit and evaluated once per period by the cycle handler.
type burstPolicy struct {
	kind          BurstType
	limit         uint32
	timeoutTicks  uint64
	ticksPerCycle uint64

	cycles uint32
	ticks  uint64
}

func (b *burstPolicy) load(d *Derived) {
	b.kind = d.Burst
	b.limit = d.BurstCycles
	b.timeoutTicks = d.TimeoutTicks
	b.ticksPerCycle = d.TicksPerCycle
	b.reset()
}

func (b *burstPolicy) reset() {
	b.cycles = 0
	b.ticks = 0
}

// expired reports whether the burst is complete. Tick counting follows the
// hardware period rather than wall-clock time so it stays cycle-exact.
func (b *burstPolicy) expired() bool {
	switch b.kind {
	case BurstNCycles:
		return b.cycles >= b.limit
	case BurstDuration:
		return b.ticks >= b.timeoutTicks
	}
	return false
}

// advance accounts for one computed period.
func (b *burstPolicy) advance() {
	switch b.kind {
	case BurstNCycles:
		b.cycles++
	case BurstDuration:
		b.ticks += b.ticksPerCycle
	}
}
