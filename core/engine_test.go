package core_test

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"phasegen/core"
	"phasegen/errcode"
	"phasegen/sim"
)

type rig struct {
	e     *core.Engine
	bank  *sim.Bank
	clock *core.ManualClock
}

// newRig wires an engine to a simulated bank with three phases on GPIO 0-5
// (slices 0-2, low side on output A).
func newRig(t *testing.T, mode core.OpMode) *rig {
	t.Helper()
	r := &rig{bank: sim.New(sim.DefaultClockHz), clock: &core.ManualClock{}}
	r.e = core.NewEngine(r.bank, core.Options{Clock: r.clock})
	for k := 0; k < core.MaxPhases; k++ {
		must(t, r.e.SetPhasePin(k, core.LowSide, 2*k))
		must(t, r.e.SetPhasePin(k, core.HighSide, 2*k+1))
	}
	must(t, r.e.SetMode(mode))
	r.e.SetOutputEnabled(true)
	r.e.Step()
	return r
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

// fire delivers a bus trigger and lets the supervisory loop start the run.
func (r *rig) fire(t *testing.T) {
	t.Helper()
	if !r.e.TriggerFire(core.SourceBus) {
		t.Fatal("trigger edge was not armed")
	}
	r.e.Poll()
	r.e.Step()
}

func ch(gpio int) core.Channel {
	return core.Channel{Slice: uint8(gpio >> 1), Out: uint8(gpio & 1)}
}

func TestCompiledTiming(t *testing.T) {
	r := newRig(t, core.ModeThreePhase)
	d := r.e.Derived()

	if d.Divider != 1 || d.MaxCounter != 6250 {
		t.Fatalf("10 kHz compiled to div=%d mc=%d, want 1/6250", d.Divider, d.MaxCounter)
	}
	if d.DeadtimeLow != 62 || d.DeadtimeHigh != 63 {
		t.Errorf("deadtime split %d/%d, want 62/63", d.DeadtimeLow, d.DeadtimeHigh)
	}
	if d.EnableMask != 0x7 {
		t.Errorf("enable mask %#x, want 0x7", d.EnableMask)
	}
	if !d.HasIRQ || d.IRQSlice != 0 {
		t.Errorf("IRQ slice %d (has=%v), want 0", d.IRQSlice, d.HasIRQ)
	}
	for s := uint8(0); s < 3; s++ {
		cfg := r.bank.Config(s)
		if cfg.Wrap != 6249 || !cfg.PhaseCorrect || cfg.Divider != 1 {
			t.Errorf("slice %d config %+v", s, cfg)
		}
		if got := r.bank.PeriodTicks(s); got != d.TicksPerCycle {
			t.Errorf("slice %d period %d ticks, compiled %d", s, got, d.TicksPerCycle)
		}
	}
	if !r.bank.Inverted(ch(1)) || r.bank.Inverted(ch(0)) {
		t.Error("high side must run with inverted polarity, low side without")
	}
}

func TestCompiledTimingLowFrequency(t *testing.T) {
	r := newRig(t, core.ModeOnePhase)
	must(t, r.e.SetFrequency(100))
	r.e.Step()
	d := r.e.Derived()

	// 125 MHz / (100 * 2 * 65534) rounds up to 10
	if d.Divider != 10 || d.MaxCounter != 62500 {
		t.Errorf("100 Hz compiled to div=%d mc=%d, want 10/62500", d.Divider, d.MaxCounter)
	}
	period := d.Period(r.bank.ClockHz())
	if period < 0.0099 || period > 0.0101 {
		t.Errorf("period %f s", period)
	}
}

func TestNoShootThrough(t *testing.T) {
	r := newRig(t, core.ModeThreePhase)
	must(t, r.e.SetControl(core.ControlModSpeed))
	must(t, r.e.SetModIndex(1))
	must(t, r.e.SetSpeed(500))
	r.e.Step()
	r.fire(t)

	mc := r.e.Derived().MaxCounter
	for p := 0; p < 40; p++ {
		r.bank.Period()
		for k := 0; k < 3; k++ {
			lo, hi := ch(2*k), ch(2*k+1)
			if r.bank.Level(hi)-r.bank.Level(lo) != 125 {
				t.Fatalf("period %d phase %d: levels %d/%d do not differ by the deadtime",
					p, k, r.bank.Level(lo), r.bank.Level(hi))
			}
			for c := uint16(0); c < mc; c++ {
				if r.bank.Output(lo, c) && r.bank.Output(hi, c) {
					t.Fatalf("period %d phase %d: both switches on at counter %d", p, k, c)
				}
			}
		}
	}
}

func TestDutyClipping(t *testing.T) {
	r := newRig(t, core.ModeOnePhase)
	must(t, r.e.SetDuty(0, 1))
	r.e.Step()
	r.fire(t)
	r.bank.Period()

	// 0.06 minimum with deadtime: duty clips to 0.94
	lo := r.bank.Level(ch(0))
	if lo < 5810 || lo > 5815 {
		t.Errorf("low-side level %d for a clipped full duty", lo)
	}
}

func TestBurstNCycles(t *testing.T) {
	for _, n := range []uint32{1, 5, 100} {
		r := newRig(t, core.ModeThreePhase)
		must(t, r.e.SetBurstType(core.BurstNCycles))
		must(t, r.e.SetBurstCycles(n))
		r.e.Step()
		r.fire(t)

		if r.e.State() != core.StateRunning {
			t.Fatalf("N=%d: not running after trigger", n)
		}
		r.bank.RunUntilIdle(1000)

		st := r.e.QueryState()
		if st.State != core.StateIdle || st.Running {
			t.Errorf("N=%d: state %v running=%v after burst", n, st.State, st.Running)
		}
		if st.Periods != n {
			t.Errorf("N=%d: computed %d periods", n, st.Periods)
		}
		if w := r.bank.Wraps(0); w != uint64(n) {
			t.Errorf("N=%d: slice wrapped %d times", n, w)
		}
	}
}

func TestBurstDuration(t *testing.T) {
	r := newRig(t, core.ModeTwoPhase)
	must(t, r.e.SetBurstType(core.BurstDuration))
	must(t, r.e.SetBurstDuration(0.001))
	r.e.Step()
	r.fire(t)
	r.bank.RunUntilIdle(1000)

	// 1 ms at 10 kHz is exactly 10 periods
	if got := r.e.QueryState().Periods; got != 10 {
		t.Errorf("duration burst ran %d periods, want 10", got)
	}
	if r.bank.EnabledMask() != 0 {
		t.Errorf("slices %#x still enabled", r.bank.EnabledMask())
	}
}

func TestBurstDurationPartialPeriod(t *testing.T) {
	for _, dur := range []float32{0.00105, 0.0001499, 0.0123456, 0.00001} {
		r := newRig(t, core.ModeThreePhase)
		must(t, r.e.SetBurstType(core.BurstDuration))
		must(t, r.e.SetBurstDuration(dur))
		r.e.Step()
		r.fire(t)
		r.bank.RunUntilIdle(1000)

		d := r.e.Derived()
		periods := uint64(r.e.QueryState().Periods)
		if periods == 0 {
			t.Fatalf("%g s: no periods ran", dur)
		}
		if periods*d.TicksPerCycle < d.TimeoutTicks {
			t.Errorf("%g s: stopped early after %d periods (%d of %d ticks)",
				dur, periods, periods*d.TicksPerCycle, d.TimeoutTicks)
		}
		if (periods-1)*d.TicksPerCycle >= d.TimeoutTicks {
			t.Errorf("%g s: ran %d periods, more than one past the timeout", dur, periods)
		}
	}

	// 1.05 ms at 10 kHz ends after the 11th period
	r := newRig(t, core.ModeOnePhase)
	must(t, r.e.SetBurstType(core.BurstDuration))
	must(t, r.e.SetBurstDuration(0.00105))
	r.e.Step()
	r.fire(t)
	r.bank.RunUntilIdle(1000)
	if got := r.e.QueryState().Periods; got != 11 {
		t.Errorf("1.05 ms burst ran %d periods, want 11", got)
	}
}

func TestDeadtimeGapWithZeroMinDuty(t *testing.T) {
	r := newRig(t, core.ModeOnePhase)
	must(t, r.e.SetMinDuty(0))
	must(t, r.e.SetDeadtime(1.0208e-6))
	must(t, r.e.SetDuty(0, 0))
	r.e.Step()

	d := r.e.Derived()
	if d.DeadtimeLow != 64 || d.DeadtimeHigh != 64 {
		t.Fatalf("deadtime split %d/%d, want 64/64", d.DeadtimeLow, d.DeadtimeHigh)
	}
	gap := d.DeadtimeLow + d.DeadtimeHigh

	r.fire(t)
	lo, hi := r.bank.Level(ch(0)), r.bank.Level(ch(1))
	if lo != 0 || hi-lo != gap {
		t.Errorf("duty 0: levels %d/%d, want 0/%d", lo, hi, gap)
	}

	must(t, r.e.SetDuty(0, 1))
	r.bank.Period()
	r.bank.Period()
	lo, hi = r.bank.Level(ch(0)), r.bank.Level(ch(1))
	if hi != d.MaxCounter || hi-lo != gap {
		t.Errorf("duty 1: levels %d/%d, want %d/%d", lo, hi, d.MaxCounter-gap, d.MaxCounter)
	}
}

func TestFrequencySweep(t *testing.T) {
	const maxSpan = 1<<16 - 2
	clk := float64(sim.DefaultClockHz)

	var freqs []float32
	for f := float64(core.MinFrequency); f <= core.MaxFrequency; f *= 1.07 {
		freqs = append(freqs, float32(f))
	}
	// either side of the points where the divider steps up
	for _, div := range []float64{1, 2, 3, 10, 100, 254, 255} {
		fb := clk / (2 * maxSpan * div)
		freqs = append(freqs, float32(fb), float32(fb*1.0001), float32(fb*0.9999))
	}
	freqs = append(freqs, core.MaxFrequency)

	r := newRig(t, core.ModeTwoPhase)
	must(t, r.e.SetSpeed(0))
	supported := 0
	for _, f := range freqs {
		if err := r.e.SetFrequency(f); err != nil {
			if errcode.Of(err) != errcode.OutOfRange {
				t.Fatalf("%g Hz: %v", f, err)
			}
			// only the low end can lack a divider/counter pair
			if f > 4 {
				t.Errorf("%g Hz rejected", f)
			}
			continue
		}
		supported++
		r.e.Step()
		d := r.e.Derived()
		div, mc := float64(d.Divider), float64(d.MaxCounter)

		got := clk / (2 * div * mc)
		step := clk/(2*div*(mc-1)) - got
		if diff := math.Abs(got - float64(f)); diff > step {
			t.Errorf("%g Hz: div=%v mc=%v gives %g Hz, off by %g (step %g)", f, div, mc, got, diff, step)
		}
		if div > 1 && clk/(float64(f)*2*(div-1)) < maxSpan*(1-1e-9) {
			t.Errorf("%g Hz: divider %v is not the smallest that fits", f, div)
		}
	}
	if supported < len(freqs)/2 {
		t.Errorf("only %d of %d frequencies accepted", supported, len(freqs))
	}
}

func TestTimingRingRecordsTransitions(t *testing.T) {
	core.ClearTimingRing()
	defer core.ClearTimingRing()

	r := newRig(t, core.ModeThreePhase)
	must(t, r.e.SetBurstType(core.BurstNCycles))
	must(t, r.e.SetBurstCycles(4))
	r.e.Step()
	r.fire(t)
	r.bank.RunUntilIdle(1000)

	var kinds []uint8
	for _, evt := range core.TimingEvents() {
		kinds = append(kinds, evt.EventType)
	}
	if len(kinds) < 3 || kinds[0] != core.EvtReconfigure {
		t.Fatalf("events %v, want a reconfigure first", kinds)
	}
	n := len(kinds)
	if kinds[n-2] != core.EvtStart || kinds[n-1] != core.EvtIdle {
		t.Fatalf("events %v, want START then IDLE last", kinds)
	}
	events := core.TimingEvents()
	if start := events[n-2]; start.Phase != 3 || start.Value1 != 0x7 {
		t.Errorf("start event %+v", start)
	}
	if idle := events[n-1]; idle.Value1 != 4 || idle.Value2 != 0 {
		t.Errorf("idle event %+v, want 4 periods, not aborted", idle)
	}
}

func TestDroppedTriggerReported(t *testing.T) {
	core.ClearTimingRing()
	lines := make(chan string, 64)
	core.SetDebugWriter(func(s string) { lines <- s })
	core.SetDebugEnabled(true)
	core.InitAsyncDebug()
	defer func() {
		core.SetDebugEnabled(false)
		core.SetDebugWriter(func(string) {})
		core.ClearTimingRing()
	}()

	r := newRig(t, core.ModeOff)
	r.fire(t)

	select {
	case msg := <-lines:
		if msg != "[ENGINE] trigger dropped: nothing to drive" {
			t.Errorf("debug message %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no debug message for the dropped trigger")
	}

	events := core.TimingEvents()
	if len(events) == 0 || events[len(events)-1].EventType != core.EvtDropTrigger {
		t.Fatalf("events %+v, want DROP_TRIGGER last", events)
	}

	core.DumpTimingRing()
	var dumped []string
	for len(lines) > 0 {
		dumped = append(dumped, <-lines)
	}
	if len(dumped) < 3 || dumped[0] != "[TIMING] === Timing Ring Dump ===" ||
		dumped[len(dumped)-1] != "[TIMING] === End Dump ===" {
		t.Fatalf("dump %q", dumped)
	}
	if !strings.HasPrefix(dumped[len(dumped)-2], "[TIMING] DROP_TRIGGER phase=0") {
		t.Errorf("last dumped event %q", dumped[len(dumped)-2])
	}
}

func TestAbortStopsAtNextPeriod(t *testing.T) {
	r := newRig(t, core.ModeThreePhase)
	r.fire(t)
	for i := 0; i < 10; i++ {
		r.bank.Period()
	}
	r.e.Abort()
	if r.e.Running() {
		t.Error("running still set after abort")
	}
	r.bank.Period()
	if r.e.State() != core.StateIdle {
		t.Fatal("not idle one period after abort")
	}
	if r.bank.EnabledMask() != 0 || r.bank.IRQEnabled(0) {
		t.Error("hardware left running after abort")
	}

	// no restart without a new trigger
	r.e.Step()
	if r.e.State() != core.StateIdle {
		t.Error("restarted without a trigger")
	}
	r.fire(t)
	if r.e.State() != core.StateRunning {
		t.Error("a new trigger after abort did not start")
	}
}

func TestAbortCancelsDelayedTrigger(t *testing.T) {
	r := newRig(t, core.ModeThreePhase)
	must(t, r.e.SetTriggerDelay(0.01))
	r.e.TriggerFire(core.SourceBus)
	r.e.Abort()
	r.clock.Advance(20 * time.Millisecond)
	r.e.Poll()
	r.e.Step()
	if r.e.State() != core.StateIdle {
		t.Error("delayed trigger survived abort")
	}
}

func TestTriggerAppliesPendingLayout(t *testing.T) {
	r := newRig(t, core.ModeThreePhase)
	must(t, r.e.SetFrequency(20000))
	r.e.TriggerFire(core.SourceBus)
	r.e.Poll()
	r.e.Step()

	if r.e.State() != core.StateRunning {
		t.Fatal("not running")
	}
	if mc := r.e.Derived().MaxCounter; mc != 3125 {
		t.Errorf("started with max counter %d, want the 20 kHz value 3125", mc)
	}
	if w := r.bank.Config(0).Wrap; w != 3124 {
		t.Errorf("slice wrap %d", w)
	}
}

func TestModeOffDropsTrigger(t *testing.T) {
	r := newRig(t, core.ModeOff)
	r.fire(t)
	if r.e.State() != core.StateIdle {
		t.Fatal("started with mode off")
	}
	r.e.SetOutputEnabled(false)
	must(t, r.e.SetMode(core.ModeThreePhase))
	r.e.Step()
	if r.e.State() != core.StateIdle {
		t.Error("dropped trigger was replayed")
	}
}

func TestIdleLevels(t *testing.T) {
	r := newRig(t, core.ModeOnePhase)
	r.e.SetOutputEnabled(false)
	must(t, r.e.SetPhaseIdle(0, core.HighSide, true))
	must(t, r.e.SetPhaseInvert(0, core.LowSide, true))
	must(t, r.e.SetPhaseIdle(0, core.LowSide, false))
	r.e.SetOutputEnabled(true)
	r.e.Step()

	if r.bank.Pin(ch(0)) {
		t.Error("inverted low side idles high, want low")
	}
	if !r.bank.Pin(ch(1)) {
		t.Error("high side idles low, want high")
	}

	r.fire(t)
	for i := 0; i < 5; i++ {
		r.bank.Period()
	}
	r.e.Abort()
	r.bank.Period()
	if r.bank.Pin(ch(0)) || !r.bank.Pin(ch(1)) {
		t.Error("idle levels not restored after stop")
	}
}

func TestRuntimeDutyReload(t *testing.T) {
	r := newRig(t, core.ModeOnePhase)
	r.fire(t)
	r.bank.Period()

	must(t, r.e.SetDuty(0, 0.3))
	r.bank.Period()
	if got := r.bank.PendingLevel(ch(0)); got != 1875-62 {
		t.Errorf("pending low level %d, want %d", got, 1875-62)
	}
	r.bank.Period()
	if got := r.bank.Level(ch(0)); got != 1875-62 {
		t.Errorf("latched low level %d", got)
	}
}

func TestImmediateRetriggers(t *testing.T) {
	r := newRig(t, core.ModeThreePhase)
	must(t, r.e.SetBurstType(core.BurstNCycles))
	must(t, r.e.SetBurstCycles(3))
	must(t, r.e.SetTriggerSource(core.SourceImmediate))

	for i := 0; i < 20; i++ {
		r.e.Poll()
		r.e.Step()
		r.bank.Period()
	}
	if runs := r.e.QueryState().Runs; runs < 4 {
		t.Errorf("free-run restarted %d times in 20 periods", runs)
	}
}

func TestSetterRules(t *testing.T) {
	Convey("Given an idle three-phase engine", t, func() {
		r := newRig(t, core.ModeThreePhase)

		Convey("Frequency must be representable", func() {
			So(errcode.Of(r.e.SetFrequency(0)), ShouldEqual, errcode.OutOfRange)
			So(errcode.Of(r.e.SetFrequency(200000)), ShouldEqual, errcode.OutOfRange)
			So(errcode.Of(r.e.SetFrequency(1)), ShouldEqual, errcode.OutOfRange)
			So(r.e.SetFrequency(50), ShouldBeNil)
		})

		Convey("Min duty plus deadtime stays below half a period", func() {
			So(r.e.SetMinDuty(0.2), ShouldBeNil)
			So(r.e.SetFrequency(40000), ShouldBeNil)
			So(errcode.Of(r.e.SetDeadtime(10e-6)), ShouldEqual, errcode.OutOfRange)
			So(errcode.Of(r.e.SetMinDuty(0.3)), ShouldEqual, errcode.OutOfRange)
		})

		Convey("A GPIO sharing a channel is refused", func() {
			r.e.SetOutputEnabled(false)
			err := r.e.SetPhasePin(2, core.LowSide, 16)
			So(errcode.Of(err), ShouldEqual, errcode.Conflict)
			So(r.e.SetPhasePin(0, core.LowSide, 0), ShouldBeNil)
		})

		Convey("Pins and mode are locked while outputs are enabled", func() {
			So(errcode.Of(r.e.SetPhasePin(0, core.LowSide, 8)), ShouldEqual, errcode.Conflict)
			So(errcode.Of(r.e.SetMode(core.ModeTwoPhase)), ShouldEqual, errcode.Conflict)
		})

		Convey("Single phase only accepts duty control", func() {
			So(r.e.SetControl(core.ControlModAngle), ShouldBeNil)
			r.e.SetOutputEnabled(false)
			So(errcode.Of(r.e.SetMode(core.ModeOnePhase)), ShouldEqual, errcode.Conflict)
		})

		Convey("Speed is limited to half the frequency", func() {
			So(errcode.Of(r.e.SetSpeed(6000)), ShouldEqual, errcode.Conflict)
			So(r.e.SetSpeed(-5000), ShouldBeNil)
			So(errcode.Of(r.e.SetFrequency(5000)), ShouldEqual, errcode.Conflict)
		})

		Convey("Angle wraps into one turn", func() {
			So(r.e.SetAngle(-90), ShouldBeNil)
			So(r.e.RuntimeParams().Angle, ShouldEqual, float32(270))
			So(r.e.SetAngle(720), ShouldBeNil)
			So(r.e.RuntimeParams().Angle, ShouldEqual, float32(0))
		})

		Convey("Phase indices are checked", func() {
			So(errcode.Of(r.e.SetDuty(3, 0.5)), ShouldEqual, errcode.OutOfRange)
			So(errcode.Of(r.e.SetDuty(0, 1.5)), ShouldEqual, errcode.OutOfRange)
		})

		Convey("While running", func() {
			r.fire(t)
			So(r.e.State(), ShouldEqual, core.StateRunning)

			Convey("Layout, trigger and burst setters conflict", func() {
				So(errcode.Of(r.e.SetFrequency(20000)), ShouldEqual, errcode.Conflict)
				So(errcode.Of(r.e.SetDeadtime(0)), ShouldEqual, errcode.Conflict)
				So(errcode.Of(r.e.SetTriggerDelay(0.1)), ShouldEqual, errcode.Conflict)
				So(errcode.Of(r.e.SetBurstCycles(4)), ShouldEqual, errcode.Conflict)
			})

			Convey("Runtime parameters are accepted", func() {
				So(r.e.SetDuty(1, 0.25), ShouldBeNil)
				So(r.e.SetModIndex(0.5), ShouldBeNil)
				So(r.e.SetAngle(45), ShouldBeNil)
			})
		})
	})
}

func TestResetToDefaults(t *testing.T) {
	r := newRig(t, core.ModeThreePhase)
	must(t, r.e.SetDuty(0, 0.2))
	r.fire(t)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			r.e.Step()
			r.bank.Period()
		}
	}()
	err := r.e.ResetToDefaults()
	cancel()
	wg.Wait()

	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	st := r.e.QueryState()
	if st.State != core.StateIdle || st.OutputsEnabled {
		t.Errorf("after reset state=%v outputs=%v", st.State, st.OutputsEnabled)
	}
	if st.Static != core.DefaultStaticConfig() || st.Runtime != core.DefaultRuntimeParams() {
		t.Error("configuration not restored to defaults")
	}
	if st.Trigger != core.DefaultTriggerConfig() || st.Burst != core.DefaultBurstConfig() {
		t.Error("trigger or burst not restored to defaults")
	}
	if r.bank.PinAttached(0) {
		t.Error("GPIO 0 still attached to its slice")
	}
}

func TestResetTimesOut(t *testing.T) {
	r := newRig(t, core.ModeThreePhase)
	r.fire(t)

	// nobody services the cycle handler
	err := r.e.ResetToDefaults()
	if errcode.Of(err) != errcode.Timeout {
		t.Fatalf("reset returned %v, want timeout", err)
	}
	if r.e.StaticConfig() != core.DefaultStaticConfig() {
		t.Error("defaults not applied after a timed-out reset")
	}
}
