package sim

import (
	"testing"

	"phasegen/core"
)

func TestChannelOf(t *testing.T) {
	b := New(DefaultClockHz)
	tests := []struct {
		gpio int
		want core.Channel
	}{
		{0, core.Channel{Slice: 0, Out: 0}},
		{1, core.Channel{Slice: 0, Out: 1}},
		{7, core.Channel{Slice: 3, Out: 1}},
		{15, core.Channel{Slice: 7, Out: 1}},
		{16, core.Channel{Slice: 0, Out: 0}},
		{29, core.Channel{Slice: 6, Out: 1}},
	}
	for _, tt := range tests {
		if got := b.ChannelOf(tt.gpio); got != tt.want {
			t.Errorf("ChannelOf(%d) = %+v, want %+v", tt.gpio, got, tt.want)
		}
	}
}

func TestLevelDoubleBuffering(t *testing.T) {
	b := New(DefaultClockHz)
	ch := core.Channel{Slice: 2, Out: 1}
	b.ConfigureSlice(2, core.SliceConfig{Divider: 1, Wrap: 99, PhaseCorrect: true})

	b.SetLevel(ch, 10)
	if b.Level(ch) != 10 {
		t.Errorf("disabled slice did not take the level at once")
	}

	b.SetEnabled(1 << 2)
	b.SetLevel(ch, 40)
	if b.Level(ch) != 10 || b.PendingLevel(ch) != 40 {
		t.Errorf("running slice: level %d pending %d", b.Level(ch), b.PendingLevel(ch))
	}
	b.Period()
	if b.Level(ch) != 40 {
		t.Errorf("level %d after wrap, want 40", b.Level(ch))
	}
	if b.Wraps(2) != 1 {
		t.Errorf("wraps = %d", b.Wraps(2))
	}
}

func TestOutputPolarity(t *testing.T) {
	b := New(DefaultClockHz)
	ch := core.Channel{Slice: 0, Out: 0}
	b.ConfigureSlice(0, core.SliceConfig{Divider: 1, Wrap: 99})
	b.SetLevel(ch, 30)

	if !b.Output(ch, 29) || b.Output(ch, 30) {
		t.Error("non-inverted output must be high below the level")
	}
	b.SetPolarity(ch, true)
	if b.Output(ch, 29) || !b.Output(ch, 30) {
		t.Error("inverted output must be high at and above the level")
	}
}

func TestWrapInterrupt(t *testing.T) {
	b := New(DefaultClockHz)
	calls := 0
	b.SetWrapHandler(func() {
		calls++
		b.AckWrapIRQ(1)
		if calls == 3 {
			b.EnableWrapIRQ(1, false)
			b.SetEnabled(0)
		}
	})
	b.ConfigureSlice(1, core.SliceConfig{Divider: 1, Wrap: 9})

	if b.Period() {
		t.Error("handler ran with no slice enabled")
	}
	b.SetEnabled(1 << 1)
	b.EnableWrapIRQ(1, true)
	if n := b.RunUntilIdle(10); n != 3 {
		t.Errorf("ran %d periods, want 3", n)
	}
	if calls != 3 {
		t.Errorf("handler called %d times", calls)
	}
	if b.EnabledMask() != 0 {
		t.Errorf("enabled mask %#x", b.EnabledMask())
	}
}

func TestPeriodTicks(t *testing.T) {
	b := New(DefaultClockHz)
	b.ConfigureSlice(0, core.SliceConfig{Divider: 4, Wrap: 999, PhaseCorrect: true})
	if got := b.PeriodTicks(0); got != 8000 {
		t.Errorf("PeriodTicks = %d, want 8000", got)
	}
	b.ConfigureSlice(0, core.SliceConfig{Divider: 4, Wrap: 999})
	if got := b.PeriodTicks(0); got != 4000 {
		t.Errorf("edge-aligned PeriodTicks = %d, want 4000", got)
	}
}

func TestPinFunction(t *testing.T) {
	b := New(DefaultClockHz)
	b.SetPinFunction(5, true)
	if !b.PinAttached(5) || b.PinAttached(6) {
		t.Error("pin function not tracked")
	}
	b.SetPinFunction(5, false)
	if b.PinAttached(5) {
		t.Error("pin still attached")
	}
}
