package core_test

import (
	"math"
	"testing"

	"phasegen/core"
	"phasegen/errcode"
	"phasegen/protocol"
	"phasegen/sim"
)

type sent struct {
	id   uint16
	data []byte
}

type serverRig struct {
	e   *core.Engine
	srv *core.CommandServer
	out []sent
}

func newServerRig() *serverRig {
	r := &serverRig{}
	r.e = core.NewEngine(sim.New(sim.DefaultClockHz), core.Options{Clock: &core.ManualClock{}})
	r.srv = core.NewCommandServer(r.e, func(id uint16, args func(protocol.OutputBuffer)) {
		buf := protocol.NewScratchOutput()
		if args != nil {
			args(buf)
		}
		r.out = append(r.out, sent{id: id, data: append([]byte(nil), buf.Result()...)})
	})
	return r
}

func (r *serverRig) call(t *testing.T, id uint16, args ...func(protocol.OutputBuffer)) (result []uint32, err error) {
	t.Helper()
	r.out = nil
	buf := protocol.NewScratchOutput()
	for _, a := range args {
		a(buf)
	}
	data := buf.Result()
	err = r.srv.Handle(id, &data)
	if len(r.out) == 0 || r.out[len(r.out)-1].id != protocol.RespResult {
		t.Fatalf("command %d sent no result response", id)
	}
	payload := r.out[len(r.out)-1].data
	for len(payload) > 0 {
		v, derr := protocol.DecodeVLQUint(&payload)
		if derr != nil {
			t.Fatal(derr)
		}
		result = append(result, v)
	}
	return result, err
}

func u(v uint32) func(protocol.OutputBuffer) {
	return func(o protocol.OutputBuffer) { protocol.EncodeVLQUint(o, v) }
}

func i(v int32) func(protocol.OutputBuffer) {
	return func(o protocol.OutputBuffer) { protocol.EncodeVLQInt(o, v) }
}

func f(v float32) func(protocol.OutputBuffer) {
	return func(o protocol.OutputBuffer) { protocol.EncodeFloat(o, v) }
}

func TestCommandServerRegistersTable(t *testing.T) {
	r := newServerRig()
	if got := r.srv.Registry().Count(); got != len(protocol.Commands) {
		t.Errorf("registered %d commands, table has %d", got, len(protocol.Commands))
	}
	for _, c := range protocol.Commands {
		cmd, ok := r.srv.Registry().Lookup(c.Name)
		if !ok || cmd.Handler == nil {
			t.Errorf("%s has no handler", c.Name)
		}
	}
}

func TestCommandServerSetters(t *testing.T) {
	r := newServerRig()

	res, err := r.call(t, protocol.CmdSetFrequency, f(20000))
	if err != nil || res[1] != 0 {
		t.Fatalf("set_frequency: %v %v", res, err)
	}
	if r.e.StaticConfig().Frequency != 20000 {
		t.Error("frequency not applied")
	}

	res, _ = r.call(t, protocol.CmdSetFrequency, f(0))
	if errcode.FromWire(uint8(res[1])) != errcode.OutOfRange {
		t.Errorf("set_frequency(0) answered code %d", res[1])
	}

	if _, err := r.call(t, protocol.CmdSetPin, u(1), u(uint32(core.HighSide)), i(7)); err != nil {
		t.Fatal(err)
	}
	if r.e.StaticConfig().Phases[1].High.GPIO != 7 {
		t.Error("pin not assigned")
	}
	if _, err := r.call(t, protocol.CmdSetPin, u(1), u(uint32(core.HighSide)), i(core.NoGPIO)); err != nil {
		t.Fatal(err)
	}
	if r.e.StaticConfig().Phases[1].High.Assigned() {
		t.Error("pin not released")
	}

	r.call(t, protocol.CmdSetDuty, u(2), f(0.25))
	if r.e.RuntimeParams().Duty[2] != 0.25 {
		t.Error("duty not applied")
	}
}

func TestCommandServerGetters(t *testing.T) {
	r := newServerRig()
	r.e.SetPhasePin(0, core.LowSide, 4)
	r.e.SetPhaseIdle(0, core.LowSide, true)

	res, err := r.call(t, protocol.CmdGetPin, u(0), u(uint32(core.LowSide)))
	if err != nil {
		t.Fatal(err)
	}
	if len(r.out) != 2 || r.out[0].id != protocol.RespPin {
		t.Fatalf("get_pin sent %v", r.out)
	}
	pin := r.out[0].data
	var fields []int32
	for len(pin) > 0 {
		v, _ := protocol.DecodeVLQInt(&pin)
		fields = append(fields, v)
	}
	want := []int32{0, 0, 4, 0, 1}
	for k := range want {
		if fields[k] != want[k] {
			t.Fatalf("pin response %v, want %v", fields, want)
		}
	}
	if res[2] != 4 {
		t.Errorf("get_pin value %d", res[2])
	}

	res, _ = r.call(t, protocol.CmdGetParam, u(uint32(protocol.ParamFrequency)))
	if hz := math.Float32frombits(res[2]); hz != 10000 {
		t.Errorf("get_param frequency = %v", hz)
	}

	res, _ = r.call(t, protocol.CmdGetParam, u(200))
	if errcode.FromWire(uint8(res[1])) != errcode.OutOfRange {
		t.Errorf("unknown parameter answered code %d", res[1])
	}

	r.call(t, protocol.CmdGetStatus)
	if len(r.out) != 2 || r.out[0].id != protocol.RespStatus {
		t.Errorf("get_status sent %v", r.out)
	}
}

func TestCommandServerErrorsStopFrame(t *testing.T) {
	r := newServerRig()

	res, err := r.call(t, 0x3F)
	if errcode.Of(err) != errcode.UnknownCommand {
		t.Errorf("unknown command returned %v", err)
	}
	if res[0] != 0x3F || errcode.FromWire(uint8(res[1])) != errcode.UnknownCommand {
		t.Errorf("result %v", res)
	}

	// truncated argument list
	_, err = r.call(t, protocol.CmdSetDuty, u(0))
	if errcode.Of(err) != errcode.InvalidParams {
		t.Errorf("truncated set_duty returned %v", err)
	}

	// a rejected value does not stop the frame
	_, err = r.call(t, protocol.CmdSetDeadtime, f(1))
	if err != nil {
		t.Errorf("out-of-range value stopped the frame: %v", err)
	}
}

func TestCommandServerTriggerAndAbort(t *testing.T) {
	r := newServerRig()

	res, _ := r.call(t, protocol.CmdTrigger, u(uint32(core.SourceBus)))
	if res[2] != 1 {
		t.Error("bus trigger not armed")
	}
	res, _ = r.call(t, protocol.CmdTrigger, u(uint32(core.SourceInternal)))
	if res[2] != 0 {
		t.Error("trigger from an unconfigured source armed")
	}
	r.call(t, protocol.CmdAbort)
	if r.e.Coordinator().DelayPending() {
		t.Error("abort left a pending fire")
	}
}

func TestCommandServerParamOutOfRange(t *testing.T) {
	r := newServerRig()
	r.e.SetDuty(1, 0.3)

	tests := []struct {
		param uint32
		code  errcode.Code
	}{
		{uint32(protocol.ParamDuty1) + 256, errcode.OutOfRange},
		{uint32(protocol.ParamDuty3) + 1<<16, errcode.OutOfRange},
		{math.MaxUint32, errcode.OutOfRange},
		{uint32(protocol.ParamDuty2), errcode.OK},
	}
	for _, tt := range tests {
		res, err := r.call(t, protocol.CmdGetParam, u(tt.param))
		if err != nil {
			t.Errorf("get_param %d stopped the frame: %v", tt.param, err)
		}
		if code := errcode.Of(errcode.FromWire(uint8(res[1]))); code != tt.code {
			t.Errorf("get_param %d answered %v, want %v", tt.param, code, tt.code)
		}
	}

	res, _ := r.call(t, protocol.CmdGetParam, u(uint32(protocol.ParamDuty2)))
	if d := math.Float32frombits(res[2]); d != 0.3 {
		t.Errorf("get_param duty2 = %v", d)
	}
}

func TestCommandServerEnumsNotNarrowed(t *testing.T) {
	r := newServerRig()

	tests := []struct {
		name string
		id   uint16
		args []func(protocol.OutputBuffer)
	}{
		{"set_mode", protocol.CmdSetMode, []func(protocol.OutputBuffer){u(256 + uint32(core.ModeThreePhase))}},
		{"set_control", protocol.CmdSetControl, []func(protocol.OutputBuffer){u(256 + uint32(core.ControlModAngle))}},
		{"set_trigger_source", protocol.CmdSetTriggerSource, []func(protocol.OutputBuffer){u(256 + uint32(core.SourceImmediate))}},
		{"set_burst_type", protocol.CmdSetBurstType, []func(protocol.OutputBuffer){u(256 + uint32(core.BurstNCycles))}},
		{"set_invert", protocol.CmdSetInvert, []func(protocol.OutputBuffer){u(0), u(256 + uint32(core.HighSide)), u(1)}},
		{"set_idle", protocol.CmdSetIdle, []func(protocol.OutputBuffer){u(1 << 31), u(uint32(core.LowSide)), u(1)}},
		{"set_pin", protocol.CmdSetPin, []func(protocol.OutputBuffer){u(0), u(257), i(3)}},
		{"get_pin", protocol.CmdGetPin, []func(protocol.OutputBuffer){u(256), u(uint32(core.LowSide))}},
	}
	for _, tt := range tests {
		res, err := r.call(t, tt.id, tt.args...)
		if err != nil {
			t.Errorf("%s stopped the frame: %v", tt.name, err)
		}
		if code := errcode.Of(errcode.FromWire(uint8(res[1]))); code != errcode.OutOfRange {
			t.Errorf("%s answered %v, want %v", tt.name, code, errcode.OutOfRange)
		}
	}

	def := core.DefaultStaticConfig()
	sc := r.e.StaticConfig()
	if sc.Mode != def.Mode || sc.Control != def.Control || sc.Phases != def.Phases {
		t.Errorf("rejected values changed the static config: %+v", sc)
	}
	if r.e.TriggerConfig().Source != core.SourceBus || r.e.BurstConfig().Type != core.BurstContinuous {
		t.Error("rejected values changed trigger or burst config")
	}
}
