package core

import (
	"math"

	"phasegen/errcode"
	"phasegen/protocol"
)

// Responder writes one response frame; protocol.Transport.SendCommand fits.
type Responder func(id uint16, args func(out protocol.OutputBuffer))

// CommandServer binds the shared command table to an engine. It is the
// command unit's entry point for the transport.
type CommandServer struct {
	e       *Engine
	reg     *CommandRegistry
	respond Responder
}

// NewCommandServer registers a handler for every entry of
// protocol.Commands.
func NewCommandServer(e *Engine, respond Responder) *CommandServer {
	s := &CommandServer{e: e, reg: NewCommandRegistry(), respond: respond}
	handlers := map[uint16]CommandHandler{
		protocol.CmdGetStatus:          s.getStatus,
		protocol.CmdGetParam:           s.getParam,
		protocol.CmdGetPin:             s.getPin,
		protocol.CmdSetMode:            enumSetter("set_mode", uint32(ModeThreePhase), func(v uint32) error { return e.SetMode(OpMode(v)) }),
		protocol.CmdSetControl:         enumSetter("set_control", uint32(ControlModSpeed), func(v uint32) error { return e.SetControl(ControlMode(v)) }),
		protocol.CmdSetFrequency:       floatSetter(e.SetFrequency),
		protocol.CmdSetDeadtime:        floatSetter(e.SetDeadtime),
		protocol.CmdSetMinDuty:         floatSetter(e.SetMinDuty),
		protocol.CmdSetPin:             s.setPin,
		protocol.CmdSetInvert:          pinFlagSetter(e.SetPhaseInvert),
		protocol.CmdSetIdle:            pinFlagSetter(e.SetPhaseIdle),
		protocol.CmdSetDuty:            s.setDuty,
		protocol.CmdSetModIndex:        floatSetter(e.SetModIndex),
		protocol.CmdSetAngle:           floatSetter(e.SetAngle),
		protocol.CmdSetSpeed:           floatSetter(e.SetSpeed),
		protocol.CmdSetTriggerSource:   enumSetter("set_trigger_source", uint32(SourceBus), func(v uint32) error { return e.SetTriggerSource(TriggerSource(v)) }),
		protocol.CmdSetTriggerDelay:    floatSetter(e.SetTriggerDelay),
		protocol.CmdSetTriggerInterval: floatSetter(e.SetTriggerInterval),
		protocol.CmdSetBurstType:       enumSetter("set_burst_type", uint32(BurstDuration), func(v uint32) error { return e.SetBurstType(BurstType(v)) }),
		protocol.CmdSetBurstCycles:     uintSetter(e.SetBurstCycles),
		protocol.CmdSetBurstDuration:   floatSetter(e.SetBurstDuration),
		protocol.CmdSetOutput:          s.setOutput,
		protocol.CmdTrigger:            s.trigger,
		protocol.CmdAbort:              s.abort,
		protocol.CmdReset:              s.reset,
	}
	for _, c := range protocol.Commands {
		if err := s.reg.Register(c.ID, c.Name, c.Format, handlers[c.ID]); err != nil {
			DebugPrintln("[CMD] " + err.Error())
		}
	}
	return s
}

// Registry exposes the bound command table.
func (s *CommandServer) Registry() *CommandRegistry { return s.reg }

// Handle is a protocol.CommandHandler. Every command is answered with a
// result response. Decode failures and unknown IDs also abort the rest of
// the frame because the argument position is lost.
func (s *CommandServer) Handle(cmdID uint16, data *[]byte) error {
	v, err := s.reg.Dispatch(cmdID, data)
	code := errcode.Of(err)
	if err != nil {
		DebugPrintln("[CMD] " + err.Error())
	}
	s.respond(protocol.RespResult, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(cmdID))
		protocol.EncodeVLQUint(out, uint32(errcode.ToWire(err)))
		protocol.EncodeVLQUint(out, v)
	})
	if code == errcode.InvalidParams || code == errcode.UnknownCommand {
		return err
	}
	return nil
}

func decodeU(data *[]byte) (uint32, error) {
	v, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return 0, errcode.InvalidParams
	}
	return v, nil
}

func decodeI(data *[]byte) (int32, error) {
	v, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return 0, errcode.InvalidParams
	}
	return v, nil
}

func decodeF(data *[]byte) (float32, error) {
	v, err := protocol.DecodeFloat(data)
	if err != nil {
		return 0, errcode.InvalidParams
	}
	return v, nil
}

func floatSetter(set func(float32) error) CommandHandler {
	return func(data *[]byte) (uint32, error) {
		v, err := decodeF(data)
		if err != nil {
			return 0, err
		}
		return 0, set(v)
	}
}

func uintSetter(set func(uint32) error) CommandHandler {
	return func(data *[]byte) (uint32, error) {
		v, err := decodeU(data)
		if err != nil {
			return 0, err
		}
		return 0, set(v)
	}
}

// enumSetter rejects wire values above max before they are narrowed to the
// enum type.
func enumSetter(op string, max uint32, set func(uint32) error) CommandHandler {
	return func(data *[]byte) (uint32, error) {
		v, err := decodeU(data)
		if err != nil {
			return 0, err
		}
		if v > max {
			return 0, errcode.New(errcode.OutOfRange, op, "enum value")
		}
		return 0, set(v)
	}
}

func decodePhaseSide(data *[]byte) (int, Side, error) {
	phase, err := decodeU(data)
	if err != nil {
		return 0, 0, err
	}
	side, err := decodeU(data)
	if err != nil {
		return 0, 0, err
	}
	if phase >= MaxPhases || side > uint32(HighSide) {
		return 0, 0, errcode.New(errcode.OutOfRange, "pin", "phase or side")
	}
	return int(phase), Side(side), nil
}

func pinFlagSetter(set func(int, Side, bool) error) CommandHandler {
	return func(data *[]byte) (uint32, error) {
		phase, side, err := decodePhaseSide(data)
		if err != nil {
			return 0, err
		}
		v, err := decodeU(data)
		if err != nil {
			return 0, err
		}
		return 0, set(phase, side, v != 0)
	}
}

func (s *CommandServer) setPin(data *[]byte) (uint32, error) {
	phase, side, err := decodePhaseSide(data)
	if err != nil {
		return 0, err
	}
	gpio, err := decodeI(data)
	if err != nil {
		return 0, err
	}
	return 0, s.e.SetPhasePin(phase, side, int(gpio))
}

func (s *CommandServer) setDuty(data *[]byte) (uint32, error) {
	phase, err := decodeU(data)
	if err != nil {
		return 0, err
	}
	d, err := decodeF(data)
	if err != nil {
		return 0, err
	}
	return 0, s.e.SetDuty(int(phase), d)
}

func (s *CommandServer) setOutput(data *[]byte) (uint32, error) {
	v, err := decodeU(data)
	if err != nil {
		return 0, err
	}
	s.e.SetOutputEnabled(v != 0)
	return 0, nil
}

// trigger reports 1 when the edge armed a fire.
func (s *CommandServer) trigger(data *[]byte) (uint32, error) {
	src, err := decodeU(data)
	if err != nil {
		return 0, err
	}
	if src > uint32(SourceBus) {
		return 0, errcode.New(errcode.OutOfRange, "trigger", "source")
	}
	if s.e.TriggerFire(TriggerSource(src)) {
		return 1, nil
	}
	return 0, nil
}

func (s *CommandServer) abort(*[]byte) (uint32, error) {
	s.e.Abort()
	return 0, nil
}

func (s *CommandServer) reset(*[]byte) (uint32, error) {
	return 0, s.e.ResetToDefaults()
}

func boolU(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func (s *CommandServer) getStatus(*[]byte) (uint32, error) {
	st := s.e.QueryState()
	s.respond(protocol.RespStatus, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(st.State))
		protocol.EncodeBool(out, st.Running)
		protocol.EncodeBool(out, st.OutputsEnabled)
		protocol.EncodeVLQUint(out, uint32(st.Static.Mode))
		protocol.EncodeVLQUint(out, uint32(st.Static.Control))
		protocol.EncodeVLQUint(out, uint32(st.Trigger.Source))
		protocol.EncodeVLQUint(out, uint32(st.Burst.Type))
		protocol.EncodeFloat(out, st.Static.Frequency)
		protocol.EncodeVLQUint(out, st.Periods)
		protocol.EncodeVLQUint(out, st.Runs)
	})
	return uint32(st.State), nil
}

func (s *CommandServer) getPin(data *[]byte) (uint32, error) {
	phase, side, err := decodePhaseSide(data)
	if err != nil {
		return 0, err
	}
	if err := checkPhase("get_pin", phase, side); err != nil {
		return 0, err
	}
	sc := s.e.StaticConfig()
	p := *sc.Phases[phase].Pin(side)
	s.respond(protocol.RespPin, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(phase))
		protocol.EncodeVLQUint(out, uint32(side))
		protocol.EncodeVLQInt(out, int32(p.GPIO))
		protocol.EncodeBool(out, p.Inverted)
		protocol.EncodeBool(out, p.IdleHigh)
	})
	return uint32(int32(p.GPIO)), nil
}

func (s *CommandServer) getParam(data *[]byte) (uint32, error) {
	param, err := decodeU(data)
	if err != nil {
		return 0, err
	}
	sc, rt, tc, bc := s.e.StaticConfig(), s.e.RuntimeParams(), s.e.TriggerConfig(), s.e.BurstConfig()
	f := func(v float32) (uint32, error) { return math.Float32bits(v), nil }

	if param > math.MaxUint8 {
		return 0, errcode.New(errcode.OutOfRange, "get_param", "unknown parameter")
	}
	id := uint8(param)
	switch id {
	case protocol.ParamFrequency:
		return f(sc.Frequency)
	case protocol.ParamDeadtime:
		return f(sc.Deadtime)
	case protocol.ParamMinDuty:
		return f(sc.MinDuty)
	case protocol.ParamModIndex:
		return f(rt.ModIndex)
	case protocol.ParamAngle:
		return f(rt.Angle)
	case protocol.ParamSpeed:
		return f(rt.Speed)
	case protocol.ParamDuty1, protocol.ParamDuty2, protocol.ParamDuty3:
		return f(rt.Duty[id-protocol.ParamDuty1])
	case protocol.ParamTriggerDelay:
		return f(tc.Delay)
	case protocol.ParamTriggerInterval:
		return f(tc.Interval)
	case protocol.ParamBurstCycles:
		return bc.Cycles, nil
	case protocol.ParamBurstDuration:
		return f(bc.Duration)
	case protocol.ParamMode:
		return uint32(sc.Mode), nil
	case protocol.ParamControl:
		return uint32(sc.Control), nil
	case protocol.ParamTriggerSource:
		return uint32(tc.Source), nil
	case protocol.ParamBurstType:
		return uint32(bc.Type), nil
	case protocol.ParamState:
		return uint32(s.e.State()), nil
	case protocol.ParamOutputs:
		return boolU(s.e.OutputsEnabled()), nil
	}
	return 0, errcode.New(errcode.OutOfRange, "get_param", "unknown parameter")
}
