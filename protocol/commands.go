package protocol

// Command IDs (host -> device). Host and device compile the same table, so
// there is no dictionary exchange and IDs must never be renumbered.
const (
	CmdGetStatus uint16 = iota + 1
	CmdGetParam
	CmdGetPin
	CmdSetMode
	CmdSetControl
	CmdSetFrequency
	CmdSetDeadtime
	CmdSetMinDuty
	CmdSetPin
	CmdSetInvert
	CmdSetIdle
	CmdSetDuty
	CmdSetModIndex
	CmdSetAngle
	CmdSetSpeed
	CmdSetTriggerSource
	CmdSetTriggerDelay
	CmdSetTriggerInterval
	CmdSetBurstType
	CmdSetBurstCycles
	CmdSetBurstDuration
	CmdSetOutput
	CmdTrigger
	CmdAbort
	CmdReset
)

// Response IDs (device -> host). Every command is answered by exactly one
// RespResult; get_status and get_pin send their data response first.
const (
	RespResult uint16 = 0x40 + iota
	RespStatus
	RespPin
)

// Parameters readable with CmdGetParam. Floats come back as IEEE-754 bits.
const (
	ParamFrequency uint8 = iota
	ParamDeadtime
	ParamMinDuty
	ParamModIndex
	ParamAngle
	ParamSpeed
	ParamDuty1
	ParamDuty2
	ParamDuty3
	ParamTriggerDelay
	ParamTriggerInterval
	ParamBurstCycles
	ParamBurstDuration
	ParamMode
	ParamControl
	ParamTriggerSource
	ParamBurstType
	ParamState
	ParamOutputs
)

// CommandInfo documents one entry of the table. Format uses %c for small
// enums and flags, %u/%i for integers and %f for float bits.
type CommandInfo struct {
	ID     uint16
	Name   string
	Format string
}

var Commands = []CommandInfo{
	{CmdGetStatus, "get_status", ""},
	{CmdGetParam, "get_param", "param=%c"},
	{CmdGetPin, "get_pin", "phase=%c side=%c"},
	{CmdSetMode, "set_mode", "mode=%c"},
	{CmdSetControl, "set_control", "control=%c"},
	{CmdSetFrequency, "set_frequency", "hz=%f"},
	{CmdSetDeadtime, "set_deadtime", "seconds=%f"},
	{CmdSetMinDuty, "set_min_duty", "fraction=%f"},
	{CmdSetPin, "set_pin", "phase=%c side=%c gpio=%i"},
	{CmdSetInvert, "set_invert", "phase=%c side=%c value=%c"},
	{CmdSetIdle, "set_idle", "phase=%c side=%c high=%c"},
	{CmdSetDuty, "set_duty", "phase=%c duty=%f"},
	{CmdSetModIndex, "set_mod_index", "index=%f"},
	{CmdSetAngle, "set_angle", "degrees=%f"},
	{CmdSetSpeed, "set_speed", "hz=%f"},
	{CmdSetTriggerSource, "set_trigger_source", "source=%c"},
	{CmdSetTriggerDelay, "set_trigger_delay", "seconds=%f"},
	{CmdSetTriggerInterval, "set_trigger_interval", "seconds=%f"},
	{CmdSetBurstType, "set_burst_type", "type=%c"},
	{CmdSetBurstCycles, "set_burst_cycles", "cycles=%u"},
	{CmdSetBurstDuration, "set_burst_duration", "seconds=%f"},
	{CmdSetOutput, "set_output", "enable=%c"},
	{CmdTrigger, "trigger", "source=%c"},
	{CmdAbort, "abort", ""},
	{CmdReset, "reset", ""},
}

var Responses = []CommandInfo{
	{RespResult, "result", "cmd=%c code=%c value=%u"},
	{RespStatus, "status", "state=%c running=%c outputs=%c mode=%c control=%c source=%c burst=%c hz=%f periods=%u runs=%u"},
	{RespPin, "pin", "phase=%c side=%c gpio=%i inverted=%c idle=%c"},
}

// LookupCommand finds a command by name.
func LookupCommand(name string) (CommandInfo, bool) {
	for _, c := range Commands {
		if c.Name == name {
			return c, true
		}
	}
	return CommandInfo{}, false
}
