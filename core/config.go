package core

import "strings"

// MaxPhases is the number of half-bridge outputs the engine can drive.
const MaxPhases = 3

// Validated bounds.
const (
	MinFrequency = 1
	MaxFrequency = 100000
	MaxDeadtime  = 10e-6
	MaxMinDuty   = 0.2
	MaxGPIO      = 29
	NoGPIO       = -1
)

// OpMode selects how many phases are generated.
type OpMode uint8

const (
	ModeOff OpMode = iota
	ModeOnePhase
	ModeTwoPhase
	ModeThreePhase
)

// Phases returns the number of active phases.
func (m OpMode) Phases() int {
	if m > ModeThreePhase {
		return 0
	}
	return int(m)
}

var opModeNames = []string{"off", "1ph", "2ph", "3ph"}

func (m OpMode) String() string { return enumName(opModeNames, int(m)) }

// ControlMode selects how per-period duties are produced.
type ControlMode uint8

const (
	ControlDuty ControlMode = iota
	ControlModAngle
	ControlModSpeed
)

var controlNames = []string{"duty", "angle", "speed"}

func (c ControlMode) String() string { return enumName(controlNames, int(c)) }

// Side selects the low-side or high-side switch of a phase.
type Side uint8

const (
	LowSide Side = iota
	HighSide
)

var sideNames = []string{"low", "high"}

func (s Side) String() string { return enumName(sideNames, int(s)) }

// TriggerSource selects what starts a waveform.
type TriggerSource uint8

const (
	SourceImmediate TriggerSource = iota
	SourceInternal
	SourceBus
)

var sourceNames = []string{"immediate", "internal", "bus"}

func (s TriggerSource) String() string { return enumName(sourceNames, int(s)) }

// BurstType selects when a running waveform stops on its own.
type BurstType uint8

const (
	BurstContinuous BurstType = iota
	BurstNCycles
	BurstDuration
)

var burstNames = []string{"continuous", "ncycles", "duration"}

func (b BurstType) String() string { return enumName(burstNames, int(b)) }

// State is the engine's published state.
type State uint32

const (
	StateIdle State = iota
	StateRunning
)

var stateNames = []string{"idle", "running"}

func (s State) String() string { return enumName(stateNames, int(s)) }

func enumName(names []string, i int) string {
	if i < 0 || i >= len(names) {
		return "unknown"
	}
	return names[i]
}

func enumParse(names []string, s string) (int, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range names {
		if n == s {
			return i, true
		}
	}
	return 0, false
}

// ParseOpMode accepts the names printed by OpMode.String.
func ParseOpMode(s string) (OpMode, bool) {
	i, ok := enumParse(opModeNames, s)
	return OpMode(i), ok
}

func ParseControlMode(s string) (ControlMode, bool) {
	i, ok := enumParse(controlNames, s)
	return ControlMode(i), ok
}

func ParseSide(s string) (Side, bool) {
	i, ok := enumParse(sideNames, s)
	return Side(i), ok
}

func ParseTriggerSource(s string) (TriggerSource, bool) {
	i, ok := enumParse(sourceNames, s)
	return TriggerSource(i), ok
}

func ParseBurstType(s string) (BurstType, bool) {
	i, ok := enumParse(burstNames, s)
	return BurstType(i), ok
}

// PinConfig is one switch output of a phase.
type PinConfig struct {
	GPIO     int  // NoGPIO when unassigned
	Inverted bool // output polarity as configured by the user
	IdleHigh bool // electrical level while IDLE
}

// Assigned reports whether the pin drives a GPIO.
func (p PinConfig) Assigned() bool { return p.GPIO >= 0 }

// PhaseConfig holds both switches of one half-bridge.
type PhaseConfig struct {
	Low  PinConfig
	High PinConfig
}

// Pin returns the configuration of one side.
func (p *PhaseConfig) Pin(s Side) *PinConfig {
	if s == HighSide {
		return &p.High
	}
	return &p.Low
}

// StaticConfig is the hardware layout. Changes take effect only through the
// compiler, which runs while IDLE.
type StaticConfig struct {
	Mode      OpMode
	Control   ControlMode
	Frequency float32 // Hz
	Deadtime  float32 // seconds
	MinDuty   float32 // fraction of a period
	Phases    [MaxPhases]PhaseConfig
}

// MinDutyWithDeadtime is the smallest duty that survives the deadtime shift.
func (c *StaticConfig) MinDutyWithDeadtime() float32 {
	return c.MinDuty + c.Deadtime*c.Frequency
}

// RuntimeParams may change at any time; the cycle-boundary handler picks
// them up on the next reload.
type RuntimeParams struct {
	Duty     [MaxPhases]float32
	ModIndex float32
	Angle    float32 // degrees, [0,360)
	Speed    float32 // Hz, signed
}

// TriggerConfig drives the trigger coordinator.
type TriggerConfig struct {
	Source   TriggerSource
	Delay    float32 // seconds
	Interval float32 // seconds, internal timer period
}

// BurstConfig is the termination policy of a triggered waveform.
type BurstConfig struct {
	Type     BurstType
	Cycles   uint32
	Duration float32 // seconds
}

func DefaultStaticConfig() StaticConfig {
	c := StaticConfig{
		Mode:      ModeOff,
		Control:   ControlDuty,
		Frequency: 10000,
		Deadtime:  1e-6,
		MinDuty:   0.05,
	}
	for i := range c.Phases {
		c.Phases[i].Low.GPIO = NoGPIO
		c.Phases[i].High.GPIO = NoGPIO
	}
	return c
}

func DefaultRuntimeParams() RuntimeParams {
	return RuntimeParams{
		Duty:  [MaxPhases]float32{0.5, 0.5, 0.5},
		Speed: 1,
	}
}

func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{Source: SourceBus, Interval: 1}
}

func DefaultBurstConfig() BurstConfig {
	return BurstConfig{Type: BurstContinuous, Cycles: 1, Duration: 0.01}
}
