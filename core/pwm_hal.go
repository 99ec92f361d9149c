package core

// Channel identifies one output of a hardware PWM slice.
type Channel struct {
	Slice uint8
	Out   uint8 // 0 = A, 1 = B
}

// SliceConfig is the per-slice timing programmed by the compiler.
type SliceConfig struct {
	Divider      uint8  // integer clock divider, 1-255
	Wrap         uint16 // TOP register; the counter runs 0..Wrap
	PhaseCorrect bool   // center-aligned up/down counting
}

// PWMBank is the abstract slice bank that the engine drives.
// Platform-specific implementations handle the actual registers; the
// simulator in package sim implements it for host builds and tests.
//
// Compare levels are double buffered: while a slice is enabled a new level
// takes effect at the next wrap, while it is disabled it takes effect at
// once. Output = (counter < level) XOR inverted.
type PWMBank interface {
	// ClockHz returns the system clock feeding the slice dividers.
	ClockHz() uint32

	// ChannelOf resolves a GPIO to the slice output it drives. Two GPIOs that
	// resolve to the same Channel cannot be used at the same time.
	ChannelOf(gpio int) Channel

	// ConfigureSlice programs divider, wrap and counting mode. The slice is
	// left disabled with its counter at zero.
	ConfigureSlice(slice uint8, cfg SliceConfig)

	SetPolarity(ch Channel, inverted bool)
	SetLevel(ch Channel, level uint16)
	SetCounter(slice uint8, value uint16)

	// SetEnabled runs exactly the slices whose bit is set in mask.
	SetEnabled(mask uint32)

	// SetWrapHandler installs the cycle-boundary callback. It is invoked once
	// per period for any slice whose wrap interrupt is enabled.
	SetWrapHandler(fn func())
	EnableWrapIRQ(slice uint8, enabled bool)
	AckWrapIRQ(slice uint8)

	// SetPinFunction attaches gpio to its PWM slice (true) or leaves it
	// high-impedance (false).
	SetPinFunction(gpio int, pwm bool)
}

// Marker is an optional diagnostic output, raised for the duration of the
// cycle-boundary handler so its execution time can be scoped.
type Marker interface {
	High()
	Low()
}

// TriggerOutput emits a sync pulse each time a waveform starts.
type TriggerOutput interface {
	Pulse()
}
