//go:build rp2040

// Package pio generates the trigger-out sync pulse on a PIO state machine
// so the pulse width does not depend on software timing.
package pio

import (
	"machine"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"
)

// PIO clock divider giving one instruction per microsecond at 125 MHz.
const pulseClkDiv = 125

// buildPulseProgram creates the pulse program using AssemblerV0.
// Each word pulled from the FIFO produces one high pulse of (word+1) us.
func buildPulseProgram() []uint16 {
	asm := rp2pio.AssemblerV0{SidesetBits: 0}
	return []uint16{
		// .wrap_target
		asm.Pull(false, true).Encode(),          // 0: pull block
		asm.Out(rp2pio.OutDestX, 32).Encode(),   // 1: out x, 32 (width-1)
		asm.Set(rp2pio.SetDestPins, 1).Encode(), // 2: set pins, 1
		// hold:
		asm.Jmp(3, rp2pio.JmpXNZeroDec).Encode(), // 3: jmp x--, 3
		asm.Set(rp2pio.SetDestPins, 0).Encode(),  // 4: set pins, 0
		// .wrap
	}
}

const pulsePIOOrigin = 0

// PulseOutput emits fixed-width pulses on one pin. It implements
// core.TriggerOutput.
type PulseOutput struct {
	sm      rp2pio.StateMachine
	widthUs uint32
}

// NewPulseOutput claims state machine smNum of PIO pioNum (0 or 1) and
// drives pin with pulses widthUs microseconds long.
func NewPulseOutput(pioNum, smNum uint8, pin machine.Pin, widthUs uint32) (*PulseOutput, error) {
	hw := rp2pio.PIO0
	if pioNum != 0 {
		hw = rp2pio.PIO1
	}
	if widthUs == 0 {
		widthUs = 1
	}
	p := &PulseOutput{sm: hw.StateMachine(smNum), widthUs: widthUs}
	p.sm.TryClaim()

	program := buildPulseProgram()
	offset, err := hw.AddProgram(program, pulsePIOOrigin)
	if err != nil {
		return nil, err
	}

	pin.Configure(machine.PinConfig{Mode: hw.PinMode()})

	cfg := rp2pio.DefaultStateMachineConfig()
	cfg.SetSetPins(pin, 1)
	cfg.SetOutShift(true, false, 32)
	cfg.SetWrap(offset+uint8(len(program))-1, offset)
	cfg.SetClkDivIntFrac(pulseClkDiv, 0)

	// pin directions must follow Init
	p.sm.Init(offset, cfg)
	p.sm.SetPindirsConsecutive(pin, 1, true)
	p.sm.SetPinsConsecutive(pin, 1, false)
	p.sm.SetEnabled(true)
	return p, nil
}

// Pulse queues one pulse. It never blocks: with the FIFO full the pulse is
// dropped.
func (p *PulseOutput) Pulse() {
	if p.sm.IsTxFIFOFull() {
		return
	}
	p.sm.TxPut(p.widthUs - 1)
}
