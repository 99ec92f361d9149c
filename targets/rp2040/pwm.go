//go:build rp2040

package main

import (
	"device/rp"
	"machine"
	"runtime/interrupt"
	"runtime/volatile"
	"unsafe"

	"phasegen/core"
)

// RP2040 PWM block memory map
const (
	pwmBase     = 0x40050000
	pwmEN       = pwmBase + 0xa0
	pwmINTR     = pwmBase + 0xa4
	pwmINTE     = pwmBase + 0xa8
	pwmNumSlice = 8
)

// CHx_CSR bits
const (
	csrEN        = 1 << 0
	csrPHCorrect = 1 << 1
	csrAInv      = 1 << 2
	csrBInv      = 1 << 3
)

// sliceRegs overlays one slice's register block (stride 0x14).
type sliceRegs struct {
	CSR volatile.Register32
	DIV volatile.Register32
	CTR volatile.Register32
	CC  volatile.Register32
	TOP volatile.Register32
}

var (
	pwmSlices = (*[pwmNumSlice]sliceRegs)(unsafe.Pointer(uintptr(pwmBase)))
	pwmEnable = (*volatile.Register32)(unsafe.Pointer(uintptr(pwmEN)))
	pwmIntr   = (*volatile.Register32)(unsafe.Pointer(uintptr(pwmINTR)))
	pwmInte   = (*volatile.Register32)(unsafe.Pointer(uintptr(pwmINTE)))

	// installed by SetWrapHandler, called from the IRQ
	wrapHandler func()
)

// PWMBank drives the eight hardware slices directly. It implements
// core.PWMBank. Only the real-time unit touches levels and enables; the
// command unit calls ClockHz and ChannelOf, which read no registers.
type PWMBank struct {
	clockHz uint32
	irq     interrupt.Interrupt
}

func NewPWMBank() *PWMBank {
	b := &PWMBank{clockHz: machine.CPUFrequency()}
	pwmEnable.Set(0)
	pwmInte.Set(0)
	pwmIntr.Set(0xff)
	return b
}

// StartIRQ enables the wrap interrupt in the NVIC of the calling core. It
// must run on the core that runs the supervisory loop.
func (b *PWMBank) StartIRQ() {
	b.irq = interrupt.New(rp.IRQ_PWM_IRQ_WRAP, handlePWMWrap)
	b.irq.SetPriority(0x00)
	b.irq.Enable()
}

func handlePWMWrap(interrupt.Interrupt) {
	if wrapHandler != nil {
		wrapHandler()
		return
	}
	pwmIntr.Set(0xff)
}

func (b *PWMBank) ClockHz() uint32 { return b.clockHz }

// ChannelOf maps GPIO N to slice (N>>1)&7, output A for even pins and B
// for odd ones.
func (b *PWMBank) ChannelOf(gpio int) core.Channel {
	return core.Channel{Slice: uint8((gpio >> 1) & 7), Out: uint8(gpio & 1)}
}

func (b *PWMBank) ConfigureSlice(slice uint8, cfg core.SliceConfig) {
	s := &pwmSlices[slice]
	csr := s.CSR.Get() & (csrAInv | csrBInv)
	if cfg.PhaseCorrect {
		csr |= csrPHCorrect
	}
	s.CSR.Set(csr)
	s.DIV.Set(uint32(cfg.Divider) << 4)
	s.TOP.Set(uint32(cfg.Wrap))
	s.CTR.Set(0)
}

func (b *PWMBank) SetPolarity(ch core.Channel, inverted bool) {
	bit := uint32(csrAInv) << ch.Out
	s := &pwmSlices[ch.Slice]
	if inverted {
		s.CSR.SetBits(bit)
	} else {
		s.CSR.ClearBits(bit)
	}
}

// SetLevel writes one half of CC. The hardware latches it at the next wrap
// while the slice runs.
func (b *PWMBank) SetLevel(ch core.Channel, level uint16) {
	s := &pwmSlices[ch.Slice]
	if ch.Out == 0 {
		s.CC.Set(s.CC.Get()&0xffff0000 | uint32(level))
	} else {
		s.CC.Set(s.CC.Get()&0x0000ffff | uint32(level)<<16)
	}
}

func (b *PWMBank) SetCounter(slice uint8, value uint16) {
	pwmSlices[slice].CTR.Set(uint32(value))
}

// SetEnabled writes the global enable alias, starting all slices in mask
// on the same clock edge.
func (b *PWMBank) SetEnabled(mask uint32) {
	pwmEnable.Set(mask & 0xff)
}

func (b *PWMBank) SetWrapHandler(fn func()) {
	state := interrupt.Disable()
	wrapHandler = fn
	interrupt.Restore(state)
}

func (b *PWMBank) EnableWrapIRQ(slice uint8, enabled bool) {
	if enabled {
		pwmIntr.Set(1 << slice)
		pwmInte.SetBits(1 << slice)
	} else {
		pwmInte.ClearBits(1 << slice)
	}
}

// AckWrapIRQ clears the slice's raw interrupt (write one to clear).
func (b *PWMBank) AckWrapIRQ(slice uint8) {
	pwmIntr.Set(1 << slice)
}

func (b *PWMBank) SetPinFunction(gpio int, pwm bool) {
	pin := machine.Pin(gpio)
	if pwm {
		pin.Configure(machine.PinConfig{Mode: machine.PinPWM})
		return
	}
	pin.Configure(machine.PinConfig{Mode: machine.PinInput})
}
