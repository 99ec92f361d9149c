//go:build rp2040

package main

import (
	"context"
	"machine"
	"sync/atomic"
	"time"

	"phasegen/core"
	"phasegen/protocol"
	"phasegen/targets/pio"
)

const (
	markerPin     = machine.GPIO25 // high while the cycle handler runs
	triggerOutPin = machine.GPIO22 // sync pulse on every start
	triggerPulse  = 10             // us

	// debug text on UART0 (GPIO0/1); those pins then cannot drive PWM
	debugUART = false
)

var (
	// Buffers for communication
	inputBuffer  *protocol.FifoBuffer
	outputBuffer *protocol.ScratchOutput
	transport    *protocol.Transport

	engine     *core.Engine
	bank       *PWMBank
	core1Ready atomic.Bool

	// Debug counters
	messagesReceived uint32
	msgerrors        uint32

	usbWasDisconnected       bool
	consecutiveWriteFailures uint32
)

func main() {
	// Disable a watchdog left running by a previous image
	err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0})
	if err != nil {
		return
	}

	InitUSB()

	if debugUART {
		machine.UART0.Configure(machine.UARTConfig{BaudRate: 115200})
		core.SetDebugWriter(func(s string) { machine.UART0.Write([]byte(s + "\r\n")) })
		core.SetDebugEnabled(true)
	}
	core.InitAsyncDebug()

	markerPin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	markerPin.Low()

	opts := core.Options{Clock: hwClock{}, Marker: markerPin}
	if out, err := pio.NewPulseOutput(0, 0, triggerOutPin, triggerPulse); err == nil {
		opts.TriggerOut = out
	} else {
		core.DebugPrintln("[PIO] trigger output unavailable: " + err.Error())
	}

	bank = NewPWMBank()
	engine = core.NewEngine(bank, opts)
	server := core.NewCommandServer(engine, func(id uint16, args func(protocol.OutputBuffer)) {
		transport.SendCommand(id, args)
	})

	inputBuffer = protocol.NewFifoBuffer(4 * protocol.MessageMax)
	outputBuffer = protocol.NewScratchOutput()
	transport = protocol.NewTransport(outputBuffer, server.Handle)
	transport.SetResetCallback(func() {
		inputBuffer.Reset()
		outputBuffer.Reset()
	})
	// ACKs go out before anything queued later
	transport.SetFlushCallback(writeUSB)

	machine.Core1.Start(core1Main)
	for !core1Ready.Load() {
		time.Sleep(time.Millisecond)
	}

	// Command unit
	for {
		func() {
			defer func() {
				if r := recover(); r != nil {
					msgerrors++
					inputBuffer.Reset()
					outputBuffer.Reset()
				}
			}()

			readUSB()
			if inputBuffer.Available() > 0 {
				transport.Receive(inputBuffer)
				messagesReceived++
			}
			writeUSB()

			// trigger delay and internal interval timers
			engine.Poll()
		}()

		time.Sleep(10 * time.Microsecond)
	}
}

// core1Main is the real-time unit: the supervisory loop plus the wrap
// interrupt, both on core 1 so the command loop never delays them.
func core1Main() {
	bank.StartIRQ()
	core1Ready.Store(true)
	engine.Run(context.Background())
}

// readUSB moves pending USB bytes into the input FIFO.
func readUSB() {
	for USBAvailable() > 0 && inputBuffer.Free() > 0 {
		data, err := USBRead()
		if err != nil {
			msgerrors++
			return
		}
		if usbWasDisconnected {
			// fresh connection: drop stale framing state
			usbWasDisconnected = false
			inputBuffer.Reset()
			outputBuffer.Reset()
			transport.Reset()
			consecutiveWriteFailures = 0
		}
		inputBuffer.Write([]byte{data})
	}
}

// writeUSB writes available data from output buffer to USB
func writeUSB() {
	result := outputBuffer.Result()
	written := 0
	for written < len(result) {
		n, err := USBWriteBytes(result[written:])
		if err != nil || n == 0 {
			// likely disconnect; after several failures drop stale data
			consecutiveWriteFailures++
			if consecutiveWriteFailures > 10 {
				usbWasDisconnected = true
				consecutiveWriteFailures = 0
				outputBuffer.Reset()
				inputBuffer.Reset()
			}
			return
		}
		written += n
	}
	consecutiveWriteFailures = 0
	outputBuffer.Reset()
}
