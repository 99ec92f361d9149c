package sim

import (
	"context"
	"errors"
	"io"
	"os"
	"runtime"
	"time"

	"phasegen/core"
	"phasegen/protocol"
)

const (
	pollInterval = time.Millisecond
	maxCatchUp   = 1000
)

// Options configure a simulated device.
type Options struct {
	ClockHz uint32     // DefaultClockHz when zero
	Clock   core.Clock // coordinator timebase; wall clock when nil
	Paced   bool       // run periods at their real duration
}

// Device is the complete firmware on a simulated bank: an engine, its
// command server and the device side of the transport. Serve plays the
// command unit, RunRealtime the real-time unit.
type Device struct {
	Bank   *Bank
	Engine *core.Engine
	Server *core.CommandServer

	paced bool
	last  time.Time

	in        *protocol.FifoBuffer
	out       *protocol.ScratchOutput
	transport *protocol.Transport
	conn      io.Writer
	writeErr  error
}

func NewDevice(opts Options) *Device {
	if opts.ClockHz == 0 {
		opts.ClockHz = DefaultClockHz
	}
	d := &Device{
		Bank:  New(opts.ClockHz),
		paced: opts.Paced,
		in:    protocol.NewFifoBuffer(4 * protocol.MessageMax),
		out:   protocol.NewScratchOutput(),
	}
	d.Engine = core.NewEngine(d.Bank, core.Options{Clock: opts.Clock})
	d.Server = core.NewCommandServer(d.Engine, func(id uint16, args func(protocol.OutputBuffer)) {
		d.transport.SendCommand(id, args)
	})
	d.transport = protocol.NewTransport(d.out, d.Server.Handle)
	d.transport.SetResetCallback(func() {
		core.DebugPrintln("[SIM] host restarted its sequence")
	})
	// push ACKs out ahead of anything queued later
	d.transport.SetFlushCallback(d.flush)
	return d
}

func (d *Device) flush() {
	result := d.out.Result()
	if len(result) == 0 || d.conn == nil {
		return
	}
	if _, err := d.conn.Write(result); err != nil && d.writeErr == nil {
		d.writeErr = err
	}
	d.out.Reset()
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Serve runs the command unit for one host connection until the host
// disconnects or ctx is done. Reads should time out periodically (net.Conn
// read deadlines are set when available) so that trigger timers run.
func (d *Device) Serve(ctx context.Context, conn io.ReadWriter) error {
	d.in.Reset()
	d.out.Reset()
	d.transport.Reset()
	d.conn = conn
	d.writeErr = nil
	defer func() { d.conn = nil }()

	dl, hasDeadline := conn.(deadliner)
	buf := make([]byte, 256)
	for ctx.Err() == nil {
		d.Engine.Poll()

		if hasDeadline {
			if err := dl.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
				return err
			}
		}
		n, err := conn.Read(buf)
		if n > 0 {
			d.in.Write(buf[:n])
			d.transport.Receive(d.in)
			d.flush()
		}
		if d.writeErr != nil {
			return d.writeErr
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return ctx.Err()
}

// RunRealtime is the real-time unit: the supervisory loop interleaved with
// bank periods. Unpaced, one period elapses per iteration.
func (d *Device) RunRealtime(ctx context.Context) error {
	d.last = time.Now()
	for ctx.Err() == nil {
		d.Engine.Step()
		if d.paced {
			d.pace()
			time.Sleep(10 * time.Microsecond)
		} else {
			d.Bank.Period()
			runtime.Gosched()
		}
	}
	return ctx.Err()
}

// pace runs as many periods as wall time allows, dropping backlog beyond
// maxCatchUp periods.
func (d *Device) pace() {
	now := time.Now()
	hw := d.Engine.Derived()
	period := time.Duration(hw.Period(d.Bank.ClockHz()) * float64(time.Second))
	if d.Bank.EnabledMask() == 0 || period <= 0 {
		d.last = now
		return
	}
	for n := 0; now.Sub(d.last) >= period; n++ {
		if n == maxCatchUp {
			d.last = now
			return
		}
		d.Bank.Period()
		d.last = d.last.Add(period)
	}
}
