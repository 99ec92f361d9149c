// Package instrument is a typed client for the generator's command
// interface. Phase indices are zero based, as on the wire.
package instrument

import (
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"phasegen/core"
	"phasegen/errcode"
	"phasegen/protocol"
)

const defaultTimeout = 2 * time.Second

// Client issues one command at a time and waits for its result.
type Client struct {
	mu      sync.Mutex
	t       *protocol.HostTransport
	timeout time.Duration
}

// New starts a client on port. The port's reads should time out
// periodically so Close can stop the reader.
func New(port io.ReadWriteCloser) *Client {
	return &Client{t: protocol.NewHostTransport(port), timeout: defaultTimeout}
}

// SetTimeout bounds how long a command waits for its ACK and result.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

func (c *Client) Close() error { return c.t.Close() }

// Result is a decoded result response.
type Result struct {
	Cmd   uint16
	Code  errcode.Code
	Value uint32
}

// call sends one command and returns its result plus any data responses
// that preceded it.
func (c *Client) call(cmd uint16, args func(protocol.OutputBuffer)) (Result, []*protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := commandName(cmd)
	c.t.DrainResponses()
	if err := c.t.SendCommandWithTimeout(cmd, args, c.timeout); err != nil {
		return Result{}, nil, fmt.Errorf("%s: %w", name, err)
	}

	var data []*protocol.Message
	deadline := time.Now().Add(c.timeout)
	for {
		msg, err := c.t.ReceiveResponse(time.Until(deadline))
		if err != nil {
			return Result{}, data, &errcode.E{C: errcode.Timeout, Op: name, Err: err}
		}
		payload := msg.Payload
		id, err := protocol.DecodeVLQUint(&payload)
		if err != nil {
			continue
		}
		if uint16(id) != protocol.RespResult {
			data = append(data, msg)
			continue
		}
		res, err := decodeResult(payload)
		if err != nil {
			return Result{}, data, fmt.Errorf("%s: %w", name, err)
		}
		if res.Cmd != cmd {
			// left over from a command that timed out
			data = data[:0]
			continue
		}
		if res.Code != errcode.OK {
			return res, data, &errcode.E{C: res.Code, Op: name, Msg: "rejected by device"}
		}
		return res, data, nil
	}
}

func decodeResult(payload []byte) (Result, error) {
	var v [3]uint32
	for i := range v {
		x, err := protocol.DecodeVLQUint(&payload)
		if err != nil {
			return Result{}, fmt.Errorf("short result: %w", err)
		}
		v[i] = x
	}
	res := Result{Cmd: uint16(v[0]), Code: errcode.OK, Value: v[2]}
	if err := errcode.FromWire(uint8(v[1])); err != nil {
		res.Code = errcode.Of(err)
	}
	return res, nil
}

func commandName(id uint16) string {
	for _, c := range protocol.Commands {
		if c.ID == id {
			return c.Name
		}
	}
	return fmt.Sprintf("cmd_%d", id)
}

func (c *Client) exec(cmd uint16, args func(protocol.OutputBuffer)) error {
	_, _, err := c.call(cmd, args)
	return err
}

func encU(v uint32) func(protocol.OutputBuffer) {
	return func(o protocol.OutputBuffer) { protocol.EncodeVLQUint(o, v) }
}

func encF(v float32) func(protocol.OutputBuffer) {
	return func(o protocol.OutputBuffer) { protocol.EncodeFloat(o, v) }
}

func encPin(phase int, side core.Side, rest func(protocol.OutputBuffer)) func(protocol.OutputBuffer) {
	return func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, uint32(phase))
		protocol.EncodeVLQUint(o, uint32(side))
		if rest != nil {
			rest(o)
		}
	}
}

func boolU(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func (c *Client) SetMode(m core.OpMode) error {
	return c.exec(protocol.CmdSetMode, encU(uint32(m)))
}

func (c *Client) SetControl(m core.ControlMode) error {
	return c.exec(protocol.CmdSetControl, encU(uint32(m)))
}

func (c *Client) SetFrequency(hz float32) error {
	return c.exec(protocol.CmdSetFrequency, encF(hz))
}

func (c *Client) SetDeadtime(s float32) error {
	return c.exec(protocol.CmdSetDeadtime, encF(s))
}

func (c *Client) SetMinDuty(d float32) error {
	return c.exec(protocol.CmdSetMinDuty, encF(d))
}

// SetPin assigns gpio (core.NoGPIO to release) to one side of a phase.
func (c *Client) SetPin(phase int, side core.Side, gpio int) error {
	return c.exec(protocol.CmdSetPin, encPin(phase, side, func(o protocol.OutputBuffer) {
		protocol.EncodeVLQInt(o, int32(gpio))
	}))
}

func (c *Client) SetInvert(phase int, side core.Side, inverted bool) error {
	return c.exec(protocol.CmdSetInvert, encPin(phase, side, encU(boolU(inverted))))
}

func (c *Client) SetIdle(phase int, side core.Side, high bool) error {
	return c.exec(protocol.CmdSetIdle, encPin(phase, side, encU(boolU(high))))
}

func (c *Client) SetDuty(phase int, d float32) error {
	return c.exec(protocol.CmdSetDuty, func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, uint32(phase))
		protocol.EncodeFloat(o, d)
	})
}

func (c *Client) SetModIndex(m float32) error {
	return c.exec(protocol.CmdSetModIndex, encF(m))
}

func (c *Client) SetAngle(deg float32) error {
	return c.exec(protocol.CmdSetAngle, encF(deg))
}

func (c *Client) SetSpeed(hz float32) error {
	return c.exec(protocol.CmdSetSpeed, encF(hz))
}

func (c *Client) SetTriggerSource(src core.TriggerSource) error {
	return c.exec(protocol.CmdSetTriggerSource, encU(uint32(src)))
}

func (c *Client) SetTriggerDelay(s float32) error {
	return c.exec(protocol.CmdSetTriggerDelay, encF(s))
}

func (c *Client) SetTriggerInterval(s float32) error {
	return c.exec(protocol.CmdSetTriggerInterval, encF(s))
}

func (c *Client) SetBurstType(t core.BurstType) error {
	return c.exec(protocol.CmdSetBurstType, encU(uint32(t)))
}

func (c *Client) SetBurstCycles(n uint32) error {
	return c.exec(protocol.CmdSetBurstCycles, encU(n))
}

func (c *Client) SetBurstDuration(s float32) error {
	return c.exec(protocol.CmdSetBurstDuration, encF(s))
}

func (c *Client) SetOutput(on bool) error {
	return c.exec(protocol.CmdSetOutput, encU(boolU(on)))
}

// Trigger sends a trigger edge from src and reports whether the device
// armed a start for it.
func (c *Client) Trigger(src core.TriggerSource) (bool, error) {
	res, _, err := c.call(protocol.CmdTrigger, encU(uint32(src)))
	return res.Value != 0, err
}

func (c *Client) Abort() error {
	return c.exec(protocol.CmdAbort, nil)
}

// Reset restores every setting to its default. A Timeout error means the
// device applied the defaults without confirming the stop.
func (c *Client) Reset() error {
	return c.exec(protocol.CmdReset, nil)
}

// Status is the decoded status response.
type Status struct {
	State     core.State
	Running   bool
	Outputs   bool
	Mode      core.OpMode
	Control   core.ControlMode
	Source    core.TriggerSource
	Burst     core.BurstType
	Frequency float32
	Periods   uint32
	Runs      uint32
}

func (c *Client) Status() (Status, error) {
	_, data, err := c.call(protocol.CmdGetStatus, nil)
	if err != nil {
		return Status{}, err
	}
	payload, err := findResponse(data, protocol.RespStatus)
	if err != nil {
		return Status{}, err
	}
	var v [10]uint32
	for i := range v {
		if v[i], err = protocol.DecodeVLQUint(&payload); err != nil {
			return Status{}, fmt.Errorf("get_status: short response: %w", err)
		}
	}
	return Status{
		State:     core.State(v[0]),
		Running:   v[1] != 0,
		Outputs:   v[2] != 0,
		Mode:      core.OpMode(v[3]),
		Control:   core.ControlMode(v[4]),
		Source:    core.TriggerSource(v[5]),
		Burst:     core.BurstType(v[6]),
		Frequency: math.Float32frombits(v[7]),
		Periods:   v[8],
		Runs:      v[9],
	}, nil
}

// Pin reads back one side of a phase.
func (c *Client) Pin(phase int, side core.Side) (core.PinConfig, error) {
	_, data, err := c.call(protocol.CmdGetPin, encPin(phase, side, nil))
	if err != nil {
		return core.PinConfig{}, err
	}
	payload, err := findResponse(data, protocol.RespPin)
	if err != nil {
		return core.PinConfig{}, err
	}
	var v [5]int32
	for i := range v {
		if v[i], err = protocol.DecodeVLQInt(&payload); err != nil {
			return core.PinConfig{}, fmt.Errorf("get_pin: short response: %w", err)
		}
	}
	return core.PinConfig{GPIO: int(v[2]), Inverted: v[3] != 0, IdleHigh: v[4] != 0}, nil
}

// Param reads one parameter as its raw wire value.
func (c *Client) Param(p uint8) (uint32, error) {
	res, _, err := c.call(protocol.CmdGetParam, encU(uint32(p)))
	return res.Value, err
}

// ParamFloat reads a float parameter.
func (c *Client) ParamFloat(p uint8) (float32, error) {
	v, err := c.Param(p)
	return math.Float32frombits(v), err
}

func findResponse(data []*protocol.Message, id uint16) ([]byte, error) {
	for _, msg := range data {
		payload := msg.Payload
		if got, err := protocol.DecodeVLQUint(&payload); err == nil && uint16(got) == id {
			return payload, nil
		}
	}
	return nil, fmt.Errorf("no response %#x before the result", id)
}
