package protocol

import "sync/atomic"

// CommandHandler handles one decoded command. It must consume exactly its
// own arguments from data.
type CommandHandler func(cmdID uint16, data *[]byte) error

// Transport is the device side of the link: it validates incoming frames,
// dispatches their commands in order and acknowledges every frame.
type Transport struct {
	isSynchronized atomic.Bool
	// next expected host sequence; also stamped on ACKs and responses
	nextSequence atomic.Uint32

	output        OutputBuffer
	handler       CommandHandler
	resetCallback func()
	flushCallback func()
}

func NewTransport(output OutputBuffer, handler CommandHandler) *Transport {
	t := &Transport{output: output, handler: handler}
	t.isSynchronized.Store(true)
	t.nextSequence.Store(MessageDest)
	return t
}

// Receive consumes complete frames from input. Partial frames stay in the
// buffer until more bytes arrive.
func (t *Transport) Receive(input InputBuffer) {
	data := input.Data()

	for len(data) > 0 {
		if !t.isSynchronized.Load() {
			var found bool
			if data, found = skipToSync(data); found {
				t.isSynchronized.Store(true)
				t.encodeAckNak()
			}
			continue
		}
		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}

		n, st := checkFrame(data)
		if st == frameShort {
			break
		}
		if st == frameBad {
			t.isSynchronized.Store(false)
			continue
		}

		seq := data[MessagePositionSeq]
		frame := data[MessageHeaderSize : n-MessageTrailerSize]
		data = data[n:]

		expected := uint8(t.nextSequence.Load())
		if seq == MessageDest && expected != MessageDest {
			// host restarted its sequence
			expected = MessageDest
			t.nextSequence.Store(MessageDest)
			if t.resetCallback != nil {
				t.resetCallback()
			}
		}
		if seq == expected {
			t.nextSequence.Store(uint32(nextSeq(seq)))
			_ = t.parseFrame(frame)
		}
		// a mismatched sequence is answered with the expected one (NAK)
		t.encodeAckNak()
	}

	if consumed := input.Available() - len(data); consumed > 0 {
		input.Pop(consumed)
	}
}

// parseFrame dispatches every command in frame.
func (t *Transport) parseFrame(frame []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.isSynchronized.Store(false)
		}
	}()

	for len(frame) > 0 {
		cmdID, err := DecodeVLQUint(&frame)
		if err != nil {
			t.isSynchronized.Store(false)
			return err
		}
		if t.handler == nil {
			continue
		}
		// a handler error leaves the argument position unknown
		if err := t.handler(uint16(cmdID), &frame); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) encodeAckNak() {
	ns := uint8(t.nextSequence.Load())
	crc := CRC16([]byte{MessageLengthMin, ns})
	t.output.Output([]byte{MessageLengthMin, ns, uint8(crc >> 8), uint8(crc), MessageValueSync})
	if t.flushCallback != nil {
		t.flushCallback()
	}
}

// EncodeFrame writes one response frame built by frameData.
func (t *Transport) EncodeFrame(frameData func(output OutputBuffer)) {
	cursor := t.output.CurPosition()
	t.output.Output([]byte{0, uint8(t.nextSequence.Load())})
	frameData(t.output)
	appendTrailer(t.output, cursor)
}

// SendCommand writes a response frame holding cmdID and its arguments.
func (t *Transport) SendCommand(cmdID uint16, args func(output OutputBuffer)) {
	t.EncodeFrame(func(output OutputBuffer) {
		EncodeVLQUint(output, uint32(cmdID))
		if args != nil {
			args(output)
		}
	})
}

// Reset returns the transport to its power-on state.
func (t *Transport) Reset() {
	t.isSynchronized.Store(true)
	t.nextSequence.Store(MessageDest)
	if t.resetCallback != nil {
		t.resetCallback()
	}
}

// SetResetCallback is called when the host restarts its sequence.
func (t *Transport) SetResetCallback(callback func()) {
	t.resetCallback = callback
}

// SetFlushCallback is called after every ACK so the platform can push it
// out ahead of slower responses.
func (t *Transport) SetFlushCallback(callback func()) {
	t.flushCallback = callback
}
