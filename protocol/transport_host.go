package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped is returned by calls made after Close.
var ErrStopped = errors.New("transport stopped")

// ResponseHandler is called for every response frame before it is queued.
type ResponseHandler func(cmdID uint16, data *[]byte) error

// Message is a validated frame.
type Message struct {
	Length   uint8
	Sequence uint8
	Payload  []byte // without header and trailer
	CRC      uint16
}

// HostTransport is the host side of the link: it frames commands, waits for
// their ACK and queues response frames for the caller.
type HostTransport struct {
	port io.ReadWriteCloser

	currentSeq     atomic.Uint32
	isSynchronized atomic.Bool

	inputBuffer *FifoBuffer

	ackChan      chan *Message
	responseChan chan *Message

	handlerMu       sync.Mutex
	responseHandler ResponseHandler

	writeMutex sync.Mutex
	readMutex  sync.Mutex

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewHostTransport starts reading from port in the background. Reads from
// port should time out periodically so Close can stop the reader.
func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port:         port,
		inputBuffer:  NewFifoBuffer(4 * MessageMax),
		ackChan:      make(chan *Message, 1),
		responseChan: make(chan *Message, 16),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
	t.currentSeq.Store(MessageDest)
	t.isSynchronized.Store(true)

	go t.readLoop()
	return t
}

// SendCommand sends a command and waits for its ACK.
func (t *HostTransport) SendCommand(cmdID uint16, args func(output OutputBuffer)) error {
	return t.SendCommandWithTimeout(cmdID, args, 2*time.Second)
}

func (t *HostTransport) SendCommandWithTimeout(cmdID uint16, args func(output OutputBuffer), timeout time.Duration) error {
	msg, err := t.buildCommandMessage(cmdID, args)
	if err != nil {
		return fmt.Errorf("build command %d: %w", cmdID, err)
	}
	for len(t.ackChan) > 0 {
		<-t.ackChan
	}
	if err := t.writeMessage(msg); err != nil {
		return fmt.Errorf("write command %d: %w", cmdID, err)
	}
	if err := t.waitForAck(timeout); err != nil {
		return fmt.Errorf("command %d: %w", cmdID, err)
	}
	return nil
}

func (t *HostTransport) buildCommandMessage(cmdID uint16, args func(output OutputBuffer)) ([]byte, error) {
	scratch := NewScratchOutput()
	scratch.Output([]byte{0, uint8(t.currentSeq.Load())})
	EncodeVLQUint(scratch, uint32(cmdID))
	if args != nil {
		args(scratch)
	}
	if n := scratch.CurPosition() + MessageTrailerSize; n > MessageLengthMax {
		return nil, fmt.Errorf("message too long: %d bytes (max %d)", n, MessageLengthMax)
	}
	appendTrailer(scratch, 0)

	msg := make([]byte, scratch.CurPosition())
	copy(msg, scratch.Result())
	return msg, nil
}

func (t *HostTransport) writeMessage(msg []byte) error {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	n, err := t.port.Write(msg)
	if err != nil {
		return err
	}
	if n != len(msg) {
		return fmt.Errorf("incomplete write: %d/%d bytes", n, len(msg))
	}
	return nil
}

func (t *HostTransport) waitForAck(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	expected := uint8(t.currentSeq.Load())
	for {
		select {
		case ack := <-t.ackChan:
			// the device acknowledges with the next sequence it expects
			switch ack.Sequence {
			case nextSeq(expected):
				t.currentSeq.Store(uint32(ack.Sequence))
				return nil
			case expected:
				// sent before our frame was processed
				continue
			}
			t.currentSeq.Store(uint32(ack.Sequence))
			return fmt.Errorf("sequence mismatch: sent 0x%02x, device expects 0x%02x", expected, ack.Sequence)
		case <-timer.C:
			return fmt.Errorf("ACK timeout after %v", timeout)
		case <-t.stopChan:
			return ErrStopped
		}
	}
}

// ReceiveResponse returns the next queued response frame.
func (t *HostTransport) ReceiveResponse(timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-t.responseChan:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("response timeout after %v", timeout)
	case <-t.stopChan:
		return nil, ErrStopped
	}
}

// DrainResponses discards queued responses, e.g. stale replies left by a
// timed-out call.
func (t *HostTransport) DrainResponses() int {
	n := 0
	for {
		select {
		case <-t.responseChan:
			n++
		default:
			return n
		}
	}
}

func (t *HostTransport) SetResponseHandler(handler ResponseHandler) {
	t.handlerMu.Lock()
	t.responseHandler = handler
	t.handlerMu.Unlock()
}

func (t *HostTransport) readLoop() {
	defer close(t.doneChan)

	buffer := make([]byte, 256)
	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		n, err := t.port.Read(buffer)
		if n > 0 {
			t.inputBuffer.Write(buffer[:n])
			t.processMessages()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (t *HostTransport) processMessages() {
	t.readMutex.Lock()
	defer t.readMutex.Unlock()

	data := t.inputBuffer.Data()
	for len(data) > 0 {
		if !t.isSynchronized.Load() {
			var found bool
			if data, found = skipToSync(data); found {
				t.isSynchronized.Store(true)
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

		msg := &Message{
			Length:   data[MessagePositionLen],
			Sequence: data[MessagePositionSeq],
			Payload:  append([]byte(nil), data[MessageHeaderSize:n-MessageTrailerSize]...),
			CRC:      uint16(data[n-MessageTrailerCRC])<<8 | uint16(data[n-MessageTrailerCRC+1]),
		}
		data = data[n:]
		t.dispatchMessage(msg)
	}

	if consumed := t.inputBuffer.Available() - len(data); consumed > 0 {
		t.inputBuffer.Pop(consumed)
	}
}

func (t *HostTransport) dispatchMessage(msg *Message) {
	if len(msg.Payload) == 0 {
		// ACK/NAK; keep only the newest
		select {
		case t.ackChan <- msg:
		default:
			select {
			case <-t.ackChan:
			default:
			}
			t.ackChan <- msg
		}
		return
	}

	t.handlerMu.Lock()
	h := t.responseHandler
	t.handlerMu.Unlock()
	if h != nil {
		payload := msg.Payload
		if cmdID, err := DecodeVLQUint(&payload); err == nil {
			_ = h(uint16(cmdID), &payload)
		}
	}

	select {
	case t.responseChan <- msg:
	default:
		// full: drop the oldest
		select {
		case <-t.responseChan:
		default:
		}
		t.responseChan <- msg
	}
}

// Close stops the reader and closes the port.
func (t *HostTransport) Close() error {
	t.stopOnce.Do(func() { close(t.stopChan) })
	var err error
	if t.port != nil {
		err = t.port.Close()
	}
	<-t.doneChan
	return err
}

// Reset forgets sequence and buffered state, e.g. after reopening a port.
func (t *HostTransport) Reset() {
	t.isSynchronized.Store(true)
	t.currentSeq.Store(MessageDest)
	for len(t.ackChan) > 0 {
		<-t.ackChan
	}
	t.DrainResponses()

	t.readMutex.Lock()
	t.inputBuffer.Reset()
	t.readMutex.Unlock()
}

// GetCurrentSequence returns the sequence of the next command.
func (t *HostTransport) GetCurrentSequence() uint8 {
	return uint8(t.currentSeq.Load())
}
