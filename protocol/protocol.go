// Package protocol implements the framed command link between the host
// tools and the generator: VLQ-encoded arguments inside CRC-protected,
// sequence-numbered frames.
//
//	<len> <seq> <payload...> <crc hi> <crc lo> 0x7E
//
// len counts the whole frame. seq is 0x10|n with n the 4-bit sequence. A
// frame with an empty payload is an ACK/NAK carrying the next expected
// sequence.
package protocol

// Version of the command link.
const Version = "1.0.0"

const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E
	MessageDest        = 0x10
	MessageSeqMask     = 0x0F

	// MessageMax sizes the output scratch buffer; several frames may be
	// queued between flushes.
	MessageMax = 512
)

type frameStatus int

const (
	frameOK frameStatus = iota
	frameShort
	frameBad
)

// checkFrame validates the frame at the start of data. Leading sync bytes
// must already be stripped. On frameOK n is the frame length.
func checkFrame(data []byte) (n int, st frameStatus) {
	if len(data) < MessageLengthMin {
		return 0, frameShort
	}
	n = int(data[MessagePositionLen])
	if n < MessageLengthMin || n > MessageLengthMax {
		return 0, frameBad
	}
	if data[MessagePositionSeq]&^MessageSeqMask != MessageDest {
		return 0, frameBad
	}
	if len(data) < n {
		return 0, frameShort
	}
	if data[n-MessageTrailerSync] != MessageValueSync {
		return 0, frameBad
	}
	crc := uint16(data[n-MessageTrailerCRC])<<8 | uint16(data[n-MessageTrailerCRC+1])
	if crc != CRC16(data[:n-MessageTrailerSize]) {
		return 0, frameBad
	}
	return n, frameOK
}

// skipToSync drops bytes up to and including the next sync byte. It
// reports false when none was found.
func skipToSync(data []byte) ([]byte, bool) {
	for i, b := range data {
		if b == MessageValueSync {
			return data[i+1:], true
		}
	}
	return nil, false
}

// nextSeq advances a sequence byte, keeping the destination bits.
func nextSeq(seq uint8) uint8 {
	return ((seq + 1) & MessageSeqMask) | MessageDest
}

// appendTrailer finishes the frame that starts at cursor in out.
func appendTrailer(out OutputBuffer, cursor int) {
	n := len(out.DataSince(cursor))
	out.Update(cursor+MessagePositionLen, uint8(n+MessageTrailerSize))
	crc := CRC16(out.DataSince(cursor))
	out.Output([]byte{uint8(crc >> 8), uint8(crc), MessageValueSync})
}
