package protocol

import (
	"errors"
	"math"
)

var (
	ErrBufferTooSmall = errors.New("buffer too small for VLQ")
)

// EncodeVLQInt writes v as a variable-length quantity, most significant
// group first. Values in [-32, 96) take one byte; the sign is carried by
// bits 5-6 of the first byte.
func EncodeVLQInt(output OutputBuffer, v int32) {
	var tmp [5]byte
	n := 0
	for _, shift := range [...]uint{28, 21, 14, 7} {
		lim := int32(1) << (shift - 2)
		if v < -lim || v >= 3*lim {
			tmp[n] = byte((v>>shift)&0x7F) | 0x80
			n++
		}
	}
	tmp[n] = byte(v & 0x7F)
	output.Output(tmp[:n+1])
}

// EncodeVLQUint writes v using the signed encoding of its bit pattern.
func EncodeVLQUint(output OutputBuffer, v uint32) {
	EncodeVLQInt(output, int32(v))
}

// DecodeVLQInt reads one VLQ from data and advances it.
func DecodeVLQInt(data *[]byte) (int32, error) {
	buf := *data
	if len(buf) == 0 {
		return 0, ErrBufferTooSmall
	}
	c := uint32(buf[0])
	buf = buf[1:]
	v := c & 0x7F
	if c&0x60 == 0x60 {
		v |= ^uint32(0x1F)
	}
	for c&0x80 != 0 {
		if len(buf) == 0 {
			return 0, ErrBufferTooSmall
		}
		c = uint32(buf[0])
		buf = buf[1:]
		v = v<<7 | c&0x7F
	}
	*data = buf
	return int32(v), nil
}

func DecodeVLQUint(data *[]byte) (uint32, error) {
	v, err := DecodeVLQInt(data)
	return uint32(v), err
}

// EncodeFloat sends a float32 as its IEEE-754 bit pattern.
func EncodeFloat(output OutputBuffer, f float32) {
	EncodeVLQUint(output, math.Float32bits(f))
}

func DecodeFloat(data *[]byte) (float32, error) {
	v, err := DecodeVLQUint(data)
	return math.Float32frombits(v), err
}

// EncodeBool sends b as 0 or 1.
func EncodeBool(output OutputBuffer, b bool) {
	var v uint32
	if b {
		v = 1
	}
	EncodeVLQUint(output, v)
}

func DecodeBool(data *[]byte) (bool, error) {
	v, err := DecodeVLQUint(data)
	return v != 0, err
}

// EncodeVLQBytes writes a length-prefixed byte string.
func EncodeVLQBytes(output OutputBuffer, b []byte) {
	EncodeVLQUint(output, uint32(len(b)))
	output.Output(b)
}

func DecodeVLQBytes(data *[]byte) ([]byte, error) {
	n, err := DecodeVLQUint(data)
	if err != nil {
		return nil, err
	}
	if uint32(len(*data)) < n {
		return nil, ErrBufferTooSmall
	}
	b := (*data)[:n]
	*data = (*data)[n:]
	return b, nil
}
