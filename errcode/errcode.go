// Package errcode defines the stable error identifiers returned at the
// configuration boundary and carried over the command transport.
package errcode

// Code is a stable, transport-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

const (
	OK             Code = "ok"
	Conflict       Code = "conflict"
	OutOfRange     Code = "out_of_range"
	InvalidParams  Code = "invalid_params"
	UnknownCommand Code = "unknown_command"
	Timeout        Code = "timeout"

	Error Code = "error" // generic fallback
)

// E wraps a Code with the failing operation and an optional cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

// New builds an *E for op.
func New(c Code, op, msg string) *E {
	return &E{C: c, Op: op, Msg: msg}
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is match an *E against its bare Code.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Error
}

// Wire values for the result response. The order is part of the
// command protocol and must not change.
var wire = []Code{OK, Conflict, OutOfRange, InvalidParams, Timeout, UnknownCommand, Error}

// ToWire maps an error to its result byte.
func ToWire(err error) uint8 {
	c := Of(err)
	for i, w := range wire {
		if w == c {
			return uint8(i)
		}
	}
	return uint8(len(wire) - 1)
}

// FromWire maps a result byte back to a Code; nil for OK.
func FromWire(b uint8) error {
	if int(b) >= len(wire) {
		return Error
	}
	if b == 0 {
		return nil
	}
	return wire[b]
}
