package serial

import (
	"io"
	"strings"
)

// Port is the byte stream the host transport runs on. Implementations:
// a native serial port (github.com/tarm/serial) and a TCP connection to the
// desktop simulator.
type Port interface {
	io.ReadWriteCloser

	// Flush flushes any buffered data
	Flush() error
}

// Config holds port configuration
type Config struct {
	// Device path (e.g. "/dev/ttyACM0", "COM3") or "tcp://host:port"
	Device string

	// Baud rate; USB CDC ignores it
	Baud int

	// Read timeout in milliseconds (0 = blocking). The host transport needs
	// reads to return periodically so it can be closed.
	ReadTimeout int
}

const tcpScheme = "tcp://"

// DefaultConfig returns the configuration used by the generator firmware.
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        115200,
		ReadTimeout: 100,
	}
}

// IsTCP reports whether cfg names a network endpoint.
func (c *Config) IsTCP() bool {
	return strings.HasPrefix(c.Device, tcpScheme)
}

// Open opens the port named by cfg.Device.
func Open(cfg *Config) (Port, error) {
	if cfg != nil && cfg.IsTCP() {
		return DialTCP(strings.TrimPrefix(cfg.Device, tcpScheme), cfg)
	}
	return OpenNative(cfg)
}
