package serial

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// TCPPort is a Port over a TCP connection, used to reach phasegen-sim.
// A read that hits the read timeout returns (0, nil), as a serial port
// with a read timeout does.
type TCPPort struct {
	conn    net.Conn
	timeout time.Duration
}

// DialTCP connects to addr ("host:port").
func DialTCP(addr string, cfg *Config) (Port, error) {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	p := &TCPPort{conn: conn}
	if cfg != nil && cfg.ReadTimeout > 0 {
		p.timeout = time.Duration(cfg.ReadTimeout) * time.Millisecond
	}
	return p, nil
}

// NewTCPPort wraps an established connection.
func NewTCPPort(conn net.Conn, readTimeout time.Duration) *TCPPort {
	return &TCPPort{conn: conn, timeout: readTimeout}
}

func (p *TCPPort) Read(b []byte) (int, error) {
	if p.timeout > 0 {
		if err := p.conn.SetReadDeadline(time.Now().Add(p.timeout)); err != nil {
			return 0, err
		}
	}
	n, err := p.conn.Read(b)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

func (p *TCPPort) Write(b []byte) (int, error) {
	return p.conn.Write(b)
}

func (p *TCPPort) Close() error {
	return p.conn.Close()
}

// Flush is a no-op: TCP writes are not buffered here.
func (p *TCPPort) Flush() error {
	return nil
}
