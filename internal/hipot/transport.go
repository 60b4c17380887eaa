// Package hipot drives an Associated Research 3865-class dielectric
// withstand tester over its SCPI-style serial interface.
//
// The layering mirrors the other instrument drivers on the bench: a thin
// line transport, a command set that knows the vendor dialect, and a driver
// that composes them into test flows.
package hipot

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/albenik/go-serial/v2"
	"go.uber.org/zap"
)

// ErrNotOpen is returned when the transport is used before Open.
var ErrNotOpen = errors.New("hipot transport not open")

// Conn is the wire surface the command layer talks to. Send transmits a
// command with no response; Query transmits and returns one response line.
type Conn interface {
	Open() error
	Close() error
	Send(cmd string) error
	Query(cmd string) (string, error)
	// FlushInput discards stale bytes before a fresh query. The tester
	// emits unsolicited status lines while a test runs.
	FlushInput() error
}

// SerialParams holds the serial settings for the tester. The 3865 front
// panel fixes the rate at 38400 baud.
type SerialParams struct {
	Device      string
	BaudRate    int
	ReadTimeout time.Duration
}

// SerialConn is the CRLF line transport over a serial port.
type SerialConn struct {
	p    SerialParams
	log  *zap.Logger
	mu   sync.Mutex
	port *serial.Port
}

func NewSerialConn(p SerialParams, log *zap.Logger) *SerialConn {
	if p.BaudRate == 0 {
		p.BaudRate = 38400
	}
	if p.ReadTimeout == 0 {
		p.ReadTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SerialConn{p: p, log: log}
}

func (c *SerialConn) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port != nil {
		return nil
	}
	port, err := serial.Open(c.p.Device,
		serial.WithBaudrate(c.p.BaudRate),
		serial.WithReadTimeout(int(c.p.ReadTimeout.Milliseconds())),
	)
	if err != nil {
		return fmt.Errorf("open hipot port %s: %w", c.p.Device, err)
	}
	c.port = port
	c.log.Info("hipot transport open",
		zap.String("device", c.p.Device), zap.Int("baud", c.p.BaudRate))
	return nil
}

func (c *SerialConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	return err
}

func (c *SerialConn) Send(cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return ErrNotOpen
	}
	c.log.Debug("hipot send", zap.String("cmd", cmd))
	if _, err := c.port.Write([]byte(cmd + "\r\n")); err != nil {
		return fmt.Errorf("send %q: %w", cmd, err)
	}
	// allow the instrument to take the command before the next one
	time.Sleep(50 * time.Millisecond)
	return nil
}

func (c *SerialConn) Query(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return "", ErrNotOpen
	}
	c.log.Debug("hipot query", zap.String("cmd", cmd))
	if _, err := c.port.Write([]byte(cmd + "\r\n")); err != nil {
		return "", fmt.Errorf("query %q: %w", cmd, err)
	}
	line, err := c.readLine()
	if err != nil {
		return "", fmt.Errorf("query %q: %w", cmd, err)
	}
	c.log.Debug("hipot response", zap.String("cmd", cmd), zap.String("resp", line))
	return line, nil
}

func (c *SerialConn) FlushInput() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return ErrNotOpen
	}
	return c.port.ResetInputBuffer()
}

// readLine reads up to the first LF, tolerating a bare-CR terminator from
// older firmware. Returns the line with terminators trimmed.
func (c *SerialConn) readLine() (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	deadline := time.Now().Add(c.p.ReadTimeout)
	for {
		if time.Now().After(deadline) {
			return "", fmt.Errorf("timeout after %q", sb.String())
		}
		n, err := c.port.Read(buf)
		if err != nil {
			return "", err
		}
		if n == 0 {
			if sb.Len() > 0 {
				break // CR-only terminator and the port went quiet
			}
			continue
		}
		if buf[0] == '\n' {
			break
		}
		if buf[0] != '\r' {
			sb.WriteByte(buf[0])
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
