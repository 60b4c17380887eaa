package meter

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/albenik/go-serial/v2"
	"go.uber.org/zap"
)

// Fluke287Params holds the serial settings for the 287. The meter runs its
// remote interface at 115200 baud.
type Fluke287Params struct {
	Device      string
	BaudRate    int
	ReadTimeout time.Duration
}

// Fluke287 polls the meter with the QM (query measurement) command.
//
// A QM exchange is two CR-terminated lines: an acknowledge digit, then the
// measurement as "value,unit,state,attribute". Example:
//
//	0\r
//	+9.4520E0,OHM,NORMAL,NONE\r
type Fluke287 struct {
	p   Fluke287Params
	log *zap.Logger

	mu   sync.Mutex
	port *serial.Port
}

func NewFluke287(p Fluke287Params, log *zap.Logger) *Fluke287 {
	if p.BaudRate == 0 {
		p.BaudRate = 115200
	}
	if p.ReadTimeout == 0 {
		p.ReadTimeout = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Fluke287{p: p, log: log}
}

func (m *Fluke287) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port != nil {
		return nil
	}
	port, err := serial.Open(m.p.Device,
		serial.WithBaudrate(m.p.BaudRate),
		serial.WithReadTimeout(int(m.p.ReadTimeout.Milliseconds())),
	)
	if err != nil {
		return fmt.Errorf("open meter port %s: %w", m.p.Device, err)
	}
	m.port = port
	m.log.Info("fluke 287 open",
		zap.String("device", m.p.Device), zap.Int("baud", m.p.BaudRate))
	return nil
}

func (m *Fluke287) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port == nil {
		return nil
	}
	err := m.port.Close()
	m.port = nil
	return err
}

func (m *Fluke287) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port == nil {
		return ErrNotOpen
	}
	return m.port.ResetInputBuffer()
}

func (m *Fluke287) Read() (Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port == nil {
		return Reading{}, ErrNotOpen
	}
	if _, err := m.port.Write([]byte("QM\r")); err != nil {
		return Reading{}, fmt.Errorf("send QM: %w", err)
	}
	ack, err := m.readCRLine()
	if err != nil {
		return Reading{}, fmt.Errorf("QM ack: %w", err)
	}
	if ack != "0" {
		return Reading{}, fmt.Errorf("%w: QM acknowledge %q", ErrBadResponse, ack)
	}
	line, err := m.readCRLine()
	if err != nil {
		return Reading{}, fmt.Errorf("QM data: %w", err)
	}
	r, err := parseQM(line)
	if err != nil {
		return Reading{}, err
	}
	m.log.Debug("fluke reading",
		zap.Float64("value", r.Value), zap.String("unit", r.Unit),
		zap.Bool("overload", r.Overload))
	return r, nil
}

// parseQM decodes a "value,unit,state,attribute" measurement line.
func parseQM(line string) (Reading, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 3 {
		return Reading{}, fmt.Errorf("%w: %q", ErrBadResponse, line)
	}
	r := Reading{Unit: strings.ToLower(strings.TrimSpace(fields[1]))}
	state := strings.ToUpper(strings.TrimSpace(fields[2]))
	if state == "OL" || state == "OL_MINUS" {
		r.Overload = true
		return r, nil
	}
	val, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: value in %q", ErrBadResponse, line)
	}
	r.Value = val
	r.Negative = val < 0
	return r, nil
}

func (m *Fluke287) readCRLine() (string, error) {
	return readCRLine(m.port.Read, m.p.ReadTimeout)
}

// readCRLine collects bytes up to a CR or LF terminator. A port that stays
// quiet past the timeout yields ErrNoReading so callers can tell a silent
// meter from a garbled one.
func readCRLine(read func([]byte) (int, error), timeout time.Duration) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: timeout after %q", ErrNoReading, sb.String())
		}
		n, err := read(buf)
		if err != nil {
			return "", err
		}
		if n == 0 {
			continue
		}
		if buf[0] == '\r' || buf[0] == '\n' {
			if sb.Len() == 0 {
				continue
			}
			break
		}
		sb.WriteByte(buf[0])
	}
	return strings.TrimSpace(sb.String()), nil
}
