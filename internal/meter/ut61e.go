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

// reportLen is the size of one UT61E+ bridge report.
const reportLen = 64

// ut61eHeader is the report preamble the WCH bridge emits before the ASCII
// payload.
var ut61eHeader = []byte{0x13, 0xab, 0xcd}

// PacketSource delivers raw 64-byte reports from the meter's bridge. The
// meter transmits continuously and takes no commands, so the source is read
// only. ReadReport blocks until one report arrives or its timeout expires.
type PacketSource interface {
	Open() error
	Close() error
	ReadReport() ([]byte, error)
	Flush() error
}

// UT61E decodes the continuous report stream of a UNI-T UT61E+.
//
// Each report carries the display as ASCII "mode value" after a three byte
// preamble, e.g. "1 9.4520" for 9.452 ohms in resistance mode. The meter is
// listen-only; selection of the measurement function stays on the rotary
// switch.
type UT61E struct {
	src PacketSource
	log *zap.Logger
}

func NewUT61E(src PacketSource, log *zap.Logger) *UT61E {
	if log == nil {
		log = zap.NewNop()
	}
	return &UT61E{src: src, log: log}
}

func (m *UT61E) Open() error  { return m.src.Open() }
func (m *UT61E) Close() error { return m.src.Close() }
func (m *UT61E) Flush() error { return m.src.Flush() }

func (m *UT61E) Read() (Reading, error) {
	report, err := m.src.ReadReport()
	if err != nil {
		return Reading{}, err
	}
	r, err := decodeReport(report)
	if err != nil {
		return Reading{}, err
	}
	m.log.Debug("ut61e reading",
		zap.Float64("value", r.Value), zap.String("unit", r.Unit),
		zap.Bool("overload", r.Overload))
	return r, nil
}

// mode codes the UT61E+ places before the value.
var ut61eUnits = map[string]string{
	"1":  "ohm",
	"2":  "vdc",
	"3":  "vac",
	"4":  "adc",
	"5":  "aac",
	"6":  "f",
	"7":  "hz",
	"8":  "degc",
	"9":  "vdiode",
	"10": "ohm",
}

// decodeReport extracts the "mode value" text from one bridge report.
func decodeReport(report []byte) (Reading, error) {
	if len(report) < 18 {
		return Reading{}, fmt.Errorf("%w: short report (%d bytes)", ErrBadResponse, len(report))
	}
	for i, b := range ut61eHeader {
		if report[i] != b {
			return Reading{}, fmt.Errorf("%w: bad report preamble % x", ErrBadResponse, report[:3])
		}
	}

	text := printableASCII(report[5:18])
	parts := strings.Fields(text)
	if len(parts) < 2 {
		return Reading{}, fmt.Errorf("%w: report text %q", ErrBadResponse, text)
	}
	unit, ok := ut61eUnits[parts[0]]
	if !ok {
		return Reading{}, fmt.Errorf("%w: unknown mode code %q", ErrBadResponse, parts[0])
	}
	r := Reading{Unit: unit}
	if strings.Contains(strings.ToUpper(parts[1]), "OL") {
		r.Overload = true
		return r, nil
	}
	val, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: value in %q", ErrBadResponse, text)
	}
	if val < 0 {
		r.Negative = true
		val = -val
	}
	r.Value = val
	return r, nil
}

func printableASCII(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if c >= 0x20 && c < 0x7F {
			sb.WriteByte(c)
		}
	}
	return strings.TrimSpace(sb.String())
}

// SerialPacketSource reads bridge reports from a serial byte stream, for
// bridges exposed as a CDC port instead of raw HID.
type SerialPacketSource struct {
	device      string
	baudRate    int
	readTimeout time.Duration
	log         *zap.Logger

	mu   sync.Mutex
	port *serial.Port
}

func NewSerialPacketSource(device string, baudRate int, log *zap.Logger) *SerialPacketSource {
	if baudRate == 0 {
		baudRate = 9600
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SerialPacketSource{
		device:      device,
		baudRate:    baudRate,
		readTimeout: 5 * time.Second,
		log:         log,
	}
}

func (s *SerialPacketSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}
	port, err := serial.Open(s.device,
		serial.WithBaudrate(s.baudRate),
		serial.WithReadTimeout(500),
	)
	if err != nil {
		return fmt.Errorf("open meter bridge %s: %w", s.device, err)
	}
	s.port = port
	s.log.Info("ut61e bridge open", zap.String("device", s.device))
	return nil
}

func (s *SerialPacketSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *SerialPacketSource) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return ErrNotOpen
	}
	return s.port.ResetInputBuffer()
}

// ReadReport scans the stream for the report preamble and returns the
// following 64-byte report.
func (s *SerialPacketSource) ReadReport() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil, ErrNotOpen
	}

	deadline := time.Now().Add(s.readTimeout)
	var report []byte
	buf := make([]byte, 1)
	for len(report) < reportLen {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: no report within %s", ErrNoReading, s.readTimeout)
		}
		n, err := s.port.Read(buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		report = appendSynced(report, buf[0])
	}
	return report, nil
}

// appendSynced feeds one byte into the preamble scan. On a mismatch the
// byte is retried as a fresh preamble start, so a stream like 13 13 ab cd
// still yields the report.
func appendSynced(report []byte, b byte) []byte {
	if len(report) >= len(ut61eHeader) {
		return append(report, b)
	}
	if b == ut61eHeader[len(report)] {
		return append(report, b)
	}
	report = report[:0]
	if b == ut61eHeader[0] {
		return append(report, b)
	}
	return report
}
