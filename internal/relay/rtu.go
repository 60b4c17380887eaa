package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/albenik/go-serial/v2"
	"github.com/howeyc/crc16"
	"go.uber.org/zap"
)

// Modbus function codes used by the coil module.
const (
	fnReadCoils      = 0x01
	fnWriteCoil      = 0x05
	fnWriteCoilsMany = 0x0F
)

// Coil values for the write-single-coil function.
const (
	coilOn  = 0xFF00
	coilOff = 0x0000
)

// RTUParams holds the serial and addressing settings for a Modbus-RTU relay
// module on the RS-485 bench bus.
//
// ActiveHigh maps logical relay ON to coil value 1 when true. Boards wired
// through inverting drivers set it to false.
type RTUParams struct {
	Device      string
	BaudRate    int
	UnitID      byte
	ActiveHigh  bool
	ReadTimeout time.Duration
}

// RTUBoard drives an 8-channel Modbus-RTU relay module.
//
// Frames are built and checked locally: the module only ever needs three
// function codes, and the CRC is the standard CRC-16/MODBUS.
type RTUBoard struct {
	p    RTUParams
	log  *zap.Logger
	mu   sync.Mutex
	port *serial.Port
}

// NewRTUBoard returns an unopened board. BaudRate defaults to 9600 and
// ReadTimeout to one second when unset.
func NewRTUBoard(p RTUParams, log *zap.Logger) *RTUBoard {
	if p.BaudRate == 0 {
		p.BaudRate = 9600
	}
	if p.ReadTimeout == 0 {
		p.ReadTimeout = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RTUBoard{p: p, log: log}
}

func (b *RTUBoard) Open() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port != nil {
		return nil
	}
	port, err := serial.Open(b.p.Device,
		serial.WithBaudrate(b.p.BaudRate),
		serial.WithReadTimeout(int(b.p.ReadTimeout.Milliseconds())),
	)
	if err != nil {
		return fmt.Errorf("open relay bus %s: %w", b.p.Device, err)
	}
	b.port = port
	b.log.Info("relay board open",
		zap.String("device", b.p.Device),
		zap.Int("baud", b.p.BaudRate),
		zap.Uint8("unit", b.p.UnitID))
	return nil
}

func (b *RTUBoard) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return nil
	}
	err := b.port.Close()
	b.port = nil
	return err
}

// Set drives a single relay via write-single-coil.
func (b *RTUBoard) Set(relay int, on bool) error {
	if err := checkRelay(relay); err != nil {
		return err
	}
	val := uint16(coilOff)
	if on == b.p.ActiveHigh {
		val = coilOn
	}
	req := []byte{b.p.UnitID, fnWriteCoil,
		0x00, byte(relay),
		byte(val >> 8), byte(val)}
	b.log.Debug("relay set", zap.Int("relay", relay), zap.Bool("on", on))
	resp, err := b.transact(req, 6)
	if err != nil {
		return fmt.Errorf("set relay %d: %w", relay, err)
	}
	// the module echoes a write-single-coil request verbatim
	for i := range req {
		if resp[i] != req[i] {
			return fmt.Errorf("set relay %d: echo mismatch at byte %d", relay, i)
		}
	}
	return nil
}

// AllOff drives every relay open in one write-multiple-coils frame.
func (b *RTUBoard) AllOff() error {
	pattern := byte(0x00)
	if !b.p.ActiveHigh {
		pattern = 0xFF
	}
	req := []byte{b.p.UnitID, fnWriteCoilsMany,
		0x00, 0x00, // start coil 0
		0x00, NumRelays,
		0x01, // byte count
		pattern}
	b.log.Debug("relay all off")
	resp, err := b.transact(req, 6)
	if err != nil {
		return fmt.Errorf("all relays off: %w", err)
	}
	if resp[1] != fnWriteCoilsMany {
		return fmt.Errorf("all relays off: unexpected function %#02x", resp[1])
	}
	return nil
}

// Apply drives the Off relays first, then the On relays, matching the order
// the measurement sequence relies on.
func (b *RTUBoard) Apply(m Mapping) error {
	for _, r := range m.Off {
		if err := b.Set(r, false); err != nil {
			return err
		}
	}
	for _, r := range m.On {
		if err := b.Set(r, true); err != nil {
			return err
		}
	}
	return nil
}

// Coils reads actual coil state back from the module.
func (b *RTUBoard) Coils() (state [NumRelays]bool, err error) {
	req := []byte{b.p.UnitID, fnReadCoils,
		0x00, 0x00,
		0x00, NumRelays}
	resp, err := b.transact(req, 4)
	if err != nil {
		return state, fmt.Errorf("read coils: %w", err)
	}
	if resp[1] != fnReadCoils || resp[2] != 1 {
		return state, fmt.Errorf("read coils: malformed response % x", resp)
	}
	bits := resp[3]
	for i := 0; i < NumRelays; i++ {
		on := bits&(1<<uint(i)) != 0
		state[i] = on == b.p.ActiveHigh
	}
	return state, nil
}

// transact appends the CRC, writes the frame and reads back respLen payload
// bytes plus CRC, verifying the check. respLen excludes the trailing CRC.
func (b *RTUBoard) transact(req []byte, respLen int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return nil, ErrNotOpen
	}

	frame := appendCRC(req)
	if _, err := b.port.Write(frame); err != nil {
		return nil, err
	}
	// inter-frame gap; the coil module is slow to turn the bus around
	time.Sleep(5 * time.Millisecond)

	resp, err := b.readFrame(respLen + 2)
	if err != nil {
		return nil, err
	}
	if resp[0] != b.p.UnitID {
		return nil, fmt.Errorf("response from unit %d, want %d", resp[0], b.p.UnitID)
	}
	if resp[1]&0x80 != 0 {
		return nil, fmt.Errorf("module exception %#02x for function %#02x", resp[2], resp[1]&0x7F)
	}
	return resp, nil
}

// readFrame reads exactly n bytes (payload + CRC) and checks the CRC.
func (b *RTUBoard) readFrame(n int) ([]byte, error) {
	buf := make([]byte, 0, n)
	deadline := time.Now().Add(b.p.ReadTimeout)
	for len(buf) < n {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("short response: %d of %d bytes", len(buf), n)
		}
		chunk := make([]byte, n-len(buf))
		rn, err := b.port.Read(chunk)
		if err != nil {
			return nil, err
		}
		// an exception response is shorter than the expected frame
		buf = append(buf, chunk[:rn]...)
		if len(buf) >= 5 && buf[1]&0x80 != 0 {
			n = 5
		}
	}
	if !checkCRC(buf) {
		return nil, fmt.Errorf("bad CRC in response % x", buf)
	}
	return buf[:len(buf)-2], nil
}

// appendCRC returns the frame with CRC-16/MODBUS appended low byte first.
func appendCRC(frame []byte) []byte {
	sum := crc16.Update(0xFFFF, crc16.IBMTable, frame)
	return append(frame, byte(sum), byte(sum>>8))
}

func checkCRC(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	sum := crc16.Update(0xFFFF, crc16.IBMTable, frame[:len(frame)-2])
	return frame[len(frame)-2] == byte(sum) && frame[len(frame)-1] == byte(sum>>8)
}
