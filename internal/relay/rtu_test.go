package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// CRC vector from the Modbus-over-serial-line spec: slave 2, function 7
// yields CRC 0x1241, transmitted low byte first.
func TestAppendCRCReferenceVector(t *testing.T) {
	frame := appendCRC([]byte{0x02, 0x07})
	require.Len(t, frame, 4)
	assert.Equal(t, byte(0x41), frame[2])
	assert.Equal(t, byte(0x12), frame[3])
}

func TestCheckCRCRoundTrip(t *testing.T) {
	req := []byte{0x01, fnWriteCoil, 0x00, 0x04, 0xFF, 0x00}
	frame := appendCRC(req)
	assert.True(t, checkCRC(frame))

	frame[3] ^= 0x01
	assert.False(t, checkCRC(frame))

	assert.False(t, checkCRC([]byte{0x01}))
}

func TestRTUBoardDefaults(t *testing.T) {
	b := NewRTUBoard(RTUParams{Device: "/dev/ttyUSB1", UnitID: 2, ActiveHigh: true}, nil)
	assert.Equal(t, 9600, b.p.BaudRate)
	assert.NotZero(t, b.p.ReadTimeout)
}

func TestRTUBoardNotOpen(t *testing.T) {
	b := NewRTUBoard(RTUParams{Device: "/dev/null", ActiveHigh: true}, nil)
	err := b.Set(0, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotOpen)

	assert.ErrorIs(t, b.Set(12, true), ErrBadRelay)
}
