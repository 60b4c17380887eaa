package meter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseQM(t *testing.T) {
	r, err := parseQM("+9.4520E0,OHM,NORMAL,NONE")
	require.NoError(t, err)
	assert.InDelta(t, 9.452, r.Value, 1e-9)
	assert.Equal(t, "ohm", r.Unit)
	assert.True(t, r.IsResistance())
	assert.False(t, r.Overload)
}

func TestParseQMOverload(t *testing.T) {
	r, err := parseQM("+9.9999E37,OHM,OL,NONE")
	require.NoError(t, err)
	assert.True(t, r.Overload)
	assert.True(t, r.IsResistance())
}

func TestParseQMNegativeVoltage(t *testing.T) {
	r, err := parseQM("-1.2345E0,VDC,NORMAL,NONE")
	require.NoError(t, err)
	assert.True(t, r.Negative)
	assert.False(t, r.IsResistance())
}

func TestParseQMMalformed(t *testing.T) {
	_, err := parseQM("garbage")
	assert.ErrorIs(t, err, ErrBadResponse)

	_, err = parseQM("notanumber,OHM,NORMAL,NONE")
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestReadCRLine(t *testing.T) {
	data := []byte("0\r+9.4520E0,OHM,NORMAL,NONE\r")
	i := 0
	read := func(p []byte) (int, error) {
		if i >= len(data) {
			return 0, nil
		}
		p[0] = data[i]
		i++
		return 1, nil
	}

	line, err := readCRLine(read, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "0", line)

	line, err = readCRLine(read, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "+9.4520E0,OHM,NORMAL,NONE", line)
}

func TestReadCRLineTimeoutIsTyped(t *testing.T) {
	quiet := func(p []byte) (int, error) { return 0, nil }
	_, err := readCRLine(quiet, 5*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoReading)
}

func ut61eReport(text string) []byte {
	report := make([]byte, reportLen)
	copy(report, []byte{0x13, 0xab, 0xcd, 0x10, 0x06})
	copy(report[5:], text)
	return report
}

func TestDecodeReportResistance(t *testing.T) {
	r, err := decodeReport(ut61eReport("1 9.4520"))
	require.NoError(t, err)
	assert.InDelta(t, 9.452, r.Value, 1e-9)
	assert.Equal(t, "ohm", r.Unit)
	assert.True(t, r.IsResistance())
}

func TestDecodeReportOverload(t *testing.T) {
	r, err := decodeReport(ut61eReport("1  OL."))
	require.NoError(t, err)
	assert.True(t, r.Overload)
	assert.True(t, r.IsResistance())
}

func TestDecodeReportNegative(t *testing.T) {
	r, err := decodeReport(ut61eReport("2 -1.234"))
	require.NoError(t, err)
	assert.True(t, r.Negative)
	assert.InDelta(t, 1.234, r.Value, 1e-9)
	assert.Equal(t, "vdc", r.Unit)
}

func TestDecodeReportBadPreamble(t *testing.T) {
	report := ut61eReport("1 9.4520")
	report[0] = 0x00
	_, err := decodeReport(report)
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestDecodeReportUnknownMode(t *testing.T) {
	_, err := decodeReport(ut61eReport("42 1.000"))
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestAppendSyncedRecoversRepeatedFirstByte(t *testing.T) {
	full := ut61eReport("1 5.0000")
	stream := append([]byte{0x00, 0x13}, full...)

	var report []byte
	for _, b := range stream {
		report = appendSynced(report, b)
		if len(report) == reportLen {
			break
		}
	}
	require.Len(t, report, reportLen)

	r, err := decodeReport(report)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, r.Value, 1e-9)
}

type fakeSource struct {
	reports [][]byte
	next    int
}

func (f *fakeSource) Open() error  { return nil }
func (f *fakeSource) Close() error { return nil }
func (f *fakeSource) Flush() error { return nil }
func (f *fakeSource) ReadReport() ([]byte, error) {
	if f.next >= len(f.reports) {
		return nil, ErrNoReading
	}
	r := f.reports[f.next]
	f.next++
	return r, nil
}

func TestUT61EReadsThroughSource(t *testing.T) {
	src := &fakeSource{reports: [][]byte{ut61eReport("1 12.150")}}
	m := NewUT61E(src, zap.NewNop())
	require.NoError(t, m.Open())

	r, err := m.Read()
	require.NoError(t, err)
	assert.InDelta(t, 12.15, r.Value, 1e-9)

	_, err = m.Read()
	assert.ErrorIs(t, err, ErrNoReading)
}

func TestSimMeter(t *testing.T) {
	m := NewSimMeter(nil)
	_, err := m.Read()
	require.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, m.Open())
	r1, err := m.Read()
	require.NoError(t, err)
	r2, err := m.Read()
	require.NoError(t, err)
	assert.True(t, r1.IsResistance())
	assert.NotEqual(t, r1.Value, r2.Value)
}
