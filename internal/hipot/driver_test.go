package hipot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFileForLineVoltage(t *testing.T) {
	assert.Equal(t, 1, FileForLineVoltage(208))
	assert.Equal(t, 1, FileForLineVoltage(230))
	assert.Equal(t, 1, FileForLineVoltage(240))
	assert.Equal(t, 2, FileForLineVoltage(440))
	assert.Equal(t, 2, FileForLineVoltage(480))
}

func TestPassed(t *testing.T) {
	assert.True(t, Passed("01 ACW PASS 1.50kV 0.25mA"))
	assert.True(t, Passed("  pass \r\n"))
	assert.False(t, Passed("01 ACW HI-Limit 1.50kV 5.10mA"))
	assert.False(t, Passed(""))
}

func TestSettingsMerge(t *testing.T) {
	base := Settings{Voltage: 1500, TripMA: 5, RampSec: 1, DwellSec: 2, FallSec: 1, Polarity: "NORMAL"}
	got := base.Merge(Settings{Voltage: 1800, DwellSec: 3})
	assert.Equal(t, 1800.0, got.Voltage)
	assert.Equal(t, 3.0, got.DwellSec)
	assert.Equal(t, 5.0, got.TripMA)
	assert.Equal(t, "NORMAL", got.Polarity)
}

func TestDriverInitAndConfigure(t *testing.T) {
	conn := NewSimConn()
	d := NewDriver(conn, zap.NewNop())
	require.NoError(t, d.Init())

	require.NoError(t, d.Configure(Settings{Voltage: 1500, TripMA: 5.0, DwellSec: 2}))
	assert.Contains(t, conn.Sent, "RESET")
	assert.Contains(t, conn.Sent, "*CLS")
	assert.Contains(t, conn.Sent, "SYST:CLE")
	assert.Contains(t, conn.Sent, "*IDN?")
	assert.Contains(t, conn.Sent, "VOLT 1500")
	assert.Contains(t, conn.Sent, "CURR:TRIP 5.00")
	assert.Contains(t, conn.Sent, "DWEL 2.0")
	assert.NotContains(t, conn.Sent, "RAMP 0.0")
}

func TestDriverRunFromFilePass(t *testing.T) {
	conn := NewSimConn()
	conn.PollsUntilDone = 2
	d := NewDriver(conn, zap.NewNop())
	d.PollInterval = time.Millisecond
	require.NoError(t, d.Init())

	res, err := d.RunFromFile(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Contains(t, conn.Sent, "FL 2")
	assert.Contains(t, conn.Sent, "FL?")
	assert.Contains(t, conn.Sent, "TEST")
}

func TestDriverRunFromFileFail(t *testing.T) {
	conn := NewSimConn()
	conn.Verdict = "01 ACW HI-Limit 1.50kV 6.00mA"
	d := NewDriver(conn, zap.NewNop())
	d.PollInterval = time.Millisecond
	require.NoError(t, d.Init())

	res, err := d.RunFromFile(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Raw, "HI-Limit")
}

func TestDriverRunCancelResets(t *testing.T) {
	conn := NewSimConn()
	conn.PollsUntilDone = 1000
	d := NewDriver(conn, zap.NewNop())
	d.PollInterval = time.Millisecond
	require.NoError(t, d.Init())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := d.RunFromFile(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Equal(t, "RESET", conn.Sent[len(conn.Sent)-1])
}
