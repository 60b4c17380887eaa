package results

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSessionSequenceNumbering(t *testing.T) {
	dir := t.TempDir()

	s1, err := StartSession(SessionParams{Dir: dir}, "WO123", "PN456", "", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "ET_ELOV0001", s1.ID)

	s2, err := StartSession(SessionParams{Dir: dir}, "WO124", "PN456", "", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "ET_ELOV0002", s2.ID)
}

func TestSessionSequenceSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ET_ELOV0041.txt"), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	s, err := StartSession(SessionParams{Dir: dir}, "WO1", "PN1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "ET_ELOV0042", s.ID)
}

func TestSessionFileContents(t *testing.T) {
	dir := t.TempDir()
	s, err := StartSession(SessionParams{Dir: dir}, "WO777", "PN888", "240V 7000W", zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.LogHipotAttempt(true, "withstand test passed", "01 ACW PASS 1.50kV 0.25mA"))
	require.NoError(t, s.LogMeasurementAttempt(false, "pin 2 to 5 out of range", []PointValue{
		{Label: "Pin 1 to 6", Text: "9.45 ohm"},
		{Label: "Pin 2 to 5", Text: "25.10 ohm"},
		{Label: "Pin 3 to 4", Text: "9.52 ohm"},
	}))
	require.NoError(t, s.Finalize(false, "measurement failed"))

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "Work Order:    WO777")
	assert.Contains(t, text, "Part Number:   PN888")
	assert.Contains(t, text, "Configuration: 240V 7000W")
	assert.Contains(t, text, "HIPOT TEST - Attempt #1")
	assert.Contains(t, text, "Raw: 01 ACW PASS 1.50kV 0.25mA")
	assert.Contains(t, text, "MEASUREMENT TEST - Attempt #1")
	assert.Contains(t, text, "Pin 2 to 5: 25.10 ohm")
	assert.Contains(t, text, "FINAL RESULT: FAIL")
	assert.Contains(t, text, "Notes: measurement failed")
}

func TestSessionFinalizeIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := StartSession(SessionParams{Dir: dir}, "WO1", "PN1", "", nil)
	require.NoError(t, err)
	require.NoError(t, s.Finalize(true, ""))
	require.NoError(t, s.Finalize(false, "should not appear"))

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "FINAL RESULT: PASS")
	assert.NotContains(t, string(data), "should not appear")
}

func TestSessionMirror(t *testing.T) {
	dir := t.TempDir()
	mirror := filepath.Join(t.TempDir(), "share", "TestLog")
	s, err := StartSession(SessionParams{Dir: dir, MirrorDir: mirror}, "WO1", "PN1", "", nil)
	require.NoError(t, err)
	require.NoError(t, s.LogHipotAttempt(true, "ok", ""))

	primary, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	mirrored, err := os.ReadFile(filepath.Join(mirror, s.ID+".txt"))
	require.NoError(t, err)
	assert.Equal(t, primary, mirrored)
}

func TestSessionMirrorFailureIsSilent(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(blocked, []byte("not a dir"), 0o644))

	s, err := StartSession(SessionParams{Dir: dir, MirrorDir: filepath.Join(blocked, "sub")}, "WO1", "PN1", "", nil)
	require.NoError(t, err)
	assert.NoError(t, s.LogHipotAttempt(true, "ok", ""))
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	defer store.Close()

	sess, err := StartSession(SessionParams{Dir: dir}, "WO9", "PN9", "", nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.RecordSession(ctx, sess))
	require.NoError(t, store.RecordAttempt(ctx, sess.ID, StageHipot, 1, true, "passed", "raw line"))
	require.NoError(t, store.RecordAttempt(ctx, sess.ID, StageMeasurement, 1, false, "out of range", ""))
	require.NoError(t, store.FinalizeSession(ctx, sess.ID, false))

	sums, err := store.RecentSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, sess.ID, sums[0].SessionID)
	assert.Equal(t, "WO9", sums[0].WorkOrder)
	assert.Equal(t, 2, sums[0].Attempts)
	require.True(t, sums[0].Passed.Valid)
	assert.False(t, sums[0].Passed.Bool)
	assert.True(t, sums[0].FinishedAt.Valid)
}

func TestStoreFinalizeUnknownSession(t *testing.T) {
	store, err := OpenStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	err = store.FinalizeSession(context.Background(), "ET_ELOV9999", true)
	assert.Error(t, err)
}
