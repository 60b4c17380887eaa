package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMeasureMapping(t *testing.T) {
	tests := []struct {
		pos  Position
		want []int
	}{
		{Pin1to6, []int{4}},
		{Pin2to5, []int{0, 1, 4}},
		{Pin3to4, []int{2, 3}},
	}
	for _, tt := range tests {
		m, err := MeasureMapping(tt.pos)
		require.NoError(t, err, tt.pos.String())
		assert.ElementsMatch(t, tt.want, m.On, tt.pos.String())
		assert.Empty(t, m.Off)
	}

	_, err := MeasureMapping(Position(99))
	assert.Error(t, err)
}

func TestMeasureMappingsNeverTouchHipotRelays(t *testing.T) {
	for _, pos := range Positions {
		m, err := MeasureMapping(pos)
		require.NoError(t, err)
		for _, r := range m.On {
			assert.NotEqual(t, HipotMainRelay(), r)
			assert.NotEqual(t, HipotPathRelay(), r)
		}
	}
}

func TestPositionKeys(t *testing.T) {
	assert.Equal(t, "P1to6", Pin1to6.Key())
	assert.Equal(t, "P2to5", Pin2to5.Key())
	assert.Equal(t, "P3to4", Pin3to4.Key())
}

func TestSimBoardLifecycle(t *testing.T) {
	b := NewSimBoard(zap.NewNop())

	require.ErrorIs(t, b.Set(0, true), ErrNotOpen)

	require.NoError(t, b.Open())
	require.NoError(t, b.Set(3, true))
	require.NoError(t, b.Set(7, true))

	coils, err := b.Coils()
	require.NoError(t, err)
	assert.True(t, coils[3])
	assert.True(t, coils[7])
	assert.False(t, coils[0])

	require.NoError(t, b.AllOff())
	coils, err = b.Coils()
	require.NoError(t, err)
	assert.Equal(t, [NumRelays]bool{}, coils)

	assert.ErrorIs(t, b.Set(8, true), ErrBadRelay)
	assert.ErrorIs(t, b.Set(-1, true), ErrBadRelay)
}

func TestSimBoardApply(t *testing.T) {
	b := NewSimBoard(nil)
	require.NoError(t, b.Open())
	require.NoError(t, b.Set(5, true))

	m, err := MeasureMapping(Pin2to5)
	require.NoError(t, err)
	m.Off = []int{5}
	require.NoError(t, b.Apply(m))

	coils, err := b.Coils()
	require.NoError(t, err)
	assert.False(t, coils[5])
	assert.True(t, coils[0])
	assert.True(t, coils[1])
	assert.True(t, coils[4])
}
