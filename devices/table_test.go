package devices

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestTableMoveReleasesBrake(t *testing.T) {
	table := NewTable(500, 1100, zerolog.Nop())
	table.Lock()
	require.True(t, table.Locked())

	require.NoError(t, table.MoveTo(800))
	require.False(t, table.Locked(), "any move releases the brake")
	require.Equal(t, 800.0, table.Height())

	table.Lock()
	require.True(t, table.Locked())
	table.Unlock()
	require.False(t, table.Locked())
}

func TestTableTravelRange(t *testing.T) {
	table := NewTable(500, 1100, zerolog.Nop())
	require.Error(t, table.MoveTo(499))
	require.Error(t, table.MoveTo(1101))
	require.NoError(t, table.MoveTo(500))
	require.NoError(t, table.MoveTo(1100))
	require.Equal(t, 1100.0, table.Height())
}

func TestTableRejectedMoveKeepsState(t *testing.T) {
	table := NewTable(500, 1100, zerolog.Nop())
	require.NoError(t, table.MoveTo(700))
	table.Lock()

	require.Error(t, table.MoveTo(2000))
	require.Equal(t, 700.0, table.Height())
	require.True(t, table.Locked(), "a rejected move must not release the brake")
}
