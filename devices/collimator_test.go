package devices

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestCollimatorFieldBounds(t *testing.T) {
	col := NewCollimator(430, zerolog.Nop())
	require.False(t, col.Valid(), "no field applied yet")

	require.Error(t, col.SetField(0, 100))
	require.Error(t, col.SetField(100, -1))
	require.Error(t, col.SetField(431, 100))
	require.False(t, col.Valid())

	require.NoError(t, col.SetField(240, 300))
	require.True(t, col.Valid())
	w, h := col.Field()
	require.Equal(t, 240.0, w)
	require.Equal(t, 300.0, h)
}

func TestCollimatorRejectedFieldKeepsPrevious(t *testing.T) {
	col := NewCollimator(430, zerolog.Nop())
	require.NoError(t, col.SetField(100, 100))
	require.Error(t, col.SetField(500, 100))

	require.True(t, col.Valid())
	w, h := col.Field()
	require.Equal(t, 100.0, w)
	require.Equal(t, 100.0, h)
}

func TestCollimatorInvalidate(t *testing.T) {
	col := NewCollimator(430, zerolog.Nop())
	require.NoError(t, col.SetField(430, 430), "maximum edge is inclusive")
	col.Invalidate()
	require.False(t, col.Valid())
}
