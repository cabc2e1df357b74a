package devices

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestDoseMonitorAccumulatesExactly(t *testing.T) {
	monitor, err := NewDoseMonitor("10.0", zerolog.Nop())
	require.NoError(t, err)

	tenth := decimal.RequireFromString("0.1")
	for i := 0; i < 10; i++ {
		require.NoError(t, monitor.Accumulate(tenth))
	}
	// Ten additions of 0.1 must land on exactly 1, not 0.9999999999.
	require.True(t, monitor.Total().Equal(decimal.RequireFromString("1")))
}

func TestDoseMonitorLimitBoundary(t *testing.T) {
	monitor, err := NewDoseMonitor("1.0", zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, monitor.Accumulate(decimal.RequireFromString("1.0")))
	require.True(t, monitor.WithinLimits(), "the limit itself is still within limits")

	require.NoError(t, monitor.Accumulate(decimal.RequireFromString("0.01")))
	require.False(t, monitor.WithinLimits())

	monitor.Reset()
	require.True(t, monitor.WithinLimits())
	require.True(t, monitor.Total().IsZero())
}

func TestDoseMonitorRejectsNegativeContribution(t *testing.T) {
	monitor, err := NewDoseMonitor("1.0", zerolog.Nop())
	require.NoError(t, err)
	require.Error(t, monitor.Accumulate(decimal.RequireFromString("-0.5")))
	require.True(t, monitor.Total().IsZero())
}

func TestDoseMonitorRejectsBadLimit(t *testing.T) {
	_, err := NewDoseMonitor("not-a-number", zerolog.Nop())
	require.Error(t, err)

	_, err = NewDoseMonitor("0", zerolog.Nop())
	require.Error(t, err)

	_, err = NewDoseMonitor("-5", zerolog.Nop())
	require.Error(t, err)
}
