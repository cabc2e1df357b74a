package devices

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestDetectorRequiresStartup(t *testing.T) {
	det := NewSimulatedDetector(10*time.Millisecond, zerolog.Nop())
	require.False(t, det.Ready())
	require.Error(t, det.StartAcquisition())

	require.NoError(t, det.Startup(context.Background()))
	require.True(t, det.Ready())
	t.Cleanup(func() { _ = det.Shutdown() })
}

func TestDetectorEmitsSequencedFrames(t *testing.T) {
	det := NewSimulatedDetector(5*time.Millisecond, zerolog.Nop())
	require.NoError(t, det.Startup(context.Background()))
	t.Cleanup(func() { _ = det.Shutdown() })

	var count atomic.Uint64
	var lastSeq atomic.Uint64
	det.RegisterFrameCallback(func(f Frame) {
		require.Greater(t, f.Seq, lastSeq.Load(), "frame sequence must be strictly increasing")
		lastSeq.Store(f.Seq)
		count.Add(1)
	})

	require.NoError(t, det.StartAcquisition())
	require.Eventually(t, func() bool { return count.Load() >= 3 }, time.Second, time.Millisecond)
	require.NoError(t, det.StopAcquisition())

	// No frames after stop.
	settled := count.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, settled, count.Load())
}

func TestDetectorDoubleStartRejected(t *testing.T) {
	det := NewSimulatedDetector(10*time.Millisecond, zerolog.Nop())
	require.NoError(t, det.Startup(context.Background()))
	t.Cleanup(func() { _ = det.Shutdown() })

	require.NoError(t, det.StartAcquisition())
	require.Error(t, det.StartAcquisition())
	require.NoError(t, det.StopAcquisition())
	require.NoError(t, det.StopAcquisition(), "stopping an idle detector is a no-op")
}

func TestDetectorShutdownStopsGoroutine(t *testing.T) {
	defer goleak.VerifyNone(t)

	det := NewSimulatedDetector(time.Millisecond, zerolog.Nop())
	require.NoError(t, det.Startup(context.Background()))
	require.NoError(t, det.StartAcquisition())
	require.NoError(t, det.Shutdown())
	require.False(t, det.Ready())
}

func TestDetectorStartupHonorsContext(t *testing.T) {
	det := NewSimulatedDetector(10*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, det.Startup(ctx))
	require.False(t, det.Ready())
}
