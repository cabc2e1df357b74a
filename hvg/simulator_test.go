package hvg

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestSimulator(t *testing.T, opts SimulatorOptions) *Simulator {
	t.Helper()
	if opts.StatusInterval == 0 {
		opts.StatusInterval = 10 * time.Millisecond
	}
	if opts.PopTimeout == 0 {
		opts.PopTimeout = 20 * time.Millisecond
	}
	sim := NewSimulator(opts, zerolog.Nop())
	require.NoError(t, sim.Startup(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, sim.Shutdown())
	})
	return sim
}

func TestSetExposureParamsValidation(t *testing.T) {
	sim := newTestSimulator(t, SimulatorOptions{
		Capabilities: Capabilities{MinKVP: 40, MaxKVP: 150, MinMA: 10, MaxMA: 1000, MinMS: 1, MaxMS: 10000},
	})

	err := sim.SetExposureParams(ExposureParams{KVP: 200, MA: 100, MS: 50})
	require.Error(t, err)
	require.Equal(t, StateReady, sim.GetStatus().State)

	require.NoError(t, sim.SetExposureParams(ExposureParams{KVP: 80, MA: 100, MS: 50}))
	require.Equal(t, StateArmed, sim.GetStatus().State)
}

func TestStartExposureWithoutParams(t *testing.T) {
	sim := newTestSimulator(t, SimulatorOptions{})

	result, err := sim.StartExposure()
	require.Error(t, err)
	require.False(t, result.Completed)
	require.Equal(t, StateReady, sim.GetStatus().State)
}

func TestAbortIdempotentWhenIdle(t *testing.T) {
	sim := newTestSimulator(t, SimulatorOptions{})

	before := sim.GetStatus().State
	start := time.Now()
	require.NoError(t, sim.AbortExposure())
	require.Less(t, time.Since(start), 10*time.Millisecond)
	require.Equal(t, before, sim.GetStatus().State)
}

func TestExposureCompletes(t *testing.T) {
	sim := newTestSimulator(t, SimulatorOptions{})
	require.NoError(t, sim.SetExposureParams(ExposureParams{KVP: 80, MA: 200, MS: 30}))

	result, err := sim.StartExposure()
	require.NoError(t, err)
	require.True(t, result.Completed)
	require.False(t, result.Aborted)
	require.Equal(t, 80.0, result.ActualKVP)
	require.Equal(t, 30.0, result.ActualMS)
	require.Equal(t, StateReady, sim.GetStatus().State)
}

func TestAbortDuringExposure(t *testing.T) {
	sim := newTestSimulator(t, SimulatorOptions{})
	require.NoError(t, sim.SetExposureParams(ExposureParams{KVP: 80, MA: 200, MS: 2000}))

	type outcome struct {
		result ExposureResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := sim.StartExposure()
		done <- outcome{result: result, err: err}
	}()

	require.Eventually(t, func() bool {
		return sim.GetStatus().State == StateExposing
	}, time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, sim.AbortExposure())
	require.Less(t, time.Since(start), 10*time.Millisecond)

	select {
	case got := <-done:
		require.NoError(t, got.err)
		require.True(t, got.result.Aborted)
		require.False(t, got.result.Completed)
		require.Less(t, got.result.ActualMS, 2000.0)
	case <-time.After(time.Second):
		t.Fatal("exposure did not abort")
	}
	require.Equal(t, StateIdle, sim.GetStatus().State)
}

func TestAbortFromExposingStatusCallback(t *testing.T) {
	sim := newTestSimulator(t, SimulatorOptions{})

	// The Exposing transition is delivered synchronously, so a caller may
	// react to it by aborting before the exposure loop starts waiting. That
	// abort must not be lost.
	var once sync.Once
	sim.RegisterStatusCallback(func(status Status) {
		if status.State == StateExposing {
			once.Do(func() { require.NoError(t, sim.AbortExposure()) })
		}
	})

	require.NoError(t, sim.SetExposureParams(ExposureParams{KVP: 80, MA: 200, MS: 500}))
	start := time.Now()
	result, err := sim.StartExposure()
	require.NoError(t, err)
	require.True(t, result.Aborted)
	require.False(t, result.Completed)
	require.Less(t, time.Since(start), 200*time.Millisecond)
	require.Equal(t, StateIdle, sim.GetStatus().State)
}

func TestAbortCancelsArmedParams(t *testing.T) {
	sim := newTestSimulator(t, SimulatorOptions{})
	require.NoError(t, sim.SetExposureParams(ExposureParams{KVP: 80, MA: 200, MS: 30}))
	require.Equal(t, StateArmed, sim.GetStatus().State)

	require.NoError(t, sim.AbortExposure())
	require.Equal(t, StateReady, sim.GetStatus().State)

	_, err := sim.StartExposure()
	require.Error(t, err)
}

func TestStatusTicksDuringExposure(t *testing.T) {
	sim := newTestSimulator(t, SimulatorOptions{StatusInterval: 10 * time.Millisecond})

	var ticks atomic.Int64
	sim.RegisterStatusCallback(func(status Status) {
		if status.State == StateExposing {
			ticks.Add(1)
		}
	})

	require.NoError(t, sim.SetExposureParams(ExposureParams{KVP: 80, MA: 200, MS: 120}))
	result, err := sim.StartExposure()
	require.NoError(t, err)
	require.True(t, result.Completed)

	// 120 ms exposure at a 10 ms cadence leaves generous slack for CI jitter.
	require.GreaterOrEqual(t, ticks.Load(), int64(4))
}

func TestAlarmFanOutSurvivesPanickingCallback(t *testing.T) {
	sim := newTestSimulator(t, SimulatorOptions{HeatLimit: 1})

	var received atomic.Int64
	var mu sync.Mutex
	var lastCode string
	sim.RegisterAlarmCallback(func(Alarm) { panic("broken observer") })
	sim.RegisterAlarmCallback(func(alarm Alarm) {
		received.Add(1)
		mu.Lock()
		lastCode = alarm.Code
		mu.Unlock()
	})

	require.NoError(t, sim.SetExposureParams(ExposureParams{KVP: 80, MA: 200, MS: 20}))
	result, err := sim.StartExposure()
	require.NoError(t, err)
	require.True(t, result.Completed)

	require.Equal(t, int64(1), received.Load())
	mu.Lock()
	require.Equal(t, alarmCodeAnodeHeat, lastCode)
	mu.Unlock()
	require.Equal(t, StateFault, sim.GetStatus().State)

	err = sim.SetExposureParams(ExposureParams{KVP: 80, MA: 200, MS: 20})
	require.Error(t, err)

	sim.Reset()
	require.Equal(t, StateReady, sim.GetStatus().State)
}

func TestExposureGuardBlocksEmission(t *testing.T) {
	sim := newTestSimulator(t, SimulatorOptions{})
	guardErr := errors.New("door open")
	sim.SetExposureGuard(func() error { return guardErr })

	require.NoError(t, sim.SetExposureParams(ExposureParams{KVP: 80, MA: 200, MS: 30}))
	_, err := sim.StartExposure()
	require.ErrorIs(t, err, guardErr)
	require.Equal(t, StateArmed, sim.GetStatus().State)
}

func TestShutdownStopsBackgroundGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	sim := NewSimulator(SimulatorOptions{
		StatusInterval: 10 * time.Millisecond,
		PopTimeout:     20 * time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, sim.Startup(context.Background()))
	require.NoError(t, sim.SetExposureParams(ExposureParams{KVP: 80, MA: 200, MS: 20}))
	require.NoError(t, sim.Shutdown())
	require.NoError(t, sim.Shutdown())
}

func TestQueueBackPressureSurfaced(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{QueueDepth: 1}, zerolog.Nop())
	// Not started: the worker never drains, so the second push must report
	// back-pressure to the caller.
	sim.queue.Push(makeCommand(CommandGetStatus, time.Now()))
	sim.started.Store(true)
	sim.state.Store(int32(StateReady))

	err := sim.SetExposureParams(ExposureParams{KVP: 80, MA: 200, MS: 30})
	require.ErrorIs(t, err, ErrQueueFull)
}
