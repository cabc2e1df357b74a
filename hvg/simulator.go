package hvg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tessarix/radhal/internal/fanout"
	"github.com/tessarix/radhal/internal/logging"
	"github.com/tessarix/radhal/telemetry"
)

const (
	// DefaultStatusInterval yields the 10 Hz status floor during exposure.
	DefaultStatusInterval = 100 * time.Millisecond
	// DefaultPopTimeout bounds a single worker wait on the command queue.
	DefaultPopTimeout = 250 * time.Millisecond

	// defaultHeatLimit is the simulated anode heat capacity in heat units.
	defaultHeatLimit = 300000.0

	alarmCodeAnodeHeat = "HVG-ANODE-HEAT"
)

// SimulatorOptions configures a simulated generator.
type SimulatorOptions struct {
	Capabilities   Capabilities
	StatusInterval time.Duration
	QueueDepth     int
	MaxRetries     int
	PopTimeout     time.Duration
	HeatLimit      float64
	Collector      telemetry.Collector
}

// Simulator is a software generator implementing the full command and state
// machine contract without hardware attached. A worker goroutine consumes the
// command queue and a ticker goroutine emits status updates while exposing.
type Simulator struct {
	logger    zerolog.Logger
	caps      Capabilities
	queue     *CommandQueue
	collector telemetry.Collector

	state atomic.Int32

	paramsMu  sync.Mutex
	params    ExposureParams
	paramsSet bool

	statusMu      sync.Mutex
	exposureStart time.Time
	heatUnits     float64

	alarms   fanout.Registry[Alarm]
	statuses fanout.Registry[Status]

	// guard re-verifies external preconditions immediately before emission.
	guardMu sync.Mutex
	guard   func() error

	statusInterval time.Duration
	popTimeout     time.Duration
	heatLimit      float64

	abortCh chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
}

// NewSimulator builds a simulated generator. Zero option fields fall back to
// defaults.
func NewSimulator(opts SimulatorOptions, logger zerolog.Logger) *Simulator {
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = DefaultStatusInterval
	}
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = DefaultPopTimeout
	}
	if opts.HeatLimit <= 0 {
		opts.HeatLimit = defaultHeatLimit
	}
	if opts.Collector == nil {
		opts.Collector = telemetry.Noop()
	}
	caps := opts.Capabilities
	if caps == (Capabilities{}) {
		caps = Capabilities{MinKVP: 40, MaxKVP: 150, MinMA: 10, MaxMA: 1000, MinMS: 1, MaxMS: 10000}
	}
	return &Simulator{
		logger:         logging.Component(logger, "hvg_simulator"),
		caps:           caps,
		queue:          NewCommandQueue(opts.QueueDepth, opts.MaxRetries),
		collector:      opts.Collector,
		statusInterval: opts.StatusInterval,
		popTimeout:     opts.PopTimeout,
		heatLimit:      opts.HeatLimit,
		abortCh:        make(chan struct{}, 1),
		stop:           make(chan struct{}),
	}
}

// Queue exposes the command queue for inspection.
func (s *Simulator) Queue() *CommandQueue {
	if s == nil {
		return nil
	}
	return s.queue
}

// SetExposureGuard installs a hook invoked immediately before X-ray emission
// begins. A non-nil error from the hook rejects the exposure. The device
// manager uses it to re-verify safety interlocks so no exposure can start
// against a stale interlock snapshot.
func (s *Simulator) SetExposureGuard(guard func() error) {
	if s == nil {
		return
	}
	s.guardMu.Lock()
	s.guard = guard
	s.guardMu.Unlock()
}

// Startup transitions Idle → Ready and starts the background worker and
// status ticker.
func (s *Simulator) Startup(ctx context.Context) error {
	if s == nil {
		return errors.New("simulator is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("generator already started")
	}
	s.setState(StateReady)
	s.wg.Add(2)
	go s.commandWorker()
	go s.statusTicker()
	s.logger.Info().
		Float64("min_kvp", s.caps.MinKVP).
		Float64("max_kvp", s.caps.MaxKVP).
		Msg("generator started")
	return nil
}

// Shutdown stops the worker and ticker and drains the queue. Idempotent.
func (s *Simulator) Shutdown() error {
	if s == nil {
		return nil
	}
	if !s.started.Load() || !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.signalAbort()
	close(s.stop)
	s.queue.Close()
	s.wg.Wait()
	s.queue.Clear()
	s.setState(StateIdle)
	s.logger.Info().Msg("generator stopped")
	return nil
}

// GetCapabilities returns the device capability ranges.
func (s *Simulator) GetCapabilities() Capabilities {
	return s.caps
}

// GetStatus returns the last known state without blocking on hardware.
func (s *Simulator) GetStatus() Status {
	state := s.currentState()
	s.paramsMu.Lock()
	params := s.params
	s.paramsMu.Unlock()

	status := Status{
		State:     state,
		KVP:       params.KVP,
		MA:        params.MA,
		Timestamp: time.Now(),
	}
	if state == StateExposing {
		s.statusMu.Lock()
		if !s.exposureStart.IsZero() {
			status.ElapsedMS = float64(time.Since(s.exposureStart)) / float64(time.Millisecond)
		}
		s.statusMu.Unlock()
	}
	return status
}

// SetExposureParams validates the request against the capability ranges and
// routes it through the command queue. The generator is armed on success.
func (s *Simulator) SetExposureParams(params ExposureParams) error {
	if s == nil {
		return errors.New("simulator is nil")
	}
	switch s.currentState() {
	case StateExposing:
		return errors.New("exposure in progress")
	case StateFault:
		return errors.New("generator faulted")
	case StateIdle:
		if !s.started.Load() {
			return errors.New("generator not started")
		}
	}
	if err := s.caps.Validate(params); err != nil {
		return fmt.Errorf("exposure params rejected: %w", err)
	}

	result := make(chan error, 1)
	cmd := NewCommand(CommandSetParams, func() (interface{}, error) {
		err := s.applyParams(params)
		result <- err
		return nil, err
	})
	if !s.queue.Push(cmd) {
		s.collector.IncCommandDropped()
		return ErrQueueFull
	}
	s.collector.SetQueueDepth(s.queue.Size())

	select {
	case err := <-result:
		return err
	case <-s.stop:
		return errors.New("generator shutting down")
	}
}

func (s *Simulator) applyParams(params ExposureParams) error {
	if s.currentState() == StateExposing {
		return errors.New("exposure in progress")
	}
	s.paramsMu.Lock()
	s.params = params
	s.paramsSet = true
	s.paramsMu.Unlock()
	s.setState(StateArmed)
	s.logger.Debug().
		Float64("kvp", params.KVP).
		Float64("ma", params.MA).
		Float64("ms", params.MS).
		Msg("exposure parameters armed")
	return nil
}

// StartExposure runs the exposure sequence, blocking the caller until it
// completes or aborts. It fails fast when no validated parameters are armed.
func (s *Simulator) StartExposure() (ExposureResult, error) {
	if s == nil {
		return ExposureResult{}, errors.New("simulator is nil")
	}
	s.paramsMu.Lock()
	armed := s.paramsSet
	params := s.params
	s.paramsMu.Unlock()
	if !armed {
		return ExposureResult{}, errors.New("no exposure parameters set")
	}
	if state := s.currentState(); state != StateArmed && state != StateReady {
		return ExposureResult{}, fmt.Errorf("start exposure illegal in state %s", state)
	}

	type exposureOutcome struct {
		result ExposureResult
		err    error
	}
	done := make(chan exposureOutcome, 1)
	cmd := NewCommand(CommandStartExposure, func() (interface{}, error) {
		result, err := s.runExposure(params)
		done <- exposureOutcome{result: result, err: err}
		return result, err
	})
	if !s.queue.Push(cmd) {
		s.collector.IncCommandDropped()
		return ExposureResult{}, ErrQueueFull
	}
	s.collector.SetQueueDepth(s.queue.Size())

	select {
	case outcome := <-done:
		return outcome.result, outcome.err
	case <-s.stop:
		return ExposureResult{}, errors.New("generator shutting down")
	}
}

// runExposure executes on the command worker goroutine.
func (s *Simulator) runExposure(params ExposureParams) (ExposureResult, error) {
	if guard := s.exposureGuard(); guard != nil {
		if err := guard(); err != nil {
			return ExposureResult{}, fmt.Errorf("exposure blocked: %w", err)
		}
	}
	// Stale abort tokens from before this exposure are discarded here, while
	// the state is still Armed or Ready. Once the Exposing transition below is
	// observable, any abort must win the select, including one issued from a
	// status callback reacting to that very transition.
	s.drainAbort()
	if !s.compareAndSetState(StateArmed, StateExposing) && !s.compareAndSetState(StateReady, StateExposing) {
		return ExposureResult{}, fmt.Errorf("start exposure illegal in state %s", s.currentState())
	}

	start := time.Now()
	s.statusMu.Lock()
	s.exposureStart = start
	s.statusMu.Unlock()
	s.collector.IncExposureStarted()
	s.logger.Info().
		Float64("kvp", params.KVP).
		Float64("ma", params.MA).
		Float64("ms", params.MS).
		Msg("exposure started")

	duration := time.Duration(params.MS * float64(time.Millisecond))
	deadline := time.NewTimer(duration)
	defer deadline.Stop()

	aborted := false
	select {
	case <-deadline.C:
	case <-s.abortCh:
		aborted = true
	case <-s.stop:
		aborted = true
	}

	elapsed := time.Since(start)
	result := ExposureResult{
		ActualKVP: params.KVP,
		ActualMA:  params.MA,
		ActualMS:  float64(elapsed) / float64(time.Millisecond),
	}

	s.statusMu.Lock()
	s.exposureStart = time.Time{}
	s.heatUnits += params.KVP * params.MA * params.MS / 1000.0
	overheated := s.heatUnits > s.heatLimit
	s.statusMu.Unlock()

	if aborted {
		result.Aborted = true
		s.compareAndSetState(StateExposing, StateIdle)
		s.collector.IncExposureAborted()
		s.logger.Warn().Dur("elapsed", elapsed).Msg("exposure aborted")
		return result, nil
	}

	result.Completed = true
	result.ActualMS = params.MS
	if overheated {
		s.raiseAlarm(Alarm{
			Code:      alarmCodeAnodeHeat,
			Severity:  SeverityCritical,
			Message:   "simulated anode heat limit exceeded",
			Timestamp: time.Now(),
		})
	} else {
		s.compareAndSetState(StateExposing, StateReady)
	}
	s.logger.Info().Dur("elapsed", elapsed).Msg("exposure completed")
	return result, nil
}

// AbortExposure unconditionally terminates any in-flight exposure. It is a
// safe no-op when nothing is exposing and returns without waiting for the
// worker, keeping the caller inside the 10 ms budget.
func (s *Simulator) AbortExposure() error {
	if s == nil {
		return nil
	}
	s.signalAbort()

	// Scheduled ahead of every queued normal command so the worker handles
	// the abort before anything else it has not yet started.
	cmd := NewCommand(CommandAbort, func() (interface{}, error) {
		s.drainAbort()
		return nil, nil
	})
	s.queue.Push(cmd)

	switch s.currentState() {
	case StateExposing:
		// The exposure loop observes the signal and finishes the
		// transition; nothing to wait for here.
	case StateArmed:
		s.paramsMu.Lock()
		s.paramsSet = false
		s.paramsMu.Unlock()
		s.compareAndSetState(StateArmed, StateReady)
		s.logger.Info().Msg("armed exposure cancelled")
	}
	return nil
}

// Reset clears a latched fault and the simulated anode heat.
func (s *Simulator) Reset() {
	if s == nil {
		return
	}
	s.statusMu.Lock()
	s.heatUnits = 0
	s.statusMu.Unlock()
	if s.compareAndSetState(StateFault, StateReady) {
		s.logger.Info().Msg("fault cleared")
	}
}

// RegisterAlarmCallback subscribes to alarm conditions.
func (s *Simulator) RegisterAlarmCallback(cb AlarmCallback) {
	if s == nil || cb == nil {
		return
	}
	s.alarms.Register(func(a Alarm) { cb(a) })
}

// RegisterStatusCallback subscribes to periodic status updates.
func (s *Simulator) RegisterStatusCallback(cb StatusCallback) {
	if s == nil || cb == nil {
		return
	}
	s.statuses.Register(func(st Status) { cb(st) })
}

func (s *Simulator) raiseAlarm(alarm Alarm) {
	if alarm.Severity == SeverityCritical {
		s.state.Store(int32(StateFault))
	}
	s.collector.IncAlarm(alarm.Code)
	s.logger.Error().
		Str("code", alarm.Code).
		Str("severity", alarm.Severity.String()).
		Msg(alarm.Message)
	// Delivered synchronously on the detecting goroutine; the 50 ms alarm
	// budget leaves no room for queueing.
	s.alarms.Invoke(s.logger, alarm)
}

func (s *Simulator) commandWorker() {
	defer s.wg.Done()
	for {
		cmd, ok := s.queue.WaitPop(s.popTimeout)
		if !ok {
			select {
			case <-s.stop:
				return
			default:
				continue
			}
		}
		s.collector.SetQueueDepth(s.queue.Size())
		if cmd.Execute == nil {
			continue
		}
		if _, err := cmd.Execute(); err != nil && errors.Is(err, ErrTransient) {
			if s.queue.Retry(cmd) {
				s.collector.IncCommandRetry(string(cmd.Type))
				s.logger.Warn().
					Str("command", string(cmd.Type)).
					Str("id", cmd.ID.String()).
					Int("attempt", cmd.Retries).
					Msg("command retried")
			} else {
				s.logger.Error().
					Str("command", string(cmd.Type)).
					Str("id", cmd.ID.String()).
					Msg("retry budget exhausted, command dropped")
			}
		}
	}
}

func (s *Simulator) statusTicker() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.currentState() != StateExposing {
				continue
			}
			s.statuses.Invoke(s.logger, s.GetStatus())
		}
	}
}

func (s *Simulator) exposureGuard() func() error {
	s.guardMu.Lock()
	defer s.guardMu.Unlock()
	return s.guard
}

func (s *Simulator) signalAbort() {
	select {
	case s.abortCh <- struct{}{}:
	default:
	}
}

func (s *Simulator) drainAbort() {
	select {
	case <-s.abortCh:
	default:
	}
}

func (s *Simulator) currentState() State {
	return State(s.state.Load())
}

func (s *Simulator) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.statuses.Invoke(s.logger, s.GetStatus())
	}
}

func (s *Simulator) compareAndSetState(from, to State) bool {
	if s.state.CompareAndSwap(int32(from), int32(to)) {
		s.statuses.Invoke(s.logger, s.GetStatus())
		return true
	}
	return false
}
