// Package interlock aggregates the nine independent safety preconditions
// that gate every X-ray exposure.
package interlock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tessarix/radhal/internal/fanout"
	"github.com/tessarix/radhal/internal/logging"
	"github.com/tessarix/radhal/telemetry"
)

// Count is the number of interlocks in the chain.
const Count = 9

// Names lists the interlocks in chain order.
var Names = [Count]string{
	"door_closed",
	"emergency_stop_clear",
	"thermal_normal",
	"generator_ready",
	"detector_ready",
	"collimator_valid",
	"table_locked",
	"dose_within_limits",
	"aec_configured",
}

// Check evaluates a single interlock source. Implementations must be fast:
// the whole chain is read under one lock inside a 10 ms budget.
type Check func() bool

// Checks names the nine interlock sources.
type Checks struct {
	DoorClosed         Check
	EmergencyStopClear Check
	ThermalNormal      Check
	GeneratorReady     Check
	DetectorReady      Check
	CollimatorValid    Check
	TableLocked        Check
	DoseWithinLimits   Check
	AecConfigured      Check
}

func (c Checks) ordered() ([Count]Check, error) {
	checks := [Count]Check{
		c.DoorClosed,
		c.EmergencyStopClear,
		c.ThermalNormal,
		c.GeneratorReady,
		c.DetectorReady,
		c.CollimatorValid,
		c.TableLocked,
		c.DoseWithinLimits,
		c.AecConfigured,
	}
	for i, check := range checks {
		if check == nil {
			return checks, fmt.Errorf("interlock %s has no check", Names[i])
		}
	}
	return checks, nil
}

// Status is an atomic snapshot of the interlock chain. AllPassed is always
// recomputed from the nine fields at snapshot time, never set independently.
type Status struct {
	DoorClosed         bool
	EmergencyStopClear bool
	ThermalNormal      bool
	GeneratorReady     bool
	DetectorReady      bool
	CollimatorValid    bool
	TableLocked        bool
	DoseWithinLimits   bool
	AecConfigured      bool

	AllPassed bool
	Timestamp time.Time
}

func composeStatus(values [Count]bool, ts time.Time) Status {
	all := true
	for _, v := range values {
		all = all && v
	}
	return Status{
		DoorClosed:         values[0],
		EmergencyStopClear: values[1],
		ThermalNormal:      values[2],
		GeneratorReady:     values[3],
		DetectorReady:      values[4],
		CollimatorValid:    values[5],
		TableLocked:        values[6],
		DoseWithinLimits:   values[7],
		AecConfigured:      values[8],
		AllPassed:          all,
		Timestamp:          ts,
	}
}

func (s Status) values() [Count]bool {
	return [Count]bool{
		s.DoorClosed,
		s.EmergencyStopClear,
		s.ThermalNormal,
		s.GeneratorReady,
		s.DetectorReady,
		s.CollimatorValid,
		s.TableLocked,
		s.DoseWithinLimits,
		s.AecConfigured,
	}
}

// Failed returns the names of the interlocks that did not pass.
func (s Status) Failed() []string {
	var failed []string
	for i, v := range s.values() {
		if !v {
			failed = append(failed, Names[i])
		}
	}
	return failed
}

// StatusCallback observes interlock chain changes.
type StatusCallback func(Status)

// Aborter is the slice of the generator contract EmergencyStandby needs.
type Aborter interface {
	AbortExposure() error
}

// AcquisitionStopper is the slice of the detector contract EmergencyStandby
// needs.
type AcquisitionStopper interface {
	StopAcquisition() error
}

// Aggregator computes atomic snapshots of the interlock chain. The snapshot
// is recomputed fresh on every call; caching would let a stale pass gate an
// exposure.
type Aggregator struct {
	logger    zerolog.Logger
	collector telemetry.Collector

	mu     sync.Mutex
	checks [Count]Check

	callbacks fanout.Registry[Status]
	hasLast   bool
	last      [Count]bool

	generator Aborter
	detector  AcquisitionStopper
}

// New builds an aggregator over the nine interlock sources. Generator and
// detector are used by EmergencyStandby and may not be nil.
func New(checks Checks, generator Aborter, detector AcquisitionStopper, collector telemetry.Collector, logger zerolog.Logger) (*Aggregator, error) {
	ordered, err := checks.ordered()
	if err != nil {
		return nil, err
	}
	if generator == nil {
		return nil, errors.New("interlock aggregator requires a generator")
	}
	if detector == nil {
		return nil, errors.New("interlock aggregator requires a detector")
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &Aggregator{
		logger:    logging.Component(logger, "interlock"),
		collector: collector,
		checks:    ordered,
		generator: generator,
		detector:  detector,
	}, nil
}

// CheckAllInterlocks reads all nine sources without interleaving a concurrent
// snapshot and returns a fresh Status. Registered callbacks fire on any
// change, with no aggregator lock held.
func (a *Aggregator) CheckAllInterlocks() Status {
	if a == nil {
		return Status{}
	}
	a.mu.Lock()
	var values [Count]bool
	for i, check := range a.checks {
		values[i] = check()
	}
	changed := !a.hasLast || values != a.last
	a.last = values
	a.hasLast = true
	a.mu.Unlock()

	status := composeStatus(values, time.Now())
	for _, name := range status.Failed() {
		a.collector.IncInterlockFailure(name)
	}
	if changed {
		if !status.AllPassed {
			a.logger.Warn().Strs("failed", status.Failed()).Msg("interlock chain not satisfied")
		} else {
			a.logger.Info().Msg("interlock chain satisfied")
		}
		a.callbacks.Invoke(a.logger, status)
	}
	return status
}

// CheckInterlock reads a single interlock by chain index, following the
// order of Names. It is explicitly non-atomic with respect to the rest of the
// chain and must not be used as the pre-exposure gate.
func (a *Aggregator) CheckInterlock(index int) (bool, error) {
	if a == nil {
		return false, errors.New("aggregator is nil")
	}
	if index < 0 || index >= Count {
		return false, fmt.Errorf("interlock index %d outside [0, %d]", index, Count-1)
	}
	return a.checks[index](), nil
}

// RegisterCallback subscribes to interlock chain changes.
func (a *Aggregator) RegisterCallback(cb StatusCallback) {
	if a == nil || cb == nil {
		return
	}
	a.callbacks.Register(func(s Status) { cb(s) })
}

// EmergencyStandby drives the system to a radiation-safe state within 100 ms:
// any active exposure is aborted and detector acquisition stops. A failing
// sub-action does not prevent the other one and every failure is reported.
func (a *Aggregator) EmergencyStandby() error {
	if a == nil {
		return errors.New("aggregator is nil")
	}
	start := time.Now()
	var errs []error
	if err := a.generator.AbortExposure(); err != nil {
		errs = append(errs, fmt.Errorf("abort exposure: %w", err))
	}
	if err := a.detector.StopAcquisition(); err != nil {
		errs = append(errs, fmt.Errorf("stop acquisition: %w", err))
	}
	elapsed := time.Since(start)
	if len(errs) > 0 {
		err := errors.Join(errs...)
		a.logger.Error().Err(err).Dur("elapsed", elapsed).Msg("emergency standby degraded")
		return err
	}
	a.logger.Warn().Dur("elapsed", elapsed).Msg("emergency standby complete")
	return nil
}
