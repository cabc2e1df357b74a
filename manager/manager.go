// Package manager is the composition root of the hardware layer. It owns all
// device instances, fixes the initialization and shutdown order, routes
// hardware faults to a process-wide handler and provides the combined
// interlock-check-plus-exposure operation the workflow layer calls.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tessarix/radhal/aec"
	"github.com/tessarix/radhal/config"
	"github.com/tessarix/radhal/devices"
	"github.com/tessarix/radhal/hvg"
	"github.com/tessarix/radhal/interlock"
	"github.com/tessarix/radhal/internal/fanout"
	"github.com/tessarix/radhal/internal/logging"
	"github.com/tessarix/radhal/plugins"
	"github.com/tessarix/radhal/telemetry"
)

// dapScale converts kVp·mA·ms into a DAP contribution in mGy·cm². The factor
// is a simulator-grade approximation; real installations read the chamber.
var dapScale = decimal.RequireFromString("0.000001")

// GeneratorFactory builds a generator from its configuration.
type GeneratorFactory func(cfg config.GeneratorConfig, collector telemetry.Collector, logger zerolog.Logger) (hvg.Generator, error)

// DetectorFactory builds a detector from its configuration.
type DetectorFactory func(cfg config.DetectorConfig, logger zerolog.Logger) (devices.Detector, error)

type options struct {
	generatorFactory GeneratorFactory
	detectorFactory  DetectorFactory
	collector        telemetry.Collector
}

// Option customises manager construction.
type Option func(*options)

// WithGeneratorFactory overrides how the generator is built. Tests use it to
// substitute doubles.
func WithGeneratorFactory(factory GeneratorFactory) Option {
	return func(o *options) {
		if factory != nil {
			o.generatorFactory = factory
		}
	}
}

// WithDetectorFactory overrides how the detector is built.
func WithDetectorFactory(factory DetectorFactory) Option {
	return func(o *options) {
		if factory != nil {
			o.detectorFactory = factory
		}
	}
}

// WithCollector configures the telemetry collector shared by all devices.
func WithCollector(collector telemetry.Collector) Option {
	return func(o *options) {
		if collector != nil {
			o.collector = collector
		}
	}
}

type exposureGuarded interface {
	SetExposureGuard(func() error)
}

// Manager owns the device graph. All public methods are safe to call from
// arbitrary goroutines.
type Manager struct {
	cfg       *config.Config
	logger    zerolog.Logger
	collector telemetry.Collector

	generator  hvg.Generator
	detector   devices.Detector
	aec        *aec.Controller
	dose       *devices.DoseMonitor
	interlocks *interlock.Aggregator
	collimator *devices.Collimator
	table      *devices.Table
	room       *devices.RoomSensors

	handlers fanout.Registry[ErrorEvent]

	// gate serialises the interlock snapshot with exposure initiation so no
	// exposure is armed against a partially-updated view.
	gate sync.Mutex

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
}

// New builds the device graph from configuration without starting anything.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	settings := options{
		generatorFactory: defaultGeneratorFactory,
		detectorFactory:  defaultDetectorFactory,
		collector:        telemetry.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	m := &Manager{
		cfg:       cfg,
		logger:    logging.Component(logger, "device_manager"),
		collector: settings.collector,
	}

	generator, err := settings.generatorFactory(cfg.Generator, settings.collector, logger)
	if err != nil {
		return nil, fmt.Errorf("build generator: %w", err)
	}
	m.generator = generator

	detector, err := settings.detectorFactory(cfg.Detector, logger)
	if err != nil {
		return nil, fmt.Errorf("build detector: %w", err)
	}
	m.detector = detector

	mode, err := aec.ParseMode(cfg.Aec.Mode)
	if err != nil {
		return nil, err
	}
	controller, err := aec.New(mode, cfg.Aec.Threshold, generator, logger)
	if err != nil {
		return nil, err
	}
	m.aec = controller

	dose, err := devices.NewDoseMonitor(cfg.Dose.Limit, logger)
	if err != nil {
		return nil, err
	}
	m.dose = dose

	m.room = devices.NewRoomSensors(logger)
	m.collimator = devices.NewCollimator(cfg.Collimator.MaxFieldMM, logger)
	m.table = devices.NewTable(cfg.Table.MinHeightMM, cfg.Table.MaxHeightMM, logger)

	rules, err := interlock.NewRuleEngine(cfg.Interlocks.Rules, m.readings, logger)
	if err != nil {
		return nil, err
	}
	aggregator, err := interlock.New(m.buildChecks(rules), generator, detector, settings.collector, logger)
	if err != nil {
		return nil, err
	}
	m.interlocks = aggregator

	generator.RegisterAlarmCallback(func(alarm hvg.Alarm) {
		m.RaiseError(ErrGeneratorFault, fmt.Sprintf("%s: %s", alarm.Code, alarm.Message))
	})
	if guarded, ok := generator.(exposureGuarded); ok {
		guarded.SetExposureGuard(m.exposureGuard)
	}
	return m, nil
}

func defaultGeneratorFactory(cfg config.GeneratorConfig, collector telemetry.Collector, logger zerolog.Logger) (hvg.Generator, error) {
	if cfg.Plugin.Enabled {
		return plugins.OpenGenerator(cfg.Plugin.Path)
	}
	return hvg.NewSimulator(hvg.SimulatorOptions{
		Capabilities: hvg.Capabilities{
			MinKVP: cfg.Capabilities.MinKVP,
			MaxKVP: cfg.Capabilities.MaxKVP,
			MinMA:  cfg.Capabilities.MinMA,
			MaxMA:  cfg.Capabilities.MaxMA,
			MinMS:  cfg.Capabilities.MinMS,
			MaxMS:  cfg.Capabilities.MaxMS,
		},
		StatusInterval: cfg.StatusInterval.Duration,
		QueueDepth:     cfg.Queue.Depth,
		MaxRetries:     cfg.Queue.MaxRetries,
		PopTimeout:     cfg.Queue.PopTimeout.Duration,
		Collector:      collector,
	}, logger), nil
}

func defaultDetectorFactory(cfg config.DetectorConfig, logger zerolog.Logger) (devices.Detector, error) {
	if cfg.Plugin.Enabled {
		return plugins.OpenDetector(cfg.Plugin.Path)
	}
	return devices.NewSimulatedDetector(cfg.FrameInterval.Duration, logger), nil
}

func (m *Manager) buildChecks(rules *interlock.RuleEngine) interlock.Checks {
	checks := interlock.Checks{
		DoorClosed:         m.room.DoorClosed,
		EmergencyStopClear: m.room.EmergencyStopClear,
		ThermalNormal:      m.room.ThermalNormal,
		GeneratorReady: func() bool {
			state := m.generator.GetStatus().State
			return state == hvg.StateReady || state == hvg.StateArmed
		},
		DetectorReady:    m.detector.Ready,
		CollimatorValid:  m.collimator.Valid,
		TableLocked:      m.table.Locked,
		DoseWithinLimits: m.dose.WithinLimits,
		AecConfigured:    m.aec.Configured,
	}
	override := func(name string, target *interlock.Check) {
		if check := rules.Check(name); check != nil {
			*target = check
		}
	}
	override("door_closed", &checks.DoorClosed)
	override("emergency_stop_clear", &checks.EmergencyStopClear)
	override("thermal_normal", &checks.ThermalNormal)
	override("generator_ready", &checks.GeneratorReady)
	override("detector_ready", &checks.DetectorReady)
	override("collimator_valid", &checks.CollimatorValid)
	override("table_locked", &checks.TableLocked)
	override("dose_within_limits", &checks.DoseWithinLimits)
	override("aec_configured", &checks.AecConfigured)
	return checks
}

// readings is the evaluation environment for configured interlock rules.
func (m *Manager) readings() map[string]interface{} {
	return map[string]interface{}{
		"housing_temp_c":  m.room.HousingTemp(),
		"door_closed":     m.room.DoorClosed(),
		"detector_ready":  m.detector.Ready(),
		"table_height_mm": m.table.Height(),
		"table_locked":    m.table.Locked(),
		"dose_total":      m.dose.Total().InexactFloat64(),
		"dose_limit":      m.dose.Limit().InexactFloat64(),
		"aec_threshold":   m.aec.GetThreshold(),
	}
}

type lifecycleStep struct {
	name  string
	start func(ctx context.Context) error
	stop  func() error
}

func noopStart(context.Context) error { return nil }

func noopStop() error { return nil }

// steps lists the devices in their fixed initialization order. Shutdown runs
// the exact reverse.
func (m *Manager) steps() []lifecycleStep {
	return []lifecycleStep{
		{name: "generator", start: m.generator.Startup, stop: m.generator.Shutdown},
		{name: "detector", start: m.detector.Startup, stop: m.detector.Shutdown},
		{name: "aec", start: noopStart, stop: noopStop},
		{name: "dose_monitor", start: noopStart, stop: noopStop},
		{name: "safety_interlock", start: noopStart, stop: noopStop},
		{name: "collimator", start: noopStart, stop: noopStop},
		{name: "patient_table", start: noopStart, stop: noopStop},
	}
}

// Startup initializes all devices in order. On failure the already started
// devices are shut down in reverse before the error is returned.
func (m *Manager) Startup(ctx context.Context) error {
	if m == nil {
		return errors.New("manager is nil")
	}
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.started {
		return errors.New("manager already started")
	}
	steps := m.steps()
	for i, step := range steps {
		if err := step.start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if stopErr := steps[j].stop(); stopErr != nil {
					m.logger.Error().Err(stopErr).Str("device", steps[j].name).Msg("shutdown after failed startup")
				}
			}
			return fmt.Errorf("start %s: %w", step.name, err)
		}
		m.logger.Debug().Str("device", step.name).Msg("device initialized")
	}
	m.started = true
	m.stopped = false
	m.logger.Info().Msg("device manager started")
	return nil
}

// Shutdown stops all devices in reverse initialization order. Idempotent.
func (m *Manager) Shutdown() error {
	if m == nil {
		return nil
	}
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if !m.started || m.stopped {
		return nil
	}
	steps := m.steps()
	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		if err := steps[i].stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", steps[i].name, err))
		}
	}
	m.stopped = true
	m.started = false
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	m.logger.Info().Msg("device manager stopped")
	return nil
}

// RegisterErrorHandler subscribes to critical hardware faults.
func (m *Manager) RegisterErrorHandler(handler ErrorHandler) {
	if m == nil || handler == nil {
		return
	}
	m.handlers.Register(func(ev ErrorEvent) { handler(ev.Code, ev.Message) })
}

// RaiseError routes a critical hardware fault to every registered handler.
// Safe to call from any goroutine.
func (m *Manager) RaiseError(code HalError, message string) {
	if m == nil {
		return
	}
	m.logger.Error().Str("fault", code.String()).Msg(message)
	m.handlers.Invoke(m.logger, ErrorEvent{Code: code, Message: message})
}

// CheckAllInterlocks returns a fresh atomic snapshot of the interlock chain.
func (m *Manager) CheckAllInterlocks() interlock.Status {
	return m.interlocks.CheckAllInterlocks()
}

// CheckInterlock reads a single interlock by chain index. Not a substitute
// for the pre-exposure gate.
func (m *Manager) CheckInterlock(index int) (bool, error) {
	return m.interlocks.CheckInterlock(index)
}

// EmergencyStandby drives the system to a radiation-safe state.
func (m *Manager) EmergencyStandby() error {
	return m.interlocks.EmergencyStandby()
}

// exposureGuard re-verifies the interlock chain immediately before emission.
func (m *Manager) exposureGuard() error {
	status := m.interlocks.CheckAllInterlocks()
	if !status.AllPassed {
		return fmt.Errorf("interlocks failed: %v", status.Failed())
	}
	return nil
}

// ArmAndStartExposure is the single combined operation closing the gap
// between a passing interlock check and exposure start. The gate lock spans
// the snapshot and parameter arming; the generator's exposure guard then
// re-verifies the chain at emission, so a pass can never go stale between
// check and start.
func (m *Manager) ArmAndStartExposure(params hvg.ExposureParams) (hvg.ExposureResult, error) {
	if m == nil {
		return hvg.ExposureResult{}, errors.New("manager is nil")
	}
	m.gate.Lock()
	status := m.interlocks.CheckAllInterlocks()
	if !status.AllPassed {
		m.gate.Unlock()
		return hvg.ExposureResult{}, fmt.Errorf("exposure rejected, interlocks failed: %v", status.Failed())
	}
	if err := m.generator.SetExposureParams(params); err != nil {
		m.gate.Unlock()
		return hvg.ExposureResult{}, err
	}
	m.aec.SetExposureState(true)
	m.gate.Unlock()

	result, err := m.generator.StartExposure()
	m.aec.SetExposureState(false)
	if err != nil {
		return result, err
	}
	m.recordDose(result)
	return result, nil
}

func (m *Manager) recordDose(result hvg.ExposureResult) {
	if !result.Completed && !result.Aborted {
		return
	}
	contribution := decimal.NewFromFloat(result.ActualKVP).
		Mul(decimal.NewFromFloat(result.ActualMA)).
		Mul(decimal.NewFromFloat(result.ActualMS)).
		Mul(dapScale)
	if err := m.dose.Accumulate(contribution); err != nil {
		m.RaiseError(ErrDoseFault, err.Error())
	}
}

// Generator exposes the generator instance.
func (m *Manager) Generator() hvg.Generator { return m.generator }

// Detector exposes the detector instance.
func (m *Manager) Detector() devices.Detector { return m.detector }

// Aec exposes the AEC controller.
func (m *Manager) Aec() *aec.Controller { return m.aec }

// DoseMonitor exposes the dose monitor.
func (m *Manager) DoseMonitor() *devices.DoseMonitor { return m.dose }

// Collimator exposes the collimator.
func (m *Manager) Collimator() *devices.Collimator { return m.collimator }

// Table exposes the patient table.
func (m *Manager) Table() *devices.Table { return m.table }

// Room exposes the room sensors.
func (m *Manager) Room() *devices.RoomSensors { return m.room }
