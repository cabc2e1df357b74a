// Package aec implements the automatic exposure control overlay: mode and
// threshold state plus propagation of the hardware termination signal to the
// generator abort path.
package aec

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tessarix/radhal/internal/fanout"
	"github.com/tessarix/radhal/internal/logging"
)

// Mode selects how an exposure terminates.
type Mode int32

const (
	// ModeManual terminates on the requested exposure time alone.
	ModeManual Mode = iota
	// ModeAuto terminates when the detector dose reaches the threshold.
	ModeAuto
)

func (m Mode) String() string {
	if m == ModeAuto {
		return "auto"
	}
	return "manual"
}

// ParseMode converts a configuration string into a Mode.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "manual", "":
		return ModeManual, nil
	case "auto":
		return ModeAuto, nil
	default:
		return ModeManual, fmt.Errorf("unknown aec mode %q", raw)
	}
}

// TerminationEvent describes the AEC comparator firing.
type TerminationEvent struct {
	Reason       string
	DoseFraction float64
	Timestamp    time.Time
}

// TerminationCallback observes termination signals.
type TerminationCallback func(TerminationEvent)

// Aborter is the slice of the generator contract the controller needs.
type Aborter interface {
	AbortExposure() error
}

// Controller holds the AEC mode and threshold as atomic scalars. Mode and
// threshold changes are categorically rejected while an exposure is active so
// termination behaviour stays predictable.
type Controller struct {
	logger zerolog.Logger

	mode       atomic.Int32
	threshold  atomic.Uint64 // float64 bits
	exposing   atomic.Bool
	configured atomic.Bool

	callbacks fanout.Registry[TerminationEvent]
	generator Aborter
}

// New builds a controller. The generator may be nil when abort propagation is
// wired elsewhere.
func New(mode Mode, threshold float64, generator Aborter, logger zerolog.Logger) (*Controller, error) {
	c := &Controller{
		logger:    logging.Component(logger, "aec"),
		generator: generator,
	}
	c.mode.Store(int32(mode))
	if threshold < 0 || threshold > 100 {
		return nil, fmt.Errorf("aec threshold %.1f outside [0, 100]", threshold)
	}
	c.threshold.Store(math.Float64bits(threshold))
	c.configured.Store(true)
	return c, nil
}

// SetMode changes the termination mode. It fails while an exposure is active.
func (c *Controller) SetMode(mode Mode) error {
	if c == nil {
		return errors.New("controller is nil")
	}
	if mode != ModeManual && mode != ModeAuto {
		return fmt.Errorf("invalid aec mode %d", mode)
	}
	if c.exposing.Load() {
		return errors.New("mode change rejected during exposure")
	}
	c.mode.Store(int32(mode))
	c.logger.Debug().Str("mode", mode.String()).Msg("aec mode changed")
	return nil
}

// GetMode returns the current termination mode.
func (c *Controller) GetMode() Mode {
	if c == nil {
		return ModeManual
	}
	return Mode(c.mode.Load())
}

// SetThreshold changes the dose threshold in percent of target dose. The
// domain is the closed interval [0, 100]. It fails while an exposure is
// active, and the prior value is retained on any rejection.
func (c *Controller) SetThreshold(percent float64) error {
	if c == nil {
		return errors.New("controller is nil")
	}
	if c.exposing.Load() {
		return errors.New("threshold change rejected during exposure")
	}
	if percent < 0 || percent > 100 || math.IsNaN(percent) {
		return fmt.Errorf("threshold %.1f outside [0, 100]", percent)
	}
	c.threshold.Store(math.Float64bits(percent))
	c.logger.Debug().Float64("threshold", percent).Msg("aec threshold changed")
	return nil
}

// GetThreshold returns the current dose threshold in percent.
func (c *Controller) GetThreshold() float64 {
	if c == nil {
		return 0
	}
	return math.Float64frombits(c.threshold.Load())
}

// Configured reports whether the controller holds a usable mode/threshold
// pair. It backs the aec_configured interlock.
func (c *Controller) Configured() bool {
	if c == nil {
		return false
	}
	return c.configured.Load()
}

// SetExposureState flags the start or end of an exposure.
func (c *Controller) SetExposureState(exposing bool) {
	if c == nil {
		return
	}
	c.exposing.Store(exposing)
}

// Exposing reports whether an exposure is currently flagged active.
func (c *Controller) Exposing() bool {
	if c == nil {
		return false
	}
	return c.exposing.Load()
}

// RegisterTerminationCallback subscribes to termination signals.
func (c *Controller) RegisterTerminationCallback(cb TerminationCallback) {
	if c == nil || cb == nil {
		return
	}
	c.callbacks.Register(func(ev TerminationEvent) { cb(ev) })
}

// SimulateTerminationSignal represents the hardware comparator firing. All
// registered callbacks are invoked synchronously on the calling goroutine,
// then the generator abort path runs. The 5 ms signal-to-callback and 10 ms
// abort budgets are independent, which is why neither step is deferred.
func (c *Controller) SimulateTerminationSignal(event TerminationEvent) error {
	if c == nil {
		return errors.New("controller is nil")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	c.callbacks.Invoke(c.logger, event)
	if c.generator == nil {
		return nil
	}
	if err := c.generator.AbortExposure(); err != nil {
		return fmt.Errorf("aec termination abort: %w", err)
	}
	c.exposing.Store(false)
	c.logger.Info().
		Str("reason", event.Reason).
		Float64("dose_fraction", event.DoseFraction).
		Msg("aec termination signal handled")
	return nil
}
