package devices

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tessarix/radhal/internal/logging"
)

// Collimator models the beam-limiting device. A field must be set and within
// bounds before the collimator_valid interlock passes.
type Collimator struct {
	logger     zerolog.Logger
	maxFieldMM float64

	mu      sync.Mutex
	widthMM float64
	height  float64
	fieldOK bool
}

// NewCollimator builds a collimator with the given maximum square field edge
// in millimetres.
func NewCollimator(maxFieldMM float64, logger zerolog.Logger) *Collimator {
	if maxFieldMM <= 0 {
		maxFieldMM = 430
	}
	return &Collimator{
		logger:     logging.Component(logger, "collimator"),
		maxFieldMM: maxFieldMM,
	}
}

// SetField applies a rectangular field. Both edges must lie in
// (0, maxFieldMM]; a malformed field is rejected and invalidates nothing.
func (c *Collimator) SetField(widthMM, heightMM float64) error {
	if c == nil {
		return errors.New("collimator is nil")
	}
	if widthMM <= 0 || widthMM > c.maxFieldMM {
		return fmt.Errorf("field width %.1f outside (0, %.1f]", widthMM, c.maxFieldMM)
	}
	if heightMM <= 0 || heightMM > c.maxFieldMM {
		return fmt.Errorf("field height %.1f outside (0, %.1f]", heightMM, c.maxFieldMM)
	}
	c.mu.Lock()
	c.widthMM = widthMM
	c.height = heightMM
	c.fieldOK = true
	c.mu.Unlock()
	c.logger.Debug().Float64("width_mm", widthMM).Float64("height_mm", heightMM).Msg("field set")
	return nil
}

// Field returns the current field edges in millimetres.
func (c *Collimator) Field() (widthMM, heightMM float64) {
	if c == nil {
		return 0, 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.widthMM, c.height
}

// Valid reports whether a usable field is applied. Backs the collimator_valid
// interlock.
func (c *Collimator) Valid() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fieldOK
}

// Invalidate clears the applied field, e.g. after a blade fault.
func (c *Collimator) Invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.fieldOK = false
	c.mu.Unlock()
}
