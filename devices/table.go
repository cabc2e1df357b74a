package devices

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tessarix/radhal/internal/logging"
)

// Table models the patient table. Moving unlocks the table; the table_locked
// interlock only passes while the brake is engaged.
type Table struct {
	logger      zerolog.Logger
	minHeightMM float64
	maxHeightMM float64

	mu       sync.Mutex
	heightMM float64
	locked   bool
}

// NewTable builds a table with the given travel range in millimetres.
func NewTable(minHeightMM, maxHeightMM float64, logger zerolog.Logger) *Table {
	if minHeightMM <= 0 || maxHeightMM <= minHeightMM {
		minHeightMM, maxHeightMM = 500, 1100
	}
	return &Table{
		logger:      logging.Component(logger, "table"),
		minHeightMM: minHeightMM,
		maxHeightMM: maxHeightMM,
		heightMM:    minHeightMM,
	}
}

// MoveTo drives the table to a height inside the travel range. Any move
// releases the brake.
func (t *Table) MoveTo(heightMM float64) error {
	if t == nil {
		return errors.New("table is nil")
	}
	if heightMM < t.minHeightMM || heightMM > t.maxHeightMM {
		return fmt.Errorf("height %.1f outside [%.1f, %.1f]", heightMM, t.minHeightMM, t.maxHeightMM)
	}
	t.mu.Lock()
	t.heightMM = heightMM
	t.locked = false
	t.mu.Unlock()
	t.logger.Debug().Float64("height_mm", heightMM).Msg("table moved")
	return nil
}

// Lock engages the brake at the current position.
func (t *Table) Lock() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.locked = true
	t.mu.Unlock()
}

// Unlock releases the brake.
func (t *Table) Unlock() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.locked = false
	t.mu.Unlock()
}

// Locked reports whether the brake is engaged. Backs the table_locked
// interlock.
func (t *Table) Locked() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.locked
}

// Height returns the current table height in millimetres.
func (t *Table) Height() float64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.heightMM
}
