package devices

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tessarix/radhal/internal/logging"
)

// DoseMonitor accumulates dose area product readings. DAP is summed with
// exact decimal arithmetic so repeated small contributions never drift, and
// the dose_within_limits interlock compares against the configured ceiling
// exactly.
type DoseMonitor struct {
	logger zerolog.Logger
	limit  decimal.Decimal

	mu    sync.Mutex
	total decimal.Decimal
}

// NewDoseMonitor builds a monitor with the DAP ceiling given as a decimal
// string in mGy·cm².
func NewDoseMonitor(limit string, logger zerolog.Logger) (*DoseMonitor, error) {
	parsed, err := decimal.NewFromString(limit)
	if err != nil {
		return nil, fmt.Errorf("parse dose limit %q: %w", limit, err)
	}
	if parsed.IsNegative() || parsed.IsZero() {
		return nil, fmt.Errorf("dose limit %s must be positive", parsed)
	}
	return &DoseMonitor{
		logger: logging.Component(logger, "dose_monitor"),
		limit:  parsed,
	}, nil
}

// Accumulate adds a DAP contribution in mGy·cm². Negative contributions are
// rejected.
func (m *DoseMonitor) Accumulate(dap decimal.Decimal) error {
	if m == nil {
		return errors.New("dose monitor is nil")
	}
	if dap.IsNegative() {
		return fmt.Errorf("dap contribution %s must not be negative", dap)
	}
	m.mu.Lock()
	m.total = m.total.Add(dap)
	total := m.total
	m.mu.Unlock()
	if total.GreaterThan(m.limit) {
		m.logger.Warn().
			Str("total", total.String()).
			Str("limit", m.limit.String()).
			Msg("cumulative dose above limit")
	}
	return nil
}

// Total returns the accumulated DAP.
func (m *DoseMonitor) Total() decimal.Decimal {
	if m == nil {
		return decimal.Zero
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Limit returns the configured DAP ceiling.
func (m *DoseMonitor) Limit() decimal.Decimal {
	if m == nil {
		return decimal.Zero
	}
	return m.limit
}

// WithinLimits reports whether the accumulated DAP is at or below the
// ceiling. Backs the dose_within_limits interlock.
func (m *DoseMonitor) WithinLimits() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total.LessThanOrEqual(m.limit)
}

// Reset clears the accumulated DAP, e.g. at the start of a new study.
func (m *DoseMonitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.total = decimal.Zero
	m.mu.Unlock()
}
