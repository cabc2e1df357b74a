package hvg

import (
	"fmt"
	"time"
)

// State enumerates the generator lifecycle states.
type State int32

const (
	// StateIdle is the initial state before capabilities are loaded.
	StateIdle State = iota
	// StateReady indicates the generator accepted its capabilities and is
	// waiting for exposure parameters.
	StateReady
	// StateArmed indicates validated exposure parameters are cached.
	StateArmed
	// StateExposing indicates X-ray emission is in progress.
	StateExposing
	// StateFault indicates a critical alarm latched the generator.
	StateFault
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateArmed:
		return "armed"
	case StateExposing:
		return "exposing"
	case StateFault:
		return "fault"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ExposureParams carries a single exposure request.
type ExposureParams struct {
	KVP float64
	MA  float64
	MS  float64
}

// Capabilities bounds the exposure parameters the device accepts.
type Capabilities struct {
	MinKVP float64
	MaxKVP float64
	MinMA  float64
	MaxMA  float64
	MinMS  float64
	MaxMS  float64
}

// Validate checks each parameter against the closed capability interval.
// The first failing field rejects the whole request; nothing is applied
// partially.
func (c Capabilities) Validate(p ExposureParams) error {
	if p.KVP < c.MinKVP || p.KVP > c.MaxKVP {
		return fmt.Errorf("kvp %.1f outside [%.1f, %.1f]", p.KVP, c.MinKVP, c.MaxKVP)
	}
	if p.MA < c.MinMA || p.MA > c.MaxMA {
		return fmt.Errorf("ma %.1f outside [%.1f, %.1f]", p.MA, c.MinMA, c.MaxMA)
	}
	if p.MS < c.MinMS || p.MS > c.MaxMS {
		return fmt.Errorf("ms %.1f outside [%.1f, %.1f]", p.MS, c.MinMS, c.MaxMS)
	}
	return nil
}

// Status reflects the last known device state.
type Status struct {
	State     State
	KVP       float64
	MA        float64
	ElapsedMS float64
	Message   string
	Timestamp time.Time
}

// AlarmSeverity grades generator alarms.
type AlarmSeverity int

const (
	// SeverityWarning alarms are informational and do not latch the device.
	SeverityWarning AlarmSeverity = iota
	// SeverityCritical alarms latch the generator into the fault state.
	SeverityCritical
)

func (s AlarmSeverity) String() string {
	if s == SeverityCritical {
		return "critical"
	}
	return "warning"
}

// Alarm describes an asynchronous hardware condition.
type Alarm struct {
	Code      string
	Severity  AlarmSeverity
	Message   string
	Timestamp time.Time
}

// ExposureResult carries the outcome of a completed or aborted exposure.
// Actual values may differ from the requested parameters on real hardware
// where closed-loop feedback trims the output.
type ExposureResult struct {
	Completed bool
	Aborted   bool
	ActualKVP float64
	ActualMA  float64
	ActualMS  float64
}

// AlarmCallback observes generator alarms.
type AlarmCallback func(Alarm)

// StatusCallback observes periodic status updates.
type StatusCallback func(Status)
