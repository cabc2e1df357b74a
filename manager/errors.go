package manager

// HalError classifies critical hardware faults routed through the
// process-wide error handler.
type HalError int

const (
	// ErrGeneratorFault covers generator alarms and command failures.
	ErrGeneratorFault HalError = iota + 1
	// ErrDetectorFault covers detector acquisition failures.
	ErrDetectorFault
	// ErrInterlockFault covers unexpected interlock chain failures.
	ErrInterlockFault
	// ErrDoseFault covers dose accounting failures.
	ErrDoseFault
	// ErrPluginFault covers vendor plugin loading failures.
	ErrPluginFault
)

func (e HalError) String() string {
	switch e {
	case ErrGeneratorFault:
		return "generator_fault"
	case ErrDetectorFault:
		return "detector_fault"
	case ErrInterlockFault:
		return "interlock_fault"
	case ErrDoseFault:
		return "dose_fault"
	case ErrPluginFault:
		return "plugin_fault"
	default:
		return "unknown_fault"
	}
}

// ErrorEvent pairs a fault class with its description.
type ErrorEvent struct {
	Code    HalError
	Message string
}

// ErrorHandler observes critical hardware faults. Handlers may be invoked
// from any goroutine.
type ErrorHandler func(HalError, string)
