package hvg

import (
	"context"
	"errors"
)

// ErrTransient marks a command failure worth retrying through the queue.
// Vendor implementations return it (wrapped) for recoverable bus errors.
var ErrTransient = errors.New("transient command failure")

// ErrQueueFull reports command rejection due to queue back-pressure.
var ErrQueueFull = errors.New("command queue full")

// Generator is the capability surface of a high-voltage generator. Every
// method must be safe to call from arbitrary goroutines; StartExposure is
// synchronous by design and blocks the caller for the exposure duration.
type Generator interface {
	// Startup loads capabilities and starts the background command worker
	// and status ticker. Idle → Ready on success.
	Startup(ctx context.Context) error
	// Shutdown stops background work within a bounded time. Idempotent.
	Shutdown() error

	// GetCapabilities returns the device capability ranges.
	GetCapabilities() Capabilities
	// GetStatus returns the last known device status without blocking.
	GetStatus() Status

	// SetExposureParams validates and caches exposure parameters. It fails
	// when a parameter is outside the capability range or an exposure is in
	// progress. On success the generator is armed.
	SetExposureParams(params ExposureParams) error
	// StartExposure runs the exposure sequence and blocks until it
	// completes or aborts. It fails fast when the generator is not armed.
	StartExposure() (ExposureResult, error)
	// AbortExposure terminates any in-flight exposure. It is unconditional,
	// idempotent and returns within 10 milliseconds.
	AbortExposure() error

	// RegisterAlarmCallback subscribes to asynchronous alarm conditions.
	RegisterAlarmCallback(cb AlarmCallback)
	// RegisterStatusCallback subscribes to periodic status updates.
	RegisterStatusCallback(cb StatusCallback)
}
