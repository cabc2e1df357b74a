package hvg

import (
	"time"

	"github.com/google/uuid"
)

// CommandType identifies a generator command.
type CommandType string

const (
	// CommandSetParams applies validated exposure parameters.
	CommandSetParams CommandType = "set_params"
	// CommandStartExposure runs the exposure sequence.
	CommandStartExposure CommandType = "start_exposure"
	// CommandAbort terminates any in-flight exposure.
	CommandAbort CommandType = "abort"
	// CommandGetStatus reads the device status.
	CommandGetStatus CommandType = "get_status"
	// CommandGetCapabilities reads the device capability ranges.
	CommandGetCapabilities CommandType = "get_capabilities"
)

const (
	priorityAbort  = 100
	priorityNormal = 0
)

// Priority returns the scheduling class of the command type. Abort commands
// outrank everything else; all other commands share one FIFO class.
func (t CommandType) Priority() int {
	if t == CommandAbort {
		return priorityAbort
	}
	return priorityNormal
}

// Command is a single unit of work for the generator worker. It is owned by
// the queue from Push until it is popped, retried or dropped.
type Command struct {
	ID        uuid.UUID
	Type      CommandType
	Timestamp time.Time
	Retries   int

	// Execute performs the hardware transaction and returns its response.
	Execute func() (interface{}, error)
}

// NewCommand builds a command stamped with the current time.
func NewCommand(t CommandType, execute func() (interface{}, error)) *Command {
	return &Command{
		ID:        uuid.New(),
		Type:      t,
		Timestamp: time.Now(),
		Execute:   execute,
	}
}
