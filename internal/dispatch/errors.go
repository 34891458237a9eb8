package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrTerminated is returned by Submit once the dispatcher has been terminated.
	ErrTerminated = errors.New("dispatcher terminated")

	// ErrContextExited means the execution context closed its channel on its own.
	ErrContextExited = errors.New("execution context exited")
)

// ProtocolError reports a broken exchange with the execution context.
// It is fatal for the dispatcher that detects it.
type ProtocolError struct {
	DispatcherID string
	// ID is the request id involved, or 0 for control messages.
	ID     int64
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("dispatcher %s: protocol error on request %d: %s", e.DispatcherID, e.ID, e.Reason)
	}
	return fmt.Sprintf("dispatcher %s: protocol error: %s", e.DispatcherID, e.Reason)
}

// JobError is a failure reported by the task for a single request.
type JobError struct {
	ID      int64
	Message string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %d failed: %s", e.ID, e.Message)
}
