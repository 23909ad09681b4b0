package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrSchedulerClosed is returned by Spawn once Close has been called.
	// No Job is created.
	ErrSchedulerClosed = errors.New("scheduler closed")

	ErrInvalidConfig = errors.New("invalid scheduler config")
	ErrNilAction     = errors.New("job action is nil")
)

// PanicError wraps a value recovered from a panicking Job action.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }
