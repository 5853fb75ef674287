package scheduler

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
)

// Standard errors.
var (
	// ErrSchedulingDisabled is returned when an action is scheduled before
	// EnableScheduling. It indicates a programming defect, not a retryable
	// condition.
	ErrSchedulingDisabled = errors.New("scheduler: scheduling is not enabled")

	// ErrNilAction is returned when a nil function is provided.
	ErrNilAction = errors.New("scheduler: nil action")

	// ErrNilAffinity is returned by New without a main context.
	ErrNilAffinity = errors.New("scheduler: nil affinity")
)

// ScheduledActionFailure wraps a panic raised by a drained, fire-and-forget
// action. It is reported to the FaultHandler, and never crosses into the loop
// or into other actions.
type ScheduledActionFailure struct {
	// Value is the recovered panic value.
	Value any
	// Action names the function that failed.
	Action string
	// Stack is the main context's stack at the point of the panic.
	Stack []byte
	// ID is the sequence number assigned at enqueue.
	ID uint64
}

// Error implements the error interface.
func (e *ScheduledActionFailure) Error() string {
	return fmt.Sprintf("scheduler: action %d (%s) panicked: %v", e.ID, e.Action, e.Value)
}

// Unwrap returns the panic value, if it is an error.
func (e *ScheduledActionFailure) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// SynchronousCallFailure is raised (as a panic) on the goroutine that called
// RunOnMain, when the wrapped function panicked on the main context.
type SynchronousCallFailure struct {
	// Value is the original panic value.
	Value any
	// Stack is the main context's stack at the point of the panic.
	Stack []byte
}

// Error implements the error interface.
func (e *SynchronousCallFailure) Error() string {
	return fmt.Sprintf("scheduler: synchronous call panicked on the main context: %v", e.Value)
}

// Unwrap returns the panic value, if it is an error.
func (e *SynchronousCallFailure) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// funcName resolves a function's symbol name. Only used on failure paths.
func funcName(fn func()) string {
	if fn == nil {
		return `nil`
	}
	if f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); f != nil {
		return f.Name()
	}
	return `unknown`
}
