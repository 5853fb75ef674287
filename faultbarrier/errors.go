package faultbarrier

import (
	"errors"
	"fmt"

	"github.com/joeycumines/go-mainloop/report"
)

// FatalSessionFailure is a panic that escaped to a Recover call, e.g. from
// the loop's update or draw callbacks. The session ends after it is handled.
type FatalSessionFailure struct {
	// Value is the recovered value.
	Value any
	// Stack is the panicking goroutine's stack.
	Stack []byte
}

// Error implements the error interface.
func (e *FatalSessionFailure) Error() string {
	return fmt.Sprintf("faultbarrier: fatal session failure: %v", e.Value)
}

// Unwrap returns the underlying error if Value is an error.
func (e *FatalSessionFailure) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Kind classifies the failure as a crash.
func (e *FatalSessionFailure) Kind() string {
	return report.KindCrash
}

// Kinded may be implemented by errors to override Classify.
type Kinded interface {
	error
	Kind() string
}

// Classify returns the report kind for err: the Kind of the first error in
// its chain that implements Kinded, otherwise report.KindException.
func Classify(err error) string {
	var kinded Kinded
	if errors.As(err, &kinded) {
		if kind := kinded.Kind(); kind != `` {
			return kind
		}
	}
	return report.KindException
}

// Crash marks err as a crash, such that HandleRecoverable reports it
// remotely.
func Crash(err error) error {
	if err == nil {
		return nil
	}
	return &crashError{err: err}
}

type crashError struct {
	err error
}

func (e *crashError) Error() string { return e.err.Error() }

func (e *crashError) Unwrap() error { return e.err }

func (e *crashError) Kind() string { return report.KindCrash }
