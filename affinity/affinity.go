// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package affinity records which goroutine is the "main" context, and
// provides cheap checks and hard assertions against it.
//
// The main context owns all session state (UI, graphics, audio handles). Any
// operation that touches that state must either run on the main context, or
// hand work back to it, e.g. via the scheduler package.
package affinity

import (
	"fmt"
	"runtime"
	"strconv"
)

// Affinity is the identity of the main context. Instances are immutable,
// and safe for concurrent use.
type Affinity struct {
	// Prevent copying
	_ [0]func()

	id uint64
}

// WrongThreadError indicates an operation that requires main context
// affinity was invoked from another goroutine. It is always a programming
// defect.
type WrongThreadError struct {
	// CallSite identifies the guarded operation.
	CallSite string
	// Context names the goroutine that made the call.
	Context string
}

// Capture records the calling goroutine as the main context.
//
// It must be called exactly once, at start-up, from the goroutine that will
// run the main loop, before any scheduling call.
func Capture() *Affinity {
	return &Affinity{id: goroutineID()}
}

// ID returns the goroutine id recorded as the main context.
func (a *Affinity) ID() uint64 {
	if a == nil {
		return 0
	}
	return a.id
}

// IsMainThread reports whether the calling goroutine is the main context.
// It never blocks, and never fails. A nil receiver is never the main context.
func (a *Affinity) IsMainThread() bool {
	return a != nil && a.id != 0 && goroutineID() == a.id
}

// AssertMainThread returns a *WrongThreadError if the calling goroutine is not
// the main context. If callSite is empty, the caller's function name is used.
func (a *Affinity) AssertMainThread(callSite string) error {
	if a.IsMainThread() {
		return nil
	}
	if callSite == `` {
		callSite = caller(2)
	}
	return &WrongThreadError{
		CallSite: callSite,
		Context:  CurrentContext(),
	}
}

// Error implements the error interface.
func (e *WrongThreadError) Error() string {
	return fmt.Sprintf("affinity: %s must be called on the main context, called from %s", e.CallSite, e.Context)
}

// CurrentContext returns a human-readable name for the calling goroutine,
// including the OS thread where the platform exposes one.
func CurrentContext() string {
	name := `goroutine ` + strconv.FormatUint(goroutineID(), 10)
	if tid := threadID(); tid > 0 {
		name += ` (thread ` + strconv.Itoa(tid) + `)`
	}
	return name
}

// goroutineID returns the current goroutine's ID, parsed from the header of
// runtime.Stack, which always begins "goroutine N [".
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// GoroutineID exposes the calling goroutine's id, for packages that key
// per-goroutine state (e.g. re-entrancy detection).
func GoroutineID() uint64 {
	return goroutineID()
}

func caller(skip int) string {
	var pcs [1]uintptr
	if runtime.Callers(skip+1, pcs[:]) == 0 {
		return `unknown`
	}
	frame, _ := runtime.CallersFrames(pcs[:]).Next()
	if frame.Function != `` {
		return frame.Function
	}
	return frame.File + `:` + strconv.Itoa(frame.Line)
}
