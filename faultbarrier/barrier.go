// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package faultbarrier converts faults into log entries and remote reports.
//
// Recoverable faults (see Barrier.HandleRecoverable) are written to the
// exception log, and are only reported remotely when classified as crashes.
// Fatal faults (see Barrier.HandleFatal and Barrier.Recover) are written to
// the crash log, then reported. Unrecovered panics, in any goroutine, are
// written to the crash log by the runtime, see debug.SetCrashOutput.
//
// Handling is serialized. A fault raised while the same goroutine is already
// handling one is dropped, after a best-effort line to the diagnostics
// writer.
package faultbarrier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-mainloop/affinity"
	"github.com/joeycumines/go-mainloop/logsink"
	"github.com/joeycumines/go-mainloop/report"
	"github.com/joeycumines/go-mainloop/scheduler"
	"github.com/joeycumines/logiface"
)

// GateState is the state of the barrier's re-entrancy gate.
type GateState uint8

const (
	// Idle indicates no fault is being handled.
	Idle GateState = iota
	// Handling indicates a fault is being handled.
	Handling
)

// String implements fmt.Stringer.
func (s GateState) String() string {
	switch s {
	case Idle:
		return `idle`
	case Handling:
		return `handling`
	default:
		return fmt.Sprintf("GateState(%d)", uint8(s))
	}
}

// Barrier is the process-wide fault handler. Instances must be initialized
// using Install, and are safe for concurrent use.
type Barrier struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	sinks          *logsink.Sinks
	reporter       Reporter
	exit           func(code int)
	diagnostics    io.Writer
	installationID string
	version        string
	flushTimeout   time.Duration
	development    bool
	crashOutput    bool

	// gate serializes handling, owner is the handling goroutine, or 0
	gate  sync.Mutex
	owner atomic.Uint64

	dropped   atomic.Uint64
	closeOnce sync.Once
	closeErr  error
}

var _ scheduler.FaultHandler = (*Barrier)(nil)

// Install opens the logs at paths (unless WithSinks is used), and, unless
// disabled, registers the crash log as the runtime's crash output. Close
// should be called on shutdown.
func Install(paths logsink.Paths, opts ...Option) (*Barrier, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	sinks := cfg.sinks
	if sinks == nil {
		sinks, err = logsink.Open(paths)
		if err != nil {
			return nil, err
		}
	}

	b := &Barrier{
		sinks:          sinks,
		reporter:       cfg.reporter,
		exit:           cfg.exit,
		diagnostics:    cfg.diagnostics,
		installationID: cfg.installationID,
		version:        cfg.version,
		flushTimeout:   cfg.flushTimeout,
		development:    cfg.development,
	}

	if f := sinks.CrashFile(); cfg.crashOutput && f != nil {
		if err := debug.SetCrashOutput(f, debug.CrashOptions{}); err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("faultbarrier: set crash output: %w", err)
		}
		b.crashOutput = true
	}

	sinks.Trace().Info().
		Str(`version`, b.version).
		Bool(`development`, b.development).
		Bool(`crash_output`, b.crashOutput).
		Log(`fault barrier installed`)

	return b, nil
}

// HandleRecoverable logs err to the exception log. It is reported remotely
// only if Classify returns report.KindCrash. A nil err is ignored.
func (b *Barrier) HandleRecoverable(err error) {
	if err == nil || !b.enter(err) {
		return
	}
	defer b.leave(err)

	kind := Classify(err)
	b.logFault(b.sinks.Exception(), logiface.LevelError, kind, err, `recoverable fault`)
	if kind == report.KindCrash {
		b.report(kind, err, false)
	}
}

// HandleFatal logs err to the crash log, then reports it, waiting (up to the
// flush timeout) for delivery, if the reporter supports it. It does not exit,
// see Recover. A nil err is ignored.
func (b *Barrier) HandleFatal(err error) {
	if err == nil || !b.enter(err) {
		return
	}
	defer b.leave(err)

	b.logFault(b.sinks.Crash(), logiface.LevelCritical, report.KindCrash, err, `fatal fault`)
	b.report(report.KindCrash, err, true)
}

// Recover handles a panic as fatal, then exits the process with ExitCode. It
// must be called directly by a deferred statement:
//
//	defer barrier.Recover()
func (b *Barrier) Recover() {
	r := recover()
	if r == nil {
		return
	}
	b.HandleFatal(&FatalSessionFailure{Value: r, Stack: debug.Stack()})
	b.exit(ExitCode)
}

// Go runs fn in a new goroutine, guarded by Recover.
func (b *Barrier) Go(fn func()) {
	go func() {
		defer b.Recover()
		fn()
	}()
}

// State returns the gate's current state.
func (b *Barrier) State() GateState {
	if b.owner.Load() != 0 {
		return Handling
	}
	return Idle
}

// Dropped returns the number of faults dropped due to re-entry.
func (b *Barrier) Dropped() uint64 {
	return b.dropped.Load()
}

// Trace returns the general diagnostic log.
func (b *Barrier) Trace() *logiface.Logger[logiface.Event] {
	return b.sinks.Trace()
}

// Close unregisters the crash output, if registered, and closes the logs. It
// is idempotent.
func (b *Barrier) Close() error {
	b.closeOnce.Do(func() {
		var errs []error
		if b.crashOutput {
			if err := debug.SetCrashOutput(nil, debug.CrashOptions{}); err != nil {
				errs = append(errs, err)
			}
		}
		errs = append(errs, b.sinks.Close())
		b.closeErr = errors.Join(errs...)
	})
	return b.closeErr
}

// enter acquires the gate, returning false if the calling goroutine already
// holds it.
func (b *Barrier) enter(err error) bool {
	id := affinity.GoroutineID()
	if b.owner.Load() == id {
		b.dropped.Add(1)
		b.diagnose(`dropped re-entrant fault`, err)
		return false
	}
	b.gate.Lock()
	b.owner.Store(id)
	return true
}

// leave releases the gate, swallowing any panic raised while handling.
func (b *Barrier) leave(err error) {
	if r := recover(); r != nil {
		b.diagnose(fmt.Sprintf("fault handling panicked: %v", r), err)
	}
	b.owner.Store(0)
	b.gate.Unlock()
}

// logFault writes err to logger. A failing log never prevents the report.
func (b *Barrier) logFault(logger *logiface.Logger[logiface.Event], level logiface.Level, kind string, err error, msg string) {
	defer func() {
		if r := recover(); r != nil {
			b.diagnose(fmt.Sprintf("%s not logged: %v", msg, r), err)
		}
	}()

	builder := logger.Build(level).
		Str(`kind`, kind).
		Err(err)

	var (
		action  *scheduler.ScheduledActionFailure
		call    *scheduler.SynchronousCallFailure
		session *FatalSessionFailure
	)
	switch {
	case errors.As(err, &action):
		builder = builder.
			Uint64(`action_id`, action.ID).
			Str(`action`, action.Action).
			Str(`stack`, string(action.Stack))
	case errors.As(err, &call):
		builder = builder.Str(`stack`, string(call.Stack))
	case errors.As(err, &session):
		builder = builder.Str(`stack`, string(session.Stack))
	}

	builder.Log(msg)
}

func (b *Barrier) report(kind string, err error, flush bool) {
	if b.reporter == nil || b.development {
		return
	}

	b.reporter.Report(&report.Report{
		Time:           time.Now(),
		Kind:           kind,
		InstallationID: b.installationID,
		Version:        b.version,
		Text:           describe(err),
	})

	flusher, ok := b.reporter.(interface {
		Flush(ctx context.Context) error
	})
	if !flush || !ok || b.flushTimeout <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.flushTimeout)
	defer cancel()
	if err := flusher.Flush(ctx); err != nil {
		b.sinks.Trace().Warning().Err(err).Log(`crash report not delivered`)
	}
}

// diagnose writes a line to the diagnostics writer, ignoring any failure.
func (b *Barrier) diagnose(msg string, err error) {
	defer func() { _ = recover() }()
	_, _ = fmt.Fprintf(b.diagnostics, "faultbarrier: %s (%s): %v\n", msg, affinity.CurrentContext(), err)
}

// describe returns the full text of err, including any captured stack.
func describe(err error) string {
	text := err.Error()
	var (
		action  *scheduler.ScheduledActionFailure
		call    *scheduler.SynchronousCallFailure
		session *FatalSessionFailure
	)
	switch {
	case errors.As(err, &action):
		return text + "\n\n" + string(action.Stack)
	case errors.As(err, &call):
		return text + "\n\n" + string(call.Stack)
	case errors.As(err, &session):
		return text + "\n\n" + string(session.Stack)
	}
	return text
}
