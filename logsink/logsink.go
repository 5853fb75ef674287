// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package logsink provides the three diagnostic logs of an application
// session, as structured JSON-lines loggers:
//
//   - exception: recoverable faults, rotated at start-up
//   - crash: fatal faults, appended to across runs
//   - trace: general diagnostics, rotated at start-up
//
// Rotation moves the previous run's file to "<name>.1", replacing any older
// copy, then starts an empty file.
//
// Entries are one JSON object per line, not "<timestamp> - <message>" text.
// The timestamp is the "time" field, and the message is "msg", e.g.
//
//	{"time":"2025-01-02T03:04:05Z","lvl":"err","kind":"exception","err":"boom","msg":"recoverable fault"}
package logsink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

const (
	// ExceptionFile is the default exception log name.
	ExceptionFile = `exception.log`
	// CrashFile is the default crash log name.
	CrashFile = `crash.log`
	// TraceFile is the default trace log name.
	TraceFile = `trace.log`

	// RotatedSuffix is appended to the previous run's log.
	RotatedSuffix = `.1`
)

// ErrEmptyPath is returned by Open for a Paths with an empty field.
var ErrEmptyPath = errors.New("logsink: empty path")

// Paths locates the three log files.
type Paths struct {
	Exception string
	Crash     string
	Trace     string
}

// DefaultPaths returns the default file names, within dir.
func DefaultPaths(dir string) Paths {
	return Paths{
		Exception: filepath.Join(dir, ExceptionFile),
		Crash:     filepath.Join(dir, CrashFile),
		Trace:     filepath.Join(dir, TraceFile),
	}
}

// Sinks holds the three loggers, and the files backing them, if any.
type Sinks struct {
	exception *logiface.Logger[logiface.Event]
	crash     *logiface.Logger[logiface.Event]
	trace     *logiface.Logger[logiface.Event]
	crashFile *os.File
	closers   []io.Closer
	closeOnce sync.Once
	closeErr  error
}

// Open creates or rotates the log files, see the package docs.
func Open(paths Paths) (*Sinks, error) {
	if paths.Exception == `` || paths.Crash == `` || paths.Trace == `` {
		return nil, ErrEmptyPath
	}

	var files []*os.File
	cleanup := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}

	exception, err := openRotated(paths.Exception)
	if err != nil {
		return nil, err
	}
	files = append(files, exception)

	trace, err := openRotated(paths.Trace)
	if err != nil {
		cleanup()
		return nil, err
	}
	files = append(files, trace)

	crash, err := openAppend(paths.Crash)
	if err != nil {
		cleanup()
		return nil, err
	}
	files = append(files, crash)

	s := NewWriters(exception, crash, trace)
	s.crashFile = crash
	for _, f := range files {
		s.closers = append(s.closers, f)
	}
	return s, nil
}

// NewWriters builds sinks over arbitrary writers, e.g. in-memory buffers.
// Writes to each writer are serialized. Close will not close them.
func NewWriters(exception, crash, trace io.Writer) *Sinks {
	return &Sinks{
		exception: newLogger(exception, logiface.LevelInformational),
		crash:     newLogger(crash, logiface.LevelInformational),
		trace:     newLogger(trace, logiface.LevelTrace),
	}
}

// Exception returns the exception log. Nil-safe.
func (x *Sinks) Exception() *logiface.Logger[logiface.Event] {
	if x == nil {
		return nil
	}
	return x.exception
}

// Crash returns the crash log. Nil-safe.
func (x *Sinks) Crash() *logiface.Logger[logiface.Event] {
	if x == nil {
		return nil
	}
	return x.crash
}

// Trace returns the trace log. Nil-safe.
func (x *Sinks) Trace() *logiface.Logger[logiface.Event] {
	if x == nil {
		return nil
	}
	return x.trace
}

// CrashFile returns the crash log file, or nil, if the sinks were not
// created by Open.
func (x *Sinks) CrashFile() *os.File {
	if x == nil {
		return nil
	}
	return x.crashFile
}

// Close closes any files opened by Open. It is idempotent.
func (x *Sinks) Close() error {
	if x == nil {
		return nil
	}
	x.closeOnce.Do(func() {
		var errs []error
		for _, c := range x.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		x.closeErr = errors.Join(errs...)
	})
	return x.closeErr
}

func newLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	if w == nil {
		w = io.Discard
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(&lockedWriter{w: w}),
			stumpy.WithTimeField(`time`),
		),
		stumpy.L.WithLevel(level),
	).Logger()
}

func openRotated(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logsink: %w", err)
	}
	if err := os.Rename(path, path+RotatedSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("logsink: rotate: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logsink: %w", err)
	}
	return f, nil
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logsink: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logsink: %w", err)
	}
	return f, nil
}

// lockedWriter serializes writes, so that concurrent log events are not
// interleaved.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (x *lockedWriter) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.w.Write(p)
}
