package faultbarrier

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/joeycumines/go-mainloop/logsink"
	"github.com/joeycumines/go-mainloop/report"
)

// DefaultFlushTimeout bounds how long HandleFatal waits for the report to be
// sent.
const DefaultFlushTimeout = 5 * time.Second

// ExitCode is passed to the exit function by Recover.
const ExitCode = 2

// ErrNilOption is returned for an option given a nil value.
var ErrNilOption = errors.New("faultbarrier: nil option value")

// Reporter receives remote reports. It must not block on delivery, see
// report.Client.
type Reporter interface {
	Report(r *report.Report)
}

var _ Reporter = (*report.Client)(nil)

type barrierOptions struct {
	reporter       Reporter
	sinks          *logsink.Sinks
	exit           func(code int)
	diagnostics    io.Writer
	installationID string
	version        string
	flushTimeout   time.Duration
	development    bool
	crashOutput    bool
}

// Option configures a Barrier.
type Option interface {
	applyBarrier(*barrierOptions) error
}

type optionImpl struct {
	applyBarrierFunc func(*barrierOptions) error
}

func (o *optionImpl) applyBarrier(opts *barrierOptions) error {
	return o.applyBarrierFunc(opts)
}

// WithReporter sets the remote reporter. Without one, nothing is reported.
func WithReporter(reporter Reporter) Option {
	return &optionImpl{func(opts *barrierOptions) error {
		opts.reporter = reporter
		return nil
	}}
}

// WithInstallationID sets the installation identifier included in reports.
func WithInstallationID(id string) Option {
	return &optionImpl{func(opts *barrierOptions) error {
		opts.installationID = id
		return nil
	}}
}

// WithVersion sets the application version included in reports.
func WithVersion(version string) Option {
	return &optionImpl{func(opts *barrierOptions) error {
		opts.version = version
		return nil
	}}
}

// WithDevelopment suppresses remote reports, when true.
func WithDevelopment(development bool) Option {
	return &optionImpl{func(opts *barrierOptions) error {
		opts.development = development
		return nil
	}}
}

// WithExit replaces os.Exit, as called by Recover.
func WithExit(exit func(code int)) Option {
	return &optionImpl{func(opts *barrierOptions) error {
		if exit == nil {
			return ErrNilOption
		}
		opts.exit = exit
		return nil
	}}
}

// WithDiagnostics replaces os.Stderr, as the destination of last resort, for
// faults that could not be handled.
func WithDiagnostics(w io.Writer) Option {
	return &optionImpl{func(opts *barrierOptions) error {
		if w == nil {
			return ErrNilOption
		}
		opts.diagnostics = w
		return nil
	}}
}

// WithCrashOutput controls whether the crash log is registered as the
// runtime's crash output (see debug.SetCrashOutput), which captures
// unrecovered panics in any goroutine. Defaults to true.
func WithCrashOutput(enabled bool) Option {
	return &optionImpl{func(opts *barrierOptions) error {
		opts.crashOutput = enabled
		return nil
	}}
}

// WithSinks uses already open sinks, instead of opening the install paths.
// The barrier takes ownership, closing them on Close.
func WithSinks(sinks *logsink.Sinks) Option {
	return &optionImpl{func(opts *barrierOptions) error {
		if sinks == nil {
			return ErrNilOption
		}
		opts.sinks = sinks
		return nil
	}}
}

// WithFlushTimeout overrides DefaultFlushTimeout.
func WithFlushTimeout(d time.Duration) Option {
	return &optionImpl{func(opts *barrierOptions) error {
		opts.flushTimeout = d
		return nil
	}}
}

func resolveOptions(opts []Option) (*barrierOptions, error) {
	cfg := &barrierOptions{
		exit:         os.Exit,
		diagnostics:  os.Stderr,
		flushTimeout: DefaultFlushTimeout,
		crashOutput:  true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyBarrier(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
