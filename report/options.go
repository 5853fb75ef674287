package report

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	// DefaultBatchSize is the maximum number of reports per Send.
	DefaultBatchSize = 16
	// DefaultFlushInterval bounds how long a report waits for its batch.
	DefaultFlushInterval = 250 * time.Millisecond
	// DefaultSendTimeout bounds each Send.
	DefaultSendTimeout = 10 * time.Second
)

// DefaultRates returns the default per-kind rate limit: 5 per minute, 30 per
// hour.
func DefaultRates() map[time.Duration]int {
	return map[time.Duration]int{
		time.Minute: 5,
		time.Hour:   30,
	}
}

var (
	// ErrInvalidBatchSize is returned for a non-positive batch size.
	ErrInvalidBatchSize = errors.New("report: batch size must be positive")
	// ErrInvalidDuration is returned for a non-positive interval or timeout.
	ErrInvalidDuration = errors.New("report: duration must be positive")
	// ErrInvalidRates is returned for rates rejected by the limiter.
	ErrInvalidRates = errors.New("report: invalid rates")
	// ErrNilTransport is returned by NewClient for a nil Transport.
	ErrNilTransport = errors.New("report: nil transport")
)

type clientOptions struct {
	logger        *logiface.Logger[logiface.Event]
	rates         map[time.Duration]int
	batchSize     int
	flushInterval time.Duration
	sendTimeout   time.Duration
}

// Option configures a Client.
type Option interface {
	applyClient(*clientOptions) error
}

type optionImpl struct {
	applyClientFunc func(*clientOptions) error
}

func (o *optionImpl) applyClient(opts *clientOptions) error {
	return o.applyClientFunc(opts)
}

// WithLogger attaches a structured logger, used for delivery failures and
// drops. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *clientOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithRates replaces DefaultRates, see catrate.NewLimiter for the format.
// Invalid rates cause NewClient to fail with ErrInvalidRates. An empty map
// disables rate limiting.
func WithRates(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *clientOptions) error {
		opts.rates = rates
		return nil
	}}
}

// WithBatchSize sets the maximum number of reports per Send.
func WithBatchSize(n int) Option {
	return &optionImpl{func(opts *clientOptions) error {
		if n <= 0 {
			return ErrInvalidBatchSize
		}
		opts.batchSize = n
		return nil
	}}
}

// WithFlushInterval sets the maximum time a report waits for its batch.
func WithFlushInterval(d time.Duration) Option {
	return &optionImpl{func(opts *clientOptions) error {
		if d <= 0 {
			return ErrInvalidDuration
		}
		opts.flushInterval = d
		return nil
	}}
}

// WithSendTimeout bounds each Send.
func WithSendTimeout(d time.Duration) Option {
	return &optionImpl{func(opts *clientOptions) error {
		if d <= 0 {
			return ErrInvalidDuration
		}
		opts.sendTimeout = d
		return nil
	}}
}

func resolveOptions(opts []Option) (*clientOptions, error) {
	cfg := &clientOptions{
		rates:         DefaultRates(),
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		sendTimeout:   DefaultSendTimeout,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyClient(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
