// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package mainloop

import (
	"time"

	"github.com/joeycumines/logiface"
)

const (
	// DefaultFixedStep is the fixed-rate update interval, 60 Hz.
	DefaultFixedStep = time.Second / 60

	// DefaultTargetFrameTime is the frame budget while focused, 144 Hz.
	DefaultTargetFrameTime = time.Second / 144

	// DefaultMaxFixedSteps caps the fixed-rate updates run per iteration.
	//
	// After a stall (a breakpoint, an OS suspend, a slow frame) the fixed-rate
	// clock falls behind. Catching up fully would produce a burst of updates,
	// during which nothing is drawn and nothing is drained, possibly falling
	// further behind. Instead, at most this many steps run, and the remaining
	// backlog is dropped: simulation time is lost, the loop stays live.
	DefaultMaxFixedSteps = 2

	// DefaultStatsInterval is how often the stats snapshot is published.
	DefaultStatsInterval = time.Second
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	clock         Clock
	logger        *logiface.Logger[logiface.Event]
	fixedStep     time.Duration
	targetFrame   time.Duration
	statsInterval time.Duration
	maxFixedSteps int
}

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithFixedStep sets the fixed-rate update interval, which is also the frame
// budget while unfocused. It must be positive.
func WithFixedStep(step time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if step <= 0 {
			return ErrInvalidFixedStep
		}
		opts.fixedStep = step
		return nil
	}}
}

// WithTargetFrameTime sets the frame budget while focused. Zero disables the
// throttle, while focused.
func WithTargetFrameTime(target time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if target < 0 {
			return ErrInvalidFrameTime
		}
		opts.targetFrame = target
		return nil
	}}
}

// WithMaxFixedStepsPerFrame overrides DefaultMaxFixedSteps. It must be
// positive.
func WithMaxFixedStepsPerFrame(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return ErrInvalidMaxFixedSteps
		}
		opts.maxFixedSteps = n
		return nil
	}}
}

// WithClock replaces the monotonic clock, e.g. for deterministic tests.
func WithClock(clock Clock) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if clock == nil {
			return ErrNilCollaborator
		}
		opts.clock = clock
		return nil
	}}
}

// WithLogger attaches a structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithStatsInterval sets how often the stats snapshot is published. It must
// be positive.
func WithStatsInterval(interval time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if interval <= 0 {
			return ErrInvalidStatsInterval
		}
		opts.statsInterval = interval
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		fixedStep:     DefaultFixedStep,
		targetFrame:   DefaultTargetFrameTime,
		maxFixedSteps: DefaultMaxFixedSteps,
		statsInterval: DefaultStatsInterval,
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.clock == nil {
		cfg.clock = NewMonotonicClock()
	}
	return cfg, nil
}
