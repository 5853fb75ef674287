// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package scheduler

import (
	"time"

	"github.com/joeycumines/logiface"
)

// FaultHandler receives failures of fire-and-forget actions, which are never
// propagated to the scheduling caller. The fault barrier implements it.
type FaultHandler interface {
	HandleRecoverable(err error)
}

// FaultHandlerFunc implements FaultHandler.
type FaultHandlerFunc func(err error)

// HandleRecoverable implements FaultHandler.
func (f FaultHandlerFunc) HandleRecoverable(err error) { f(err) }

// schedulerOptions holds configuration options for Scheduler creation.
type schedulerOptions struct {
	logger    *logiface.Logger[logiface.Event]
	faults    FaultHandler
	afterFunc func(d time.Duration, f func())
}

// Option configures a Scheduler instance.
type Option interface {
	applyScheduler(*schedulerOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applySchedulerFunc func(*schedulerOptions) error
}

func (o *optionImpl) applyScheduler(opts *schedulerOptions) error {
	return o.applySchedulerFunc(opts)
}

// WithLogger attaches a structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithFaultHandler sets the receiver for *ScheduledActionFailure values.
// Without one, failures are only logged.
func WithFaultHandler(handler FaultHandler) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.faults = handler
		return nil
	}}
}

// WithAfterFunc replaces the timer used by ScheduleAfter, which defaults to
// a wrapper of time.AfterFunc. The function must not block.
func WithAfterFunc(afterFunc func(d time.Duration, f func())) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if afterFunc == nil {
			return ErrNilAction
		}
		opts.afterFunc = afterFunc
		return nil
	}}
}

// resolveOptions applies Option instances to schedulerOptions.
func resolveOptions(opts []Option) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		afterFunc: func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
