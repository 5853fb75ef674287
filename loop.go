// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package mainloop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-mainloop/scheduler"
	"github.com/joeycumines/logiface"
)

// Standard errors.
var (
	// ErrLoopAlreadyRunning is returned when Run() is called on a loop that is already running.
	ErrLoopAlreadyRunning = errors.New("mainloop: loop is already running")

	// ErrNotMainContext is returned when the loop is driven from a goroutine
	// other than the scheduler's main context.
	ErrNotMainContext = errors.New("mainloop: loop must run on the main context")

	// ErrNilCollaborator is returned when a required collaborator is nil.
	ErrNilCollaborator = errors.New("mainloop: nil collaborator")

	// ErrInvalidFixedStep is returned for a non-positive fixed step.
	ErrInvalidFixedStep = errors.New("mainloop: fixed step must be positive")

	// ErrInvalidFrameTime is returned for a negative target frame time.
	ErrInvalidFrameTime = errors.New("mainloop: target frame time must not be negative")

	// ErrInvalidMaxFixedSteps is returned for a non-positive fixed step cap.
	ErrInvalidMaxFixedSteps = errors.New("mainloop: max fixed steps must be positive")

	// ErrInvalidStatsInterval is returned for a non-positive stats interval.
	ErrInvalidStatsInterval = errors.New("mainloop: stats interval must be positive")
)

// Loop is the main loop. Instances must be initialized using New.
//
// All methods other than Stats, StatsString, and Frames must be called on the
// main context.
type Loop struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	session Session
	handler Handler
	sched   *scheduler.Scheduler
	clock   Clock
	logger  *logiface.Logger[logiface.Event]

	fixedStep     time.Duration
	targetFrame   time.Duration
	statsInterval time.Duration
	maxFixedSteps int

	// frame clock, main context only
	fixedTime      time.Duration
	avgFrame       time.Duration
	avgActive      time.Duration
	peakFrame      time.Duration
	intervalStart  time.Duration
	intervalFrames int
	started        bool
	shown          bool

	stats   atomic.Pointer[Stats]
	frames  atomic.Uint64
	running atomic.Bool
}

// New creates a loop. The scheduler's affinity determines the main context.
func New(session Session, handler Handler, sched *scheduler.Scheduler, opts ...LoopOption) (*Loop, error) {
	if session == nil || handler == nil || sched == nil {
		return nil, ErrNilCollaborator
	}
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}
	l := &Loop{
		session:       session,
		handler:       handler,
		sched:         sched,
		clock:         cfg.clock,
		logger:        cfg.logger,
		fixedStep:     cfg.fixedStep,
		targetFrame:   cfg.targetFrame,
		statsInterval: cfg.statsInterval,
		maxFixedSteps: cfg.maxFixedSteps,
	}
	l.stats.Store(&Stats{})
	return l, nil
}

// Run runs the loop until the session closes, ctx is done, or a callback
// fails. It blocks, and must be called on the main context.
//
// Errors returned by Update or Draw end the loop, and are returned. Panics
// raised by them are not recovered, they are fatal, see the faultbarrier
// package.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.assertMain(`mainloop.Run`); err != nil {
		return err
	}
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopAlreadyRunning
	}
	defer l.running.Store(false)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for l.alive() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := l.frame(ctx); err != nil {
			l.logError(`loop terminated`, err)
			return err
		}
	}
	return nil
}

// RunFrame runs a single iteration, returning false if the session is no
// longer alive. It must be called on the main context.
func (l *Loop) RunFrame(ctx context.Context) (bool, error) {
	if err := l.assertMain(`mainloop.RunFrame`); err != nil {
		return false, err
	}
	if !l.alive() {
		return false, nil
	}
	return l.frame(ctx)
}

// FixedTime returns the fixed-rate clock: the time of the last fixed step.
func (l *Loop) FixedTime() time.Duration {
	return l.fixedTime
}

// Frames returns the number of completed iterations. Safe from any goroutine.
func (l *Loop) Frames() uint64 {
	return l.frames.Load()
}

// Stats returns the latest published snapshot. Safe from any goroutine.
func (l *Loop) Stats() Stats {
	return *l.stats.Load()
}

// StatsString returns the latest snapshot, formatted for display. Safe from
// any goroutine.
func (l *Loop) StatsString() string {
	return l.stats.Load().String()
}

func (l *Loop) frame(ctx context.Context) (bool, error) {
	now := l.clock.Now()
	focused := l.session.Focused()

	if !l.started {
		l.started = true
		l.fixedTime = now
		l.intervalStart = now
	}

	l.session.PumpEvents()

	var fixedSteps int
	for fixedSteps < l.maxFixedSteps && now-l.fixedTime >= l.fixedStep {
		l.fixedTime += l.fixedStep
		fixedSteps++
		if err := l.handler.Update(l.fixedTime, true); err != nil {
			return false, fmt.Errorf("mainloop: fixed update: %w", err)
		}
	}
	if behind := now - l.fixedTime; behind >= l.fixedStep {
		// drop the backlog, keeping the step phase
		dropped := behind / l.fixedStep
		l.fixedTime += dropped * l.fixedStep
		l.logger.Debug().
			Int64(`dropped_steps`, int64(dropped)).
			Dur(`behind`, behind).
			Log(`fixed step backlog dropped`)
	}

	if fixedSteps == 0 && focused && l.fixedTime < now && now < l.fixedTime+l.fixedStep {
		if err := l.handler.Update(now, false); err != nil {
			return false, fmt.Errorf("mainloop: update: %w", err)
		}
	}

	if !l.alive() {
		return false, nil
	}

	l.session.SetVSync(!focused)

	if !l.session.Minimized() {
		if err := l.handler.Draw(); err != nil {
			return false, fmt.Errorf("mainloop: draw: %w", err)
		}
		l.session.Present()
	}

	if !l.shown {
		l.shown = true
		l.session.SetVisible(true)
	}

	if _, err := l.sched.DrainAndRun(); err != nil {
		return false, err
	}

	active := l.clock.Now() - now
	budget := l.fixedStep
	if focused {
		budget = l.targetFrame
	}
	if remaining := budget - active; remaining > 0 {
		l.clock.Sleep(ctx, remaining)
	}

	end := l.clock.Now()
	l.record(end-now, active, end)

	return l.alive(), nil
}

// record updates the rolling frame statistics, publishing a snapshot once per
// stats interval. The frame time is the whole iteration, including the sleep.
func (l *Loop) record(frame, active, now time.Duration) {
	l.frames.Add(1)
	l.intervalFrames++
	l.avgFrame = (frame + l.avgFrame) / 2
	l.avgActive = (active + l.avgActive) / 2
	if frame > l.peakFrame {
		l.peakFrame = frame
	}

	elapsed := now - l.intervalStart
	if elapsed < l.statsInterval {
		return
	}

	stats := &Stats{
		FPS:     float64(l.intervalFrames) / elapsed.Seconds(),
		Average: l.avgFrame,
		Peak:    l.peakFrame,
		Active:  l.avgActive,
		Frames:  l.frames.Load(),
	}
	l.stats.Store(stats)
	l.peakFrame = 0
	l.intervalFrames = 0
	l.intervalStart = now

	l.logger.Info().
		Float64(`fps`, stats.FPS).
		Dur(`avg`, stats.Average).
		Dur(`peak`, stats.Peak).
		Dur(`active`, stats.Active).
		Log(`frame stats`)
}

func (l *Loop) alive() bool {
	return l.session.Exists() && !l.session.IsExiting()
}

func (l *Loop) assertMain(callSite string) error {
	if err := l.sched.Affinity().AssertMainThread(callSite); err != nil {
		return fmt.Errorf("%w: %w", ErrNotMainContext, err)
	}
	return nil
}

func (l *Loop) logError(msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: mainloop: %s: %v (logger panicked: %v)", msg, err, r)
		}
	}()
	l.logger.Err().Err(err).Log(msg)
}
