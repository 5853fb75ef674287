// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package scheduler marshals work from arbitrary goroutines onto the main
// context.
//
// A [Scheduler] is a thread-safe FIFO of pending actions. Actions may be
// enqueued from any goroutine, immediately ([Scheduler.Schedule]), after a
// delay ([Scheduler.ScheduleAfter]), or synchronously, blocking until the main
// context has run them ([Scheduler.RunOnMain], [Call]). The main context runs
// them via [Scheduler.DrainAndRun], once per loop iteration.
//
// # Ordering
//
// Actions enqueued via Schedule or RunOnMain run in enqueue order. A drain
// only contains actions enqueued strictly before it began: an action that
// schedules another action defers that action to the next drain, so a drain
// always terminates, regardless of self-rescheduling. No ordering is
// guaranteed for ScheduleAfter, beyond "not before its delay elapses".
//
// # Failure isolation
//
// A panic raised by a fire-and-forget action is recovered, wrapped as a
// [ScheduledActionFailure], and handed to the configured [FaultHandler]. The
// remaining actions of the drain still run.
package scheduler

import (
	"context"
	"errors"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-mainloop/affinity"
	"github.com/joeycumines/logiface"
)

// ErrReentrantDrain is returned when DrainAndRun is called from within an
// action that is itself being drained.
var ErrReentrantDrain = errors.New("scheduler: cannot call DrainAndRun from within a drained action")

// Scheduler is the action queue. Instances must be initialized using New, and
// shared by reference with every component that needs to enqueue work.
type Scheduler struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	affinity  *affinity.Affinity
	logger    *logiface.Logger[logiface.Event]
	faults    FaultHandler
	afterFunc func(d time.Duration, f func())

	// mu guards pending, spare, and seq, covering both the append and the
	// drain's copy-and-clear.
	mu      sync.Mutex
	pending []action
	spare   []action
	seq     uint64

	enabled  atomic.Bool
	executed atomic.Uint64
	failed   atomic.Uint64

	// main context only
	draining bool
}

// Stats is a point-in-time snapshot of scheduler counters.
type Stats struct {
	Enqueued uint64
	Executed uint64
	Failed   uint64
	Pending  int
}

type action struct {
	fn func()
	id uint64
}

// New creates a scheduler bound to the given main context. Scheduling starts
// disabled, see EnableScheduling.
func New(aff *affinity.Affinity, opts ...Option) (*Scheduler, error) {
	if aff == nil {
		return nil, ErrNilAffinity
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		affinity:  aff,
		logger:    cfg.logger,
		faults:    cfg.faults,
		afterFunc: cfg.afterFunc,
	}, nil
}

// Affinity returns the main context this scheduler drains on.
func (s *Scheduler) Affinity() *affinity.Affinity {
	return s.affinity
}

// EnableScheduling transitions the scheduler from disabled to enabled. It
// must be called before any Schedule* call. Repeated calls are no-ops.
func (s *Scheduler) EnableScheduling() {
	if s.enabled.CompareAndSwap(false, true) {
		s.logger.Debug().Log(`scheduling enabled`)
	}
}

// Enabled reports whether EnableScheduling has been called.
func (s *Scheduler) Enabled() bool {
	return s.enabled.Load()
}

// Schedule appends fn to the queue, returning immediately. It is safe to call
// from any goroutine, including the main context. fn will run on the main
// context, during a future DrainAndRun. Panics raised by fn are recovered and
// reported, never propagated to the caller.
func (s *Scheduler) Schedule(fn func()) error {
	if err := s.check(fn); err != nil {
		return err
	}
	s.mu.Lock()
	s.seq++
	s.pending = append(s.pending, action{fn: fn, id: s.seq})
	s.mu.Unlock()
	return nil
}

// ScheduleAfter calls Schedule(fn) once delay has elapsed, from a background
// timer. The caller is never blocked, and the timer cannot be canceled. The
// same preconditions as Schedule are checked immediately.
func (s *Scheduler) ScheduleAfter(fn func(), delay time.Duration) error {
	if err := s.check(fn); err != nil {
		return err
	}
	if delay <= 0 {
		return s.Schedule(fn)
	}
	s.afterFunc(delay, func() {
		if err := s.Schedule(fn); err != nil {
			s.logError(`delayed schedule failed`, err)
		}
	})
	return nil
}

// RunOnMain runs fn on the main context, returning its error.
//
// If the caller is already the main context, fn is called directly, and any
// panic propagates as-is. Otherwise, fn is enqueued, and the caller blocks
// until it has run: an error returned by fn is returned unchanged, and a panic
// is re-raised on the caller as a *SynchronousCallFailure.
//
// If ctx is done before fn completes, ctx.Err() is returned. The action is
// not canceled, it will still run.
func (s *Scheduler) RunOnMain(ctx context.Context, fn func() error) error {
	if fn == nil {
		return ErrNilAction
	}
	_, err := call(ctx, s, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Call is the typed form of Scheduler.RunOnMain, returning fn's result.
func Call[T any](ctx context.Context, s *Scheduler, fn func() (T, error)) (T, error) {
	if fn == nil {
		var zero T
		return zero, ErrNilAction
	}
	return call(ctx, s, fn)
}

// outcome is the result-or-failure sum delivered to a synchronous caller.
type outcome[T any] struct {
	value   T
	err     error
	failure *SynchronousCallFailure
}

func call[T any](ctx context.Context, s *Scheduler, fn func() (T, error)) (T, error) {
	if s.affinity.IsMainThread() {
		return fn()
	}

	// buffered, so the main context never blocks on a caller that gave up
	done := make(chan outcome[T], 1)

	if err := s.Schedule(func() {
		var o outcome[T]
		defer func() {
			if r := recover(); r != nil {
				o.failure = &SynchronousCallFailure{Value: r, Stack: debug.Stack()}
			}
			done <- o
		}()
		o.value, o.err = fn()
	}); err != nil {
		var zero T
		return zero, err
	}

	select {
	case o := <-done:
		if o.failure != nil {
			panic(o.failure)
		}
		return o.value, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// DrainAndRun runs every action enqueued before the call, in enqueue order,
// returning the number run. It must be called on the main context, otherwise
// a *affinity.WrongThreadError is returned, and nothing runs.
//
// Actions enqueued while draining land in the next drain.
func (s *Scheduler) DrainAndRun() (int, error) {
	if err := s.affinity.AssertMainThread(`scheduler.DrainAndRun`); err != nil {
		return 0, err
	}
	if s.draining {
		return 0, ErrReentrantDrain
	}

	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	batch := s.pending
	s.pending = s.spare[:0]
	s.spare = nil
	s.mu.Unlock()

	s.draining = true
	for i := range batch {
		s.execute(batch[i])
		batch[i] = action{} // Clear for GC
	}
	s.draining = false

	s.mu.Lock()
	if s.spare == nil {
		s.spare = batch[:0]
	}
	s.mu.Unlock()

	return len(batch), nil
}

// Pending returns the number of actions waiting for the next drain.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	enqueued, pending := s.seq, len(s.pending)
	s.mu.Unlock()
	return Stats{
		Enqueued: enqueued,
		Executed: s.executed.Load(),
		Failed:   s.failed.Load(),
		Pending:  pending,
	}
}

func (s *Scheduler) check(fn func()) error {
	if !s.enabled.Load() {
		return ErrSchedulingDisabled
	}
	if fn == nil {
		return ErrNilAction
	}
	return nil
}

// execute runs a single action, isolating any panic.
func (s *Scheduler) execute(a action) {
	defer func() {
		s.executed.Add(1)
		if r := recover(); r != nil {
			s.failed.Add(1)
			s.fail(&ScheduledActionFailure{
				Value:  r,
				Action: funcName(a.fn),
				Stack:  debug.Stack(),
				ID:     a.id,
			})
		}
	}()
	a.fn()
}

func (s *Scheduler) fail(failure *ScheduledActionFailure) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("ERROR: scheduler: %v (logger panicked: %v)", failure, r)
			}
		}()
		s.logger.Warning().
			Uint64(`action_id`, failure.ID).
			Str(`action`, failure.Action).
			Err(failure).
			Log(`scheduled action failed`)
	}()
	if s.faults == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: scheduler: fault handler panicked: %v (original: %v)", r, failure)
		}
	}()
	s.faults.HandleRecoverable(failure)
}

func (s *Scheduler) logError(msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: scheduler: %s: %v (logger panicked: %v)", msg, err, r)
		}
	}()
	s.logger.Err().Err(err).Log(msg)
}
