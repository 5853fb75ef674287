// Package mainloop drives an interactive application from a single main
// context: a fixed-timestep update loop, an optional variable-rate update, a
// draw pass, the draining of work marshaled from other goroutines, and a
// frame-budget throttle.
//
// # Architecture
//
// The [Loop] owns the frame clock, and runs exclusively on the goroutine
// recorded by affinity.Capture. Other goroutines never touch session state
// directly, they hand work to the [scheduler.Scheduler], which the loop drains
// once per iteration. Failures are isolated by the faultbarrier package:
// drained actions report recoverable faults, while panics escaping the update
// and draw callbacks are fatal.
//
// The window, graphics context, and audio device are collaborators, modeled by
// the [Session] interface. [HeadlessSession] is an in-memory implementation.
//
// # Frame
//
// Each iteration:
//  1. Samples the clock and the session's focus.
//  2. Pumps session events.
//  3. Runs at most [DefaultMaxFixedSteps] fixed-rate updates, dropping any
//     further backlog (e.g. after a stall).
//  4. If no fixed update ran, and the session is focused, runs one
//     variable-rate update.
//  5. Draws and presents (unless minimized), with vsync off while focused.
//  6. Shows the session, after the first frame.
//  7. Drains the scheduler.
//  8. Sleeps for the remainder of the frame budget: the target frame time
//     while focused, the fixed step otherwise.
//  9. Updates the rolling frame statistics.
//
// # Usage
//
//	aff := affinity.Capture()
//	sched, err := scheduler.New(aff)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sched.EnableScheduling()
//
//	loop, err := mainloop.New(session, mainloop.HandlerFuncs{
//	    UpdateFunc: func(now time.Duration, fixed bool) error { return nil },
//	    DrawFunc:   func() error { return nil },
//	}, sched)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := loop.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
package mainloop
