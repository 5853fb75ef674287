// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package mainloop

import (
	"sync"
	"time"
)

// Session models the window (or equivalent) the loop drives. The loop only
// reads and calls these, on the main context. Implementations are owned by
// the windowing collaborator.
type Session interface {
	// Exists reports whether the session is still open.
	Exists() bool
	// IsExiting reports whether the session is closing.
	IsExiting() bool
	// Focused reports whether the session currently has input focus.
	Focused() bool
	// Minimized reports whether the session is minimized (nothing to draw).
	Minimized() bool
	// PumpEvents processes pending input and window events.
	PumpEvents()
	// SetVSync toggles presentation synchronization.
	SetVSync(enabled bool)
	// Present swaps buffers, after a draw.
	Present()
	// SetVisible shows or hides the session.
	SetVisible(visible bool)
}

// Handler is the application, called only from the main context.
type Handler interface {
	// Update advances the application. now is the monotonic time since the
	// loop started. fixed is true for fixed-rate steps, in which case now is
	// the fixed-rate clock, a multiple of the fixed step.
	Update(now time.Duration, fixed bool) error
	// Draw renders the current state.
	Draw() error
}

// HandlerFuncs implements Handler using functions, either of which may be nil.
type HandlerFuncs struct {
	UpdateFunc func(now time.Duration, fixed bool) error
	DrawFunc   func() error
}

var (
	// compile time assertions

	_ Handler = HandlerFuncs{}
	_ Session = (*HeadlessSession)(nil)
)

// Update implements Handler.
func (x HandlerFuncs) Update(now time.Duration, fixed bool) error {
	if x.UpdateFunc == nil {
		return nil
	}
	return x.UpdateFunc(now, fixed)
}

// Draw implements Handler.
func (x HandlerFuncs) Draw() error {
	if x.DrawFunc == nil {
		return nil
	}
	return x.DrawFunc()
}

// HeadlessSession is an in-memory Session, without a window, e.g. for
// servers, tests, and tools. It is safe for concurrent use, so that it may be
// closed from any goroutine. The zero value is not usable, see
// NewHeadlessSession.
type HeadlessSession struct {
	mu        sync.Mutex
	onPump    func()
	pumps     uint64
	presents  uint64
	closed    bool
	exiting   bool
	focused   bool
	minimized bool
	vsync     bool
	visible   bool
}

// NewHeadlessSession returns an open, focused, hidden session.
func NewHeadlessSession() *HeadlessSession {
	return &HeadlessSession{focused: true}
}

// Exists implements Session.
func (x *HeadlessSession) Exists() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return !x.closed
}

// IsExiting implements Session.
func (x *HeadlessSession) IsExiting() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.exiting
}

// Focused implements Session.
func (x *HeadlessSession) Focused() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.focused
}

// Minimized implements Session.
func (x *HeadlessSession) Minimized() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.minimized
}

// PumpEvents implements Session, calling the OnPump hook, if any.
func (x *HeadlessSession) PumpEvents() {
	x.mu.Lock()
	x.pumps++
	fn := x.onPump
	x.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SetVSync implements Session.
func (x *HeadlessSession) SetVSync(enabled bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.vsync = enabled
}

// Present implements Session.
func (x *HeadlessSession) Present() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.presents++
}

// SetVisible implements Session.
func (x *HeadlessSession) SetVisible(visible bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.visible = visible
}

// Close marks the session as exiting, then closed. The loop stops at its next
// liveness check.
func (x *HeadlessSession) Close() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.exiting = true
	x.closed = true
}

// SetFocused changes the reported focus.
func (x *HeadlessSession) SetFocused(focused bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.focused = focused
}

// SetMinimized changes the reported minimized state.
func (x *HeadlessSession) SetMinimized(minimized bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.minimized = minimized
}

// OnPump sets a hook, called (without locks held) on each PumpEvents.
func (x *HeadlessSession) OnPump(fn func()) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.onPump = fn
}

// VSync returns the last value passed to SetVSync.
func (x *HeadlessSession) VSync() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.vsync
}

// Visible returns the last value passed to SetVisible.
func (x *HeadlessSession) Visible() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.visible
}

// Presents returns the number of Present calls.
func (x *HeadlessSession) Presents() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.presents
}

// Pumps returns the number of PumpEvents calls.
func (x *HeadlessSession) Pumps() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.pumps
}
