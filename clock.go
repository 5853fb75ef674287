package mainloop

import (
	"context"
	"time"
)

// Clock is the loop's source of monotonic time, and its means of sleeping.
type Clock interface {
	// Now returns the monotonic time elapsed since an arbitrary, fixed anchor.
	Now() time.Duration
	// Sleep blocks for d, or until ctx is done.
	Sleep(ctx context.Context, d time.Duration)
}

// MonotonicClock implements Clock using the runtime's monotonic clock.
type MonotonicClock struct {
	// Reference time for monotonicity (initialized once, never changes)
	anchor time.Time
}

var _ Clock = (*MonotonicClock)(nil)

// NewMonotonicClock returns a clock anchored at the current time.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{anchor: time.Now()}
}

// Now implements Clock. time.Since uses the monotonic reading, so the result
// is unaffected by wall-clock adjustments.
func (x *MonotonicClock) Now() time.Duration {
	return time.Since(x.anchor)
}

// Sleep implements Clock.
func (x *MonotonicClock) Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
