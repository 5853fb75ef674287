package mainloop

import (
	"fmt"
	"time"
)

// Stats is a snapshot of the loop's frame timing, published at most once per
// stats interval. Frame times span a whole iteration, sleep included.
type Stats struct {
	// FPS is the iteration rate over the last interval.
	FPS float64
	// Average is an exponential moving average of the frame time.
	Average time.Duration
	// Peak is the longest frame time within the last interval.
	Peak time.Duration
	// Active is an exponential moving average of the work done per
	// iteration, excluding the sleep.
	Active time.Duration
	// Frames is the total number of iterations, at the time of the snapshot.
	Frames uint64
}

// String formats the snapshot for display, e.g. "60 fps, 1.25 ms avg, 3.50 ms peak".
func (x Stats) String() string {
	return fmt.Sprintf("%.0f fps, %.2f ms avg, %.2f ms peak", x.FPS, millis(x.Average), millis(x.Peak))
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
