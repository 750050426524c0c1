// Package clockutil wraps the clocks used by the metric substrate: a coarse
// realtime clock for poll timestamps and a monotonic timer for latency
// measurements.
package clockutil

import (
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

// Timer scale factors converting a nanosecond duration into the unit the
// caller wants to record.
const (
	ScaleSec  = 1.0e-9
	ScaleMsec = 1.0e-6
	ScaleUsec = 1.0e-3
	ScaleNsec = 1.0
)

// WallSeconds returns the coarse realtime clock in whole seconds.
func WallSeconds() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_REALTIME_COARSE, &ts); err != nil {
		return uint64(time.Now().Unix())
	}
	return uint64(ts.Sec)
}

// Timer measures elapsed time on the monotonic clock.
type Timer struct {
	t0 time.Time
}

// Start resets the timer to now.
func (t *Timer) Start() {
	t.t0 = time.Now()
}

// Elapsed returns the time since Start scaled by one of the Scale constants.
func (t *Timer) Elapsed(scale float64) float64 {
	return float64(time.Since(t.t0).Nanoseconds()) * scale
}

// Nsleep sleeps for the given number of nanoseconds.
func Nsleep(nanos uint64) {
	time.Sleep(time.Duration(nanos))
}

// Yield relinquishes the processor to let other goroutines run.
func Yield() {
	runtime.Gosched()
}
