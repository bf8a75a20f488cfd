// ABOUTME: Local monotonic time source for the wallclock client
// ABOUTME: Injectable so tests and embedders can supply their own clock
package wallclock

import "github.com/jonboulle/clockwork"

// MonotonicClock supplies a monotonically increasing local nanosecond timestamp
type MonotonicClock interface {
	NowNanos() int64
}

// MonotonicFunc adapts a plain function to MonotonicClock
type MonotonicFunc func() int64

// NowNanos calls f
func (f MonotonicFunc) NowNanos() int64 {
	return f()
}

// FromClock derives a monotonic nanosecond clock from c, counting from the
// moment FromClock is called.
func FromClock(c clockwork.Clock) MonotonicClock {
	start := c.Now()
	return MonotonicFunc(func() int64 {
		return int64(c.Since(start))
	})
}

var systemClock = FromClock(clockwork.NewRealClock())

// SystemClock returns the process-wide monotonic clock
func SystemClock() MonotonicClock {
	return systemClock
}
