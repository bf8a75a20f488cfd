// ABOUTME: Wallclock offset and round-trip estimation
// ABOUTME: Four-timestamp arithmetic plus the snapshot type readers consume
package wallclock

import "time"

// State is a snapshot of the current wallclock estimate
type State struct {
	OffsetNanos     int64 // add to local monotonic time to get remote wallclock time
	RoundTripNanos  int32
	Valid           bool // true once the first response was processed, never reset
	Precision       int8 // server precision, log2 seconds
	MaxFreqErrorPPM float64
	Updates         uint64
	LastUpdateNanos int64 // local monotonic time of the last processed response
}

// Offset returns the offset as a duration
func (s State) Offset() time.Duration {
	return time.Duration(s.OffsetNanos)
}

// RoundTrip returns the round-trip time as a duration
func (s State) RoundTrip() time.Duration {
	return time.Duration(s.RoundTripNanos)
}

// Estimate computes clock offset and round-trip time from one exchange.
//
//	t1: local send time (origin, echoed by the server)
//	t2: server receive time
//	t3: server transmit time
//	t4: local receive time
//
// offset is positive when the server clock is ahead.
func Estimate(t1, t2, t3, t4 int64) (offset, rtt int64) {
	offset = ((t2 + t3) - (t1 + t4)) / 2
	rtt = (t4 - t1) - (t3 - t2)
	return
}
