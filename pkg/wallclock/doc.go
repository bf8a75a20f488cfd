// ABOUTME: Wallclock synchronisation package
// ABOUTME: Estimates offset between the local clock and a remote wallclock over UDP
// Package wallclock implements the client side of the wallclock
// synchronisation protocol.
//
// A Client sends 32-byte request frames to a server at a fixed period and
// derives the clock offset and round-trip time from each response.
//
// Example:
//
//	wc, err := wallclock.New(wallclock.Config{ServerURL: "udp://192.168.1.20:6677"})
//	err = wc.Start()
//	remote := wc.RemoteNowNanos()
package wallclock
