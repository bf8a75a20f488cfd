// ABOUTME: Companion screen synchronisation engine package
// ABOUTME: Combines content discovery, wallclock and timeline sync into one session
// Package csssync implements the synchronisation engine.
//
// An Engine discovers content and timelines over CII, then follows one
// timeline over TS while estimating the remote wallclock over UDP. The
// result is the presentation time of the reference device, available at
// any instant.
//
// Example:
//
//	engine, err := csssync.New(csssync.Config{SyncURL: "ws://tv.local:7681/cii"})
//	err = engine.ObtainSynchronisationInformation(ctx)
//	// wait for EventTimelinesAvailable on engine.Events()
//	err = engine.StartSynchronisation(ctx, 1)
//	pts, err := engine.SynchronizedPresentationTime()
package csssync
