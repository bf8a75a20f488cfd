// ABOUTME: Errors returned by the synchronisation engine
// ABOUTME: Sentinel values callers check with errors.Is
package csssync

import (
	"errors"

	"github.com/Resonate-Protocol/csssync-go/pkg/protocol"
)

var (
	// ErrNotSynchronized is returned when the presentation time cannot be computed yet
	ErrNotSynchronized = errors.New("not synchronized")

	// ErrStopped is returned by control operations after Destroy
	ErrStopped = errors.New("engine stopped")

	ErrUnknownTimeline      = errors.New("unknown timeline")
	ErrNoWallclockURL       = errors.New("no wallclock url known")
	ErrAlreadySynchronizing = errors.New("already synchronizing")

	// ErrInvalidURL is returned for malformed endpoint URLs
	ErrInvalidURL = protocol.ErrInvalidURL
)
