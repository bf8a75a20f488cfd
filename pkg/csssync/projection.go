// ABOUTME: Presentation time projection
// ABOUTME: Extrapolates the last control timestamp to the current wallclock time
package csssync

import (
	"math"
	"time"

	"github.com/Resonate-Protocol/csssync-go/pkg/protocol"
)

// Project computes the presentation time for the local monotonic instant
// localNowNanos. offsetNanos maps local time to remote wallclock time and
// props is the latest control timestamp. unitsPerSecond must be positive.
func Project(localNowNanos, offsetNanos int64, props protocol.SyncProperties, unitsPerSecond int) time.Duration {
	remoteNow := localNowNanos + offsetNanos
	delta := remoteNow - props.RemoteWallclockNanos

	ups := float64(unitsPerSecond)
	elapsedUnits := float64(delta) * ups / float64(time.Second) * float64(props.SpeedMultiplier)
	units := float64(props.RemoteContentTimeUnits) + elapsedUnits

	return time.Duration(math.Round(units * float64(time.Second) / ups))
}
