// ABOUTME: Engine event to host message conversion
// ABOUTME: Field names follow the host-facing JSON event format
package bridge

import (
	"time"

	"github.com/Resonate-Protocol/csssync-go/pkg/csssync"
)

// toMessage converts an engine event; nil means the event is not forwarded
func toMessage(ev csssync.Event) Message {
	switch ev.Type {
	case csssync.EventContentIDChanged:
		return Message{"type": "contentIdChanged", "contentId": ev.ContentID}

	case csssync.EventTimelinesAvailable:
		timelines := make([]Message, 0, len(ev.Timelines))
		for _, sel := range ev.Timelines {
			timelines = append(timelines, Message{"id": sel.ID, "selector": sel.Raw})
		}
		return Message{"type": "timelinesAvailable", "timelines": timelines}

	case csssync.EventError:
		return Message{"type": "error", "description": describe(ev.Err)}

	case csssync.EventWallclockDown:
		return Message{"type": "error", "description": "wallclock channel down"}

	case csssync.EventSyncMessage:
		return Message{"type": "syncMessage", "msg": ev.Message}

	case csssync.EventWallclockSynced:
		return Message{"type": "wallclockSynced"}

	case csssync.EventWallclockUpdated:
		return Message{"type": "wallclockUpdated", "timestamp": seconds(ev.Timestamp)}

	case csssync.EventAvailable:
		return Message{"type": "available"}

	case csssync.EventUnavailable:
		return Message{"type": "unavailable"}

	case csssync.EventPropertiesChanged:
		props := Message{"available": ev.Properties.Available}
		if ev.Properties.Available && ev.Timestamp != nil {
			props["speedMultiplier"] = ev.Properties.SpeedMultiplier
			props["remoteWallclock"] = ev.Properties.RemoteWallclockNanos
			props["remoteContentTime"] = ev.Properties.RemoteContentTimeUnits
		}
		return Message{"type": "propertiesChanged", "properties": props, "timestamp": seconds(ev.Timestamp)}
	}
	return nil
}

// seconds renders a presentation time as fractional seconds, nil when unknown
func seconds(t *time.Duration) any {
	if t == nil {
		return nil
	}
	return t.Seconds()
}

func describe(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
