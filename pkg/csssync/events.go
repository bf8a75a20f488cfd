// ABOUTME: Engine event stream types
// ABOUTME: One tagged event type covering discovery and synchronisation
package csssync

import (
	"encoding/json"
	"time"

	"github.com/Resonate-Protocol/csssync-go/pkg/protocol"
	"github.com/Resonate-Protocol/csssync-go/pkg/timeline"
)

// EventType tags an Event
type EventType int

const (
	EventContentIDChanged EventType = iota
	EventTimelinesAvailable
	EventError
	EventSyncMessage
	EventWallclockSynced
	EventWallclockUpdated
	EventWallclockDown
	EventAvailable
	EventUnavailable
	EventPropertiesChanged
)

func (t EventType) String() string {
	switch t {
	case EventContentIDChanged:
		return "contentIdChanged"
	case EventTimelinesAvailable:
		return "timelinesAvailable"
	case EventError:
		return "error"
	case EventSyncMessage:
		return "syncMessage"
	case EventWallclockSynced:
		return "wallclockSynced"
	case EventWallclockUpdated:
		return "wallclockUpdated"
	case EventWallclockDown:
		return "wallclockDown"
	case EventAvailable:
		return "available"
	case EventUnavailable:
		return "unavailable"
	case EventPropertiesChanged:
		return "propertiesChanged"
	default:
		return "unknown"
	}
}

// Source says which side of the engine produced an event
type Source int

const (
	// SourceDiscovery covers content identification
	SourceDiscovery Source = iota
	// SourceSync covers the wallclock and timeline synchronisation
	SourceSync
)

func (s Source) String() string {
	if s == SourceSync {
		return "sync"
	}
	return "discovery"
}

// Event is one item of the engine event stream. Only the fields relevant to
// Type are set.
type Event struct {
	Type   EventType
	Source Source

	ContentID  string              // EventContentIDChanged
	Timelines  []timeline.Selector // EventTimelinesAvailable
	Err        error               // EventError, EventWallclockDown
	Message    json.RawMessage     // EventSyncMessage
	Properties protocol.SyncProperties

	// Timestamp is the synchronized presentation time at the moment the
	// event was produced, nil when not synchronized.
	// Set on EventWallclockUpdated and EventPropertiesChanged.
	Timestamp *time.Duration
}
