// ABOUTME: Session descriptor for one synchronisation session
// ABOUTME: What the engine has learned about the content and its endpoints
package csssync

import (
	"net/url"

	"github.com/Resonate-Protocol/csssync-go/pkg/protocol"
)

// Session describes what is known about the content being synchronised.
// Values returned by Engine.Session are copies.
type Session struct {
	SyncURL            string
	SessionID          string
	ContentID          *string
	PresentationStatus protocol.PresentationStatus
	ContentIDStatus    protocol.ContentIDStatus
	TimelineSyncURL    *url.URL
	WallclockURL       *url.URL
	ProtocolVersion    protocol.ProtocolVersion
}

func (s Session) clone() Session {
	out := s
	if s.ContentID != nil {
		id := *s.ContentID
		out.ContentID = &id
	}
	out.TimelineSyncURL = cloneURL(s.TimelineSyncURL)
	out.WallclockURL = cloneURL(s.WallclockURL)
	return out
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}
