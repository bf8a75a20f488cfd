// ABOUTME: Session status tracking for the TUI and log output
// ABOUTME: Folds engine events and engine queries into status snapshots
package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Resonate-Protocol/csssync-go/internal/ui"
	"github.com/Resonate-Protocol/csssync-go/pkg/csssync"
	"github.com/Resonate-Protocol/csssync-go/pkg/timeline"
)

var errNoTimelines = errors.New("no timelines offered")

// awaitTimelines consumes events until the TV announces its timelines
func awaitTimelines(ctx context.Context, engine *csssync.Engine, logger zerolog.Logger) ([]timeline.Selector, error) {
	logger.Info().Msg("waiting for content identification")
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-engine.Events():
			if !ok {
				return nil, csssync.ErrStopped
			}
			switch ev.Type {
			case csssync.EventTimelinesAvailable:
				return ev.Timelines, nil
			case csssync.EventContentIDChanged:
				logger.Info().Str("content_id", ev.ContentID).Msg("content identified")
			case csssync.EventError:
				logger.Warn().Err(ev.Err).Msg("discovery error")
			}
		}
	}
}

// pickTimeline selects by 1-based index or by selector
func pickTimeline(timelines []timeline.Selector, want string) (timeline.Selector, error) {
	if len(timelines) == 0 {
		return timeline.Selector{}, errNoTimelines
	}
	if id, err := strconv.Atoi(want); err == nil {
		for _, sel := range timelines {
			if sel.ID == id {
				return sel, nil
			}
		}
		return timeline.Selector{}, fmt.Errorf("%w: index %d of %d", csssync.ErrUnknownTimeline, id, len(timelines))
	}

	for _, sel := range timelines {
		if strings.EqualFold(sel.Raw, want) {
			return sel, nil
		}
	}

	offered := make([]string, 0, len(timelines))
	for _, sel := range timelines {
		offered = append(offered, sel.Raw)
	}
	return timeline.Selector{}, fmt.Errorf("%w: %q not offered (have %s)",
		csssync.ErrUnknownTimeline, want, strings.Join(offered, ", "))
}

// statusTracker remembers what only events tell us
type statusTracker struct {
	ciiURL string
	engine *csssync.Engine

	mu            sync.Mutex
	lastErr       string
	wallclockDown bool
}

func newStatusTracker(ciiURL string, engine *csssync.Engine) *statusTracker {
	return &statusTracker{ciiURL: ciiURL, engine: engine}
}

// consume logs engine events until ctx is done or the channel closes
func (s *statusTracker) consume(ctx context.Context, events <-chan csssync.Event, logger zerolog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.apply(ev, logger)
		}
	}
}

func (s *statusTracker) apply(ev csssync.Event, logger zerolog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case csssync.EventError:
		s.lastErr = ev.Err.Error()
		logger.Warn().Err(ev.Err).Stringer("source", ev.Source).Msg("session error")
	case csssync.EventWallclockDown:
		s.wallclockDown = true
		s.lastErr = "wallclock channel down"
		logger.Error().Err(ev.Err).Msg("wallclock channel down")
	case csssync.EventWallclockSynced:
		s.wallclockDown = false
		logger.Info().Msg("wallclock synchronised")
	case csssync.EventContentIDChanged:
		logger.Info().Str("content_id", ev.ContentID).Msg("content changed")
	case csssync.EventAvailable:
		logger.Info().Msg("timeline sync connected")
	case csssync.EventUnavailable:
		logger.Warn().Err(ev.Err).Msg("timeline sync unavailable")
	case csssync.EventPropertiesChanged:
		logger.Debug().
			Bool("available", ev.Properties.Available).
			Float32("speed", ev.Properties.SpeedMultiplier).
			Msg("timeline properties changed")
	}
}

// snapshot builds a TUI status message from the engine
func (s *statusTracker) snapshot() ui.StatusMsg {
	session := s.engine.Session()
	wc := s.engine.WallclockState()

	msg := ui.StatusMsg{
		CIIURL:             s.ciiURL,
		SessionID:          session.SessionID,
		State:              s.engine.State().String(),
		PresentationStatus: session.PresentationStatus.String(),
		Offset:             wc.Offset(),
		RTT:                wc.RoundTrip(),
		Updates:            wc.Updates,
		WallclockValid:     wc.Valid,
	}
	if session.ContentID != nil {
		msg.ContentID = *session.ContentID
	}
	if sel, ok := s.engine.SelectedTimeline(); ok {
		msg.Timeline = sel.Raw
	}
	if props, ok := s.engine.SyncProperties(); ok {
		msg.Available = props.Available
		msg.Speed = props.SpeedMultiplier
	}
	if pts, err := s.engine.SynchronizedPresentationTime(); err == nil {
		msg.PTS = &pts
	}

	s.mu.Lock()
	msg.WallclockDown = s.wallclockDown
	msg.Err = s.lastErr
	s.mu.Unlock()
	return msg
}

// log writes one status line
func (s *statusTracker) log(logger zerolog.Logger) {
	st := s.snapshot()
	ev := logger.Info().
		Str("state", st.State).
		Dur("offset", st.Offset).
		Dur("rtt", st.RTT).
		Bool("available", st.Available)
	if st.PTS != nil {
		ev = ev.Dur("presentation_time", *st.PTS).Float32("speed", st.Speed)
	}
	ev.Msg("status")
}
