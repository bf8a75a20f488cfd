// ABOUTME: Host bridge exposing synchronisation sessions through handles
// ABOUTME: Translates engine events into JSON-style messages delivered to sinks
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Resonate-Protocol/csssync-go/pkg/csssync"
)

var (
	// ErrNoSuchSession is returned for unknown handles
	ErrNoSuchSession = errors.New("no such session")

	// ErrNoSuchTimeline is returned when starting on an unknown timeline id
	ErrNoSuchTimeline = errors.New("no such timeline")
)

// Handle identifies a session within one Bridge
type Handle int64

// Message is one event delivered to a host, shaped like a JSON object
type Message map[string]any

// Sink receives messages. It is called from the session's forwarding
// goroutine and must not block for long. A sink may destroy its own session;
// no further messages are delivered after that call.
type Sink func(Message)

// session couples an engine with the sinks its events are routed to
type session struct {
	engine *csssync.Engine

	mu         sync.Mutex
	infoSink   Sink
	syncSink   Sink
	delivering bool
	destroyed  bool

	forwarded chan struct{}
}

// Bridge owns a set of sessions addressed by handle
type Bridge struct {
	base csssync.Config
	log  zerolog.Logger

	mu       sync.Mutex
	next     Handle
	sessions map[Handle]*session
}

// New creates a bridge. base supplies shared engine settings such as the
// dialer, logger and metrics; SyncURL, SessionID and the update period are
// set per session.
func New(base csssync.Config) *Bridge {
	logger := log.Logger
	if base.Logger != nil {
		logger = *base.Logger
	}
	return &Bridge{
		base:     base,
		log:      logger.With().Str("component", "bridge").Logger(),
		next:     1,
		sessions: make(map[Handle]*session),
	}
}

// CreateSession creates an engine for syncURL. name becomes the session id
// (random when empty) and periodMs, when positive, the wallclock update
// period. sink, when not nil, receives the "created" message.
func (b *Bridge) CreateSession(syncURL, name string, periodMs int, sink Sink) (Handle, error) {
	config := b.base
	config.SyncURL = syncURL
	config.SessionID = name
	if periodMs > 0 {
		config.WallclockUpdatePeriod = time.Duration(periodMs) * time.Millisecond
	}

	engine, err := csssync.New(config)
	if err != nil {
		return 0, err
	}

	s := &session{engine: engine, forwarded: make(chan struct{})}

	b.mu.Lock()
	h := b.next
	b.next++
	b.sessions[h] = s
	b.mu.Unlock()

	go b.forward(h, s)

	b.log.Debug().Int64("handle", int64(h)).Str("sync_url", syncURL).Msg("session created")
	deliver(sink, Message{"type": "created", "id": int64(h)})
	return h, nil
}

func (b *Bridge) lookup(h Handle) (*session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchSession, h)
	}
	return s, nil
}

// RequestInfo starts content discovery; discovery events go to sink
func (b *Bridge) RequestInfo(ctx context.Context, h Handle, sink Sink) error {
	s, err := b.lookup(h)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.infoSink = sink
	s.mu.Unlock()

	if err := s.engine.ObtainSynchronisationInformation(ctx); err != nil {
		return err
	}
	deliver(sink, Message{"type": "obtainStarted"})
	return nil
}

// StartSync starts synchronising on a timeline; sync events go to sink
func (b *Bridge) StartSync(ctx context.Context, h Handle, timelineID int, sink Sink) error {
	s, err := b.lookup(h)
	if err != nil {
		return err
	}
	if _, ok := s.engine.Timeline(timelineID); !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchTimeline, timelineID)
	}

	s.mu.Lock()
	s.syncSink = sink
	s.mu.Unlock()

	if err := s.engine.StartSynchronisation(ctx, timelineID); err != nil {
		return err
	}
	deliver(sink, Message{"type": "started"})
	return nil
}

// StopSync stops synchronisation, keeping the session
func (b *Bridge) StopSync(h Handle) error {
	s, err := b.lookup(h)
	if err != nil {
		return err
	}
	s.engine.StopSynchronisation()
	return nil
}

// DestroySession destroys the session and forgets the handle. Unknown
// handles are ignored.
func (b *Bridge) DestroySession(h Handle) {
	b.mu.Lock()
	s, ok := b.sessions[h]
	delete(b.sessions, h)
	b.mu.Unlock()

	if !ok {
		return
	}

	s.mu.Lock()
	s.destroyed = true
	busy := s.delivering
	s.mu.Unlock()

	s.engine.Destroy()
	// while a sink is running the forwarder may be our caller; it exits on
	// its own once the closed event channel drains
	if !busy {
		<-s.forwarded
	}
	b.log.Debug().Int64("handle", int64(h)).Msg("session destroyed")
}

// QueryCurrentTime returns the synchronized presentation time in seconds,
// or nil when not synchronized
func (b *Bridge) QueryCurrentTime(h Handle) (*float64, error) {
	s, err := b.lookup(h)
	if err != nil {
		return nil, err
	}
	t, err := s.engine.SynchronizedPresentationTime()
	if err != nil {
		return nil, nil
	}
	secs := t.Seconds()
	return &secs, nil
}

// OverrideTimelineSyncURL replaces the TS endpoint of a session
func (b *Bridge) OverrideTimelineSyncURL(h Handle, rawURL string) error {
	s, err := b.lookup(h)
	if err != nil {
		return err
	}
	return s.engine.SetTimelineSyncURL(rawURL)
}

// OverrideWallclockURL replaces the wallclock endpoint of a session
func (b *Bridge) OverrideWallclockURL(h Handle, rawURL string) error {
	s, err := b.lookup(h)
	if err != nil {
		return err
	}
	return s.engine.SetWallclockURL(rawURL)
}

// Engine returns the engine behind a handle
func (b *Bridge) Engine(h Handle) (*csssync.Engine, error) {
	s, err := b.lookup(h)
	if err != nil {
		return nil, err
	}
	return s.engine, nil
}

// Close destroys every session
func (b *Bridge) Close() {
	b.mu.Lock()
	handles := make([]Handle, 0, len(b.sessions))
	for h := range b.sessions {
		handles = append(handles, h)
	}
	b.mu.Unlock()

	for _, h := range handles {
		b.DestroySession(h)
	}
}

// forward routes engine events to the session sinks until the engine is destroyed
func (b *Bridge) forward(h Handle, s *session) {
	defer close(s.forwarded)

	for ev := range s.engine.Events() {
		msg := toMessage(ev)
		if msg == nil {
			continue
		}

		s.mu.Lock()
		if s.destroyed {
			s.mu.Unlock()
			continue
		}
		sink := s.infoSink
		if ev.Source == csssync.SourceSync {
			sink = s.syncSink
		}
		s.delivering = true
		s.mu.Unlock()

		deliver(sink, msg)

		s.mu.Lock()
		s.delivering = false
		s.mu.Unlock()
	}
}

func deliver(sink Sink, msg Message) {
	if sink != nil {
		sink(msg)
	}
}
