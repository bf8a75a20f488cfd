// ABOUTME: Synchronisation engine fusing wallclock, CII and TS
// ABOUTME: Owns one session lifecycle and computes the synchronized presentation time
package csssync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Resonate-Protocol/csssync-go/pkg/protocol"
	"github.com/Resonate-Protocol/csssync-go/pkg/timeline"
	"github.com/Resonate-Protocol/csssync-go/pkg/wallclock"
)

// DefaultEventBuffer is the capacity of the engine event channel
const DefaultEventBuffer = 64

// Config holds engine configuration
type Config struct {
	// SyncURL is the CII endpoint (ws:// or wss://)
	SyncURL string

	// SessionID identifies the session; a random UUID when empty
	SessionID string

	// WallclockUpdatePeriod is the wallclock request interval (default: 1s)
	WallclockUpdatePeriod time.Duration

	// Clock is the local monotonic time source (default: wallclock.SystemClock)
	Clock wallclock.MonotonicClock

	// Ticker drives wallclock requests (default: real clock)
	Ticker clockwork.Clock

	// Dialer is used for the CII and TS connections (default: websocket.DefaultDialer)
	Dialer *websocket.Dialer

	// Header is added to the CII and TS handshakes, e.g. a User-Agent
	Header http.Header

	// Metrics may be shared between engines (default: a private instance)
	Metrics *Metrics

	// EventBuffer is the event channel capacity (default: DefaultEventBuffer)
	EventBuffer int

	Logger *zerolog.Logger
}

// Engine drives one synchronisation session. Control operations are
// serialised; queries may be called from any goroutine.
type Engine struct {
	config  Config
	log     zerolog.Logger
	metrics *Metrics

	// ctrlMu serialises control operations
	ctrlMu sync.Mutex

	// mu guards everything below
	mu        sync.RWMutex
	state     State
	session   Session
	timelines []timeline.Selector
	selected  *timeline.Selector
	cii       *protocol.CIIClient
	ts        *protocol.TSClient
	tsDone    chan struct{}
	wc        *wallclock.Client
	wcSynced  bool

	props atomic.Pointer[protocol.SyncProperties]

	events      chan Event
	dropWarn    rate.Sometimes
	pumps       sync.WaitGroup
	destroyOnce sync.Once
}

// New creates an engine for the CII endpoint in config.SyncURL
func New(config Config) (*Engine, error) {
	if _, err := protocol.ParseEndpointURL(config.SyncURL); err != nil {
		return nil, fmt.Errorf("sync url: %w", err)
	}
	if config.SessionID == "" {
		config.SessionID = uuid.New().String()
	}
	if config.Clock == nil {
		config.Clock = wallclock.SystemClock()
	}
	if config.Metrics == nil {
		config.Metrics = NewMetrics()
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultEventBuffer
	}

	base := log.Logger
	if config.Logger != nil {
		base = *config.Logger
	}

	e := &Engine{
		config:  config,
		log:     base.With().Str("session", config.SessionID).Logger(),
		metrics: config.Metrics,
		state:   StateCreated,
		session: Session{
			SyncURL:   config.SyncURL,
			SessionID: config.SessionID,
		},
		events:   make(chan Event, config.EventBuffer),
		dropWarn: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}

	e.log.Debug().Str("sync_url", config.SyncURL).Msg("engine created")
	return e, nil
}

// Events returns the event stream. The channel is closed by Destroy.
// Events are dropped, with a warning, when the channel is full.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Metrics returns the collectors this engine reports to
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// ObtainSynchronisationInformation connects to the CII endpoint. It is a
// no-op while a CII connection is open.
func (e *Engine) ObtainSynchronisationInformation(ctx context.Context) error {
	e.ctrlMu.Lock()
	defer e.ctrlMu.Unlock()

	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return ErrStopped
	}
	if e.cii != nil {
		e.mu.Unlock()
		e.log.Debug().Msg("CII connection already open")
		return nil
	}

	cii := protocol.NewCIIClient(protocol.CIIConfig{
		URL:    e.config.SyncURL,
		Dialer: e.config.Dialer,
		Header: e.config.Header,
		Logger: &e.log,
	})
	e.cii = cii
	e.timelines = nil
	if e.state == StateCreated {
		e.state = StateInfoRequested
	}
	e.mu.Unlock()

	if err := cii.Connect(ctx); err != nil {
		e.mu.Lock()
		e.cii = nil
		e.mu.Unlock()
		return fmt.Errorf("connect CII: %w", err)
	}

	e.pumps.Add(1)
	go e.pumpCII(cii)
	return nil
}

// pumpCII applies CII events to the session until the client closes
func (e *Engine) pumpCII(cii *protocol.CIIClient) {
	defer e.pumps.Done()

	for ev := range cii.Events() {
		switch ev.Type {
		case protocol.CIIMessageReceived:
			e.applyCII(ev.Message)
		case protocol.CIIError:
			e.emitError(SourceDiscovery, ev.Err)
		case protocol.CIIClosed:
			e.log.Info().Err(ev.Err).Msg("CII connection closed")
			e.mu.Lock()
			if e.cii == cii {
				e.cii = nil
			}
			e.mu.Unlock()
		}
	}
}

// applyCII merges one CII message into the session and emits the resulting
// events in order.
func (e *Engine) applyCII(msg *protocol.CIIMessage) {
	e.metrics.incCII()
	out := []Event{{Type: EventSyncMessage, Source: SourceDiscovery, Message: msg.Raw}}

	e.mu.Lock()
	s := &e.session
	s.PresentationStatus = msg.PresentationStatus
	s.ContentIDStatus = msg.ContentIDStatus

	if msg.TSURL != nil {
		if *msg.TSURL == "" {
			s.TimelineSyncURL = nil
		} else if u, err := protocol.ParseEndpointURL(*msg.TSURL); err != nil {
			out = append(out, Event{Type: EventError, Source: SourceDiscovery, Err: fmt.Errorf("error parsing TS url: %w", err)})
		} else {
			s.TimelineSyncURL = u
		}
	}

	if msg.WCURL != nil {
		if *msg.WCURL == "" {
			s.WallclockURL = nil
		} else if u, err := protocol.ParseEndpointURL(*msg.WCURL); err != nil {
			out = append(out, Event{Type: EventError, Source: SourceDiscovery, Err: fmt.Errorf("error parsing wallclock url: %w", err)})
		} else {
			s.WallclockURL = u
		}
	}

	if msg.ProtocolVersion != nil {
		if v, err := protocol.ParseProtocolVersion(*msg.ProtocolVersion); err != nil {
			e.log.Debug().Err(err).Msg("keeping previous protocol version")
		} else {
			s.ProtocolVersion = v
		}
	}

	if msg.ContentID != nil && *msg.ContentID != "" && (s.ContentID == nil || *s.ContentID != *msg.ContentID) {
		id := *msg.ContentID
		s.ContentID = &id
		out = append(out, Event{Type: EventContentIDChanged, Source: SourceDiscovery, ContentID: id})
	}

	if msg.HasTimelines {
		e.timelines = make([]timeline.Selector, 0, len(msg.Timelines))
		for i, opt := range msg.Timelines {
			sel := timeline.Parse(opt.Selector, opt.UnitsPerSecond, opt.UnitsPerTick)
			sel.ID = i + 1
			e.timelines = append(e.timelines, sel)
		}
		if len(e.timelines) > 0 {
			out = append(out, Event{
				Type:      EventTimelinesAvailable,
				Source:    SourceDiscovery,
				Timelines: append([]timeline.Selector(nil), e.timelines...),
			})
			if e.state == StateInfoRequested {
				e.state = StateInfoAvailable
			}
		}
	}
	e.mu.Unlock()

	e.log.Debug().
		Stringer("presentation_status", msg.PresentationStatus).
		Stringer("content_id_status", msg.ContentIDStatus).
		Int("timelines", len(msg.Timelines)).
		Msg("CII message applied")

	for _, ev := range out {
		if ev.Type == EventError {
			e.metrics.incError(ev.Source)
		}
		e.emit(ev)
	}
}

// Timelines returns the timelines announced in the current discovery cycle
func (e *Engine) Timelines() []timeline.Selector {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]timeline.Selector(nil), e.timelines...)
}

// Timeline returns the timeline with the given id
func (e *Engine) Timeline(id int) (timeline.Selector, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.findTimelineLocked(id)
}

func (e *Engine) findTimelineLocked(id int) (timeline.Selector, bool) {
	for _, sel := range e.timelines {
		if sel.ID == id {
			return sel, true
		}
	}
	return timeline.Selector{}, false
}

// SetTimelineSyncURL overrides the TS endpoint; an empty string clears it
func (e *Engine) SetTimelineSyncURL(raw string) error {
	return e.setURL(raw, func(s *Session) **url.URL { return &s.TimelineSyncURL })
}

// SetWallclockURL overrides the wallclock endpoint; an empty string clears it
func (e *Engine) SetWallclockURL(raw string) error {
	return e.setURL(raw, func(s *Session) **url.URL { return &s.WallclockURL })
}

func (e *Engine) setURL(raw string, field func(*Session) **url.URL) error {
	var u *url.URL
	if raw != "" {
		parsed, err := protocol.ParseEndpointURL(raw)
		if err != nil {
			return err
		}
		u = parsed
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateStopped {
		return ErrStopped
	}
	*field(&e.session) = u
	return nil
}

// SetWallclockUpdatePeriod changes the wallclock request interval, applied
// immediately when synchronising.
func (e *Engine) SetWallclockUpdatePeriod(period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("invalid wallclock update period %v", period)
	}

	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return ErrStopped
	}
	e.config.WallclockUpdatePeriod = period
	wc := e.wc
	e.mu.Unlock()

	if wc != nil {
		return wc.SetUpdatePeriod(period)
	}
	return nil
}

// StartSynchronisation starts following the timeline with the given id.
// The wallclock endpoint must be known; the TS connection is only opened
// when a TS endpoint is known.
func (e *Engine) StartSynchronisation(ctx context.Context, timelineID int) error {
	e.ctrlMu.Lock()
	defer e.ctrlMu.Unlock()

	e.mu.RLock()
	state := e.state
	sel, found := e.findTimelineLocked(timelineID)
	session := e.session.clone()
	period := e.config.WallclockUpdatePeriod
	e.mu.RUnlock()

	switch {
	case state == StateStopped:
		return ErrStopped
	case state == StateSynchronizing:
		return ErrAlreadySynchronizing
	case !found:
		return fmt.Errorf("%w: %d", ErrUnknownTimeline, timelineID)
	case session.WallclockURL == nil:
		return ErrNoWallclockURL
	}

	e.props.Store(nil)
	e.metrics.setContentAvailable(false)

	wc, err := wallclock.New(wallclock.Config{
		ServerURL:    session.WallclockURL.String(),
		UpdatePeriod: period,
		Clock:        e.config.Clock,
		Ticker:       e.config.Ticker,
		OnUpdate:     e.onWallclockUpdate,
		OnDown:       e.onWallclockDown,
		Observer:     e.metrics,
		Logger:       &e.log,
	})
	if err != nil {
		return fmt.Errorf("start wallclock: %w", err)
	}

	e.mu.Lock()
	e.selected = &sel
	e.wc = wc
	e.wcSynced = false
	e.state = StateSynchronizing
	e.mu.Unlock()

	if err := wc.Start(); err != nil {
		e.stopSyncLocked()
		return fmt.Errorf("start wallclock: %w", err)
	}

	if session.TimelineSyncURL != nil {
		ts := protocol.NewTSClient(protocol.TSConfig{
			URL: session.TimelineSyncURL.String(),
			Setup: protocol.SetupData{
				ContentIDStem:    session.ContentID,
				TimelineSelector: sel.Raw,
			},
			Dialer: e.config.Dialer,
			Header: e.config.Header,
			Logger: &e.log,
		})
		if err := ts.Connect(ctx); err != nil {
			e.stopSyncLocked()
			return fmt.Errorf("connect TS: %w", err)
		}

		done := make(chan struct{})
		e.mu.Lock()
		e.ts = ts
		e.tsDone = done
		e.mu.Unlock()

		e.pumps.Add(1)
		go e.pumpTS(ts, done)
	} else {
		e.log.Warn().Msg("no TS url known, content will stay unavailable")
	}

	e.log.Info().
		Int("timeline", sel.ID).
		Str("selector", sel.Raw).
		Str("wallclock", session.WallclockURL.String()).
		Msg("synchronisation started")
	return nil
}

// StopSynchronisation closes the TS connection and the wallclock client.
// It is a no-op when not synchronising.
func (e *Engine) StopSynchronisation() {
	e.ctrlMu.Lock()
	defer e.ctrlMu.Unlock()
	e.stopSyncLocked()
}

// stopSyncLocked must be called with ctrlMu held
func (e *Engine) stopSyncLocked() {
	e.mu.Lock()
	ts, tsDone, wc := e.ts, e.tsDone, e.wc
	e.ts, e.tsDone, e.wc = nil, nil, nil
	e.selected = nil
	if e.state == StateSynchronizing {
		e.state = StateInfoAvailable
	}
	e.mu.Unlock()

	if ts != nil {
		ts.Close()
		<-tsDone
	}
	if wc != nil {
		wc.Destroy()
		e.log.Info().Msg("synchronisation stopped")
	}

	e.props.Store(nil)
	e.metrics.setContentAvailable(false)
}

// pumpTS applies TS events until the client closes
func (e *Engine) pumpTS(ts *protocol.TSClient, done chan struct{}) {
	defer e.pumps.Done()
	defer close(done)

	for ev := range ts.Events() {
		switch ev.Type {
		case protocol.TSAvailable:
			e.emit(Event{Type: EventAvailable, Source: SourceSync})

		case protocol.TSPropertiesChanged:
			props := ev.Properties
			e.props.Store(&props)
			e.metrics.incTS()
			e.metrics.setContentAvailable(props.Available)
			e.log.Debug().
				Bool("available", props.Available).
				Float32("speed", props.SpeedMultiplier).
				Int64("wallclock", props.RemoteWallclockNanos).
				Int64("content_time", props.RemoteContentTimeUnits).
				Msg("sync properties changed")
			e.emit(Event{
				Type:       EventPropertiesChanged,
				Source:     SourceSync,
				Properties: props,
				Timestamp:  e.timestamp(),
			})

		case protocol.TSError:
			e.emitError(SourceSync, ev.Err)

		case protocol.TSUnavailable:
			if props := e.props.Load(); props != nil {
				unavailable := *props
				unavailable.Available = false
				e.props.Store(&unavailable)
			}
			e.metrics.setContentAvailable(false)
			e.emit(Event{Type: EventUnavailable, Source: SourceSync, Err: ev.Err})
		}
	}
}

func (e *Engine) onWallclockUpdate(s wallclock.State) {
	e.mu.Lock()
	first := !e.wcSynced
	e.wcSynced = true
	e.mu.Unlock()

	if first {
		e.log.Info().Dur("offset", s.Offset()).Dur("rtt", s.RoundTrip()).Msg("wallclock synced")
		e.emit(Event{Type: EventWallclockSynced, Source: SourceSync})
	}
	e.emit(Event{Type: EventWallclockUpdated, Source: SourceSync, Timestamp: e.timestamp()})
}

func (e *Engine) onWallclockDown(err error) {
	e.metrics.incError(SourceSync)
	e.emit(Event{Type: EventWallclockDown, Source: SourceSync, Err: err})
}

// SynchronizedPresentationTime returns the presentation time of the
// reference device right now.
func (e *Engine) SynchronizedPresentationTime() (time.Duration, error) {
	e.mu.RLock()
	wc, sel := e.wc, e.selected
	e.mu.RUnlock()

	if wc == nil || sel == nil {
		return 0, ErrNotSynchronized
	}
	props := e.props.Load()
	if props == nil || !props.Available {
		return 0, fmt.Errorf("%w: content not available", ErrNotSynchronized)
	}
	st := wc.State()
	if !st.Valid {
		return 0, fmt.Errorf("%w: wallclock not valid", ErrNotSynchronized)
	}
	if sel.UnitsPerSecond <= 0 {
		return 0, fmt.Errorf("%w: timeline has no units per second", ErrNotSynchronized)
	}

	return Project(wc.LocalNowNanos(), st.OffsetNanos, *props, sel.UnitsPerSecond), nil
}

func (e *Engine) timestamp() *time.Duration {
	t, err := e.SynchronizedPresentationTime()
	if err != nil {
		return nil
	}
	return &t
}

// IsSynchronizedCurrentPtsValid reports whether SynchronizedPresentationTime
// would succeed for the current wallclock and content state
func (e *Engine) IsSynchronizedCurrentPtsValid() bool {
	e.mu.RLock()
	wc := e.wc
	e.mu.RUnlock()
	return wc != nil && wc.State().Valid && e.IsContentAvailable()
}

// IsContentAvailable reports whether the timeline server says content is available
func (e *Engine) IsContentAvailable() bool {
	props := e.props.Load()
	return props != nil && props.Available
}

// WallclockState returns the current wallclock estimate, zero when not synchronising
func (e *Engine) WallclockState() wallclock.State {
	e.mu.RLock()
	wc := e.wc
	e.mu.RUnlock()
	if wc == nil {
		return wallclock.State{}
	}
	return wc.State()
}

// SyncProperties returns the latest control timestamp, if any
func (e *Engine) SyncProperties() (protocol.SyncProperties, bool) {
	props := e.props.Load()
	if props == nil {
		return protocol.SyncProperties{}, false
	}
	return *props, true
}

// SelectedTimeline returns the timeline being synchronised
func (e *Engine) SelectedTimeline() (timeline.Selector, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.selected == nil {
		return timeline.Selector{}, false
	}
	return *e.selected, true
}

// Session returns a copy of the session descriptor
func (e *Engine) Session() Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session.clone()
}

// State returns the lifecycle state
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Destroy stops synchronisation, closes the CII connection and waits for
// every engine goroutine. The event channel is closed when Destroy returns.
func (e *Engine) Destroy() {
	e.destroyOnce.Do(func() {
		e.ctrlMu.Lock()
		defer e.ctrlMu.Unlock()

		e.stopSyncLocked()

		e.mu.Lock()
		e.state = StateStopped
		cii := e.cii
		e.cii = nil
		e.mu.Unlock()

		if cii != nil {
			cii.Close()
		}
		e.pumps.Wait()
		close(e.events)

		e.log.Debug().Msg("engine destroyed")
	})
}

func (e *Engine) emitError(source Source, err error) {
	e.metrics.incError(source)
	e.emit(Event{Type: EventError, Source: source, Err: err})
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.metrics.incEventsDropped()
		e.dropWarn.Do(func() {
			e.log.Warn().Stringer("event", ev.Type).Msg("event channel full, dropping events")
		})
	}
}
