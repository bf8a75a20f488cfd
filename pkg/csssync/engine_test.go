// ABOUTME: Tests for the synchronisation engine
// ABOUTME: Drives full sessions against fake CII, TS and wallclock servers
package csssync

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Resonate-Protocol/csssync-go/internal/csstest"
	"github.com/Resonate-Protocol/csssync-go/pkg/wallclock"
)

const ahead = 5 * time.Second

// fixedClock is a local monotonic clock that only moves when told to
type fixedClock struct {
	now atomic.Int64
}

func (c *fixedClock) NowNanos() int64 {
	return c.now.Load()
}

func ciiMessage(t *testing.T, fields map[string]any) string {
	t.Helper()
	b, err := json.Marshal(fields)
	require.NoError(t, err)
	return string(b)
}

func defaultTimelines() []map[string]any {
	return []map[string]any{
		{
			"timelineSelector":   "urn:dvb:css:timeline:pts",
			"timelineProperties": map[string]any{"unitsPerSecond": 90000, "unitsPerTick": 1},
		},
		{
			"timelineSelector": "urn:dvb:css:timeline:temi:1:1",
		},
	}
}

func waitForEvent(t *testing.T, events <-chan Event, typ EventType) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event channel closed while waiting for %s", typ)
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return Event{}
		}
	}
}

func newEngine(t *testing.T, ciiURL string, clock wallclock.MonotonicClock) *Engine {
	t.Helper()
	e, err := New(Config{
		SyncURL:               ciiURL,
		Clock:                 clock,
		WallclockUpdatePeriod: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	return e
}

func TestNewValidatesSyncURL(t *testing.T) {
	_, err := New(Config{SyncURL: "not a url"})
	assert.ErrorIs(t, err, ErrInvalidURL)

	e, err := New(Config{SyncURL: "ws://127.0.0.1:1/cii"})
	require.NoError(t, err)
	defer e.Destroy()
	assert.NotEmpty(t, e.Session().SessionID, "session id generated")
	assert.Equal(t, StateCreated, e.State())
}

func TestSynchronizedPresentationTime(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	clock := &fixedClock{}
	clock.now.Store(100 * int64(time.Second))

	wcServer, err := csstest.NewWallclockServer(ahead)
	require.NoError(t, err)
	defer wcServer.Close()

	// control timestamp taken two remote seconds before the local "now"
	remoteNow := clock.NowNanos() + int64(ahead)
	tsServer := csstest.NewWSServer(func(send func(string) error) {
		send(fmt.Sprintf(`{"contentTime": "900000", "wallClockTime": "%d", "timelineSpeedMultiplier": "1"}`, remoteNow-int64(2*time.Second)))
	})
	defer tsServer.Close()

	ciiServer := csstest.NewWSServer(func(send func(string) error) {
		send(ciiMessage(t, map[string]any{
			"protocolVersion":    "1.1",
			"contentId":          "dvb://233a.1004.1044",
			"contentIdStatus":    "final",
			"presentationStatus": "okay",
			"wcUrl":              wcServer.URL(),
			"tsUrl":              tsServer.URL(),
			"timelines":          defaultTimelines(),
		}))
	})
	defer ciiServer.Close()

	e := newEngine(t, ciiServer.URL(), clock)
	defer e.Destroy()

	_, err = e.SynchronizedPresentationTime()
	assert.ErrorIs(t, err, ErrNotSynchronized)

	require.NoError(t, e.ObtainSynchronisationInformation(context.Background()))
	assert.Equal(t, StateInfoRequested, e.State())

	ev := waitForEvent(t, e.Events(), EventTimelinesAvailable)
	require.Len(t, ev.Timelines, 2)
	assert.Equal(t, 1, ev.Timelines[0].ID)
	assert.Equal(t, 2, ev.Timelines[1].ID)
	assert.Equal(t, StateInfoAvailable, e.State())

	session := e.Session()
	require.NotNil(t, session.ContentID)
	assert.Equal(t, "dvb://233a.1004.1044", *session.ContentID)
	assert.Equal(t, wcServer.URL(), session.WallclockURL.String())
	assert.Equal(t, "1.1", session.ProtocolVersion.String())

	require.NoError(t, e.StartSynchronisation(context.Background(), 1))
	assert.Equal(t, StateSynchronizing, e.State())
	assert.ErrorIs(t, e.StartSynchronisation(context.Background(), 1), ErrAlreadySynchronizing)

	waitForEvent(t, e.Events(), EventWallclockSynced)
	require.Eventually(t, e.IsSynchronizedCurrentPtsValid, 3*time.Second, 10*time.Millisecond)

	pts, err := e.SynchronizedPresentationTime()
	require.NoError(t, err)
	assert.Equal(t, 12*time.Second, pts)

	assert.Equal(t, int64(ahead), e.WallclockState().OffsetNanos)

	// setup data names the content and the selected timeline
	require.Eventually(t, func() bool { return len(tsServer.Received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	var setup map[string]string
	require.NoError(t, json.Unmarshal([]byte(tsServer.Received()[0]), &setup))
	assert.Equal(t, "dvb://233a.1004.1044", setup["contentIdStem"])
	assert.Equal(t, "urn:dvb:css:timeline:pts", setup["timelineSelector"])

	// advancing the local clock advances the presentation time
	clock.now.Add(int64(500 * time.Millisecond))
	pts, err = e.SynchronizedPresentationTime()
	require.NoError(t, err)
	assert.Equal(t, 12500*time.Millisecond, pts)

	e.StopSynchronisation()
	e.StopSynchronisation()
	assert.Equal(t, StateInfoAvailable, e.State())
	_, err = e.SynchronizedPresentationTime()
	assert.ErrorIs(t, err, ErrNotSynchronized)
	assert.False(t, e.IsContentAvailable())

	e.Destroy()
	assert.Equal(t, StateStopped, e.State())
	for range e.Events() {
	}
	assert.ErrorIs(t, e.ObtainSynchronisationInformation(context.Background()), ErrStopped)
	assert.ErrorIs(t, e.StartSynchronisation(context.Background(), 1), ErrStopped)
	assert.ErrorIs(t, e.SetWallclockURL("udp://127.0.0.1:1"), ErrStopped)
}

func TestNotSynchronizedUntilWallclockValid(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	// a wallclock endpoint that never answers
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer silent.Close()

	tsServer := csstest.NewWSServer(func(send func(string) error) {
		send(`{"contentTime": 900000, "wallClockTime": 1, "timelineSpeedMultiplier": 1}`)
	})
	defer tsServer.Close()

	ciiServer := csstest.NewWSServer(func(send func(string) error) {
		send(ciiMessage(t, map[string]any{
			"wcUrl":     "udp://" + silent.LocalAddr().String(),
			"tsUrl":     tsServer.URL(),
			"timelines": defaultTimelines(),
		}))
	})
	defer ciiServer.Close()

	e := newEngine(t, ciiServer.URL(), nil)
	defer e.Destroy()

	require.NoError(t, e.ObtainSynchronisationInformation(context.Background()))
	waitForEvent(t, e.Events(), EventTimelinesAvailable)
	require.NoError(t, e.StartSynchronisation(context.Background(), 1))

	waitForEvent(t, e.Events(), EventPropertiesChanged)
	assert.True(t, e.IsContentAvailable())
	assert.False(t, e.IsSynchronizedCurrentPtsValid())

	_, err = e.SynchronizedPresentationTime()
	assert.ErrorIs(t, err, ErrNotSynchronized)
}

func TestObtainIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ciiServer := csstest.NewWSServer(nil)
	defer ciiServer.Close()

	e := newEngine(t, ciiServer.URL(), nil)
	defer e.Destroy()

	require.NoError(t, e.ObtainSynchronisationInformation(context.Background()))
	require.NoError(t, e.ObtainSynchronisationInformation(context.Background()))

	require.Eventually(t, func() bool { return ciiServer.OpenConnections() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, e.ObtainSynchronisationInformation(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, ciiServer.Connects())
}

func TestCIIUpdates(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ciiServer := csstest.NewWSServer(nil)
	defer ciiServer.Close()

	e := newEngine(t, ciiServer.URL(), nil)
	defer e.Destroy()

	require.NoError(t, e.ObtainSynchronisationInformation(context.Background()))
	require.Eventually(t, func() bool { return ciiServer.OpenConnections() == 1 }, 2*time.Second, 10*time.Millisecond)

	ciiServer.Send(`{"contentId": "dvb://a", "tsUrl": "ws://192.168.1.20:7681/ts", "presentationStatus": "null"}`)
	ev := waitForEvent(t, e.Events(), EventContentIDChanged)
	assert.Equal(t, "dvb://a", ev.ContentID)
	assert.Equal(t, SourceDiscovery, ev.Source)

	// same content id again is not a change; a bad url is reported and ignored
	ciiServer.Send(`{"contentId": "dvb://a", "tsUrl": "::not a url::"}`)
	ev = waitForEvent(t, e.Events(), EventSyncMessage)
	assert.JSONEq(t, `{"contentId": "dvb://a", "tsUrl": "::not a url::"}`, string(ev.Message))
	ev = waitForEvent(t, e.Events(), EventError)
	assert.ErrorIs(t, ev.Err, ErrInvalidURL)
	assert.Equal(t, "ws://192.168.1.20:7681/ts", e.Session().TimelineSyncURL.String())

	ciiServer.Send(`{"contentId": "dvb://b", "tsUrl": ""}`)
	ev = waitForEvent(t, e.Events(), EventContentIDChanged)
	assert.Equal(t, "dvb://b", ev.ContentID)
	assert.Nil(t, e.Session().TimelineSyncURL)

	ciiServer.Send(`{broken`)
	ev = waitForEvent(t, e.Events(), EventError)
	assert.Error(t, ev.Err)

	// a fresh timelines list replaces the old one, ids restart at 1
	ciiServer.Send(`{"timelines": [{"timelineSelector": "urn:dvb:css:timeline:ct"}]}`)
	ev = waitForEvent(t, e.Events(), EventTimelinesAvailable)
	require.Len(t, ev.Timelines, 1)
	assert.Equal(t, 1, ev.Timelines[0].ID)
	sel, ok := e.Timeline(1)
	require.True(t, ok)
	assert.Equal(t, "urn:dvb:css:timeline:ct", sel.Raw)
	_, ok = e.Timeline(2)
	assert.False(t, ok)

	assert.Equal(t, 4.0, testutil.ToFloat64(e.Metrics().ciiMessages))
}

func TestInfoAvailableNeedsTimelines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ciiServer := csstest.NewWSServer(func(send func(string) error) {
		send(`{"contentId": "dvb://a"}`)
	})
	defer ciiServer.Close()

	e := newEngine(t, ciiServer.URL(), nil)
	defer e.Destroy()

	require.NoError(t, e.ObtainSynchronisationInformation(context.Background()))
	waitForEvent(t, e.Events(), EventContentIDChanged)
	assert.Equal(t, StateInfoRequested, e.State())

	// an empty list is still no usable timeline
	ciiServer.Send(`{"timelines": []}`)
	waitForEvent(t, e.Events(), EventSyncMessage)
	assert.Equal(t, StateInfoRequested, e.State())

	ciiServer.Send(ciiMessage(t, map[string]any{"timelines": defaultTimelines()}))
	waitForEvent(t, e.Events(), EventTimelinesAvailable)
	assert.Equal(t, StateInfoAvailable, e.State())
}

func TestStartSynchronisationErrors(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ciiServer := csstest.NewWSServer(func(send func(string) error) {
		send(ciiMessage(t, map[string]any{"timelines": defaultTimelines()}))
	})
	defer ciiServer.Close()

	e := newEngine(t, ciiServer.URL(), nil)
	defer e.Destroy()

	require.NoError(t, e.ObtainSynchronisationInformation(context.Background()))
	waitForEvent(t, e.Events(), EventTimelinesAvailable)

	assert.ErrorIs(t, e.StartSynchronisation(context.Background(), 9), ErrUnknownTimeline)
	assert.ErrorIs(t, e.StartSynchronisation(context.Background(), 1), ErrNoWallclockURL)

	assert.ErrorIs(t, e.SetWallclockURL("no scheme"), ErrInvalidURL)
	require.NoError(t, e.SetWallclockURL("udp://127.0.0.1:9"))
	require.NoError(t, e.SetTimelineSyncURL(""))

	require.NoError(t, e.StartSynchronisation(context.Background(), 2))
	sel, ok := e.SelectedTimeline()
	require.True(t, ok)
	assert.Equal(t, 2, sel.ID)

	require.NoError(t, e.SetWallclockUpdatePeriod(50*time.Millisecond))
	assert.Error(t, e.SetWallclockUpdatePeriod(0))

	// without a TS url content never becomes available
	_, err := e.SynchronizedPresentationTime()
	assert.ErrorIs(t, err, ErrNotSynchronized)

	require.NoError(t, e.SetWallclockURL(""))
	assert.Nil(t, e.Session().WallclockURL)
}

func TestDestroyReleasesEverything(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	wcServer, err := csstest.NewWallclockServer(0)
	require.NoError(t, err)
	defer wcServer.Close()

	tsServer := csstest.NewWSServer(nil)
	defer tsServer.Close()

	ciiServer := csstest.NewWSServer(func(send func(string) error) {
		send(ciiMessage(t, map[string]any{
			"wcUrl":     wcServer.URL(),
			"tsUrl":     tsServer.URL(),
			"timelines": defaultTimelines(),
		}))
	})
	defer ciiServer.Close()

	for i := 0; i < 3; i++ {
		e := newEngine(t, ciiServer.URL(), nil)
		require.NoError(t, e.ObtainSynchronisationInformation(context.Background()))
		waitForEvent(t, e.Events(), EventTimelinesAvailable)
		require.NoError(t, e.StartSynchronisation(context.Background(), 1))
		waitForEvent(t, e.Events(), EventAvailable)

		e.Destroy()
		e.Destroy()
		for range e.Events() {
		}
		assert.Equal(t, StateStopped, e.State())
	}

	require.Eventually(t, func() bool {
		return ciiServer.OpenConnections() == 0 && tsServer.OpenConnections() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
