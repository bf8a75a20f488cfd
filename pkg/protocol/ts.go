// ABOUTME: Timeline synchronisation (TS) WebSocket client
// ABOUTME: Sends setup data and reports control timestamps as sync properties
package protocol

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// TSEventType tags a TSEvent
type TSEventType int

const (
	TSAvailable TSEventType = iota
	TSPropertiesChanged
	TSError
	TSUnavailable
)

func (t TSEventType) String() string {
	switch t {
	case TSAvailable:
		return "available"
	case TSPropertiesChanged:
		return "propertiesChanged"
	case TSError:
		return "error"
	case TSUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// TSEvent is one item of the TS event stream
type TSEvent struct {
	Type       TSEventType
	Properties SyncProperties // TSPropertiesChanged
	Err        error
}

// TSConfig holds TS client configuration
type TSConfig struct {
	URL         string
	Setup       SetupData
	Dialer      *websocket.Dialer // default: websocket.DefaultDialer
	Header      http.Header       // extra handshake headers
	Logger      *zerolog.Logger
	EventBuffer int // default: DefaultEventBuffer
}

// TSClient follows one timeline on the reference device. Events must be
// drained until the channel is closed; the last event is always
// TSUnavailable.
type TSClient struct {
	setup     SetupData
	conn      *conn
	events    chan TSEvent
	closeOnce sync.Once
}

// NewTSClient creates a client. Nothing is dialled until Connect.
func NewTSClient(config TSConfig) *TSClient {
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultEventBuffer
	}
	c := &TSClient{setup: config.Setup, events: make(chan TSEvent, config.EventBuffer)}
	c.conn = newConn(config.URL, config.Dialer, config.Header, config.Logger, "ts", c)
	return c
}

// Connect dials in the background. Connection failures arrive as events.
func (c *TSClient) Connect(ctx context.Context) error {
	return c.conn.start(ctx)
}

// Events returns the event stream
func (c *TSClient) Events() <-chan TSEvent {
	return c.events
}

// Close closes the connection and waits for the read loop to exit
func (c *TSClient) Close() {
	c.conn.close()
	c.finish()
}

func (c *TSClient) finish() {
	c.closeOnce.Do(func() { close(c.events) })
}

func (c *TSClient) send(ev TSEvent) {
	select {
	case c.events <- ev:
	case <-c.conn.ctx.Done():
		c.conn.log.Debug().Stringer("event", ev.Type).Msg("client closing, dropping event")
	}
}

func (c *TSClient) opened(ws *websocket.Conn) error {
	c.conn.log.Debug().
		Str("selector", c.setup.TimelineSelector).
		Msg("sending setup data")
	if err := ws.WriteJSON(c.setup); err != nil {
		return fmt.Errorf("failed to send setup data: %w", err)
	}
	c.send(TSEvent{Type: TSAvailable})
	return nil
}

func (c *TSClient) message(data []byte) {
	props, err := DecodeControlTimestamp(data)
	if err != nil {
		c.conn.log.Warn().Err(err).Msg("invalid control timestamp")
		c.send(TSEvent{Type: TSError, Err: err})
		return
	}
	c.send(TSEvent{Type: TSPropertiesChanged, Properties: props})
}

func (c *TSClient) failed(err error) {
	c.send(TSEvent{Type: TSError, Err: err})
}

func (c *TSClient) closed(err error) {
	c.events <- TSEvent{Type: TSUnavailable, Err: err}
	c.finish()
}
