// ABOUTME: Content identification (CII) WebSocket client
// ABOUTME: Decodes CII messages and delivers them as ordered events
package protocol

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// CIIEventType tags a CIIEvent
type CIIEventType int

const (
	CIIMessageReceived CIIEventType = iota
	CIIError
	CIIClosed
)

func (t CIIEventType) String() string {
	switch t {
	case CIIMessageReceived:
		return "message"
	case CIIError:
		return "error"
	case CIIClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CIIEvent is one item of the CII event stream
type CIIEvent struct {
	Type    CIIEventType
	Message *CIIMessage // CIIMessageReceived
	Err     error       // CIIError, and CIIClosed when the connection failed
}

// CIIConfig holds CII client configuration
type CIIConfig struct {
	URL         string
	Dialer      *websocket.Dialer // default: websocket.DefaultDialer
	Header      http.Header       // extra handshake headers
	Logger      *zerolog.Logger
	EventBuffer int // default: DefaultEventBuffer
}

// CIIClient receives content identification messages. Events must be
// drained until the channel is closed; the last event is always CIIClosed.
type CIIClient struct {
	conn      *conn
	events    chan CIIEvent
	closeOnce sync.Once
}

// NewCIIClient creates a client. Nothing is dialled until Connect.
func NewCIIClient(config CIIConfig) *CIIClient {
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultEventBuffer
	}
	c := &CIIClient{events: make(chan CIIEvent, config.EventBuffer)}
	c.conn = newConn(config.URL, config.Dialer, config.Header, config.Logger, "cii", c)
	return c
}

// Connect dials in the background. Connection failures arrive as events.
func (c *CIIClient) Connect(ctx context.Context) error {
	return c.conn.start(ctx)
}

// Events returns the event stream
func (c *CIIClient) Events() <-chan CIIEvent {
	return c.events
}

// Close closes the connection and waits for the read loop to exit
func (c *CIIClient) Close() {
	c.conn.close()
	c.finish()
}

func (c *CIIClient) finish() {
	c.closeOnce.Do(func() { close(c.events) })
}

func (c *CIIClient) send(ev CIIEvent) {
	select {
	case c.events <- ev:
	case <-c.conn.ctx.Done():
		c.conn.log.Debug().Stringer("event", ev.Type).Msg("client closing, dropping event")
	}
}

func (c *CIIClient) opened(*websocket.Conn) error {
	return nil
}

func (c *CIIClient) message(data []byte) {
	msg, err := DecodeCII(data)
	if err != nil {
		c.conn.log.Warn().Err(err).Msg("invalid CII message")
		c.send(CIIEvent{Type: CIIError, Err: err})
		return
	}
	c.send(CIIEvent{Type: CIIMessageReceived, Message: msg})
}

func (c *CIIClient) failed(err error) {
	c.send(CIIEvent{Type: CIIError, Err: err})
}

func (c *CIIClient) closed(err error) {
	c.events <- CIIEvent{Type: CIIClosed, Err: err}
	c.finish()
}
