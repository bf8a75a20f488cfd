// ABOUTME: Shared WebSocket connection loop for the CII and TS clients
// ABOUTME: Dials asynchronously, runs the read loop and closes exactly once
package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultEventBuffer is the capacity of a client's event channel
	DefaultEventBuffer = 32

	closeGracePeriod = time.Second
)

// ErrClientClosed is returned when connecting a client that was closed
var ErrClientClosed = errors.New("client closed")

// handler receives the lifecycle of one connection. All methods run on the
// connection goroutine.
type handler interface {
	opened(ws *websocket.Conn) error
	message(data []byte)
	failed(err error)
	closed(err error)
}

// conn owns one WebSocket connection and its goroutine
type conn struct {
	url    string
	dialer *websocket.Dialer
	header http.Header
	log    zerolog.Logger
	h      handler

	mu      sync.Mutex
	ws      *websocket.Conn
	started bool
	closing bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newConn(rawURL string, dialer *websocket.Dialer, header http.Header, logger *zerolog.Logger, component string, h handler) *conn {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	base := log.Logger
	if logger != nil {
		base = *logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		url:    rawURL,
		dialer: dialer,
		header: header,
		log:    base.With().Str("component", component).Str("url", rawURL).Logger(),
		h:      h,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// start launches the connection goroutine. The dial honours ctx; failures
// are reported through the handler, never returned.
func (c *conn) start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		return ErrClientClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	dialCtx, cancel := context.WithCancel(c.ctx)
	stop := context.AfterFunc(ctx, cancel)

	go func() {
		defer close(c.done)
		defer stop()
		defer cancel()
		c.run(dialCtx)
	}()
	return nil
}

func (c *conn) run(dialCtx context.Context) {
	c.log.Info().Msg("connecting")

	ws, _, err := c.dialer.DialContext(dialCtx, c.url, c.header)
	if err != nil {
		err = fmt.Errorf("dial failed: %w", err)
		if c.isClosing() {
			c.h.closed(nil)
			return
		}
		c.log.Warn().Err(err).Msg("connection failed")
		c.h.failed(err)
		c.h.closed(err)
		return
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		ws.Close()
		c.h.closed(nil)
		return
	}
	c.ws = ws
	c.mu.Unlock()

	c.log.Info().Msg("connected")

	if err := c.h.opened(ws); err != nil {
		c.log.Warn().Err(err).Msg("connection setup failed")
		c.h.failed(err)
		ws.Close()
		c.h.closed(err)
		return
	}

	err = c.readMessages(ws)
	ws.Close()
	if c.isClosing() {
		err = nil
	}
	c.log.Info().Err(err).Msg("connection closed")
	c.h.closed(err)
}

// readMessages blocks until the connection ends
func (c *conn) readMessages(ws *websocket.Conn) error {
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		if messageType != websocket.TextMessage {
			c.log.Debug().Int("type", messageType).Msg("ignoring non-text message")
			continue
		}
		c.log.Trace().RawJSON("message", data).Msg("received")
		c.h.message(data)
	}
}

func (c *conn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// close tears the connection down and waits for the goroutine to finish.
// Safe to call more than once.
func (c *conn) close() {
	c.mu.Lock()
	if c.closing {
		started := c.started
		c.mu.Unlock()
		if started {
			<-c.done
		}
		return
	}
	c.closing = true
	started := c.started
	ws := c.ws
	c.cancel()
	c.mu.Unlock()

	if ws != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		ws.Close()
	}
	if started {
		<-c.done
	}
}
