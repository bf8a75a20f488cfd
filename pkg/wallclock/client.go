// ABOUTME: UDP client for the wallclock synchronisation protocol
// ABOUTME: Periodically sends requests and turns responses into offset/RTT estimates
package wallclock

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultUpdatePeriod is the request interval used when none is configured
const DefaultUpdatePeriod = 1000 * time.Millisecond

var (
	// ErrDestroyed is returned when operating a client after Destroy
	ErrDestroyed = errors.New("wallclock client already destroyed")

	// ErrChannelDown is reported through Config.OnDown when the socket fails
	ErrChannelDown = errors.New("wallclock channel down")
)

// Observer receives per-datagram statistics, typically a metrics sink
type Observer interface {
	ObserveUpdate(State)
	ObserveDrop(reason string)
}

// Config holds client configuration
type Config struct {
	// ServerURL is the wallclock server, "udp://host:port" or "host:port"
	ServerURL string

	// UpdatePeriod is the request interval (default: 1s)
	UpdatePeriod time.Duration

	// Clock is the local monotonic time source (default: SystemClock)
	Clock MonotonicClock

	// Ticker drives the periodic requests (default: real clock)
	Ticker clockwork.Clock

	// OnUpdate is called on the receive goroutine after every processed response
	OnUpdate func(State)

	// OnDown is called once if the socket fails while the client is alive
	OnDown func(error)

	Observer Observer
	Logger   *zerolog.Logger
}

// Client estimates the offset between the local clock and a wallclock server
type Client struct {
	config Config
	server *net.UDPAddr
	conn   *net.UDPConn
	log    zerolog.Logger

	mu    sync.RWMutex
	state State

	ctrlMu    sync.Mutex
	period    time.Duration
	running   bool
	stopTick  chan struct{}
	tickWG    sync.WaitGroup
	destroyed atomic.Bool

	recvDone chan struct{}
}

// New opens the UDP socket and starts the receive loop. Requests are not
// sent until Start is called.
func New(config Config) (*Client, error) {
	if config.UpdatePeriod <= 0 {
		config.UpdatePeriod = DefaultUpdatePeriod
	}
	if config.Clock == nil {
		config.Clock = SystemClock()
	}
	if config.Ticker == nil {
		config.Ticker = clockwork.NewRealClock()
	}

	hostPort, err := serverHostPort(config.ServerURL)
	if err != nil {
		return nil, err
	}

	server, err := net.ResolveUDPAddr("udp", hostPort)
	if err != nil {
		return nil, fmt.Errorf("resolve wallclock server: %w", err)
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("open wallclock socket: %w", err)
	}

	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}

	c := &Client{
		config:   config,
		server:   server,
		conn:     conn,
		log:      logger.With().Str("component", "wallclock").Str("server", server.String()).Logger(),
		period:   config.UpdatePeriod,
		recvDone: make(chan struct{}),
	}

	go c.receiveLoop()

	return c, nil
}

// serverHostPort accepts both a URL with scheme and a bare host:port
func serverHostPort(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("wallclock server url is empty")
	}
	u, err := url.Parse(raw)
	if err == nil && u.Scheme != "" && u.Host != "" {
		return u.Host, nil
	}
	if _, _, err := net.SplitHostPort(raw); err != nil {
		return "", fmt.Errorf("invalid wallclock server url %q: %w", raw, err)
	}
	return raw, nil
}

// Start begins sending requests: one immediately, then every update period
func (c *Client) Start() error {
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()

	if c.destroyed.Load() {
		return ErrDestroyed
	}
	if c.running {
		return nil
	}

	c.running = true
	c.startTickerLocked()
	c.log.Debug().Dur("period", c.period).Msg("wallclock requests started")
	return nil
}

// Stop cancels the periodic requests. The receive loop keeps running.
func (c *Client) Stop() {
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()

	if !c.running {
		return
	}
	c.running = false
	c.stopTickerLocked()
	c.log.Debug().Msg("wallclock requests stopped")
}

// SetUpdatePeriod changes the request interval. While running the ticker is
// rescheduled with an immediate first request.
func (c *Client) SetUpdatePeriod(period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("invalid update period %v", period)
	}

	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()

	if c.destroyed.Load() {
		return ErrDestroyed
	}
	if period == c.period {
		return nil
	}

	c.period = period
	if c.running {
		c.stopTickerLocked()
		c.startTickerLocked()
	}
	return nil
}

// UpdatePeriod returns the current request interval
func (c *Client) UpdatePeriod() time.Duration {
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()
	return c.period
}

// IsRunning reports whether periodic requests are active
func (c *Client) IsRunning() bool {
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()
	return c.running
}

// Destroy stops requests, closes the socket and waits for the receive loop
// to exit. No callback fires after Destroy returns.
func (c *Client) Destroy() {
	c.ctrlMu.Lock()
	if c.destroyed.Swap(true) {
		c.ctrlMu.Unlock()
		<-c.recvDone
		return
	}
	c.running = false
	c.stopTickerLocked()
	c.ctrlMu.Unlock()

	c.log.Debug().Msg("closing wallclock socket")
	c.conn.Close()
	<-c.recvDone
}

// LocalAddr returns the bound local socket address
func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// State returns the current estimate
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LocalNowNanos returns the local monotonic time
func (c *Client) LocalNowNanos() int64 {
	return c.config.Clock.NowNanos()
}

// RemoteNowNanos returns the estimated current remote wallclock time
func (c *Client) RemoteNowNanos() int64 {
	return c.config.Clock.NowNanos() + c.State().OffsetNanos
}

// RemoteToLocalNanos maps a remote wallclock timestamp onto the local clock
func (c *Client) RemoteToLocalNanos(remote int64) int64 {
	return remote - c.State().OffsetNanos
}

func (c *Client) startTickerLocked() {
	stop := make(chan struct{})
	c.stopTick = stop
	c.tickWG.Add(1)
	go c.tickLoop(c.period, stop)
}

func (c *Client) stopTickerLocked() {
	if c.stopTick == nil {
		return
	}
	close(c.stopTick)
	c.stopTick = nil
	c.tickWG.Wait()
}

func (c *Client) tickLoop(period time.Duration, stop <-chan struct{}) {
	defer c.tickWG.Done()

	ticker := c.config.Ticker.NewTicker(period)
	defer ticker.Stop()

	c.transmitRequest()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			c.transmitRequest()
		}
	}
}

// transmitRequest sends one request stamped with the current local time
func (c *Client) transmitRequest() {
	if c.destroyed.Load() {
		return
	}

	t1 := c.config.Clock.NowNanos()
	frame, _ := NewRequest(t1).MarshalBinary()

	if _, err := c.conn.WriteToUDP(frame, c.server); err != nil {
		c.log.Warn().Err(err).Msg("failed to send wallclock request")
		return
	}
	c.log.Trace().Int64("t1", t1).Msg("wallclock request sent")
}

// receiveLoop blocks on the socket until it is closed
func (c *Client) receiveLoop() {
	defer close(c.recvDone)

	buf := make([]byte, 2*MessageSize)
	for {
		n, _, err := c.conn.ReadFromUDP(buf)
		t4 := c.config.Clock.NowNanos()
		if err != nil {
			if c.destroyed.Load() {
				c.log.Debug().Msg("wallclock read loop finished")
				return
			}
			c.log.Error().Err(err).Msg("wallclock socket failed")
			if c.config.OnDown != nil {
				c.config.OnDown(fmt.Errorf("%w: %v", ErrChannelDown, err))
			}
			return
		}

		c.handleDatagram(buf[:n], t4)
	}
}

// handleDatagram validates and dispatches one received frame.
// t4 is the local receive time.
func (c *Client) handleDatagram(data []byte, t4 int64) {
	var msg Message
	if err := msg.UnmarshalBinary(data); err != nil {
		c.drop("short", "dropping wallclock frame: %v", err)
		return
	}

	if msg.Version != ProtocolVersion {
		c.drop("version", "dropping wallclock frame: wrong version %d", msg.Version)
		return
	}

	switch msg.Type {
	case TypeResponse:
		c.process(msg, t4)
	case TypeFollowUp:
		c.log.Debug().Msg("wallclock follow-up response")
		c.process(msg, t4)
	case TypeResponseWithFollowUp:
		c.log.Debug().Msg("wallclock response announces a follow-up, waiting for it")
	default:
		c.drop("type", "dropping wallclock frame: message type %s", msg.Type)
	}
}

func (c *Client) drop(reason, format string, args ...any) {
	c.log.Debug().Str("reason", reason).Msgf(format, args...)
	if c.config.Observer != nil {
		c.config.Observer.ObserveDrop(reason)
	}
}

// process turns a response into a new estimate and notifies listeners
func (c *Client) process(msg Message, t4 int64) {
	t1 := msg.OriginTime.Int64()
	t2 := msg.ReceiveTime.Int64()
	t3 := msg.TransmitTime.Int64()

	offset, rtt := Estimate(t1, t2, t3, t4)

	c.mu.Lock()
	previous := c.state.OffsetNanos
	c.state = State{
		OffsetNanos:     offset,
		RoundTripNanos:  int32(rtt),
		Valid:           true,
		Precision:       msg.Precision,
		MaxFreqErrorPPM: msg.MaxFreqErrorPPM(),
		Updates:         c.state.Updates + 1,
		LastUpdateNanos: t4,
	}
	state := c.state
	c.mu.Unlock()

	c.log.Debug().
		Int64("t1", t1).Int64("t2", t2).Int64("t3", t3).Int64("t4", t4).
		Int64("offset_ns", offset).
		Int64("offset_delta_ns", previous-offset).
		Int64("rtt_ns", rtt).
		Msg("wallclock updated")

	if c.config.Observer != nil {
		c.config.Observer.ObserveUpdate(state)
	}
	if c.config.OnUpdate != nil {
		c.config.OnUpdate(state)
	}
}
