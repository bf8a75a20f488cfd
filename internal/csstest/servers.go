// ABOUTME: Fake CII, TS and wallclock servers for tests
// ABOUTME: Loopback WebSocket and UDP servers that record what clients send
package csstest

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Resonate-Protocol/csssync-go/pkg/wallclock"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// peer is one accepted WebSocket connection
type peer struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (p *peer) writeText(msg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

// WSServer accepts WebSocket connections and records received text messages
type WSServer struct {
	srv *httptest.Server

	onConnect func(send func(string) error)

	mu       sync.Mutex
	peers    []*peer
	received []string
	wg       sync.WaitGroup

	connects  atomic.Int32
	open      atomic.Int32
	userAgent atomic.Value
}

// NewWSServer starts a server. onConnect, when not nil, runs for every new
// connection before reads start and may push messages to that client.
func NewWSServer(onConnect func(send func(string) error)) *WSServer {
	s := &WSServer{onConnect: onConnect}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// URL returns the ws:// address of the server
func (s *WSServer) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *WSServer) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{ws: ws}
	s.userAgent.Store(r.Header.Get("User-Agent"))

	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	s.peers = append(s.peers, p)
	s.mu.Unlock()

	s.connects.Add(1)
	s.open.Add(1)
	defer s.open.Add(-1)

	if s.onConnect != nil {
		s.onConnect(p.writeText)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return
		}
		s.mu.Lock()
		s.received = append(s.received, string(data))
		s.mu.Unlock()
	}
}

// Connects returns how many connections were ever accepted
func (s *WSServer) Connects() int {
	return int(s.connects.Load())
}

// UserAgent returns the User-Agent of the latest connection
func (s *WSServer) UserAgent() string {
	ua, _ := s.userAgent.Load().(string)
	return ua
}

// OpenConnections returns the number of connections currently open
func (s *WSServer) OpenConnections() int {
	return int(s.open.Load())
}

// Received returns a copy of all text messages received so far
func (s *WSServer) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Send writes msg to every connected client
func (s *WSServer) Send(msg string) {
	s.mu.Lock()
	peers := append([]*peer(nil), s.peers...)
	s.mu.Unlock()
	for _, p := range peers {
		p.writeText(msg)
	}
}

// DropClients closes every connection from the server side
func (s *WSServer) DropClients() {
	s.mu.Lock()
	peers := s.peers
	s.peers = nil
	s.mu.Unlock()
	for _, p := range peers {
		p.mu.Lock()
		p.ws.Close()
		p.mu.Unlock()
	}
}

// Close drops all clients and stops the server
func (s *WSServer) Close() {
	s.DropClients()
	s.srv.Close()
	s.wg.Wait()
}

// WallclockServer answers wallclock requests with its clock shifted by Ahead
type WallclockServer struct {
	conn  *net.UDPConn
	ahead time.Duration
	done  chan struct{}

	requests atomic.Int64
}

// NewWallclockServer listens on a loopback port
func NewWallclockServer(ahead time.Duration) (*WallclockServer, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}
	s := &WallclockServer{conn: conn, ahead: ahead, done: make(chan struct{})}
	go s.serve()
	return s, nil
}

// URL returns the udp:// address of the server
func (s *WallclockServer) URL() string {
	return "udp://" + s.conn.LocalAddr().String()
}

// Requests returns how many requests were answered
func (s *WallclockServer) Requests() int64 {
	return s.requests.Load()
}

func (s *WallclockServer) serve() {
	defer close(s.done)
	buf := make([]byte, 2*wallclock.MessageSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		var req wallclock.Message
		if req.UnmarshalBinary(buf[:n]) != nil || req.Type != wallclock.TypeRequest {
			continue
		}
		s.requests.Add(1)

		t2 := req.OriginTime.Int64() + int64(s.ahead)
		resp := wallclock.Message{
			Version:      wallclock.ProtocolVersion,
			Type:         wallclock.TypeResponse,
			OriginTime:   req.OriginTime,
			ReceiveTime:  wallclock.TimestampFromNanos(t2),
			TransmitTime: wallclock.TimestampFromNanos(t2),
		}
		b, _ := resp.MarshalBinary()
		s.conn.WriteToUDP(b, addr)
	}
}

// Close stops the server and waits for its goroutine
func (s *WallclockServer) Close() {
	s.conn.Close()
	<-s.done
}
