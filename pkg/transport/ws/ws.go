// Package ws implements the WebSocket transport provider on top of
// gorilla/websocket. Each WebSocket binary message carries exactly one wire
// frame (length prefix included), so browser clients can reuse the same
// framing codec as TCP peers.
package ws

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/entsync/entsync/pkg/logger"
	"github.com/entsync/entsync/pkg/transport"
	"github.com/entsync/entsync/pkg/wire"
)

// ProviderName identifies the WebSocket provider.
const ProviderName = "websocket"

// Path is the HTTP path WebSocket connections are upgraded on.
const Path = "/sync"

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 54 * time.Second
)

// Provider provides a WebSocket listener and dialer for the connection
// manager.
type Provider struct{}

// New creates a WebSocket provider.
func New() *Provider {
	return &Provider{}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return ProviderName
}

type socket struct {
	conn *websocket.Conn

	// gorilla permits one concurrent writer; the ping ticker and the send
	// loop share this mutex.
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newSocket(conn *websocket.Conn) *socket {
	return &socket{conn: conn, closed: make(chan struct{})}
}

func (s *socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

func (s *socket) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

func (s *socket) writeMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// pingLoop keeps the connection alive until the socket closes.
func (s *socket) pingLoop(log *logger.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				log.Debug("Failed to send ping: (remote: %s, error: %v)", s.RemoteAddr(), err)
				return
			}
		case <-s.closed:
			return
		}
	}
}

type acceptor struct {
	server   *http.Server
	listener net.Listener
	inbound  chan *socket
	closed   chan struct{}
	once     sync.Once
}

func (a *acceptor) Accept() (transport.Socket, error) {
	select {
	case s, ok := <-a.inbound:
		if !ok {
			return nil, fmt.Errorf("websocket listener closed")
		}
		return s, nil
	case <-a.closed:
		return nil, fmt.Errorf("websocket listener closed")
	}
}

func (a *acceptor) Close() error {
	a.once.Do(func() { close(a.closed) })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.server.Shutdown(ctx)
}

func (a *acceptor) Addr() string {
	return a.listener.Addr().String()
}

// Listen starts an HTTP server on addr that upgrades connections on Path.
func (p *Provider) Listen(ctx context.Context, addr string, settings transport.Settings) (transport.Acceptor, error) {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	a := &acceptor{
		listener: listener,
		inbound:  make(chan *socket, 16),
		closed:   make(chan struct{}),
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: handshakeTimeout,
		// The embedder fronts this with its own origin policy when exposed
		// beyond localhost.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(Path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.SetReadLimit(int64(settings.MaxPacketLength) + wire.LengthPrefixSize)
		s := newSocket(conn)
		select {
		case a.inbound <- s:
		case <-a.closed:
			conn.Close()
		}
	})

	a.server = &http.Server{Handler: mux, ReadHeaderTimeout: handshakeTimeout}
	go a.server.Serve(listener)

	return a, nil
}

// Connect dials a WebSocket connection to addr.
func (p *Provider) Connect(ctx context.Context, addr string, settings transport.Settings) (transport.Socket, error) {
	url := fmt.Sprintf("ws://%s%s", addr, Path)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	conn.SetReadLimit(int64(settings.MaxPacketLength) + wire.LengthPrefixSize)
	return newSocket(conn), nil
}

// Split returns the socket twice; the socket serializes writers internally.
func (p *Provider) Split(s transport.Socket) (transport.Socket, transport.Socket) {
	return s, s
}

// ChannelCapacity returns the configured outbound queue depth.
func (p *Provider) ChannelCapacity(settings transport.Settings) int {
	return settings.ChannelCapacity
}

// RecvLoop reads binary messages, decodes one frame per message, and pushes
// packets into out until the connection fails or a frame is invalid.
func (p *Provider) RecvLoop(read transport.Socket, out chan<- wire.Packet, settings transport.Settings, log *logger.Logger) {
	defer close(out)

	s := read.(*socket)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go s.pingLoop(log)

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("WebSocket read failed: (remote: %s, error: %v)", s.RemoteAddr(), err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if kind != websocket.BinaryMessage {
			log.Warn("Ignoring non-binary WebSocket message: (remote: %s)", s.RemoteAddr())
			continue
		}

		packet, err := wire.DecodeFrame(data, settings.MaxPacketLength)
		if err != nil {
			log.Error("Dropping connection, undecodable frame: (remote: %s, error: %v)", s.RemoteAddr(), err)
			return
		}
		out <- packet
	}
}

// SendLoop drains the outbound channel, writing one WebSocket message per
// frame. Immediately-available packets are flushed back to back before the
// loop blocks again.
func (p *Provider) SendLoop(write transport.Socket, in <-chan wire.Packet, settings transport.Settings, log *logger.Logger) {
	s := write.(*socket)
	for first := range in {
		batch := []wire.Packet{first}

	drain:
		for {
			select {
			case next, ok := <-in:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}

		if transport.WarnDepth(len(in), cap(in), settings.ChannelWarningThreshold) {
			log.Warn("Outbound channel at %d/%d, peer may be too slow to keep up: (remote: %s)", len(in), cap(in), s.RemoteAddr())
		}

		for _, packet := range batch {
			if err := s.writeMessage(wire.EncodeFrame(packet)); err != nil {
				log.Error("Failed to write packet: (remote: %s, error: %v)", s.RemoteAddr(), err)
				return
			}
		}
	}
}
