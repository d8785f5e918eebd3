// Package tcp implements the TCP transport provider: raw length-prefixed
// frames over a stream socket.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/entsync/entsync/pkg/logger"
	"github.com/entsync/entsync/pkg/transport"
	"github.com/entsync/entsync/pkg/wire"
)

// ProviderName identifies the TCP provider.
const ProviderName = "tcp"

// Provider provides a TCP listener and stream for the connection manager.
type Provider struct{}

// New creates a TCP provider.
func New() *Provider {
	return &Provider{}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return ProviderName
}

type socket struct {
	conn net.Conn
}

func (s *socket) Close() error {
	return s.conn.Close()
}

func (s *socket) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

type acceptor struct {
	listener net.Listener
}

func (a *acceptor) Accept() (transport.Socket, error) {
	conn, err := a.listener.Accept()
	if err != nil {
		return nil, err
	}
	return &socket{conn: conn}, nil
}

func (a *acceptor) Close() error {
	return a.listener.Close()
}

func (a *acceptor) Addr() string {
	return a.listener.Addr().String()
}

// Listen binds a TCP listener on addr.
func (p *Provider) Listen(ctx context.Context, addr string, _ transport.Settings) (transport.Acceptor, error) {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &acceptor{listener: listener}, nil
}

// Connect dials a TCP connection to addr.
func (p *Provider) Connect(ctx context.Context, addr string, _ transport.Settings) (transport.Socket, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &socket{conn: conn}, nil
}

// Split returns the socket twice; a TCP connection is full-duplex.
func (p *Provider) Split(s transport.Socket) (transport.Socket, transport.Socket) {
	return s, s
}

// ChannelCapacity returns the configured outbound queue depth.
func (p *Provider) ChannelCapacity(settings transport.Settings) int {
	return settings.ChannelCapacity
}

// RecvLoop reads length-prefixed frames from the socket into out until EOF,
// a read error, or a fatal framing error. It closes out before returning so
// the routing task observes the end of the stream.
func (p *Provider) RecvLoop(read transport.Socket, out chan<- wire.Packet, settings transport.Settings, log *logger.Logger) {
	defer close(out)

	conn := read.(*socket).conn
	for {
		packet, err := wire.ReadFrame(conn, settings.MaxPacketLength)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				log.Debug("Peer closed connection: (remote: %s)", read.RemoteAddr())
			case errors.Is(err, wire.ErrFrameTooLarge):
				log.Error("Dropping connection, frame exceeds %d bytes: (remote: %s)", settings.MaxPacketLength, read.RemoteAddr())
			default:
				log.Error("Failed to read frame: (remote: %s, error: %v)", read.RemoteAddr(), err)
			}
			return
		}
		out <- packet
	}
}

// SendLoop drains the outbound channel and writes frames to the socket. It
// takes one packet blocking, then collects any immediately-available packets
// into the same write, bounding latency to one scheduler turn while
// amortizing syscalls.
func (p *Provider) SendLoop(write transport.Socket, in <-chan wire.Packet, settings transport.Settings, log *logger.Logger) {
	conn := write.(*socket).conn
	for first := range in {
		buf := wire.AppendFrame(nil, first)
		batched := 1

	drain:
		for {
			select {
			case next, ok := <-in:
				if !ok {
					break drain
				}
				buf = wire.AppendFrame(buf, next)
				batched++
			default:
				break drain
			}
		}

		if transport.WarnDepth(len(in), cap(in), settings.ChannelWarningThreshold) {
			log.Warn("Outbound channel at %d/%d, peer may be too slow to keep up: (remote: %s)", len(in), cap(in), write.RemoteAddr())
		}

		if batched > 1 {
			log.Debug("Batching %d packets into single write", batched)
		}

		if _, err := conn.Write(buf); err != nil {
			log.Error("Failed to write batch of %d packets: (remote: %s, error: %v)", batched, write.RemoteAddr(), err)
			return
		}
	}
}
