// Package transport defines the provider abstraction the connection manager
// runs on. A provider knows how to listen, connect, split a socket into its
// read and write halves, and pump framed packets between sockets and
// channels. The runtime ships TCP, WebSocket and in-memory providers.
package transport

import (
	"context"

	"github.com/entsync/entsync/pkg/logger"
	"github.com/entsync/entsync/pkg/wire"
)

// Settings configures the network layer for both listeners and clients.
type Settings struct {
	// MaxPacketLength is the maximum frame size in bytes. A peer that sends
	// a larger length prefix is disconnected.
	MaxPacketLength int `json:"max_packet_length"`

	// ChannelCapacity is the outbound queue depth per connection.
	ChannelCapacity int `json:"channel_capacity"`

	// ChannelWarningThreshold is the queue depth percentage above which a
	// warning is logged.
	ChannelWarningThreshold int `json:"channel_warning_threshold"`
}

// DefaultSettings returns the default network settings.
func DefaultSettings() Settings {
	return Settings{
		MaxPacketLength:         10 * 1024 * 1024,
		ChannelCapacity:         500,
		ChannelWarningThreshold: 80,
	}
}

// Socket is a provider-specific connection handle. Providers return their
// own implementations and assert back to them inside the loops.
type Socket interface {
	Close() error
	RemoteAddr() string
}

// Acceptor yields inbound sockets from a listener.
type Acceptor interface {
	// Accept blocks until the next inbound socket or a terminal error.
	Accept() (Socket, error)
	// Close stops the listener. Pending Accept calls return an error.
	Close() error
	// Addr returns the bound listen address.
	Addr() string
}

// Provider abstracts a concrete transport.
//
// RecvLoop is a finite single-producer pump: it reads frames from the read
// half into out until EOF, a read error, or an oversize or undecodable
// packet, then closes out and returns. SendLoop drains in, opportunistically
// batching immediately-available packets into a single write, and returns on
// write error or when in is closed.
type Provider interface {
	// Name identifies the provider ("tcp", "websocket", ...).
	Name() string

	Listen(ctx context.Context, addr string, settings Settings) (Acceptor, error)
	Connect(ctx context.Context, addr string, settings Settings) (Socket, error)

	// Split separates a socket into its read and write halves. Providers
	// whose sockets are full-duplex may return the same value twice.
	Split(s Socket) (read Socket, write Socket)

	RecvLoop(read Socket, out chan<- wire.Packet, settings Settings, log *logger.Logger)
	SendLoop(write Socket, in <-chan wire.Packet, settings Settings, log *logger.Logger)

	// ChannelCapacity returns the outbound channel depth to allocate per
	// connection.
	ChannelCapacity(settings Settings) int
}

// WarnDepth reports whether the current outbound queue depth crosses the
// warning threshold.
func WarnDepth(depth, capacity, thresholdPercent int) bool {
	if capacity == 0 {
		return false
	}
	return depth*100 >= capacity*thresholdPercent
}
