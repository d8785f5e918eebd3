// Package network implements the transport-abstracted connection manager:
// per-connection receive/route/send tasks over bounded channels, a typed
// message registry, and packet dispatch to typed event streams.
package network

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/entsync/entsync/pkg/logger"
	"github.com/entsync/entsync/pkg/monitoring"
	"github.com/entsync/entsync/pkg/transport"
	"github.com/entsync/entsync/pkg/wire"
)

// inboundDepth is the per-connection inbound channel capacity between the
// receive task and the routing task.
const inboundDepth = 512

// WireNamed lets wrapper payload types carry a registered wire name that
// differs from their reflected Go type name.
type WireNamed interface {
	WireName() string
}

// Network owns the set of established connections for one transport
// provider and routes inbound packets to registered typed streams.
type Network struct {
	provider transport.Provider
	settings transport.Settings
	log      *logger.Logger
	metrics  *monitoring.Metrics

	registry *Registry
	events   *MessageBuffer[Event]

	// responseHandler receives correlated response packets
	// (ResponseInternal<...>) when a client-side correlator is attached.
	responseHandler func(typeName string, data []byte)

	mu        sync.Mutex
	nextID    uint64
	conns     map[ConnectionID]*connection
	acceptors []transport.Acceptor

	warnedMu sync.Mutex
	warned   map[string]struct{}
}

// New creates a connection manager over the given provider.
func New(provider transport.Provider, settings transport.Settings, log *logger.Logger) *Network {
	return &Network{
		provider: provider,
		settings: settings,
		log:      log,
		registry: NewRegistry(provider.Name()),
		events:   NewMessageBuffer[Event](),
		conns:    make(map[ConnectionID]*connection),
		warned:   make(map[string]struct{}),
	}
}

// SetMetrics attaches a metrics collector. Must be called before Listen or
// Connect.
func (n *Network) SetMetrics(m *monitoring.Metrics) {
	n.metrics = m
}

// SetResponseHandler installs the hook that receives correlated response
// packets. Used by the client-side request correlator.
func (n *Network) SetResponseHandler(h func(typeName string, data []byte)) {
	n.responseHandler = h
}

// Provider returns the transport provider.
func (n *Network) Provider() transport.Provider {
	return n.provider
}

// Settings returns the network settings.
func (n *Network) Settings() transport.Settings {
	return n.settings
}

// Registry returns the message registry for this provider.
func (n *Network) Registry() *Registry {
	return n.registry
}

// DrainEvents removes and returns all pending network events.
func (n *Network) DrainEvents() []Event {
	return n.events.Drain()
}

// EventSignal returns a channel signaled when new events arrive, for
// consumers that are not tick-driven.
func (n *Network) EventSignal() <-chan struct{} {
	return n.events.Notify()
}

type connection struct {
	id         ConnectionID
	socket     transport.Socket
	outbound   chan wire.Packet
	remoteAddr string

	sendMu    sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// enqueue places a packet on the outbound channel without blocking.
func (c *connection) enqueue(p wire.Packet) error {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return ErrNotConnected
	}
	select {
	case c.outbound <- p:
		return nil
	default:
		return ErrChannelClosed
	}
}

// shutdown closes the outbound channel and the socket exactly once. The
// write lock guarantees no enqueue is in flight when the channel closes.
func (c *connection) shutdown() {
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		c.closed = true
		c.sendMu.Unlock()
		close(c.outbound)
		c.socket.Close()
	})
}

// Listen starts accepting connections on addr. It returns once the listener
// is bound; accepted connections surface as Connected events.
func (n *Network) Listen(ctx context.Context, addr string) error {
	acceptor, err := n.provider.Listen(ctx, addr, n.settings)
	if err != nil {
		n.events.Push(Event{Kind: EventError, Err: fmt.Errorf("%w: %v", ErrListen, err)})
		return fmt.Errorf("%w: %v", ErrListen, err)
	}

	n.mu.Lock()
	n.acceptors = append(n.acceptors, acceptor)
	n.mu.Unlock()

	n.log.Info("Listening for connections: (provider: %s, addr: %s)", n.provider.Name(), acceptor.Addr())

	go func() {
		for {
			sock, err := acceptor.Accept()
			if err != nil {
				return
			}
			n.establish(sock)
		}
	}()

	return nil
}

// Connect establishes an outbound connection to addr.
func (n *Network) Connect(ctx context.Context, addr string) (ConnectionID, error) {
	sock, err := n.provider.Connect(ctx, addr, n.settings)
	if err != nil {
		n.events.Push(Event{Kind: EventError, Err: fmt.Errorf("%w: %v", ErrConnection, err)})
		return ConnectionID{}, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return n.establish(sock), nil
}

// establish assigns a connection id, inserts the connection state, starts
// the receive/route/send task triple and emits a Connected event.
func (n *Network) establish(sock transport.Socket) ConnectionID {
	n.mu.Lock()
	n.nextID++
	id := ConnectionID{ID: n.nextID}
	conn := &connection{
		id:         id,
		socket:     sock,
		outbound:   make(chan wire.Packet, n.provider.ChannelCapacity(n.settings)),
		remoteAddr: sock.RemoteAddr(),
	}
	n.conns[id] = conn
	n.mu.Unlock()

	if n.metrics != nil {
		n.metrics.ActiveConnections.Inc()
	}
	n.log.Info("Connection established: (conn: %s, remote: %s, provider: %s)", id, conn.remoteAddr, n.provider.Name())
	n.events.Push(Event{Kind: EventConnected, Conn: id})

	read, write := n.provider.Split(sock)
	inbound := make(chan wire.Packet, inboundDepth)

	// Receive task: socket -> inbound channel. Closes inbound on exit.
	go n.provider.RecvLoop(read, inbound, n.settings, n.log)

	// Routing task: inbound channel -> typed streams. The receive task
	// closing inbound is the single disconnect trigger.
	go func() {
		for packet := range inbound {
			n.dispatch(conn, packet)
		}
		n.remove(conn)
	}()

	// Send task: outbound channel -> socket. A write error closes the
	// socket, which terminates the receive task and tears the rest down.
	go func() {
		n.provider.SendLoop(write, conn.outbound, n.settings, n.log)
		sock.Close()
	}()

	return id
}

// remove tears down a connection and emits Disconnected exactly once.
func (n *Network) remove(conn *connection) {
	n.mu.Lock()
	_, known := n.conns[conn.id]
	delete(n.conns, conn.id)
	n.mu.Unlock()

	conn.shutdown()

	if known {
		if n.metrics != nil {
			n.metrics.ActiveConnections.Dec()
		}
		n.log.Info("Connection closed: (conn: %s, remote: %s)", conn.id, conn.remoteAddr)
		n.events.Push(Event{Kind: EventDisconnected, Conn: conn.id})
	}
}

// Disconnect closes a connection by id.
func (n *Network) Disconnect(id ConnectionID) error {
	n.mu.Lock()
	conn, ok := n.conns[id]
	n.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	n.remove(conn)
	return nil
}

// Stop closes all listeners and connections.
func (n *Network) Stop() {
	n.mu.Lock()
	acceptors := n.acceptors
	n.acceptors = nil
	conns := make([]*connection, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()

	for _, a := range acceptors {
		a.Close()
	}
	for _, c := range conns {
		n.remove(c)
	}
}

// ListenAddrs returns the bound addresses of all active listeners. Useful
// when listening on ephemeral ports.
func (n *Network) ListenAddrs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	addrs := make([]string, 0, len(n.acceptors))
	for _, a := range n.acceptors {
		addrs = append(addrs, a.Addr())
	}
	return addrs
}

// ConnectionIDs returns the ids of all established connections.
func (n *Network) ConnectionIDs() []ConnectionID {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]ConnectionID, 0, len(n.conns))
	for id := range n.conns {
		ids = append(ids, id)
	}
	return ids
}

// IsConnected reports whether the connection id is currently established.
func (n *Network) IsConnected(id ConnectionID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.conns[id]
	return ok
}

// wireNameOf resolves the wire name for an outbound payload value.
func wireNameOf(v interface{}) string {
	if named, ok := v.(WireNamed); ok {
		return named.WireName()
	}
	return wire.TypeName(reflect.TypeOf(v))
}

// Send encodes a payload and enqueues it for one connection. The enqueue is
// non-blocking: a full outbound channel surfaces as ErrChannelClosed rather
// than stalling the simulation loop.
func (n *Network) Send(id ConnectionID, v interface{}) error {
	return n.SendNamed(id, wireNameOf(v), v)
}

// SendNamed sends a payload under an explicit wire name.
func (n *Network) SendNamed(id ConnectionID, typeName string, v interface{}) error {
	packet, err := wire.NewPacket(typeName, v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return n.SendPacket(id, packet)
}

// SendPacket enqueues an already-encoded packet for one connection.
func (n *Network) SendPacket(id ConnectionID, p wire.Packet) error {
	n.mu.Lock()
	conn, ok := n.conns[id]
	n.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	if err := conn.enqueue(p); err != nil {
		return err
	}
	if n.metrics != nil {
		n.metrics.MessagesSent.WithLabelValues(n.provider.Name()).Inc()
	}
	return nil
}

// Broadcast sends a payload to every established connection. Failures on
// individual connections are logged, not returned.
func (n *Network) Broadcast(v interface{}) {
	typeName := wireNameOf(v)
	packet, err := wire.NewPacket(typeName, v)
	if err != nil {
		n.log.Error("Failed to encode broadcast %s: (error: %v)", typeName, err)
		return
	}
	for _, id := range n.ConnectionIDs() {
		if err := n.SendPacket(id, packet); err != nil {
			n.log.Warn("Failed to broadcast to %s: (error: %v)", id, err)
		}
	}
}

// dispatch routes one inbound packet. Registered names decode into their
// typed stream; correlated responses go to the response handler; unknown
// names are dropped with a single log line per name and never close the
// connection.
func (n *Network) dispatch(conn *connection, packet wire.Packet) {
	if handler, ok := n.registry.handler(packet.TypeName); ok {
		if n.metrics != nil {
			n.metrics.MessagesReceived.WithLabelValues(n.provider.Name(), packet.TypeName).Inc()
		}
		if err := handler(conn.id, n.provider.Name(), packet.Data); err != nil {
			n.log.Error("Failed to decode %s payload, dropping connection: (conn: %s, error: %v)", packet.TypeName, conn.id, err)
			n.remove(conn)
		}
		return
	}

	if wire.IsResponseName(packet.TypeName) && n.responseHandler != nil {
		n.responseHandler(packet.TypeName, packet.Data)
		return
	}

	n.warnedMu.Lock()
	_, seen := n.warned[packet.TypeName]
	if !seen {
		n.warned[packet.TypeName] = struct{}{}
	}
	n.warnedMu.Unlock()
	if !seen {
		n.log.Warn("Dropping message with unregistered type: (type: %s, conn: %s)", packet.TypeName, conn.id)
	}
}

// RegisteredMessageNames returns all registered wire names.
func (n *Network) RegisteredMessageNames() []string {
	return n.registry.Names()
}

// IsMessageRegistered reports whether a wire name is registered.
func (n *Network) IsMessageRegistered(name string) bool {
	return n.registry.Has(name)
}
