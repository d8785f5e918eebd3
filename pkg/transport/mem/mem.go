// Package mem implements an in-memory loopback transport provider. It moves
// packets between paired sockets over channels without sockets or framing,
// which keeps engine and client tests free of real network dependencies.
package mem

import (
	"context"
	"fmt"
	"sync"

	"github.com/entsync/entsync/pkg/logger"
	"github.com/entsync/entsync/pkg/transport"
	"github.com/entsync/entsync/pkg/wire"
)

// ProviderName identifies the in-memory provider.
const ProviderName = "mem"

// Provider provides loopback connections between Listen and Connect calls
// sharing the same Provider value.
type Provider struct {
	mu        sync.Mutex
	listeners map[string]*acceptor
}

// New creates an in-memory provider.
func New() *Provider {
	return &Provider{listeners: make(map[string]*acceptor)}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return ProviderName
}

type socket struct {
	addr string
	recv <-chan wire.Packet
	send chan<- wire.Packet

	localClosed  chan struct{}
	remoteClosed chan struct{}
	closeOnce    sync.Once
}

func (s *socket) Close() error {
	s.closeOnce.Do(func() { close(s.localClosed) })
	return nil
}

func (s *socket) RemoteAddr() string {
	return s.addr
}

// pair creates two connected sockets.
func pair(addr string) (*socket, *socket) {
	aToB := make(chan wire.Packet, 64)
	bToA := make(chan wire.Packet, 64)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})

	a := &socket{addr: addr, recv: bToA, send: aToB, localClosed: aClosed, remoteClosed: bClosed}
	b := &socket{addr: addr, recv: aToB, send: bToA, localClosed: bClosed, remoteClosed: aClosed}
	return a, b
}

type acceptor struct {
	provider *Provider
	addr     string
	inbound  chan *socket
	closed   chan struct{}
	once     sync.Once
}

func (a *acceptor) Accept() (transport.Socket, error) {
	select {
	case s := <-a.inbound:
		return s, nil
	case <-a.closed:
		return nil, fmt.Errorf("listener %s closed", a.addr)
	}
}

func (a *acceptor) Close() error {
	a.once.Do(func() {
		close(a.closed)
		a.provider.mu.Lock()
		delete(a.provider.listeners, a.addr)
		a.provider.mu.Unlock()
	})
	return nil
}

func (a *acceptor) Addr() string {
	return a.addr
}

// Listen registers a loopback listener under addr.
func (p *Provider) Listen(_ context.Context, addr string, _ transport.Settings) (transport.Acceptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.listeners[addr]; exists {
		return nil, fmt.Errorf("address %s already in use", addr)
	}
	a := &acceptor{
		provider: p,
		addr:     addr,
		inbound:  make(chan *socket, 16),
		closed:   make(chan struct{}),
	}
	p.listeners[addr] = a
	return a, nil
}

// Connect pairs a new socket with the listener registered under addr.
func (p *Provider) Connect(_ context.Context, addr string, _ transport.Settings) (transport.Socket, error) {
	p.mu.Lock()
	a, exists := p.listeners[addr]
	p.mu.Unlock()

	if !exists {
		return nil, fmt.Errorf("no listener on %s", addr)
	}

	client, server := pair(addr)
	select {
	case a.inbound <- server:
		return client, nil
	case <-a.closed:
		return nil, fmt.Errorf("listener %s closed", addr)
	}
}

// Split returns the socket twice.
func (p *Provider) Split(s transport.Socket) (transport.Socket, transport.Socket) {
	return s, s
}

// ChannelCapacity returns the configured outbound queue depth.
func (p *Provider) ChannelCapacity(settings transport.Settings) int {
	return settings.ChannelCapacity
}

// RecvLoop moves packets from the socket into out until either side closes.
func (p *Provider) RecvLoop(read transport.Socket, out chan<- wire.Packet, _ transport.Settings, _ *logger.Logger) {
	defer close(out)

	s := read.(*socket)
	for {
		select {
		case packet := <-s.recv:
			out <- packet
		case <-s.localClosed:
			return
		case <-s.remoteClosed:
			// Drain what the peer managed to send before closing.
			for {
				select {
				case packet := <-s.recv:
					out <- packet
				default:
					return
				}
			}
		}
	}
}

// SendLoop moves packets from in to the socket until in closes or either
// side of the socket closes.
func (p *Provider) SendLoop(write transport.Socket, in <-chan wire.Packet, _ transport.Settings, _ *logger.Logger) {
	s := write.(*socket)
	for packet := range in {
		select {
		case s.send <- packet:
		case <-s.localClosed:
			return
		case <-s.remoteClosed:
			return
		}
	}
}
