package network

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entsync/entsync/pkg/codec"
	"github.com/entsync/entsync/pkg/logger"
	"github.com/entsync/entsync/pkg/transport"
	"github.com/entsync/entsync/pkg/transport/mem"
	"github.com/entsync/entsync/pkg/transport/tcp"
)

type chatMessage struct {
	Content string
}

type otherMessage struct {
	Content string
}

func testLogger() *logger.Logger {
	l := logger.New("network-test", "0.0.0")
	l.DisableConsoleOutput()
	return l
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestRegisterMessageIdempotent(t *testing.T) {
	n := New(mem.New(), transport.DefaultSettings(), testLogger())

	first := RegisterMessage[chatMessage](n)
	second := RegisterMessage[chatMessage](n)
	assert.Same(t, first, second)

	names := n.RegisteredMessageNames()
	require.Len(t, names, 1)
	assert.Contains(t, names[0], "chatMessage")
	assert.True(t, n.IsMessageRegistered(names[0]))
	assert.False(t, n.IsMessageRegistered("github.com/example/app.Unknown"))
}

func TestRegisterSameShortNameDifferentTypePanics(t *testing.T) {
	n := New(mem.New(), transport.DefaultSettings(), testLogger())
	RegisterMessage[chatMessage](n)

	assert.Panics(t, func() {
		// Same wire name, different Go type.
		registerDecoded[otherMessage](n.registry, "github.com/entsync/entsync/pkg/network.chatMessage")
	})
}

func TestShortNameCollisionPanics(t *testing.T) {
	n := New(mem.New(), transport.DefaultSettings(), testLogger())
	registerDecoded[chatMessage](n.registry, "github.com/example/a.Status")

	assert.Panics(t, func() {
		registerDecoded[otherMessage](n.registry, "github.com/example/b.Status")
	})
}

func TestRegisterSubscriptionRegistersThreeNames(t *testing.T) {
	n := New(mem.New(), transport.DefaultSettings(), testLogger())
	streams := RegisterSubscription[chatMessage](n)

	require.NotNil(t, streams.Messages)
	require.NotNil(t, streams.Subscribes)
	require.NotNil(t, streams.Unsubscribes)
	assert.Len(t, n.RegisteredMessageNames(), 3)

	// Re-registration is a no-op.
	again := RegisterSubscription[chatMessage](n)
	assert.Same(t, streams.Messages, again.Messages)
	assert.Len(t, n.RegisteredMessageNames(), 3)
}

func TestSendAndReceiveOverLoopback(t *testing.T) {
	provider := mem.New()
	server := New(provider, transport.DefaultSettings(), testLogger())
	client := New(provider, transport.DefaultSettings(), testLogger())

	inbound := RegisterMessage[chatMessage](server)

	require.NoError(t, server.Listen(context.Background(), "loop"))
	_, err := client.Connect(context.Background(), "loop")
	require.NoError(t, err)

	waitFor(t, func() bool { return len(server.ConnectionIDs()) == 1 }, "server connection")

	require.NoError(t, client.Send(client.ConnectionIDs()[0], chatMessage{Content: "hello"}))

	waitFor(t, func() bool { return inbound.Len() > 0 }, "inbound message")
	got := inbound.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Inner.Content)
	assert.Equal(t, mem.ProviderName, got[0].ProviderName)
	assert.Equal(t, server.ConnectionIDs()[0], got[0].Source)
}

func TestUnknownTypeDoesNotCloseConnection(t *testing.T) {
	provider := mem.New()
	server := New(provider, transport.DefaultSettings(), testLogger())
	client := New(provider, transport.DefaultSettings(), testLogger())

	inbound := RegisterMessage[chatMessage](server)

	require.NoError(t, server.Listen(context.Background(), "loop"))
	_, err := client.Connect(context.Background(), "loop")
	require.NoError(t, err)
	waitFor(t, func() bool { return len(server.ConnectionIDs()) == 1 }, "server connection")

	// Unregistered on the server: dropped with a warning, never fatal.
	require.NoError(t, client.Send(client.ConnectionIDs()[0], otherMessage{Content: "???"}))
	require.NoError(t, client.Send(client.ConnectionIDs()[0], chatMessage{Content: "still here"}))

	waitFor(t, func() bool { return inbound.Len() > 0 }, "inbound message after unknown type")
	got := inbound.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, "still here", got[0].Inner.Content)
	assert.True(t, server.IsConnected(got[0].Source))
}

func TestSendToUnknownConnection(t *testing.T) {
	n := New(mem.New(), transport.DefaultSettings(), testLogger())
	err := n.Send(ConnectionID{ID: 999}, chatMessage{Content: "void"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDisconnectEmitsDisconnectedOnce(t *testing.T) {
	provider := mem.New()
	server := New(provider, transport.DefaultSettings(), testLogger())
	client := New(provider, transport.DefaultSettings(), testLogger())

	require.NoError(t, server.Listen(context.Background(), "loop"))
	_, err := client.Connect(context.Background(), "loop")
	require.NoError(t, err)
	waitFor(t, func() bool { return len(server.ConnectionIDs()) == 1 }, "server connection")

	serverConn := server.ConnectionIDs()[0]
	require.NoError(t, server.Disconnect(serverConn))
	assert.ErrorIs(t, server.Disconnect(serverConn), ErrNotConnected)

	var events []Event
	waitFor(t, func() bool {
		events = append(events, server.DrainEvents()...)
		disconnects := 0
		for _, e := range events {
			if e.Kind == EventDisconnected {
				disconnects++
			}
		}
		return disconnects == 1
	}, "single disconnected event")
}

func TestOversizeFrameDropsConnection(t *testing.T) {
	settings := transport.DefaultSettings()
	settings.MaxPacketLength = 1024

	server := New(tcp.New(), settings, testLogger())
	require.NoError(t, server.Listen(context.Background(), "127.0.0.1:0"))
	addr := server.ListenAddrs()[0]

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	waitFor(t, func() bool { return len(server.ConnectionIDs()) == 1 }, "server connection")

	// A length prefix beyond MaxPacketLength must drop the connection.
	var header [8]byte
	binary.LittleEndian.PutUint64(header[:], 2048)
	_, err = conn.Write(header[:])
	require.NoError(t, err)

	var events []Event
	waitFor(t, func() bool {
		events = append(events, server.DrainEvents()...)
		for _, e := range events {
			if e.Kind == EventDisconnected {
				return true
			}
		}
		return false
	}, "disconnected event")

	disconnects := 0
	for _, e := range events {
		if e.Kind == EventDisconnected {
			disconnects++
		}
	}
	assert.Equal(t, 1, disconnects)
	assert.Empty(t, server.ConnectionIDs())
}

func TestRequestResponseEnvelopes(t *testing.T) {
	packet, err := EncodeRequest(uint64(100), chatMessage{Content: "list"})
	require.NoError(t, err)
	assert.Contains(t, packet.TypeName, "Request(")

	// Server-side decoding happens through the registry; here we check the
	// response envelope convention the client correlator relies on.
	envelope := ResponseEnvelope[chatMessage]{ResponseID: 100, Response: chatMessage{Content: "ok"}}
	data, err := codec.Marshal(envelope)
	require.NoError(t, err)

	id, rest, err := DecodeResponseID(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), id)
	assert.NotEmpty(t, rest)
}
