package sync

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entsync/entsync/pkg/network"
)

type JogCommand struct {
	Axis  string
	Delta float32
}

func sendTargeted(t *testing.T, rc *rawClient, target string, cmd JogCommand) {
	t.Helper()
	require.NoError(t, rc.net.Send(rc.conn, network.TargetedMessage[JogCommand]{
		TargetID: target,
		Message:  cmd,
	}))
}

func TestTargetedAllowedByDefault(t *testing.T) {
	e, provider, addr := newEngineFixture(t, noConflation())
	authorized := RegisterTargetedMessage[JogCommand](e)

	target := e.World().Spawn()
	rc := newRawClient(t, provider, addr)

	sendTargeted(t, rc, strconv.FormatUint(uint64(target), 10), JogCommand{Axis: "x", Delta: 0.5})

	var got []AuthorizedMessage[JogCommand]
	tickUntil(t, e, func() bool {
		got = append(got, authorized.Drain()...)
		return len(got) > 0
	}, "authorized message")

	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].Message.Axis)
	assert.Equal(t, target, got[0].TargetEntity)
	assert.False(t, got[0].Source.IsServer())
}

func TestTargetedInvalidTargetRejected(t *testing.T) {
	e, provider, addr := newEngineFixture(t, noConflation())
	authorized := RegisterTargetedMessage[JogCommand](e)

	rc := newRawClient(t, provider, addr)
	sendTargeted(t, rc, "not-an-entity", JogCommand{Axis: "x", Delta: 1})

	tickUntil(t, e, func() bool {
		rc.collect()
		return len(rc.notified) > 0
	}, "rejection notification")

	require.Len(t, rc.notified, 1)
	assert.Equal(t, SeverityWarning, rc.notified[0].Severity)
	assert.Contains(t, rc.notified[0].Message, "not-an-entity")
	require.NotNil(t, rc.notified[0].Context)
	assert.Contains(t, *rc.notified[0].Context, "JogCommand")
	assert.Empty(t, authorized.Drain())
}

func TestTargetedDenialNotifiesSender(t *testing.T) {
	e, provider, addr := newEngineFixture(t, noConflation())
	authorized := RegisterTargetedMessage[JogCommand](e)
	e.SetTargetedAuthorizer(ServerOnlyTargeted())

	target := e.World().Spawn()
	rc := newRawClient(t, provider, addr)
	sendTargeted(t, rc, strconv.FormatUint(uint64(target), 10), JogCommand{Axis: "z", Delta: -1})

	tickUntil(t, e, func() bool {
		rc.collect()
		return len(rc.notified) > 0
	}, "denial notification")

	// Exactly one rejection, carrying the message type name as context, and
	// nothing on the authorized stream.
	require.Len(t, rc.notified, 1)
	assert.Equal(t, SeverityWarning, rc.notified[0].Severity)
	require.NotNil(t, rc.notified[0].Context)
	assert.Contains(t, *rc.notified[0].Context, "JogCommand")
	assert.Empty(t, authorized.Drain())
}

func TestTargetedCustomPolicy(t *testing.T) {
	e, provider, addr := newEngineFixture(t, noConflation())
	authorized := RegisterTargetedMessage[JogCommand](e)

	allowed := e.World().Spawn()
	denied := e.World().Spawn()
	e.SetTargetedAuthorizer(TargetedAuthorizerFunc(func(ctx TargetedAuthContext) TargetedAuthResult {
		if ctx.TargetEntity == allowed {
			return Authorized()
		}
		return Denied("target is locked out")
	}))

	rc := newRawClient(t, provider, addr)
	sendTargeted(t, rc, strconv.FormatUint(uint64(denied), 10), JogCommand{Axis: "y", Delta: 1})
	sendTargeted(t, rc, strconv.FormatUint(uint64(allowed), 10), JogCommand{Axis: "y", Delta: 2})

	var got []AuthorizedMessage[JogCommand]
	tickUntil(t, e, func() bool {
		rc.collect()
		got = append(got, authorized.Drain()...)
		return len(got) > 0 && len(rc.notified) > 0
	}, "one grant and one denial")

	require.Len(t, got, 1)
	assert.Equal(t, allowed, got[0].TargetEntity)
	assert.Equal(t, float32(2), got[0].Message.Delta)

	require.Len(t, rc.notified, 1)
	assert.Equal(t, "target is locked out", rc.notified[0].Message)
}

func TestTargetedWrapperRegistration(t *testing.T) {
	e, _, _ := newEngineFixture(t, noConflation())
	RegisterTargetedMessage[JogCommand](e)

	found := false
	for _, name := range e.Network().RegisteredMessageNames() {
		if name == (network.TargetedMessage[JogCommand]{}).WireName() {
			found = true
		}
	}
	assert.True(t, found)
}
