package network

import (
	"github.com/entsync/entsync/pkg/codec"
	"github.com/entsync/entsync/pkg/wire"
)

// requestEnvelope is the wire shape of an incoming request: the client's
// correlation id followed by the request payload.
type requestEnvelope[Req any] struct {
	RequestID uint64
	Request   Req
}

// ResponseEnvelope is the wire shape of a correlated response. The response
// id leads the payload so a receiver can strip it and re-route only the
// inner response bytes to the pending waiter.
type ResponseEnvelope[Resp any] struct {
	ResponseID uint64
	Response   Resp
}

// WireName returns the response wrapper's registered wire name.
func (e ResponseEnvelope[Resp]) WireName() string {
	return wire.ResponseName(wire.TypeNameFor[Resp]())
}

// Request is an inbound request awaiting a correlated response.
type Request[Req any] struct {
	Source    ConnectionID
	RequestID uint64
	Inner     Req
}

// RegisterRequest registers the request wrapper for Req and returns the
// stream its decoded requests arrive on. Handlers answer with Respond.
func RegisterRequest[Req any](n *Network) *MessageBuffer[Request[Req]] {
	stream := NewMessageBuffer[Request[Req]]()
	name := wire.RequestName(wire.TypeNameFor[Req]())

	handler := func(source ConnectionID, providerName string, data []byte) error {
		var envelope requestEnvelope[Req]
		if err := codec.Unmarshal(data, &envelope); err != nil {
			return err
		}
		stream.Push(Request[Req]{Source: source, RequestID: envelope.RequestID, Inner: envelope.Request})
		return nil
	}

	n.registry.register(name, goTypeOf[requestEnvelope[Req]](), stream, handler)
	return stream
}

// Respond sends the correlated response for a request back to its
// originator.
func Respond[Req, Resp any](n *Network, req Request[Req], resp Resp) error {
	envelope := ResponseEnvelope[Resp]{ResponseID: req.RequestID, Response: resp}
	return n.Send(req.Source, envelope)
}

// EncodeRequest produces the packet a client sends to issue a request with
// the given correlation id.
func EncodeRequest[Req any](requestID uint64, req Req) (wire.Packet, error) {
	envelope := requestEnvelope[Req]{RequestID: requestID, Request: req}
	return wire.NewPacket(wire.RequestName(wire.TypeNameFor[Req]()), envelope)
}

// DecodeResponseID strips the leading correlation id from a correlated
// response payload and returns the remaining response bytes.
func DecodeResponseID(data []byte) (uint64, []byte, error) {
	r := codec.NewReader(data)
	id, err := r.ReadUint()
	if err != nil {
		return 0, nil, err
	}
	return id, r.Remaining(), nil
}
