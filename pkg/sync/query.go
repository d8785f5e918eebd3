package sync

import (
	"github.com/entsync/entsync/pkg/network"
	"github.com/entsync/entsync/pkg/wire"
)

// RegisterQuery registers Req as a request type bound to invalidation tags
// and returns its request stream. Handlers that change state the tags cover
// answer through RespondAndInvalidate so every client holding a cached
// result under those tags learns it is stale; read-only handlers answer
// with network.Respond as usual.
func RegisterQuery[Req any](e *Engine, tags ...string) *network.MessageBuffer[network.Request[Req]] {
	stream := network.RegisterRequest[Req](e.net)
	if len(tags) > 0 {
		e.queryTags[wire.RequestName(wire.TypeNameFor[Req]())] = tags
	}
	return stream
}

// RespondAndInvalidate answers a request and, once the response is on its
// way, broadcasts the invalidation tags bound to the request type at
// registration. A failed send broadcasts nothing, so clients are never told
// to refetch a change whose confirmation they did not receive.
func RespondAndInvalidate[Req, Resp any](e *Engine, req network.Request[Req], resp Resp) error {
	if err := network.Respond(e.net, req, resp); err != nil {
		return err
	}
	if tags := e.queryTags[wire.RequestName(wire.TypeNameFor[Req]())]; len(tags) > 0 {
		e.InvalidateQueries(tags...)
	}
	return nil
}

// HandleInvalidatingRequests installs a handler for a request type whose
// successful responses invalidate the given tags: each inbound Req is
// answered through RespondAndInvalidate. The mutating counterpart of
// HandleRequests.
func HandleInvalidatingRequests[Req, Resp any](e *Engine, handler func(source network.ConnectionID, req Req) Resp, tags ...string) {
	stream := RegisterQuery[Req](e, tags...)
	e.requestSystems = append(e.requestSystems, func() {
		for _, req := range stream.Drain() {
			resp := handler(req.Source, req.Inner)
			if err := RespondAndInvalidate(e, req, resp); err != nil {
				e.log.Warn("Failed to send response to %s: (error: %v)", req.Source, err)
			}
		}
	})
}
