package sync

import (
	"github.com/entsync/entsync/pkg/ecs"
	"github.com/entsync/entsync/pkg/network"
)

// EntityControl marks a root entity as exclusively controlled by one
// connection. It is the single source of truth for who may mutate the
// entity and its descendants.
type EntityControl struct {
	ClientID network.ConnectionID
}

// RequestControl asks the server for exclusive control of a root entity.
type RequestControl struct {
	Entity ecs.Entity
}

// ReleaseControl gives up exclusive control of a root entity.
type ReleaseControl struct {
	Entity ecs.Entity
}

// ControlResponse answers a RequestControl or ReleaseControl request.
type ControlResponse struct {
	Granted bool
	Reason  *string
}

func grantedResponse() ControlResponse {
	return ControlResponse{Granted: true}
}

func deniedResponse(reason string) ControlResponse {
	return ControlResponse{Reason: &reason}
}

// EnableControlArbiter turns on the exclusive-control component and its
// request handlers. EntityControl becomes a synchronized component so
// observers see control hand-offs, and control held by a connection is
// released when it disconnects.
func EnableControlArbiter(e *Engine) {
	if e.controlEnabled {
		return
	}
	e.controlEnabled = true

	RegisterComponent[EntityControl](e)
	requests := network.RegisterRequest[RequestControl](e.net)
	releases := network.RegisterRequest[ReleaseControl](e.net)

	e.requestSystems = append(e.requestSystems, func() {
		for _, req := range requests.Drain() {
			resp := e.acquireControl(req.Source, req.Inner.Entity)
			if err := network.Respond(e.net, req, resp); err != nil {
				e.log.Warn("Failed to answer control request from %s: (error: %v)", req.Source, err)
			}
		}
		for _, req := range releases.Drain() {
			resp := e.releaseControl(req.Source, req.Inner.Entity)
			if err := network.Respond(e.net, req, resp); err != nil {
				e.log.Warn("Failed to answer control release from %s: (error: %v)", req.Source, err)
			}
		}
	})
}

// acquireControl implements the Unowned -> Owned transition. While owned,
// only the server may take control away.
func (e *Engine) acquireControl(source network.ConnectionID, entity ecs.Entity) ControlResponse {
	if !e.world.Exists(entity) {
		return deniedResponse("unknown entity")
	}

	name := ComponentName[EntityControl]()
	current, owned := e.world.Get(entity, name)
	if owned {
		holder := current.(EntityControl).ClientID
		switch {
		case holder == source:
			return grantedResponse()
		case source.IsServer():
			// Server preemption is the only owned-to-owned transition.
		default:
			return deniedResponse("entity is controlled by another connection")
		}
	}

	if err := e.world.Insert(entity, name, EntityControl{ClientID: source}); err != nil {
		return deniedResponse("unknown entity")
	}
	e.log.Info("Control of entity %d granted to %s", entity, source)
	return grantedResponse()
}

// releaseControl implements the Owned -> Unowned transition for the holder
// or the server.
func (e *Engine) releaseControl(source network.ConnectionID, entity ecs.Entity) ControlResponse {
	name := ComponentName[EntityControl]()
	current, owned := e.world.Get(entity, name)
	if !owned {
		return grantedResponse()
	}
	holder := current.(EntityControl).ClientID
	if holder != source && !source.IsServer() {
		return deniedResponse("entity is controlled by another connection")
	}
	e.world.Remove(entity, name)
	e.log.Info("Control of entity %d released by %s", entity, source)
	return grantedResponse()
}

// releaseControlForConnection drops every control marker held by a
// disconnected connection.
func (e *Engine) releaseControlForConnection(conn network.ConnectionID) {
	if !e.controlEnabled {
		return
	}
	name := ComponentName[EntityControl]()
	for _, entity := range e.world.Entities(name) {
		v, ok := e.world.Get(entity, name)
		if !ok {
			continue
		}
		if v.(EntityControl).ClientID == conn {
			e.world.Remove(entity, name)
			e.log.Info("Control of entity %d released, %s disconnected", entity, conn)
		}
	}
}

// ControlScopedMutations authorizes a mutation when the connection is the
// server, the target is a fresh spawn, or the connection holds EntityControl
// over the target or one of its ancestors.
func ControlScopedMutations() MutationAuthorizer {
	return MutationAuthorizerFunc(func(w *ecs.World, m QueuedMutation) MutationStatus {
		if m.Connection.IsServer() || m.Entity == ecs.Dangling {
			return StatusOk
		}
		if HasControlHierarchical(w, m.Entity, func(c EntityControl) bool {
			return c.ClientID == m.Connection
		}) {
			return StatusOk
		}
		return StatusForbidden
	})
}

// ControlScopedTargeted authorizes a targeted message when the connection is
// the server or holds EntityControl over the target or one of its
// ancestors.
func ControlScopedTargeted() TargetedAuthorizer {
	return TargetedAuthorizerFunc(func(ctx TargetedAuthContext) TargetedAuthResult {
		if ctx.Source.IsServer() {
			return Authorized()
		}
		if HasControlHierarchical(ctx.World, ctx.TargetEntity, func(c EntityControl) bool {
			return c.ClientID == ctx.Source
		}) {
			return Authorized()
		}
		return Denied("connection does not control the target entity")
	})
}
