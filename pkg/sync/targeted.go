package sync

import (
	"fmt"
	"strconv"

	"github.com/entsync/entsync/pkg/ecs"
	"github.com/entsync/entsync/pkg/network"
	"github.com/entsync/entsync/pkg/wire"
)

// TargetedAuthContext is handed to the authorizer for each targeted
// message.
type TargetedAuthContext struct {
	// World gives the policy read access to application state.
	World *ecs.World
	// Source is the connection that sent the message.
	Source network.ConnectionID
	// TargetEntity is the entity the message is bound to.
	TargetEntity ecs.Entity
}

// TargetedAuthResult is the outcome of an authorization check.
type TargetedAuthResult struct {
	Authorized bool
	Reason     string
}

// Authorized is the passing result.
func Authorized() TargetedAuthResult {
	return TargetedAuthResult{Authorized: true}
}

// Denied is a failing result carrying the denial reason delivered back to
// the sender.
func Denied(reason string) TargetedAuthResult {
	return TargetedAuthResult{Reason: reason}
}

// TargetedAuthorizer decides whether a client may send to a target entity.
type TargetedAuthorizer interface {
	Authorize(ctx TargetedAuthContext) TargetedAuthResult
}

// TargetedAuthorizerFunc adapts a closure into a TargetedAuthorizer.
type TargetedAuthorizerFunc func(ctx TargetedAuthContext) TargetedAuthResult

// Authorize calls the closure.
func (f TargetedAuthorizerFunc) Authorize(ctx TargetedAuthContext) TargetedAuthResult {
	return f(ctx)
}

// AllowAllTargeted authorizes every targeted message. This is also the
// behavior when no authorizer is installed.
func AllowAllTargeted() TargetedAuthorizer {
	return TargetedAuthorizerFunc(func(TargetedAuthContext) TargetedAuthResult {
		return Authorized()
	})
}

// ServerOnlyTargeted authorizes targeted messages only from the reserved
// server connection.
func ServerOnlyTargeted() TargetedAuthorizer {
	return TargetedAuthorizerFunc(func(ctx TargetedAuthContext) TargetedAuthResult {
		if ctx.Source.IsServer() {
			return Authorized()
		}
		return Denied("only the server may send targeted messages")
	})
}

// AuthorizedMessage is a targeted message that passed authorization.
// Systems consume this stream instead of the raw targeted stream when they
// want only authorized traffic.
type AuthorizedMessage[T any] struct {
	Message      T
	Source       network.ConnectionID
	TargetEntity ecs.Entity
}

// RegisterTargetedMessage registers the targeted wrapper for T on the
// engine's network and installs the per-tick authorization middleware. The
// returned stream carries only authorized messages; denials are answered
// with a warning notification to the sender carrying T's type name as
// context.
func RegisterTargetedMessage[T any](e *Engine) *network.MessageBuffer[AuthorizedMessage[T]] {
	raw := network.RegisterTargetedMessage[T](e.net)
	authorized := network.NewMessageBuffer[AuthorizedMessage[T]]()
	typeName := wire.TypeNameFor[T]()

	e.targetedSystems = append(e.targetedSystems, func() {
		incoming := raw.Drain()
		for _, msg := range incoming {
			entityBits, err := strconv.ParseUint(msg.Inner.TargetID, 10, 64)
			if err != nil {
				e.log.Warn("Invalid target id %q from %s, expected entity bits", msg.Inner.TargetID, msg.Source)
				e.notify(msg.Source, WarningNotification(
					fmt.Sprintf("invalid target entity: %s", msg.Inner.TargetID), typeName))
				continue
			}
			target := ecs.Entity(entityBits)

			result := Authorized()
			if e.targetedAuthorizer != nil {
				result = e.targetedAuthorizer.Authorize(TargetedAuthContext{
					World:        e.world,
					Source:       msg.Source,
					TargetEntity: target,
				})
			}

			if !result.Authorized {
				e.log.Warn("Targeted %s from %s to entity %d denied: %s", typeName, msg.Source, target, result.Reason)
				e.notify(msg.Source, WarningNotification(result.Reason, typeName))
				continue
			}

			authorized.Push(AuthorizedMessage[T]{
				Message:      msg.Inner.Message,
				Source:       msg.Source,
				TargetEntity: target,
			})
		}
	})

	return authorized
}
