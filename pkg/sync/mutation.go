package sync

import (
	"github.com/entsync/entsync/pkg/ecs"
	"github.com/entsync/entsync/pkg/network"
)

// QueuedMutation is one client-requested component write awaiting the
// exclusive mutation pass.
type QueuedMutation struct {
	// Connection that originated the request.
	Connection network.ConnectionID
	// RequestID is the client-chosen correlation id, if the client wants a
	// MutationResponse.
	RequestID *uint64
	// Entity to write, or ecs.Dangling to spawn a new one.
	Entity ecs.Entity
	// ComponentType is the registered short type name.
	ComponentType string
	// Value is the full component value in wire encoding; writes are full
	// replacements.
	Value []byte
}

// MutationQueue buffers client mutations between ticks.
type MutationQueue struct {
	pending []QueuedMutation
}

// NewMutationQueue creates an empty queue.
func NewMutationQueue() *MutationQueue {
	return &MutationQueue{}
}

// Push enqueues a mutation.
func (q *MutationQueue) Push(m QueuedMutation) {
	q.pending = append(q.pending, m)
}

// Take removes and returns all pending mutations, leaving an empty queue
// for producers.
func (q *MutationQueue) Take() []QueuedMutation {
	pending := q.pending
	q.pending = nil
	return pending
}

// DropConnection discards pending mutations from a connection.
func (q *MutationQueue) DropConnection(conn network.ConnectionID) int {
	kept := q.pending[:0]
	removed := 0
	for _, m := range q.pending {
		if m.Connection == conn {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	q.pending = kept
	return removed
}

// Len returns the number of pending mutations.
func (q *MutationQueue) Len() int {
	return len(q.pending)
}

// MutationAuthorizer decides whether a queued mutation may be applied. Any
// status other than StatusOk prevents the write and is propagated to the
// client via MutationResponse.
type MutationAuthorizer interface {
	Authorize(w *ecs.World, m QueuedMutation) MutationStatus
}

// MutationAuthorizerFunc adapts a closure into a MutationAuthorizer.
type MutationAuthorizerFunc func(w *ecs.World, m QueuedMutation) MutationStatus

// Authorize calls the closure.
func (f MutationAuthorizerFunc) Authorize(w *ecs.World, m QueuedMutation) MutationStatus {
	return f(w, m)
}

// ServerOnlyMutations allows mutations only from the reserved server
// connection. Useful when clients are strictly read-only observers.
func ServerOnlyMutations() MutationAuthorizer {
	return MutationAuthorizerFunc(func(_ *ecs.World, m QueuedMutation) MutationStatus {
		if m.Connection.IsServer() {
			return StatusOk
		}
		return StatusForbidden
	})
}

// AllowAllMutations accepts every mutation. This is also the behavior when
// no authorizer is installed.
func AllowAllMutations() MutationAuthorizer {
	return MutationAuthorizerFunc(func(_ *ecs.World, _ QueuedMutation) MutationStatus {
		return StatusOk
	})
}

// HasControlHierarchical walks the entity's ancestor chain and reports
// whether any ancestor (or the entity itself) carries a component of type C
// satisfying the predicate. It expresses "control of a parent implies
// control of its descendants".
func HasControlHierarchical[C any](w *ecs.World, entity ecs.Entity, predicate func(C) bool) bool {
	name := ComponentName[C]()
	current := entity
	for {
		if v, ok := w.Get(current, name); ok {
			if c, ok := v.(C); ok && predicate(c) {
				return true
			}
		}
		parent, ok := w.Parent(current)
		if !ok {
			return false
		}
		current = parent
	}
}
