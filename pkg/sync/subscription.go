package sync

import (
	"github.com/entsync/entsync/pkg/ecs"
	"github.com/entsync/entsync/pkg/network"
)

// WildcardComponentType matches every registered component type.
const WildcardComponentType = "*"

// SubscriptionEntry is one client interest in (component type, optional
// entity), keyed by (connection, subscription id).
type SubscriptionEntry struct {
	Connection     network.ConnectionID
	SubscriptionID uint64
	ComponentType  string
	Entity         *ecs.Entity
}

// Matches reports whether a change to (componentType, entity) falls under
// this subscription.
func (s SubscriptionEntry) Matches(componentType string, entity ecs.Entity) bool {
	if s.ComponentType != WildcardComponentType && s.ComponentType != componentType {
		return false
	}
	if s.Entity != nil && *s.Entity != entity {
		return false
	}
	return true
}

// MatchesEntity reports whether an entity-level event (despawn) falls under
// this subscription. Despawns match regardless of component type.
func (s SubscriptionEntry) MatchesEntity(entity ecs.Entity) bool {
	return s.Entity == nil || *s.Entity == entity
}

// SubscriptionManager tracks all live subscriptions. The store is an
// ordered slice scanned linearly per event; subscription counts are small
// enough that an index has not been worth its bookkeeping.
type SubscriptionManager struct {
	subscriptions []SubscriptionEntry
}

// NewSubscriptionManager creates an empty manager.
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{}
}

// Add appends a subscription.
func (m *SubscriptionManager) Add(entry SubscriptionEntry) {
	m.subscriptions = append(m.subscriptions, entry)
}

// Remove deletes the subscription with the given (connection, id) pair.
func (m *SubscriptionManager) Remove(conn network.ConnectionID, subscriptionID uint64) {
	kept := m.subscriptions[:0]
	for _, s := range m.subscriptions {
		if s.Connection == conn && s.SubscriptionID == subscriptionID {
			continue
		}
		kept = append(kept, s)
	}
	m.subscriptions = kept
}

// RemoveAllForConnection deletes every subscription owned by a connection.
func (m *SubscriptionManager) RemoveAllForConnection(conn network.ConnectionID) int {
	kept := m.subscriptions[:0]
	removed := 0
	for _, s := range m.subscriptions {
		if s.Connection == conn {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	m.subscriptions = kept
	return removed
}

// All returns the live subscriptions in creation order.
func (m *SubscriptionManager) All() []SubscriptionEntry {
	return m.subscriptions
}

// Len returns the number of live subscriptions.
func (m *SubscriptionManager) Len() int {
	return len(m.subscriptions)
}

// SnapshotRequest is queued when a client subscribes and consumed by the
// snapshot pass of the same tick.
type SnapshotRequest struct {
	Connection     network.ConnectionID
	SubscriptionID uint64
	ComponentType  string
	Entity         *ecs.Entity
}

// SnapshotQueue holds pending snapshot requests.
type SnapshotQueue struct {
	pending []SnapshotRequest
}

// NewSnapshotQueue creates an empty queue.
func NewSnapshotQueue() *SnapshotQueue {
	return &SnapshotQueue{}
}

// Push enqueues a snapshot request.
func (q *SnapshotQueue) Push(req SnapshotRequest) {
	q.pending = append(q.pending, req)
}

// Take removes and returns all pending requests, leaving an empty queue for
// producers.
func (q *SnapshotQueue) Take() []SnapshotRequest {
	pending := q.pending
	q.pending = nil
	return pending
}
