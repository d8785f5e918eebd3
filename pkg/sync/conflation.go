package sync

import (
	"github.com/entsync/entsync/pkg/ecs"
	"github.com/entsync/entsync/pkg/network"
)

// ConflationKey identifies updates that may collapse into one another: the
// latest value for a (subscription, entity, component type) triple wins
// within a flush window.
type ConflationKey struct {
	SubscriptionID uint64
	Entity         ecs.Entity
	ComponentType  string
}

// conflationKeyOf returns the key for a conflatable item, or false for
// removals and despawns, which never conflate.
func conflationKeyOf(item SyncItem) (ConflationKey, bool) {
	if !item.Conflatable() {
		return ConflationKey{}, false
	}
	return ConflationKey{
		SubscriptionID: item.SubscriptionID,
		Entity:         item.Entity,
		ComponentType:  item.ComponentType,
	}, true
}

// ConflationQueue buffers sync items per connection between timed flushes.
// Conflatable items live in a keyed map where later values overwrite
// earlier ones; removals and despawns are kept separately in arrival order
// and are never dropped or reordered relative to each other.
type ConflationQueue struct {
	pending        map[network.ConnectionID]map[ConflationKey]SyncItem
	nonConflatable map[network.ConnectionID][]SyncItem
}

// NewConflationQueue creates an empty queue.
func NewConflationQueue() *ConflationQueue {
	return &ConflationQueue{
		pending:        make(map[network.ConnectionID]map[ConflationKey]SyncItem),
		nonConflatable: make(map[network.ConnectionID][]SyncItem),
	}
}

// Enqueue buffers an item for a connection. When conflate is true and the
// item is conflatable it overwrites any pending item with the same key.
func (q *ConflationQueue) Enqueue(conn network.ConnectionID, item SyncItem, conflate bool) {
	if conflate {
		if key, ok := conflationKeyOf(item); ok {
			byKey, exists := q.pending[conn]
			if !exists {
				byKey = make(map[ConflationKey]SyncItem)
				q.pending[conn] = byKey
			}
			byKey[key] = item
			return
		}
	}
	q.nonConflatable[conn] = append(q.nonConflatable[conn], item)
}

// DrainForConnection removes and returns everything pending for one
// connection: conflated values first (in no particular order), then the
// non-conflatable items in arrival order.
func (q *ConflationQueue) DrainForConnection(conn network.ConnectionID) []SyncItem {
	var items []SyncItem

	if byKey, ok := q.pending[conn]; ok {
		for _, item := range byKey {
			items = append(items, item)
		}
		delete(q.pending, conn)
	}

	if ordered, ok := q.nonConflatable[conn]; ok {
		items = append(items, ordered...)
		delete(q.nonConflatable, conn)
	}

	return items
}

// Connections returns every connection with at least one pending item.
func (q *ConflationQueue) Connections() []network.ConnectionID {
	seen := make(map[network.ConnectionID]struct{})
	for conn := range q.pending {
		seen[conn] = struct{}{}
	}
	for conn := range q.nonConflatable {
		seen[conn] = struct{}{}
	}
	out := make([]network.ConnectionID, 0, len(seen))
	for conn := range seen {
		out = append(out, conn)
	}
	return out
}

// PendingCount returns the number of items pending for a connection.
func (q *ConflationQueue) PendingCount(conn network.ConnectionID) int {
	return len(q.pending[conn]) + len(q.nonConflatable[conn])
}

// DropConnection discards everything pending for a connection.
func (q *ConflationQueue) DropConnection(conn network.ConnectionID) {
	delete(q.pending, conn)
	delete(q.nonConflatable, conn)
}
