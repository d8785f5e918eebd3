package sync

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entsync/entsync/pkg/ecs"
	"github.com/entsync/entsync/pkg/network"
)

func TestConflationCollapsesToLatest(t *testing.T) {
	q := NewConflationQueue()
	conn := network.ConnectionID{ID: 7}

	for i := 0; i < 4; i++ {
		q.Enqueue(conn, SyncItem{
			Kind:           ItemUpdate,
			SubscriptionID: 1,
			Entity:         ecs.Entity(9),
			ComponentType:  "Position",
			Value:          []byte{byte(i)},
		}, true)
	}

	items := q.DrainForConnection(conn)
	require.Len(t, items, 1)
	assert.Equal(t, []byte{3}, items[0].Value)

	// Drained means gone.
	assert.Empty(t, q.DrainForConnection(conn))
}

func TestConflationKeySeparatesSubscriptions(t *testing.T) {
	q := NewConflationQueue()
	conn := network.ConnectionID{ID: 7}

	for _, sub := range []uint64{1, 2} {
		q.Enqueue(conn, SyncItem{
			Kind:           ItemUpdate,
			SubscriptionID: sub,
			Entity:         ecs.Entity(9),
			ComponentType:  "Position",
			Value:          []byte{byte(sub)},
		}, true)
	}

	items := q.DrainForConnection(conn)
	assert.Len(t, items, 2)
}

func TestRemovalsNeverConflateAndKeepOrder(t *testing.T) {
	q := NewConflationQueue()
	conn := network.ConnectionID{ID: 3}

	for i := 0; i < 3; i++ {
		q.Enqueue(conn, SyncItem{
			Kind:           ItemComponentRemoved,
			SubscriptionID: 1,
			Entity:         ecs.Entity(uint64(i)),
			ComponentType:  "Position",
		}, true)
	}
	q.Enqueue(conn, SyncItem{Kind: ItemEntityRemoved, SubscriptionID: 1, Entity: ecs.Entity(5)}, true)

	items := q.DrainForConnection(conn)
	require.Len(t, items, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, ItemComponentRemoved, items[i].Kind)
		assert.Equal(t, ecs.Entity(uint64(i)), items[i].Entity)
	}
	assert.Equal(t, ItemEntityRemoved, items[3].Kind)
}

func TestConflatedValuesPrecedeRemovals(t *testing.T) {
	q := NewConflationQueue()
	conn := network.ConnectionID{ID: 3}

	q.Enqueue(conn, SyncItem{Kind: ItemUpdate, SubscriptionID: 1, Entity: 5, ComponentType: "Name", Value: []byte{1}}, true)
	q.Enqueue(conn, SyncItem{Kind: ItemEntityRemoved, SubscriptionID: 1, Entity: 5}, true)

	items := q.DrainForConnection(conn)
	require.Len(t, items, 2)
	assert.Equal(t, ItemUpdate, items[0].Kind)
	assert.Equal(t, ItemEntityRemoved, items[1].Kind)
}

func TestConflationDisabledKeepsEveryItem(t *testing.T) {
	q := NewConflationQueue()
	conn := network.ConnectionID{ID: 1}

	for i := 0; i < 4; i++ {
		q.Enqueue(conn, SyncItem{
			Kind:           ItemUpdate,
			SubscriptionID: 1,
			Entity:         9,
			ComponentType:  "Position",
			Value:          []byte{byte(i)},
		}, false)
	}

	items := q.DrainForConnection(conn)
	require.Len(t, items, 4)
	for i, item := range items {
		assert.Equal(t, []byte{byte(i)}, item.Value, fmt.Sprintf("item %d", i))
	}
}

func TestPendingCountAndDrop(t *testing.T) {
	q := NewConflationQueue()
	conn := network.ConnectionID{ID: 1}

	q.Enqueue(conn, SyncItem{Kind: ItemUpdate, SubscriptionID: 1, Entity: 1, ComponentType: "A", Value: nil}, true)
	q.Enqueue(conn, SyncItem{Kind: ItemEntityRemoved, SubscriptionID: 1, Entity: 2}, true)
	assert.Equal(t, 2, q.PendingCount(conn))

	q.DropConnection(conn)
	assert.Equal(t, 0, q.PendingCount(conn))
}
