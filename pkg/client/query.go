package client

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/entsync/entsync/pkg/codec"
	"github.com/entsync/entsync/pkg/network"
	syncpkg "github.com/entsync/entsync/pkg/sync"
	"github.com/entsync/entsync/pkg/wire"
)

// fetchTimeout bounds background refetches triggered by invalidations.
const fetchTimeout = 30 * time.Second

// queryCell caches one query result, keyed by the request value. A cell is
// stale once the server broadcasts an invalidation for any of its tags;
// observed cells refetch immediately, unobserved ones on next use.
type queryCell struct {
	key       string
	tags      []string
	value     []byte
	valid     bool
	stale     bool
	observers map[int]func([]byte)
	// fetch re-issues the request in the background; installed by the first
	// typed observer since only the typed layer knows Req and Resp.
	fetch func()
}

func (cell *queryCell) matchesAny(tags []string) bool {
	for _, invalidated := range tags {
		for _, tag := range cell.tags {
			if tag == invalidated {
				return true
			}
		}
	}
	return false
}

// queryKeyFor derives the cache key from the request type and value.
func queryKeyFor[Req any](req Req) (string, error) {
	data, err := codec.Marshal(req)
	if err != nil {
		return "", err
	}
	return wire.TypeNameFor[Req]() + ":" + hex.EncodeToString(data), nil
}

func (c *Client) cell(key string, tags []string) *queryCell {
	c.mu.Lock()
	defer c.mu.Unlock()
	cell, ok := c.queries[key]
	if !ok {
		cell = &queryCell{key: key, tags: tags, observers: make(map[int]func([]byte))}
		c.queries[key] = cell
	}
	return cell
}

// handleInvalidation marks matching cells stale and refetches the ones
// under observation.
func (c *Client) handleInvalidation(inv syncpkg.QueryInvalidation) {
	c.mu.Lock()
	var refetch []func()
	for _, cell := range c.queries {
		if !cell.matchesAny(inv.Tags) {
			continue
		}
		cell.stale = true
		if len(cell.observers) > 0 && cell.fetch != nil {
			refetch = append(refetch, cell.fetch)
		}
	}
	c.mu.Unlock()

	for _, fetch := range refetch {
		fetch()
	}
}

// storeQueryResult replaces a cell's value and refires its observers.
func (c *Client) storeQueryResult(key string, value []byte) {
	c.mu.Lock()
	cell, ok := c.queries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	cell.value = value
	cell.valid = true
	cell.stale = false
	observers := make([]func([]byte), 0, len(cell.observers))
	for _, cb := range cell.observers {
		observers = append(observers, cb)
	}
	c.mu.Unlock()

	for _, cb := range observers {
		cb(value)
	}
}

// Query resolves a request through the client-side cache: a fresh cached
// value is returned without network traffic; a missing or stale one is
// fetched and cached. Tags bind the cell to server-driven invalidation.
func Query[Req, Resp any](ctx context.Context, c *Client, req Req, tags ...string) (Resp, error) {
	var resp Resp

	key, err := queryKeyFor(req)
	if err != nil {
		return resp, err
	}
	cell := c.cell(key, tags)

	c.mu.Lock()
	cached := cell.valid && !cell.stale
	value := cell.value
	c.mu.Unlock()

	if cached {
		err = codec.Unmarshal(value, &resp)
		return resp, err
	}

	id := c.nextCorrelation.Add(1)
	packet, err := network.EncodeRequest(id, req)
	if err != nil {
		return resp, err
	}
	data, err := c.requestRaw(ctx, id, packet)
	if err != nil {
		return resp, err
	}

	c.storeQueryResult(key, data)
	err = codec.Unmarshal(data, &resp)
	return resp, err
}

// ObserveQuery subscribes to a cached query: the callback fires with the
// current value (fetching it if needed) and again every time a server
// invalidation refreshes the cell. The returned function cancels the
// observation.
func ObserveQuery[Req, Resp any](c *Client, req Req, cb func(Resp, error), tags ...string) (func(), error) {
	key, err := queryKeyFor(req)
	if err != nil {
		return nil, err
	}
	cell := c.cell(key, tags)

	decode := func(data []byte) {
		var resp Resp
		err := codec.Unmarshal(data, &resp)
		cb(resp, err)
	}

	c.mu.Lock()
	id := c.nextObserver
	c.nextObserver++
	cell.observers[id] = decode
	if cell.fetch == nil {
		cell.fetch = func() {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
				defer cancel()
				reqID := c.nextCorrelation.Add(1)
				packet, err := network.EncodeRequest(reqID, req)
				if err != nil {
					return
				}
				data, err := c.requestRaw(ctx, reqID, packet)
				if err != nil {
					c.log.Warn("Query refetch failed: (key: %s, error: %v)", key, err)
					return
				}
				c.storeQueryResult(key, data)
			}()
		}
	}
	needsFetch := !cell.valid || cell.stale
	hasValue := cell.valid
	value := cell.value
	fetch := cell.fetch
	c.mu.Unlock()

	if hasValue {
		decode(value)
	}
	if needsFetch {
		fetch()
	}

	cancel := func() {
		c.mu.Lock()
		delete(cell.observers, id)
		c.mu.Unlock()
	}
	return cancel, nil
}
