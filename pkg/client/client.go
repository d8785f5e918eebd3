// Package client implements the native client counterpart of the sync
// engine: connect over any transport provider, subscribe to component
// slices, mirror them in a local cache, issue authorized mutations and
// correlated requests, and hold reactive query results with tag
// invalidation.
package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/entsync/entsync/pkg/codec"
	"github.com/entsync/entsync/pkg/ecs"
	"github.com/entsync/entsync/pkg/logger"
	"github.com/entsync/entsync/pkg/network"
	syncpkg "github.com/entsync/entsync/pkg/sync"
	"github.com/entsync/entsync/pkg/transport"
	"github.com/entsync/entsync/pkg/wire"
)

var (
	// ErrClosed is returned from calls on a closed client.
	ErrClosed = errors.New("client: closed")
	// ErrDisconnected is returned when the server connection dropped.
	ErrDisconnected = errors.New("client: disconnected from server")
)

// componentKey addresses one cached component value.
type componentKey struct {
	Entity        ecs.Entity
	ComponentType string
}

// ComponentEvent is delivered to change observers for every applied sync
// item.
type ComponentEvent struct {
	Kind           syncpkg.SyncItemKind
	SubscriptionID uint64
	Entity         ecs.Entity
	ComponentType  string
	Value          []byte
}

// Client is a connected sync client.
type Client struct {
	net  *network.Network
	log  *logger.Logger
	conn network.ConnectionID

	serverMessages *network.MessageBuffer[network.NetworkData[syncpkg.SyncServerMessage]]
	notifications  *network.MessageBuffer[network.NetworkData[syncpkg.ServerNotification]]
	invalidations  *network.MessageBuffer[network.NetworkData[syncpkg.QueryInvalidation]]

	nextCorrelation atomic.Uint64
	nextSubID       atomic.Uint64

	mu               sync.Mutex
	assignedID       *network.ConnectionID
	components       map[componentKey][]byte
	observers        map[int]func(ComponentEvent)
	nextObserver     int
	pendingResponses map[uint64]chan []byte
	pendingMutations map[uint64]chan syncpkg.MutationResponse
	queries          map[string]*queryCell
	notificationSubs map[int]func(syncpkg.ServerNotification)

	welcomed     chan struct{}
	disconnected chan struct{}
	done         chan struct{}
	closeOnce    sync.Once
}

// Connect dials the server over the given provider and starts the client's
// processing loop.
func Connect(ctx context.Context, provider transport.Provider, addr string, settings transport.Settings, log *logger.Logger) (*Client, error) {
	net := network.New(provider, settings, log)

	c := &Client{
		net:              net,
		log:              log,
		components:       make(map[componentKey][]byte),
		observers:        make(map[int]func(ComponentEvent)),
		pendingResponses: make(map[uint64]chan []byte),
		pendingMutations: make(map[uint64]chan syncpkg.MutationResponse),
		queries:          make(map[string]*queryCell),
		notificationSubs: make(map[int]func(syncpkg.ServerNotification)),
		welcomed:         make(chan struct{}),
		disconnected:     make(chan struct{}),
		done:             make(chan struct{}),
	}

	c.serverMessages = network.RegisterMessage[syncpkg.SyncServerMessage](net)
	network.RegisterMessage[syncpkg.SyncClientMessage](net)
	c.notifications = network.RegisterMessage[syncpkg.ServerNotification](net)
	c.invalidations = network.RegisterMessage[syncpkg.QueryInvalidation](net)
	net.SetResponseHandler(c.handleResponse)

	conn, err := net.Connect(ctx, addr)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	go c.pump()
	return c, nil
}

// Close tears the connection down and fails all pending calls.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.net.Stop()
	})
}

// Network returns the client's connection manager, mainly so embedders can
// register extra message types on the same connection.
func (c *Client) Network() *network.Network {
	return c.net
}

// ConnectionID returns the server-assigned connection id once the welcome
// message has arrived.
func (c *Client) ConnectionID() (network.ConnectionID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assignedID == nil {
		return network.ConnectionID{}, false
	}
	return *c.assignedID, true
}

// WaitForWelcome blocks until the server assigns this client its
// connection id.
func (c *Client) WaitForWelcome(ctx context.Context) (network.ConnectionID, error) {
	select {
	case <-c.welcomed:
		id, _ := c.ConnectionID()
		return id, nil
	case <-c.disconnected:
		return network.ConnectionID{}, ErrDisconnected
	case <-c.done:
		return network.ConnectionID{}, ErrClosed
	case <-ctx.Done():
		return network.ConnectionID{}, ctx.Err()
	}
}

// Disconnected returns a channel closed when the server connection drops.
func (c *Client) Disconnected() <-chan struct{} {
	return c.disconnected
}

// pump is the client's processing loop: it drains typed streams whenever
// the network signals new traffic.
func (c *Client) pump() {
	for {
		select {
		case <-c.done:
			return
		case <-c.serverMessages.Notify():
			for _, msg := range c.serverMessages.Drain() {
				c.handleServerMessage(msg.Inner)
			}
		case <-c.notifications.Notify():
			for _, msg := range c.notifications.Drain() {
				c.handleNotification(msg.Inner)
			}
		case <-c.invalidations.Notify():
			for _, msg := range c.invalidations.Drain() {
				c.handleInvalidation(msg.Inner)
			}
		case <-c.net.EventSignal():
			for _, event := range c.net.DrainEvents() {
				if event.Kind == network.EventDisconnected {
					c.handleDisconnected()
				}
			}
		}
	}
}

func (c *Client) handleDisconnected() {
	c.mu.Lock()
	pending := c.pendingResponses
	c.pendingResponses = make(map[uint64]chan []byte)
	mutations := c.pendingMutations
	c.pendingMutations = make(map[uint64]chan syncpkg.MutationResponse)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, ch := range mutations {
		close(ch)
	}

	select {
	case <-c.disconnected:
	default:
		close(c.disconnected)
	}
}

func (c *Client) handleServerMessage(msg syncpkg.SyncServerMessage) {
	switch {
	case msg.Welcome != nil:
		c.mu.Lock()
		id := msg.Welcome.ConnectionID
		c.assignedID = &id
		c.mu.Unlock()
		c.log.Info("Welcome received: (assigned: %s)", id)
		select {
		case <-c.welcomed:
		default:
			close(c.welcomed)
		}
	case msg.SyncBatch != nil:
		for _, item := range msg.SyncBatch.Items {
			c.applySyncItem(item)
		}
	case msg.MutationResponse != nil:
		c.deliverMutationResponse(*msg.MutationResponse)
	case msg.QueryResponse != nil:
		// Streaming queries are not part of the supported surface.
	}
}

// applySyncItem folds one sync item into the component cache and fans it
// out to observers.
func (c *Client) applySyncItem(item syncpkg.SyncItem) {
	c.mu.Lock()
	switch item.Kind {
	case syncpkg.ItemSnapshot, syncpkg.ItemUpdate:
		c.components[componentKey{Entity: item.Entity, ComponentType: item.ComponentType}] = item.Value
	case syncpkg.ItemComponentRemoved:
		delete(c.components, componentKey{Entity: item.Entity, ComponentType: item.ComponentType})
	case syncpkg.ItemEntityRemoved:
		for key := range c.components {
			if key.Entity == item.Entity {
				delete(c.components, key)
			}
		}
	}
	observers := make([]func(ComponentEvent), 0, len(c.observers))
	for _, cb := range c.observers {
		observers = append(observers, cb)
	}
	c.mu.Unlock()

	event := ComponentEvent{
		Kind:           item.Kind,
		SubscriptionID: item.SubscriptionID,
		Entity:         item.Entity,
		ComponentType:  item.ComponentType,
		Value:          item.Value,
	}
	for _, cb := range observers {
		cb(event)
	}
}

func (c *Client) deliverMutationResponse(resp syncpkg.MutationResponse) {
	if resp.RequestID == nil {
		return
	}
	c.mu.Lock()
	ch, ok := c.pendingMutations[*resp.RequestID]
	if ok {
		delete(c.pendingMutations, *resp.RequestID)
	}
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *Client) handleNotification(n syncpkg.ServerNotification) {
	c.mu.Lock()
	subs := make([]func(syncpkg.ServerNotification), 0, len(c.notificationSubs))
	for _, cb := range c.notificationSubs {
		subs = append(subs, cb)
	}
	c.mu.Unlock()

	if len(subs) == 0 {
		context := ""
		if n.Context != nil {
			context = *n.Context
		}
		c.log.Warn("Server notification: (message: %s, context: %s)", n.Message, context)
	}
	for _, cb := range subs {
		cb(n)
	}
}

// handleResponse receives correlated response payloads from the dispatcher,
// strips the correlation id and wakes the pending waiter.
func (c *Client) handleResponse(typeName string, data []byte) {
	id, rest, err := network.DecodeResponseID(data)
	if err != nil {
		c.log.Error("Failed to decode response id from %s: (error: %v)", typeName, err)
		return
	}

	c.mu.Lock()
	ch, ok := c.pendingResponses[id]
	if ok {
		delete(c.pendingResponses, id)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Warn("Response %d has no pending request: (type: %s)", id, typeName)
		return
	}
	ch <- rest
}

// OnComponentEvent registers an observer for every applied sync item. The
// returned function cancels the registration.
func (c *Client) OnComponentEvent(cb func(ComponentEvent)) func() {
	c.mu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = cb
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// OnNotification registers an observer for server notifications.
func (c *Client) OnNotification(cb func(syncpkg.ServerNotification)) func() {
	c.mu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.notificationSubs[id] = cb
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.notificationSubs, id)
		c.mu.Unlock()
	}
}

// sendClientMessage ships one SyncClientMessage to the server.
func (c *Client) sendClientMessage(msg syncpkg.SyncClientMessage) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.net.Send(c.conn, msg)
}

// Subscribe starts a subscription over (component type, optional entity)
// and returns the client-chosen subscription id. The first delivery for
// the subscription is a snapshot of current state.
func (c *Client) Subscribe(componentType string, entity *ecs.Entity) (uint64, error) {
	id := c.nextSubID.Add(1)
	err := c.sendClientMessage(syncpkg.SyncClientMessage{Subscribe: &syncpkg.SubscribeRequest{
		SubscriptionID: id,
		ComponentType:  componentType,
		Entity:         entity,
	}})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Unsubscribe terminates a subscription.
func (c *Client) Unsubscribe(subscriptionID uint64) error {
	return c.sendClientMessage(syncpkg.SyncClientMessage{Unsubscribe: &syncpkg.UnsubscribeRequest{
		SubscriptionID: subscriptionID,
	}})
}

// ComponentBytes returns the cached wire bytes of a component, if present.
func (c *Client) ComponentBytes(entity ecs.Entity, componentType string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.components[componentKey{Entity: entity, ComponentType: componentType}]
	return v, ok
}

// Component decodes the cached value of T on an entity.
func Component[T any](c *Client, entity ecs.Entity) (T, bool) {
	var zero T
	data, ok := c.ComponentBytes(entity, syncpkg.ComponentName[T]())
	if !ok {
		return zero, false
	}
	v, err := syncpkg.DecodeComponent[T](data)
	if err != nil {
		return zero, false
	}
	return v, true
}

// EntitiesWith returns every cached entity currently carrying the component
// type.
func (c *Client) EntitiesWith(componentType string) []ecs.Entity {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ecs.Entity
	for key := range c.components {
		if key.ComponentType == componentType {
			out = append(out, key.Entity)
		}
	}
	return out
}

// Mutate applies a component value on the server and waits for the
// correlated MutationResponse.
func Mutate[T any](ctx context.Context, c *Client, entity ecs.Entity, value T) (syncpkg.MutationResponse, error) {
	data, err := syncpkg.EncodeComponent(value)
	if err != nil {
		return syncpkg.MutationResponse{}, fmt.Errorf("failed to encode mutation value: %w", err)
	}

	id := c.nextCorrelation.Add(1)
	ch := make(chan syncpkg.MutationResponse, 1)
	c.mu.Lock()
	c.pendingMutations[id] = ch
	c.mu.Unlock()

	err = c.sendClientMessage(syncpkg.SyncClientMessage{Mutate: &syncpkg.MutateRequest{
		RequestID:     &id,
		Entity:        entity,
		ComponentType: syncpkg.ComponentName[T](),
		Value:         data,
	}})
	if err != nil {
		c.mu.Lock()
		delete(c.pendingMutations, id)
		c.mu.Unlock()
		return syncpkg.MutationResponse{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return syncpkg.MutationResponse{}, ErrDisconnected
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pendingMutations, id)
		c.mu.Unlock()
		return syncpkg.MutationResponse{}, ctx.Err()
	case <-c.done:
		return syncpkg.MutationResponse{}, ErrClosed
	}
}

// MutateNoReply applies a component value without requesting a response.
func MutateNoReply[T any](c *Client, entity ecs.Entity, value T) error {
	data, err := syncpkg.EncodeComponent(value)
	if err != nil {
		return fmt.Errorf("failed to encode mutation value: %w", err)
	}
	return c.sendClientMessage(syncpkg.SyncClientMessage{Mutate: &syncpkg.MutateRequest{
		Entity:        entity,
		ComponentType: syncpkg.ComponentName[T](),
		Value:         data,
	}})
}

// SendTargeted sends a message bound to a target entity through the
// server's targeted authorization pipeline.
func SendTargeted[T any](c *Client, target ecs.Entity, msg T) error {
	wrapper := network.TargetedMessage[T]{
		TargetID: strconv.FormatUint(uint64(target), 10),
		Message:  msg,
	}
	return c.net.Send(c.conn, wrapper)
}

// requestRaw issues a correlated request and returns the raw response
// payload with the correlation id already stripped.
func (c *Client) requestRaw(ctx context.Context, id uint64, packet wire.Packet) ([]byte, error) {
	ch := make(chan []byte, 1)
	c.mu.Lock()
	c.pendingResponses[id] = ch
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.pendingResponses, id)
		c.mu.Unlock()
	}

	if err := c.net.SendPacket(c.conn, packet); err != nil {
		cancel()
		return nil, err
	}

	select {
	case data, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		return data, nil
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	case <-c.done:
		cancel()
		return nil, ErrClosed
	}
}

// Request issues a correlated request and decodes its response. The context
// bounds the wait; the core imposes no timeout of its own.
func Request[Req, Resp any](ctx context.Context, c *Client, req Req) (Resp, error) {
	var resp Resp

	id := c.nextCorrelation.Add(1)
	packet, err := network.EncodeRequest(id, req)
	if err != nil {
		return resp, err
	}

	data, err := c.requestRaw(ctx, id, packet)
	if err != nil {
		return resp, err
	}
	if err := codec.Unmarshal(data, &resp); err != nil {
		return resp, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp, nil
}

// RequestControl asks for exclusive control of a root entity.
func (c *Client) RequestControl(ctx context.Context, entity ecs.Entity) (syncpkg.ControlResponse, error) {
	return Request[syncpkg.RequestControl, syncpkg.ControlResponse](ctx, c, syncpkg.RequestControl{Entity: entity})
}

// ReleaseControl gives up exclusive control of a root entity.
func (c *Client) ReleaseControl(ctx context.Context, entity ecs.Entity) (syncpkg.ControlResponse, error) {
	return Request[syncpkg.ReleaseControl, syncpkg.ControlResponse](ctx, c, syncpkg.ReleaseControl{Entity: entity})
}
