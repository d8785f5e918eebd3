package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entsync/entsync/pkg/ecs"
	"github.com/entsync/entsync/pkg/logger"
	"github.com/entsync/entsync/pkg/monitoring"
	"github.com/entsync/entsync/pkg/network"
)

// Engine is the simulation-loop half of the sync runtime. All world access
// and event routing happen inside Tick, which the embedder drives from a
// single goroutine; the per-connection I/O tasks only touch channel
// endpoints.
type Engine struct {
	world   *ecs.World
	net     *network.Network
	log     *logger.Logger
	metrics *monitoring.Metrics

	// settings may be replaced at runtime (config reload), so reads go
	// through Settings() under the lock.
	settingsMu sync.RWMutex
	settings   SyncSettings

	// instanceID distinguishes engine instances in logs when several run in
	// one process (tests, embedded tooling).
	instanceID string

	registry   *SyncRegistry
	subs       *SubscriptionManager
	snapshots  *SnapshotQueue
	mutations  *MutationQueue
	conflation *ConflationQueue

	mutationAuthorizer MutationAuthorizer
	targetedAuthorizer TargetedAuthorizer

	clientMessages  *network.MessageBuffer[network.NetworkData[SyncClientMessage]]
	targetedSystems []func()
	requestSystems  []func()
	tickSystems     []func(*ecs.World)

	// queryTags binds request wire names to the invalidation tags broadcast
	// when their handlers answer through RespondAndInvalidate. Append-only
	// at startup, like the registries.
	queryTags map[string][]string

	controlEnabled bool

	lastFlush time.Time
}

// NewEngine creates a sync engine over a world and a connection manager.
func NewEngine(world *ecs.World, net *network.Network, settings SyncSettings, log *logger.Logger) *Engine {
	e := &Engine{
		world:      world,
		net:        net,
		settings:   settings,
		log:        log,
		instanceID: uuid.NewString(),
		registry:   NewSyncRegistry(),
		subs:       NewSubscriptionManager(),
		snapshots:  NewSnapshotQueue(),
		mutations:  NewMutationQueue(),
		conflation: NewConflationQueue(),
		queryTags:  make(map[string][]string),
	}

	e.clientMessages = network.RegisterMessage[SyncClientMessage](net)
	network.RegisterMessage[SyncServerMessage](net)

	log.Info("Sync engine created: (instance: %s, provider: %s)", e.instanceID, net.Provider().Name())
	return e
}

// World returns the engine's world. Only touch it from the loop goroutine.
func (e *Engine) World() *ecs.World {
	return e.world
}

// Network returns the connection manager the engine runs on.
func (e *Engine) Network() *network.Network {
	return e.net
}

// Settings returns the current engine settings.
func (e *Engine) Settings() SyncSettings {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	return e.settings
}

// UpdateSettings replaces the engine settings at runtime. Used by embedders
// that reload configuration without restarting; the new rate and conflation
// mode take effect on the next flush.
func (e *Engine) UpdateSettings(s SyncSettings) {
	e.settingsMu.Lock()
	e.settings = s
	e.settingsMu.Unlock()

	rate := "unthrottled"
	if s.MaxUpdateRateHz != nil {
		rate = fmt.Sprintf("%.1f Hz", *s.MaxUpdateRateHz)
	}
	e.log.Info("Sync settings updated: (rate: %s, conflation: %t)", rate, s.EnableMessageConflation)
}

// Subscriptions returns the live subscription manager.
func (e *Engine) Subscriptions() *SubscriptionManager {
	return e.subs
}

// SetMetrics attaches a metrics collector.
func (e *Engine) SetMetrics(m *monitoring.Metrics) {
	e.metrics = m
}

// SetMutationAuthorizer installs the mutation policy. Without one, all
// mutations are authorized.
func (e *Engine) SetMutationAuthorizer(a MutationAuthorizer) {
	e.mutationAuthorizer = a
}

// SetTargetedAuthorizer installs the targeted-message policy. Without one,
// all targeted messages are authorized.
func (e *Engine) SetTargetedAuthorizer(a TargetedAuthorizer) {
	e.targetedAuthorizer = a
}

// InvalidateQueries broadcasts an invalidation for the given tags. Clients
// holding cached query results under any of the tags mark them stale.
func (e *Engine) InvalidateQueries(tags ...string) {
	if len(tags) == 0 {
		return
	}
	e.net.Broadcast(QueryInvalidation{Tags: tags})
}

// notify sends an out-of-band notification to one client.
func (e *Engine) notify(conn network.ConnectionID, n ServerNotification) {
	if err := e.net.Send(conn, n); err != nil {
		e.log.Warn("Failed to send notification to %s: (error: %v)", conn, err)
	}
}

// HandleRequests installs a request handler: each inbound Req is answered
// with the Resp the handler returns. Handlers run on the loop goroutine and
// may touch the world through the engine.
func HandleRequests[Req, Resp any](e *Engine, handler func(source network.ConnectionID, req Req) Resp) {
	stream := network.RegisterRequest[Req](e.net)
	e.requestSystems = append(e.requestSystems, func() {
		for _, req := range stream.Drain() {
			resp := handler(req.Source, req.Inner)
			if err := network.Respond(e.net, req, resp); err != nil {
				e.log.Warn("Failed to send response to %s: (error: %v)", req.Source, err)
			}
		}
	})
}

// AddSystem installs an embedder system that runs once per tick with world
// access, after inbound traffic is routed and before changes broadcast.
func (e *Engine) AddSystem(system func(*ecs.World)) {
	e.tickSystems = append(e.tickSystems, system)
}

// Run drives the engine loop until the context is canceled.
func (e *Engine) Run(ctx context.Context, tickInterval time.Duration) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.Tick(now)
		}
	}
}

// Tick runs one pass of the simulation loop: inbound events and messages,
// middleware, mutations, snapshots, change broadcast, and the timed flush.
func (e *Engine) Tick(now time.Time) {
	e.handleConnectionEvents()
	e.handleClientMessages()
	for _, system := range e.targetedSystems {
		system()
	}
	for _, system := range e.requestSystems {
		system()
	}
	for _, system := range e.tickSystems {
		system(e.world)
	}
	e.processMutations()
	e.processSnapshots()
	e.broadcastChanges()
	e.flushConflation(now)
}

// useConflation reports whether updates buffer in the conflation queue
// until the timed flush.
func (e *Engine) useConflation() bool {
	s := e.Settings()
	return s.EnableMessageConflation && s.MaxUpdateRateHz != nil && *s.MaxUpdateRateHz > 0
}

// handleConnectionEvents welcomes new connections and cleans up state owned
// by departed ones.
func (e *Engine) handleConnectionEvents() {
	for _, event := range e.net.DrainEvents() {
		switch event.Kind {
		case network.EventConnected:
			welcome := SyncServerMessage{Welcome: &WelcomeMessage{ConnectionID: event.Conn}}
			if err := e.net.Send(event.Conn, welcome); err != nil {
				e.log.Warn("Failed to send welcome to %s: (error: %v)", event.Conn, err)
			}
		case network.EventDisconnected:
			removedSubs := e.subs.RemoveAllForConnection(event.Conn)
			removedMuts := e.mutations.DropConnection(event.Conn)
			e.conflation.DropConnection(event.Conn)
			e.releaseControlForConnection(event.Conn)
			e.log.Info("Cleaned up %s: (subscriptions: %d, pending mutations: %d)", event.Conn, removedSubs, removedMuts)
		case network.EventError:
			e.log.Error("Network error: (error: %v)", event.Err)
		}
	}
}

// handleClientMessages routes drained SyncClientMessage traffic into the
// subscription store and the mutation queue.
func (e *Engine) handleClientMessages() {
	for _, msg := range e.clientMessages.Drain() {
		switch m := msg.Inner; {
		case m.Subscribe != nil:
			req := m.Subscribe
			e.log.Info("New subscription: (conn: %s, sub: %d, type: %s)", msg.Source, req.SubscriptionID, req.ComponentType)
			e.subs.Add(SubscriptionEntry{
				Connection:     msg.Source,
				SubscriptionID: req.SubscriptionID,
				ComponentType:  req.ComponentType,
				Entity:         req.Entity,
			})
			e.snapshots.Push(SnapshotRequest{
				Connection:     msg.Source,
				SubscriptionID: req.SubscriptionID,
				ComponentType:  req.ComponentType,
				Entity:         req.Entity,
			})
		case m.Unsubscribe != nil:
			e.subs.Remove(msg.Source, m.Unsubscribe.SubscriptionID)
		case m.Mutate != nil:
			e.mutations.Push(QueuedMutation{
				Connection:    msg.Source,
				RequestID:     m.Mutate.RequestID,
				Entity:        m.Mutate.Entity,
				ComponentType: m.Mutate.ComponentType,
				Value:         m.Mutate.Value,
			})
		case m.Query != nil:
			e.log.Debug("Streaming query from %s ignored, use request queries", msg.Source)
		case m.QueryCancel != nil:
			e.log.Debug("Streaming query cancel from %s ignored", msg.Source)
		}
	}
}

// applyMutation runs a registered apply function, converting panics into
// StatusInternalError so one bad component handler cannot take the process
// down.
func (e *Engine) applyMutation(reg ComponentRegistration, m QueuedMutation) (status MutationStatus) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Panic applying mutation of %s: (conn: %s, panic: %v)", m.ComponentType, m.Connection, r)
			status = StatusInternalError
		}
	}()
	return reg.ApplyMutation(e.world, m)
}

// processMutations drains the queue by swap and applies each mutation with
// authorization, answering with a MutationResponse when the client asked
// for one.
func (e *Engine) processMutations() {
	pending := e.mutations.Take()
	for _, m := range pending {
		status := StatusOk
		if e.mutationAuthorizer != nil {
			status = e.mutationAuthorizer.Authorize(e.world, m)
		}

		if status == StatusOk {
			reg, ok := e.registry.Lookup(m.ComponentType)
			if !ok {
				status = StatusNotFound
			} else {
				status = e.applyMutation(reg, m)
			}
		}

		if e.metrics != nil {
			e.metrics.Mutations.WithLabelValues(status.String()).Inc()
		}

		if m.RequestID != nil {
			response := SyncServerMessage{MutationResponse: &MutationResponse{
				RequestID: m.RequestID,
				Status:    status,
			}}
			if err := e.net.Send(m.Connection, response); err != nil {
				e.log.Warn("Failed to send mutation response to %s: (error: %v)", m.Connection, err)
			}
		}
	}
}

// processSnapshots answers queued snapshot requests with the full current
// state matching each new subscription, batched per connection. Snapshot
// batches bypass the conflation queue so they always precede updates for
// the same subscription.
func (e *Engine) processSnapshots() {
	pending := e.snapshots.Take()
	if len(pending) == 0 {
		return
	}

	perConnection := make(map[network.ConnectionID][]SyncItem)
	for _, req := range pending {
		for _, reg := range e.registry.Components() {
			if req.ComponentType != WildcardComponentType && reg.TypeName != req.ComponentType {
				continue
			}
			for _, snap := range reg.SnapshotAll(e.world) {
				if req.Entity != nil && *req.Entity != snap.Entity {
					continue
				}
				perConnection[req.Connection] = append(perConnection[req.Connection], SyncItem{
					Kind:           ItemSnapshot,
					SubscriptionID: req.SubscriptionID,
					Entity:         snap.Entity,
					ComponentType:  reg.TypeName,
					Value:          snap.Value,
				})
			}
		}
	}

	for conn, items := range perConnection {
		e.sendBatch(conn, items)
	}
}

// broadcastChanges fans world change events out to matching subscriptions,
// either buffering them for the timed flush or sending them immediately
// when conflation is off.
func (e *Engine) broadcastChanges() {
	events := e.world.DrainEvents()
	if len(events) == 0 {
		return
	}

	perConnection := make(map[network.ConnectionID][]SyncItem)
	subs := e.subs.All()

	for _, event := range events {
		switch event.Kind {
		case ecs.EventComponentChanged:
			reg, ok := e.registry.Lookup(event.Component)
			if !ok {
				continue
			}
			value, err := encodeComponentValue(event.Value)
			if err != nil {
				e.log.Error("Failed to encode %s for broadcast: (error: %v)", event.Component, err)
				continue
			}
			for _, sub := range subs {
				if !sub.Matches(event.Component, event.Entity) {
					continue
				}
				perConnection[sub.Connection] = append(perConnection[sub.Connection], SyncItem{
					Kind:           ItemUpdate,
					SubscriptionID: sub.SubscriptionID,
					Entity:         event.Entity,
					ComponentType:  reg.TypeName,
					Value:          value,
				})
			}
		case ecs.EventComponentRemoved:
			if _, ok := e.registry.Lookup(event.Component); !ok {
				continue
			}
			for _, sub := range subs {
				if !sub.Matches(event.Component, event.Entity) {
					continue
				}
				perConnection[sub.Connection] = append(perConnection[sub.Connection], SyncItem{
					Kind:           ItemComponentRemoved,
					SubscriptionID: sub.SubscriptionID,
					Entity:         event.Entity,
					ComponentType:  event.Component,
				})
			}
		case ecs.EventEntityDespawned:
			for _, sub := range subs {
				if !sub.MatchesEntity(event.Entity) {
					continue
				}
				perConnection[sub.Connection] = append(perConnection[sub.Connection], SyncItem{
					Kind:           ItemEntityRemoved,
					SubscriptionID: sub.SubscriptionID,
					Entity:         event.Entity,
				})
			}
		}
	}

	if e.useConflation() {
		for conn, items := range perConnection {
			for _, item := range items {
				e.conflation.Enqueue(conn, item, true)
			}
		}
		return
	}

	for conn, items := range perConnection {
		e.sendBatch(conn, items)
	}
}

// flushConflation drains each connection's pending buffers once per flush
// period and sends them as one batch.
func (e *Engine) flushConflation(now time.Time) {
	if !e.useConflation() {
		return
	}

	period := time.Duration(float64(time.Second) / *e.Settings().MaxUpdateRateHz)
	if !e.lastFlush.IsZero() && now.Sub(e.lastFlush) < period {
		return
	}
	e.lastFlush = now

	for _, conn := range e.conflation.Connections() {
		items := e.conflation.DrainForConnection(conn)
		if len(items) == 0 {
			continue
		}
		if e.metrics != nil {
			e.metrics.ConflationFlush.Observe(float64(len(items)))
		}
		e.sendBatch(conn, items)
	}
}

// sendBatch delivers a batch of sync items to one connection.
func (e *Engine) sendBatch(conn network.ConnectionID, items []SyncItem) {
	if len(items) == 0 {
		return
	}
	if e.metrics != nil {
		for _, item := range items {
			e.metrics.SyncItems.WithLabelValues(item.Kind.String()).Inc()
		}
	}
	msg := SyncServerMessage{SyncBatch: &SyncBatch{Items: items}}
	if err := e.net.Send(conn, msg); err != nil {
		e.log.Warn("Failed to send sync batch to %s: (items: %d, error: %v)", conn, len(items), err)
	}
}
