// Package sync implements the server-authoritative synchronization engine:
// subscriptions with initial snapshots, change diffing, conflation and rate
// limiting, the authorized mutation pipeline, targeted-message
// authorization, query invalidation and the exclusive-control arbiter.
package sync

import (
	"fmt"

	"github.com/entsync/entsync/pkg/codec"
	"github.com/entsync/entsync/pkg/ecs"
	"github.com/entsync/entsync/pkg/network"
)

// MutationStatus is the application-level result of a client mutation.
type MutationStatus uint32

const (
	// StatusOk means the mutation was applied.
	StatusOk MutationStatus = iota
	// StatusNotFound means the component type or target entity is unknown.
	StatusNotFound
	// StatusValidationError means the component bytes failed to decode.
	StatusValidationError
	// StatusForbidden means the authorizer rejected the mutation.
	StatusForbidden
	// StatusInternalError means the apply function panicked.
	StatusInternalError
)

func (s MutationStatus) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusValidationError:
		return "validation_error"
	case StatusForbidden:
		return "forbidden"
	case StatusInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// MarshalWire encodes the status as a variant index.
func (s MutationStatus) MarshalWire(w *codec.Writer) error {
	w.WriteVariant(uint32(s))
	return nil
}

// UnmarshalWire decodes the status from a variant index.
func (s *MutationStatus) UnmarshalWire(r *codec.Reader) error {
	v, err := r.ReadVariant()
	if err != nil {
		return err
	}
	if v > uint32(StatusInternalError) {
		return fmt.Errorf("sync: invalid mutation status %d", v)
	}
	*s = MutationStatus(v)
	return nil
}

// SubscribeRequest starts a subscription over (component type, optional
// entity). The component type "*" is the wildcard.
type SubscribeRequest struct {
	SubscriptionID uint64
	ComponentType  string
	Entity         *ecs.Entity
}

// UnsubscribeRequest terminates a subscription.
type UnsubscribeRequest struct {
	SubscriptionID uint64
}

// MutateRequest asks the server to apply a component value. Entity may be
// ecs.Dangling to spawn a new entity carrying the component.
type MutateRequest struct {
	RequestID     *uint64
	Entity        ecs.Entity
	ComponentType string
	Value         []byte
}

// QueryRequest and QueryCancelRequest reserve wire space for streaming
// queries. The engine acknowledges but does not act on them; request/response
// queries with tag invalidation are the supported query surface.
type QueryRequest struct {
	QueryID uint64
	Name    string
	Payload []byte
}

// QueryCancelRequest cancels a streaming query.
type QueryCancelRequest struct {
	QueryID uint64
}

// Client message variant indexes.
const (
	clientVariantSubscribe = iota
	clientVariantUnsubscribe
	clientVariantMutate
	clientVariantQuery
	clientVariantQueryCancel
)

// SyncClientMessage is the tagged union of everything a client sends to the
// engine. Exactly one field is non-nil.
type SyncClientMessage struct {
	Subscribe   *SubscribeRequest
	Unsubscribe *UnsubscribeRequest
	Mutate      *MutateRequest
	Query       *QueryRequest
	QueryCancel *QueryCancelRequest
}

// MarshalWire encodes the active variant.
func (m SyncClientMessage) MarshalWire(w *codec.Writer) error {
	switch {
	case m.Subscribe != nil:
		w.WriteVariant(clientVariantSubscribe)
		return codec.MarshalTo(w, *m.Subscribe)
	case m.Unsubscribe != nil:
		w.WriteVariant(clientVariantUnsubscribe)
		return codec.MarshalTo(w, *m.Unsubscribe)
	case m.Mutate != nil:
		w.WriteVariant(clientVariantMutate)
		return codec.MarshalTo(w, *m.Mutate)
	case m.Query != nil:
		w.WriteVariant(clientVariantQuery)
		return codec.MarshalTo(w, *m.Query)
	case m.QueryCancel != nil:
		w.WriteVariant(clientVariantQueryCancel)
		return codec.MarshalTo(w, *m.QueryCancel)
	default:
		return fmt.Errorf("sync: empty SyncClientMessage")
	}
}

// UnmarshalWire decodes the active variant.
func (m *SyncClientMessage) UnmarshalWire(r *codec.Reader) error {
	*m = SyncClientMessage{}
	v, err := r.ReadVariant()
	if err != nil {
		return err
	}
	switch v {
	case clientVariantSubscribe:
		m.Subscribe = new(SubscribeRequest)
		return codec.UnmarshalFrom(r, m.Subscribe)
	case clientVariantUnsubscribe:
		m.Unsubscribe = new(UnsubscribeRequest)
		return codec.UnmarshalFrom(r, m.Unsubscribe)
	case clientVariantMutate:
		m.Mutate = new(MutateRequest)
		return codec.UnmarshalFrom(r, m.Mutate)
	case clientVariantQuery:
		m.Query = new(QueryRequest)
		return codec.UnmarshalFrom(r, m.Query)
	case clientVariantQueryCancel:
		m.QueryCancel = new(QueryCancelRequest)
		return codec.UnmarshalFrom(r, m.QueryCancel)
	default:
		return fmt.Errorf("sync: unknown client message variant %d", v)
	}
}

// SyncItemKind discriminates items in a SyncBatch.
type SyncItemKind uint32

const (
	// ItemSnapshot is the full current value delivered once per new
	// subscription before any update.
	ItemSnapshot SyncItemKind = iota
	// ItemUpdate is a changed component value.
	ItemUpdate
	// ItemComponentRemoved records a component detached from a live entity.
	ItemComponentRemoved
	// ItemEntityRemoved records a despawned entity.
	ItemEntityRemoved
)

func (k SyncItemKind) String() string {
	switch k {
	case ItemSnapshot:
		return "snapshot"
	case ItemUpdate:
		return "update"
	case ItemComponentRemoved:
		return "component_removed"
	case ItemEntityRemoved:
		return "entity_removed"
	default:
		return "unknown"
	}
}

// SyncItem is one element of a SyncBatch, tagged with the subscription it
// matched.
type SyncItem struct {
	Kind           SyncItemKind
	SubscriptionID uint64
	Entity         ecs.Entity
	ComponentType  string
	Value          []byte
}

// MarshalWire encodes the item by kind.
func (it SyncItem) MarshalWire(w *codec.Writer) error {
	w.WriteVariant(uint32(it.Kind))
	w.WriteUint(it.SubscriptionID)
	w.WriteUint(uint64(it.Entity))
	switch it.Kind {
	case ItemSnapshot, ItemUpdate:
		w.WriteString(it.ComponentType)
		w.WriteBytes(it.Value)
	case ItemComponentRemoved:
		w.WriteString(it.ComponentType)
	case ItemEntityRemoved:
	default:
		return fmt.Errorf("sync: unknown sync item kind %d", it.Kind)
	}
	return nil
}

// UnmarshalWire decodes the item by kind.
func (it *SyncItem) UnmarshalWire(r *codec.Reader) error {
	*it = SyncItem{}
	v, err := r.ReadVariant()
	if err != nil {
		return err
	}
	it.Kind = SyncItemKind(v)

	sub, err := r.ReadUint()
	if err != nil {
		return err
	}
	it.SubscriptionID = sub

	entity, err := r.ReadUint()
	if err != nil {
		return err
	}
	it.Entity = ecs.Entity(entity)

	switch it.Kind {
	case ItemSnapshot, ItemUpdate:
		if it.ComponentType, err = r.ReadString(); err != nil {
			return err
		}
		if it.Value, err = r.ReadBytes(); err != nil {
			return err
		}
	case ItemComponentRemoved:
		if it.ComponentType, err = r.ReadString(); err != nil {
			return err
		}
	case ItemEntityRemoved:
	default:
		return fmt.Errorf("sync: unknown sync item kind %d", v)
	}
	return nil
}

// Conflatable reports whether the item may be collapsed with a later item
// sharing its conflation key. Removals never conflate.
func (it SyncItem) Conflatable() bool {
	return it.Kind == ItemSnapshot || it.Kind == ItemUpdate
}

// WelcomeMessage carries the server-assigned connection id to a new client.
type WelcomeMessage struct {
	ConnectionID network.ConnectionID
}

// SyncBatch groups the items delivered to one connection in one flush.
type SyncBatch struct {
	Items []SyncItem
}

// MutationResponse reports the outcome of a MutateRequest carrying a
// request id.
type MutationResponse struct {
	RequestID *uint64
	Status    MutationStatus
	Message   *string
}

// QueryResponse reserves wire space for streaming query results.
type QueryResponse struct {
	QueryID uint64
	Payload []byte
}

// Server message variant indexes.
const (
	serverVariantWelcome = iota
	serverVariantSyncBatch
	serverVariantMutationResponse
	serverVariantQueryResponse
)

// SyncServerMessage is the tagged union of everything the engine sends to a
// client. Exactly one field is non-nil.
type SyncServerMessage struct {
	Welcome          *WelcomeMessage
	SyncBatch        *SyncBatch
	MutationResponse *MutationResponse
	QueryResponse    *QueryResponse
}

// MarshalWire encodes the active variant.
func (m SyncServerMessage) MarshalWire(w *codec.Writer) error {
	switch {
	case m.Welcome != nil:
		w.WriteVariant(serverVariantWelcome)
		return codec.MarshalTo(w, *m.Welcome)
	case m.SyncBatch != nil:
		w.WriteVariant(serverVariantSyncBatch)
		return codec.MarshalTo(w, *m.SyncBatch)
	case m.MutationResponse != nil:
		w.WriteVariant(serverVariantMutationResponse)
		return codec.MarshalTo(w, *m.MutationResponse)
	case m.QueryResponse != nil:
		w.WriteVariant(serverVariantQueryResponse)
		return codec.MarshalTo(w, *m.QueryResponse)
	default:
		return fmt.Errorf("sync: empty SyncServerMessage")
	}
}

// UnmarshalWire decodes the active variant.
func (m *SyncServerMessage) UnmarshalWire(r *codec.Reader) error {
	*m = SyncServerMessage{}
	v, err := r.ReadVariant()
	if err != nil {
		return err
	}
	switch v {
	case serverVariantWelcome:
		m.Welcome = new(WelcomeMessage)
		return codec.UnmarshalFrom(r, m.Welcome)
	case serverVariantSyncBatch:
		m.SyncBatch = new(SyncBatch)
		return codec.UnmarshalFrom(r, m.SyncBatch)
	case serverVariantMutationResponse:
		m.MutationResponse = new(MutationResponse)
		return codec.UnmarshalFrom(r, m.MutationResponse)
	case serverVariantQueryResponse:
		m.QueryResponse = new(QueryResponse)
		return codec.UnmarshalFrom(r, m.QueryResponse)
	default:
		return fmt.Errorf("sync: unknown server message variant %d", v)
	}
}

// NotificationSeverity classifies server notifications.
type NotificationSeverity uint32

const (
	// SeverityInfo is informational.
	SeverityInfo NotificationSeverity = iota
	// SeverityWarning is a recoverable problem, including authorization
	// denials.
	SeverityWarning
	// SeverityError is a failure the client should surface.
	SeverityError
)

// MarshalWire encodes the severity as a variant index.
func (s NotificationSeverity) MarshalWire(w *codec.Writer) error {
	w.WriteVariant(uint32(s))
	return nil
}

// UnmarshalWire decodes the severity from a variant index.
func (s *NotificationSeverity) UnmarshalWire(r *codec.Reader) error {
	v, err := r.ReadVariant()
	if err != nil {
		return err
	}
	*s = NotificationSeverity(v)
	return nil
}

// ServerNotification is an out-of-band record pushed to one client, used for
// targeted-message denials among other things. Context carries the message
// type name the notification refers to.
type ServerNotification struct {
	Severity NotificationSeverity
	Message  string
	Context  *string
}

// WarningNotification builds a warning-severity notification with a context
// string.
func WarningNotification(message, context string) ServerNotification {
	return ServerNotification{Severity: SeverityWarning, Message: message, Context: &context}
}

// QueryInvalidation is broadcast when a server-side change invalidates
// cached query results carrying any of the listed tags.
type QueryInvalidation struct {
	Tags []string
}

// SyncSettings are the global knobs of the sync engine.
type SyncSettings struct {
	// MaxUpdateRateHz caps how often pending updates are flushed to
	// clients while EnableMessageConflation is true. Nil means unthrottled:
	// items are sent the tick they occur, as they also are whenever
	// conflation is disabled.
	MaxUpdateRateHz *float64

	// EnableMessageConflation collapses runs of updates with the same
	// (subscription, entity, component type) into the latest value.
	EnableMessageConflation bool
}

// DefaultSyncSettings returns the default engine settings: 30 Hz flushes
// with conflation enabled.
func DefaultSyncSettings() SyncSettings {
	rate := 30.0
	return SyncSettings{
		MaxUpdateRateHz:         &rate,
		EnableMessageConflation: true,
	}
}
