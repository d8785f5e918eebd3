package network

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/entsync/entsync/pkg/codec"
	"github.com/entsync/entsync/pkg/wire"
)

// handlerFunc decodes an inbound payload and appends it to a typed stream.
type handlerFunc func(source ConnectionID, providerName string, data []byte) error

type registration struct {
	name    string
	goType  reflect.Type
	handler handlerFunc
	// stream is the typed *MessageBuffer the handler pushes into; stored so
	// repeated registration of the same (name, type) returns it unchanged.
	stream interface{}
}

// Registry maps wire names to decoder functions and typed streams for one
// provider. It is append-only: registrations happen at startup and lookups
// afterwards never contend on writes.
type Registry struct {
	providerName string

	mu     sync.RWMutex
	byName map[string]*registration
	// shortToFull enforces the schema-hash collision policy: two different
	// full names may not share a short name within one provider.
	shortToFull map[string]string
}

// NewRegistry creates an empty registry for a provider.
func NewRegistry(providerName string) *Registry {
	return &Registry{
		providerName: providerName,
		byName:       make(map[string]*registration),
		shortToFull:  make(map[string]string),
	}
}

func (r *Registry) handler(name string) (handlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return reg.handler, true
}

// Has reports whether a wire name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

// Names returns all registered wire names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}

// register installs a registration, enforcing the duplicate policy:
// re-registering the same (name, type) is a no-op returning the existing
// stream; the same name with a different type is a configuration error and
// panics at startup, as does a short-name collision between distinct types.
func (r *Registry) register(name string, goType reflect.Type, stream interface{}, handler handlerFunc) interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[name]; ok {
		if existing.goType != goType {
			panic(fmt.Sprintf("network: duplicate registration of %q on provider %q with different types (%s vs %s)",
				name, r.providerName, existing.goType, goType))
		}
		return existing.stream
	}

	short := wire.ShortName(name)
	if existingFull, ok := r.shortToFull[short]; ok && existingFull != name {
		panic(fmt.Sprintf("network: schema hash collision on provider %q: %q and %q share short name %q; rename one of them",
			r.providerName, existingFull, name, short))
	}

	r.byName[name] = &registration{name: name, goType: goType, handler: handler, stream: stream}
	r.shortToFull[short] = name
	return stream
}

// goTypeOf returns the reflected type for T.
func goTypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// registerDecoded installs a codec-decoded registration for T under an
// explicit wire name and returns its typed stream.
func registerDecoded[T any](r *Registry, name string) *MessageBuffer[NetworkData[T]] {
	stream := NewMessageBuffer[NetworkData[T]]()
	goType := goTypeOf[T]()

	handler := func(source ConnectionID, providerName string, data []byte) error {
		var v T
		if err := codec.Unmarshal(data, &v); err != nil {
			return err
		}
		stream.Push(NetworkData[T]{Source: source, Inner: v, ProviderName: providerName})
		return nil
	}

	return r.register(name, goType, stream, handler).(*MessageBuffer[NetworkData[T]])
}

// RegisterMessage registers T for plain demultiplexing and returns the
// stream its decoded values arrive on.
func RegisterMessage[T any](n *Network) *MessageBuffer[NetworkData[T]] {
	return registerDecoded[T](n.registry, wire.TypeNameFor[T]())
}

// TargetedMessage binds a payload to a target entity id. It must pass the
// targeted authorization pipeline before systems observe it.
type TargetedMessage[T any] struct {
	TargetID string
	Message  T
}

// WireName returns the wrapper's registered wire name.
func (m TargetedMessage[T]) WireName() string {
	return wire.TargetedName(wire.TypeNameFor[T]())
}

// RegisterTargetedMessage registers the targeted wrapper for T and returns
// the raw (pre-authorization) stream. Most callers want the authorization
// middleware in pkg/sync instead of consuming this stream directly.
func RegisterTargetedMessage[T any](n *Network) *MessageBuffer[NetworkData[TargetedMessage[T]]] {
	return registerDecoded[TargetedMessage[T]](n.registry, wire.TargetedName(wire.TypeNameFor[T]()))
}

// Subscribe requests a subscription to the stream of T values.
type Subscribe[T any] struct {
	SubscriptionID uint64
}

// WireName returns the wrapper's registered wire name.
func (s Subscribe[T]) WireName() string {
	return fmt.Sprintf("Subscribe(%s)", wire.TypeNameFor[T]())
}

// Unsubscribe terminates a subscription to the stream of T values.
type Unsubscribe[T any] struct {
	SubscriptionID uint64
}

// WireName returns the wrapper's registered wire name.
func (s Unsubscribe[T]) WireName() string {
	return fmt.Sprintf("Unsubscribe(%s)", wire.TypeNameFor[T]())
}

// SubscriptionStreams bundles the three streams a subscription registration
// produces.
type SubscriptionStreams[T any] struct {
	Messages     *MessageBuffer[NetworkData[T]]
	Subscribes   *MessageBuffer[NetworkData[Subscribe[T]]]
	Unsubscribes *MessageBuffer[NetworkData[Unsubscribe[T]]]
}

// RegisterSubscription registers T together with its Subscribe and
// Unsubscribe request wrappers.
func RegisterSubscription[T any](n *Network) SubscriptionStreams[T] {
	full := wire.TypeNameFor[T]()
	return SubscriptionStreams[T]{
		Messages:     registerDecoded[T](n.registry, full),
		Subscribes:   registerDecoded[Subscribe[T]](n.registry, fmt.Sprintf("Subscribe(%s)", full)),
		Unsubscribes: registerDecoded[Unsubscribe[T]](n.registry, fmt.Sprintf("Unsubscribe(%s)", full)),
	}
}
