package sync

import (
	"fmt"
	"reflect"

	"github.com/entsync/entsync/pkg/codec"
	"github.com/entsync/entsync/pkg/ecs"
	"github.com/entsync/entsync/pkg/wire"
)

// EntitySnapshot is one (entity, encoded value) pair produced by a snapshot
// function.
type EntitySnapshot struct {
	Entity ecs.Entity
	Value  []byte
}

// ComponentRegistration holds the per-type functions the engine dispatches
// through: applying a queued mutation and snapshotting all values of the
// type. Dispatch looks these function values up by type name with a linear
// scan in registration order; choosing the function involves no reflection.
type ComponentRegistration struct {
	// TypeName is the short component type name used on the wire and as the
	// world component key.
	TypeName string

	goType reflect.Type

	// ApplyMutation deserializes and applies a queued mutation for this
	// component type.
	ApplyMutation func(w *ecs.World, m QueuedMutation) MutationStatus

	// SnapshotAll produces the full current (entity, value) set for this
	// component type.
	SnapshotAll func(w *ecs.World) []EntitySnapshot
}

// SyncRegistry is the ordered set of component types participating in
// synchronization. Append-only after startup.
type SyncRegistry struct {
	components []ComponentRegistration
}

// NewSyncRegistry creates an empty registry.
func NewSyncRegistry() *SyncRegistry {
	return &SyncRegistry{}
}

// Register installs a component registration. Re-registering the same type
// is a no-op; reusing a type name for a different Go type panics at startup.
func (r *SyncRegistry) Register(reg ComponentRegistration) {
	for _, existing := range r.components {
		if existing.TypeName == reg.TypeName {
			if existing.goType != reg.goType {
				panic(fmt.Sprintf("sync: component type name %q registered with different types (%s vs %s)",
					reg.TypeName, existing.goType, reg.goType))
			}
			return
		}
	}
	r.components = append(r.components, reg)
}

// Lookup finds a registration by component type name.
func (r *SyncRegistry) Lookup(typeName string) (ComponentRegistration, bool) {
	for _, reg := range r.components {
		if reg.TypeName == typeName {
			return reg, true
		}
	}
	return ComponentRegistration{}, false
}

// Components returns all registrations in registration order.
func (r *SyncRegistry) Components() []ComponentRegistration {
	return r.components
}

// ComponentName returns the short type name used as a component key for T.
func ComponentName[T any]() string {
	return wire.ShortName(wire.TypeNameFor[T]())
}

// applyTypedMutation decodes the mutation bytes into T and applies it to
// the world with insert-or-replace semantics. A Dangling target spawns a
// new entity carrying the component.
func applyTypedMutation[T any](w *ecs.World, m QueuedMutation) MutationStatus {
	var value T
	if err := codec.Unmarshal(m.Value, &value); err != nil {
		return StatusValidationError
	}

	name := ComponentName[T]()
	if m.Entity == ecs.Dangling {
		e := w.Spawn()
		if err := w.Insert(e, name, value); err != nil {
			return StatusInternalError
		}
		return StatusOk
	}

	if err := w.Insert(m.Entity, name, value); err != nil {
		return StatusNotFound
	}
	return StatusOk
}

// snapshotTyped encodes every current value of T in ascending entity order.
func snapshotTyped[T any](w *ecs.World) []EntitySnapshot {
	name := ComponentName[T]()
	entities := w.Entities(name)
	out := make([]EntitySnapshot, 0, len(entities))
	for _, e := range entities {
		v, ok := w.Get(e, name)
		if !ok {
			continue
		}
		data, err := codec.Marshal(v.(T))
		if err != nil {
			continue
		}
		out = append(out, EntitySnapshot{Entity: e, Value: data})
	}
	return out
}

// RegisterComponent makes T a synchronized component type: clients can
// subscribe to it, receive snapshots and updates for it, and mutate it
// through the authorized pipeline.
func RegisterComponent[T any](e *Engine) {
	e.registry.Register(ComponentRegistration{
		TypeName:      ComponentName[T](),
		goType:        reflect.TypeOf((*T)(nil)).Elem(),
		ApplyMutation: applyTypedMutation[T],
		SnapshotAll:   snapshotTyped[T],
	})
}

// encodeComponentValue encodes a dynamically typed component value for the
// wire. Values stored in the world are concrete structs, so reflection
// produces the same bytes as the typed path.
func encodeComponentValue(v interface{}) ([]byte, error) {
	return codec.Marshal(v)
}

// EncodeComponent encodes a component value the way snapshots and updates
// carry it on the wire.
func EncodeComponent[T any](v T) ([]byte, error) {
	return codec.Marshal(v)
}

// DecodeComponent decodes component bytes back into T.
func DecodeComponent[T any](data []byte) (T, error) {
	var v T
	err := codec.Unmarshal(data, &v)
	return v, err
}
