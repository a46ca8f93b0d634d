// Package event maps wire type identifiers to the builders that decode them.
//
// A Registry is filled once during startup (the manifest step), sealed, and
// then shared read-only by every connection.
package event

import (
	"sync/atomic"

	"github.com/sessamekesh/spanreed-session/pkg/errors"
)

// TypeId is the stable wire identifier of a concrete event or entity type.
type TypeId uint16

// Builder decodes a payload into a concrete value. Builders must be
// deterministic and must copy anything they keep out of payload.
type Builder[T any] func(payload []byte) (T, error)

type Registry[T any] struct {
	name     string
	sealed   atomic.Bool
	builders map[TypeId]Builder[T]
}

func CreateRegistry[T any](name string) *Registry[T] {
	return &Registry[T]{
		name:     name,
		builders: make(map[TypeId]Builder[T]),
	}
}

func (r *Registry[T]) Name() string {
	return r.name
}

// Register must not be called concurrently with itself or with Build.
func (r *Registry[T]) Register(typeId TypeId, builder Builder[T]) error {
	if r.sealed.Load() {
		return &errors.RegistrySealed{RegistryName: r.name}
	}
	if builder == nil {
		return &errors.MissingFieldError{
			MessageName: r.name,
			FieldName:   "Builder",
		}
	}
	if _, has := r.builders[typeId]; has {
		return &errors.NameCollision{
			CollisionContext: r.name,
			Name:             typeIdName(typeId),
		}
	}

	r.builders[typeId] = builder
	return nil
}

// Seal rejects further registrations. Build is safe for concurrent use after
// the registry is sealed.
func (r *Registry[T]) Seal() {
	r.sealed.Store(true)
}

func (r *Registry[T]) IsSealed() bool {
	return r.sealed.Load()
}

func (r *Registry[T]) Has(typeId TypeId) bool {
	_, has := r.builders[typeId]
	return has
}

func (r *Registry[T]) Build(typeId TypeId, payload []byte) (T, error) {
	var zero T

	builder, has := r.builders[typeId]
	if !has {
		return zero, &errors.UnknownEventType{
			RegistryName: r.name,
			TypeId:       uint16(typeId),
		}
	}

	out, err := builder(payload)
	if err != nil {
		return zero, &errors.MalformedPayload{
			TypeId: uint16(typeId),
			Err:    err,
		}
	}
	return out, nil
}
