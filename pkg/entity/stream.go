// Package entity keeps the client-local table of replicated entities and
// applies create, update and delete actions to it.
package entity

import (
	"sort"

	"github.com/sessamekesh/spanreed-session/pkg/errors"
	"github.com/sessamekesh/spanreed-session/pkg/event"
)

// Key identifies an entity within one connection.
type Key uint16

// Entity is an application-defined replicated variant. The variant tag is its
// TypeId; field semantics belong to the application.
type Entity interface {
	TypeId() event.TypeId
	// Write appends the full entity state, as decoded by its registered builder.
	Write(out []byte) []byte
	// ApplyUpdate mutates the entity in place from an update payload.
	ApplyUpdate(payload []byte) error
	Clone() Entity
}

type Table struct {
	entities map[Key]Entity
}

func CreateTable() *Table {
	return &Table{
		entities: make(map[Key]Entity),
	}
}

// Get returns a copy of the entity stored under key.
func (t *Table) Get(key Key) (Entity, bool) {
	e, has := t.entities[key]
	if !has {
		return nil, false
	}
	return e.Clone(), true
}

func (t *Table) Has(key Key) bool {
	_, has := t.entities[key]
	return has
}

func (t *Table) Len() int {
	return len(t.entities)
}

func (t *Table) Keys() []Key {
	keys := make([]Key, 0, len(t.entities))
	for key := range t.entities {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Notification tells the application which entity changed.
type Notification struct {
	Kind ActionKind
	Key  Key
}

// Stream interprets entity actions against its table. Like the connection
// that owns it, it has a single writer.
type Stream struct {
	registry *event.Registry[Entity]
	table    *Table
}

func CreateStream(registry *event.Registry[Entity]) *Stream {
	return &Stream{
		registry: registry,
		table:    CreateTable(),
	}
}

func (s *Stream) Table() *Table {
	return s.table
}

// Apply returns a nil notification (and nil error) when the action was a
// delete of a key that does not exist.
func (s *Stream) Apply(action Action) (*Notification, error) {
	switch action.Kind {
	case ActionKind_Create:
		if s.table.Has(action.Key) {
			return nil, &errors.DuplicateEntity{Key: uint16(action.Key)}
		}
		e, err := s.registry.Build(action.TypeId, action.Payload)
		if err != nil {
			return nil, err
		}
		s.table.entities[action.Key] = e
	case ActionKind_Update:
		e, has := s.table.entities[action.Key]
		if !has {
			return nil, &errors.MissingEntity{Key: uint16(action.Key)}
		}
		// A failed update leaves the stored entity untouched.
		updated := e.Clone()
		if err := updated.ApplyUpdate(action.Payload); err != nil {
			return nil, &errors.MalformedPayload{
				TypeId: uint16(e.TypeId()),
				Err:    err,
			}
		}
		s.table.entities[action.Key] = updated
	case ActionKind_Delete:
		if !s.table.Has(action.Key) {
			return nil, nil
		}
		delete(s.table.entities, action.Key)
	default:
		return nil, &errors.InvalidEnumValue{
			EnumName: "EntityAction::Kind",
			IntValue: uint8(action.Kind),
		}
	}

	return &Notification{Kind: action.Kind, Key: action.Key}, nil
}
