package entity

import (
	"encoding/binary"
	"math"

	"github.com/sessamekesh/spanreed-session/pkg/errors"
	"github.com/sessamekesh/spanreed-session/pkg/event"
	"github.com/sessamekesh/spanreed-session/pkg/wire"
)

type ActionKind uint8

const (
	ActionKind_NONE ActionKind = iota
	ActionKind_Create
	ActionKind_Update
	ActionKind_Delete
)

func (k ActionKind) String() string {
	switch k {
	case ActionKind_Create:
		return "create"
	case ActionKind_Update:
		return "update"
	case ActionKind_Delete:
		return "delete"
	}
	return "none"
}

// Action is one entity lifecycle message. TypeId is only meaningful for
// creates; Payload is empty for deletes.
type Action struct {
	Kind    ActionKind
	Key     Key
	TypeId  event.TypeId
	Payload []byte
}

func CreateAction(key Key, e Entity) Action {
	return Action{
		Kind:    ActionKind_Create,
		Key:     key,
		TypeId:  e.TypeId(),
		Payload: e.Write(nil),
	}
}

func UpdateAction(key Key, payload []byte) Action {
	return Action{
		Kind:    ActionKind_Update,
		Key:     key,
		Payload: payload,
	}
}

func DeleteAction(key Key) Action {
	return Action{
		Kind: ActionKind_Delete,
		Key:  key,
	}
}

// AppendAction encodes: kind u8, key u16, then for creates type_id u16 and for
// creates and updates a u16 length-prefixed payload.
func AppendAction(out []byte, action Action) ([]byte, error) {
	switch action.Kind {
	case ActionKind_Create, ActionKind_Update, ActionKind_Delete:
	default:
		return out, &errors.InvalidEnumValue{
			EnumName: "EntityAction::Kind",
			IntValue: uint8(action.Kind),
		}
	}
	if len(action.Payload) > math.MaxUint16 {
		return out, &event.FrameTooLarge{TypeId: action.TypeId, Size: len(action.Payload)}
	}

	out = append(out, uint8(action.Kind))
	out = binary.BigEndian.AppendUint16(out, uint16(action.Key))

	switch action.Kind {
	case ActionKind_Create:
		out = binary.BigEndian.AppendUint16(out, uint16(action.TypeId))
		fallthrough
	case ActionKind_Update:
		out = binary.BigEndian.AppendUint16(out, uint16(len(action.Payload)))
		out = append(out, action.Payload...)
	}
	return out, nil
}

func ReadAction(r *wire.Reader) (Action, error) {
	kindNum, err := r.ReadUint8("EntityAction::Kind")
	if err != nil {
		return Action{}, err
	}
	key, err := r.ReadUint16("EntityAction::Key")
	if err != nil {
		return Action{}, err
	}

	action := Action{
		Kind: ActionKind(kindNum),
		Key:  Key(key),
	}

	switch action.Kind {
	case ActionKind_Create:
		typeId, err := r.ReadUint16("EntityAction::TypeId")
		if err != nil {
			return Action{}, err
		}
		action.TypeId = event.TypeId(typeId)
		fallthrough
	case ActionKind_Update:
		length, err := r.ReadUint16("EntityAction::Length")
		if err != nil {
			return Action{}, err
		}
		payload, err := r.ReadBytes(int(length), "EntityAction::Payload")
		if err != nil {
			return Action{}, err
		}
		action.Payload = payload
	case ActionKind_Delete: // no body
	default:
		return Action{}, &errors.InvalidEnumValue{
			EnumName: "EntityAction::Kind",
			IntValue: kindNum,
		}
	}

	return action, nil
}
