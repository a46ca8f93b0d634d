package event

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sessamekesh/spanreed-session/pkg/wire"
)

// Event is implemented by every application event that can be sent.
type Event interface {
	TypeId() TypeId
	// Write appends the event payload (without framing) to out.
	Write(out []byte) []byte
}

// Frame is one event on the wire: type_id u16, length u16, payload.
type Frame struct {
	TypeId  TypeId
	Payload []byte
}

type FrameTooLarge struct {
	TypeId TypeId
	Size   int
}

func (e *FrameTooLarge) Error() string {
	return fmt.Sprintf("Event frame for type id=%d is %d bytes, limit is %d", e.TypeId, e.Size, math.MaxUint16)
}

func AppendFrame(out []byte, typeId TypeId, payload []byte) ([]byte, error) {
	if len(payload) > math.MaxUint16 {
		return out, &FrameTooLarge{TypeId: typeId, Size: len(payload)}
	}
	out = binary.BigEndian.AppendUint16(out, uint16(typeId))
	out = binary.BigEndian.AppendUint16(out, uint16(len(payload)))
	return append(out, payload...), nil
}

func AppendEvent(out []byte, ev Event) ([]byte, error) {
	return AppendFrame(out, ev.TypeId(), ev.Write(nil))
}

func ReadFrame(r *wire.Reader) (Frame, error) {
	typeId, err := r.ReadUint16("EventFrame::TypeId")
	if err != nil {
		return Frame{}, err
	}
	length, err := r.ReadUint16("EventFrame::Length")
	if err != nil {
		return Frame{}, err
	}
	payload, err := r.ReadBytes(int(length), "EventFrame::Payload")
	if err != nil {
		return Frame{}, err
	}
	return Frame{TypeId: TypeId(typeId), Payload: payload}, nil
}

// BuildFrame is shorthand for r.Build(frame.TypeId, frame.Payload).
func BuildFrame[T any](r *Registry[T], frame Frame) (T, error) {
	return r.Build(frame.TypeId, frame.Payload)
}

func typeIdName(typeId TypeId) string {
	return fmt.Sprintf("type_id=%d", typeId)
}
