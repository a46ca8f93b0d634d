package entity

import (
	"encoding/binary"
	goerrs "errors"
	"testing"

	"github.com/sessamekesh/spanreed-session/pkg/errors"
	"github.com/sessamekesh/spanreed-session/pkg/event"
	"github.com/sessamekesh/spanreed-session/pkg/wire"
)

const markerTypeId event.TypeId = 3

type marker struct {
	Value uint16
}

func (m *marker) TypeId() event.TypeId { return markerTypeId }

func (m *marker) Write(out []byte) []byte {
	return binary.BigEndian.AppendUint16(out, m.Value)
}

func (m *marker) ApplyUpdate(payload []byte) error {
	v, err := wire.NewReader(payload).ReadUint16("marker::Value")
	if err != nil {
		return err
	}
	m.Value = v
	return nil
}

func (m *marker) Clone() Entity {
	c := *m
	return &c
}

func newTestStream(t *testing.T) *Stream {
	t.Helper()
	r := event.CreateRegistry[Entity]("entities")
	err := r.Register(markerTypeId, func(payload []byte) (Entity, error) {
		m := &marker{}
		if err := m.ApplyUpdate(payload); err != nil {
			return nil, err
		}
		return m, nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Seal()
	return CreateStream(r)
}

func TestCreateUpdateDeleteLifecycle(t *testing.T) {
	s := newTestStream(t)

	n, err := s.Apply(CreateAction(1, &marker{Value: 10}))
	if err != nil || n == nil || n.Kind != ActionKind_Create || n.Key != 1 {
		t.Fatalf("create got=%+v err=%v", n, err)
	}

	n, err = s.Apply(UpdateAction(1, binary.BigEndian.AppendUint16(nil, 11)))
	if err != nil || n.Kind != ActionKind_Update {
		t.Fatalf("update got=%+v err=%v", n, err)
	}
	e, ok := s.Table().Get(1)
	if !ok || e.(*marker).Value != 11 {
		t.Fatalf("update not applied: %+v", e)
	}

	n, err = s.Apply(DeleteAction(1))
	if err != nil || n == nil || n.Kind != ActionKind_Delete {
		t.Fatalf("delete got=%+v err=%v", n, err)
	}
	if s.Table().Has(1) {
		t.Fatalf("entity should be gone")
	}
}

func TestDuplicateCreateIsDesync(t *testing.T) {
	s := newTestStream(t)
	s.Apply(CreateAction(4, &marker{Value: 1}))

	_, err := s.Apply(CreateAction(4, &marker{Value: 2}))
	var dup *errors.DuplicateEntity
	if !goerrs.As(err, &dup) || dup.Key != 4 {
		t.Fatalf("expected duplicate entity, got=%v", err)
	}
	if !errors.IsDesync(err) {
		t.Fatalf("duplicate create should be desync")
	}
	e, _ := s.Table().Get(4)
	if e.(*marker).Value != 1 {
		t.Fatalf("duplicate create overwrote entity")
	}
}

func TestUpdateMissingKeyIsDesync(t *testing.T) {
	s := newTestStream(t)
	_, err := s.Apply(UpdateAction(9, []byte{0, 1}))
	var missing *errors.MissingEntity
	if !goerrs.As(err, &missing) || missing.Key != 9 {
		t.Fatalf("expected missing entity, got=%v", err)
	}
	if !errors.IsDesync(err) {
		t.Fatalf("missing key should be desync")
	}
}

func TestDeleteMissingKeyIsNoop(t *testing.T) {
	s := newTestStream(t)
	for i := 0; i < 2; i++ {
		n, err := s.Apply(DeleteAction(5))
		if err != nil || n != nil {
			t.Fatalf("delete %d of missing key got=%+v err=%v", i, n, err)
		}
	}

	s.Apply(CreateAction(5, &marker{}))
	if n, err := s.Apply(DeleteAction(5)); err != nil || n == nil {
		t.Fatalf("first delete should notify, got=%+v err=%v", n, err)
	}
	if n, err := s.Apply(DeleteAction(5)); err != nil || n != nil {
		t.Fatalf("second delete should be a no-op, got=%+v err=%v", n, err)
	}
}

func TestMalformedUpdateLeavesEntityUntouched(t *testing.T) {
	s := newTestStream(t)
	s.Apply(CreateAction(2, &marker{Value: 7}))

	_, err := s.Apply(UpdateAction(2, []byte{0x01}))
	var malformed *errors.MalformedPayload
	if !goerrs.As(err, &malformed) {
		t.Fatalf("expected malformed payload, got=%v", err)
	}
	e, _ := s.Table().Get(2)
	if e.(*marker).Value != 7 {
		t.Fatalf("failed update mutated entity: %d", e.(*marker).Value)
	}
}

func TestCreateUnknownVariant(t *testing.T) {
	s := newTestStream(t)
	_, err := s.Apply(Action{Kind: ActionKind_Create, Key: 1, TypeId: 99})
	var unknown *errors.UnknownEventType
	if !goerrs.As(err, &unknown) {
		t.Fatalf("expected unknown type, got=%v", err)
	}
	if s.Table().Len() != 0 {
		t.Fatalf("failed create must not insert")
	}
}

func TestTableGetReturnsCopy(t *testing.T) {
	s := newTestStream(t)
	s.Apply(CreateAction(1, &marker{Value: 3}))

	e, _ := s.Table().Get(1)
	e.(*marker).Value = 100

	again, _ := s.Table().Get(1)
	if again.(*marker).Value != 3 {
		t.Fatalf("caller mutated table entry")
	}
}

func TestActionWireRoundTrip(t *testing.T) {
	actions := []Action{
		CreateAction(1, &marker{Value: 0xBEEF}),
		UpdateAction(1, []byte{0x00, 0x02}),
		DeleteAction(1),
	}

	var out []byte
	var err error
	for _, a := range actions {
		out, err = AppendAction(out, a)
		if err != nil {
			t.Fatalf("append %s: %v", a.Kind, err)
		}
	}

	r := wire.NewReader(out)
	for _, want := range actions {
		got, err := ReadAction(r)
		if err != nil {
			t.Fatalf("read %s: %v", want.Kind, err)
		}
		if got.Kind != want.Kind || got.Key != want.Key || got.TypeId != want.TypeId || string(got.Payload) != string(want.Payload) {
			t.Fatalf("round trip got=%+v want=%+v", got, want)
		}
	}
	if r.Remaining() != 0 {
		t.Fatalf("leftover bytes=%d", r.Remaining())
	}
}

func TestReadActionRejectsUnknownKind(t *testing.T) {
	_, err := ReadAction(wire.NewReader([]byte{0x09, 0x00, 0x01}))
	var invalid *errors.InvalidEnumValue
	if !goerrs.As(err, &invalid) {
		t.Fatalf("expected invalid enum, got=%v", err)
	}
}
