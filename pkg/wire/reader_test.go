package wire

import (
	goerrs "errors"
	"testing"

	"github.com/sessamekesh/spanreed-session/pkg/errors"
)

func TestReaderReadsBigEndian(t *testing.T) {
	r := NewReader([]byte{0x01, 0x02, 0x00, 0x00, 0x00, 0x03, 0xAA, 0xBB})
	u16, err := r.ReadUint16("u16")
	if err != nil || u16 != 0x0102 {
		t.Fatalf("u16 got=%x err=%v", u16, err)
	}
	u32, err := r.ReadUint32("u32")
	if err != nil || u32 != 3 {
		t.Fatalf("u32 got=%d err=%v", u32, err)
	}
	if r.Remaining() != 2 {
		t.Fatalf("remaining=%d", r.Remaining())
	}
	rest := r.ReadRest()
	if len(rest) != 2 || rest[0] != 0xAA || r.Remaining() != 0 {
		t.Fatalf("unexpected rest=%v", rest)
	}
}

func TestReaderUnderflowDoesNotConsume(t *testing.T) {
	r := NewReader([]byte{0x01, 0x02, 0x03})
	_, err := r.ReadUint64("Timestamp")
	var underflow *errors.Underflow
	if !goerrs.As(err, &underflow) {
		t.Fatalf("expected underflow, got=%v", err)
	}
	if underflow.MinimumSize != 8 || underflow.MsgSize != 3 {
		t.Fatalf("unexpected underflow=%+v", underflow)
	}
	if r.Remaining() != 3 {
		t.Fatalf("failed read consumed bytes, remaining=%d", r.Remaining())
	}
}
