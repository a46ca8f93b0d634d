package timestamp

import (
	goerrs "errors"
	"testing"
	"time"

	"github.com/sessamekesh/spanreed-session/pkg/clock"
	"github.com/sessamekesh/spanreed-session/pkg/errors"
	"github.com/sessamekesh/spanreed-session/pkg/wire"
)

func TestTimestampRoundTrip(t *testing.T) {
	c := clock.NewManualClock(1700000000)
	c.Advance(2500 * time.Millisecond)

	ts := Now(c)
	if ts.Seconds() != 1700000002 {
		t.Fatalf("expected truncation to whole seconds, got=%d", ts.Seconds())
	}

	buf := ts.Write(nil)
	if len(buf) != 8 {
		t.Fatalf("expected 8 bytes, got=%d", len(buf))
	}

	got, err := Read(wire.NewReader(buf))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != ts {
		t.Fatalf("round trip mismatch: %d != %d", got.Seconds(), ts.Seconds())
	}
}

func TestTimestampBigEndian(t *testing.T) {
	buf := FromSeconds(0x0102030405060708).Write([]byte{0xFF})
	want := []byte{0xFF, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("byte %d got=%x want=%x", i, buf[i], want[i])
		}
	}
}

func TestTimestampReadTruncated(t *testing.T) {
	_, err := Read(wire.NewReader([]byte{0, 0, 0, 0, 0, 0, 1}))
	var underflow *errors.Underflow
	if !goerrs.As(err, &underflow) {
		t.Fatalf("expected underflow, got=%v", err)
	}
}

func TestSystemClockTimestamp(t *testing.T) {
	ts := Now(clock.NewSystemClock())
	if ts.Seconds() < 1700000000 {
		t.Fatalf("system timestamp looks wrong: %d", ts.Seconds())
	}
}
