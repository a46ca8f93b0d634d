package clock

import (
	"testing"
	"time"
)

func TestInstantArithmetic(t *testing.T) {
	a := Instant(0).Add(1500 * time.Millisecond)
	if a != 1_500_000 {
		t.Fatalf("unexpected instant=%d", a)
	}
	if got := a.Sub(Instant(500_000)); got != time.Second {
		t.Fatalf("unexpected sub=%v", got)
	}
	if !Instant(1).After(Instant(0)) || !Instant(0).Before(Instant(1)) {
		t.Fatalf("ordering broken")
	}
}

func TestManualClockNeverRegresses(t *testing.T) {
	c := NewManualClock(1700000000)
	c.Advance(3 * time.Second)
	c.Set(Instant(0))
	c.Advance(-time.Second)
	if got := c.Now(); got != Instant(0).Add(3*time.Second) {
		t.Fatalf("clock regressed: %d", got)
	}
	if got := c.Seconds(); got != 1700000003 {
		t.Fatalf("unexpected seconds=%d", got)
	}
}

func TestSystemClockMonotonic(t *testing.T) {
	c := NewSystemClock()
	a := c.Now()
	b := c.Now()
	if b < a {
		t.Fatalf("system clock regressed: %d < %d", b, a)
	}
	if c.Seconds() == 0 {
		t.Fatalf("expected wall clock seconds")
	}
}
