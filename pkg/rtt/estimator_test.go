package rtt

import (
	"math"
	"testing"
	"time"

	"github.com/sessamekesh/spanreed-session/pkg/clock"
	"github.com/sessamekesh/spanreed-session/pkg/sequence"
)

func TestEstimatorUnknownBeforeFirstSample(t *testing.T) {
	e := NewEstimator(clock.NewManualClock(0), 0.1, 250)
	if _, ok := e.Smoothed(); ok {
		t.Fatalf("expected unknown estimate")
	}
	if e.ExceedsMax() {
		t.Fatalf("unknown estimate must not exceed max")
	}
}

func TestEstimatorExponentialMovingAverage(t *testing.T) {
	c := clock.NewManualClock(0)
	alpha := 0.25
	e := NewEstimator(c, float32(alpha), 250)

	samples := []time.Duration{100 * time.Millisecond, 40 * time.Millisecond, 80 * time.Millisecond, 300 * time.Millisecond}
	var want float64
	for i, s := range samples {
		e.RecordSend(sequence.Number(i))
		c.Advance(s)
		if !e.RecordAck(sequence.Number(i)) {
			t.Fatalf("ack %d not accepted", i)
		}
		if i == 0 {
			want = float64(s.Microseconds())
		} else {
			want = want*(1-alpha) + float64(s.Microseconds())*alpha
		}
	}

	got, ok := e.Smoothed()
	if !ok {
		t.Fatalf("expected estimate")
	}
	if math.Abs(float64(got.Microseconds())-want) > 2 {
		t.Fatalf("smoothed got=%v want=%vus", got, want)
	}
}

func TestEstimatorIgnoresStaleAck(t *testing.T) {
	c := clock.NewManualClock(0)
	e := NewEstimator(c, 0.1, 250)

	e.RecordSend(1)
	c.Advance(50 * time.Millisecond)
	e.RecordAck(1)
	before, _ := e.Smoothed()

	e.RecordSend(2)
	c.Advance(time.Second)
	if e.RecordAck(1) {
		t.Fatalf("stale ack should be ignored")
	}
	if e.RecordAck(3) {
		t.Fatalf("unknown ack should be ignored")
	}
	after, ok := e.Smoothed()
	if !ok || after != before {
		t.Fatalf("estimate changed on stale ack: before=%v after=%v", before, after)
	}
	if _, live := e.LiveSample(); !live {
		t.Fatalf("stale ack must not clear the live sample")
	}
}

func TestEstimatorOnlyTracksLatestSample(t *testing.T) {
	c := clock.NewManualClock(0)
	e := NewEstimator(c, 0.1, 250)

	e.RecordSend(10)
	c.Advance(10 * time.Millisecond)
	e.RecordSend(11)
	c.Advance(20 * time.Millisecond)

	if e.RecordAck(10) {
		t.Fatalf("abandoned sample should not be measured")
	}
	if !e.RecordAck(11) {
		t.Fatalf("latest sample should be measured")
	}
	got, _ := e.Smoothed()
	if got != 20*time.Millisecond {
		t.Fatalf("unexpected rtt=%v", got)
	}
	if e.RecordAck(11) {
		t.Fatalf("duplicate ack should be ignored")
	}
}

func TestEstimatorExceedsMax(t *testing.T) {
	c := clock.NewManualClock(0)
	e := NewEstimator(c, 1, 250)

	e.RecordSend(1)
	c.Advance(300 * time.Millisecond)
	e.RecordAck(1)
	if !e.ExceedsMax() {
		t.Fatalf("expected 300ms to exceed 250ms")
	}

	e.RecordSend(2)
	c.Advance(100 * time.Millisecond)
	e.RecordAck(2)
	if e.ExceedsMax() {
		t.Fatalf("smoothing factor 1 should track the latest sample")
	}
}
