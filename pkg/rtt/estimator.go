package rtt

import (
	"time"

	"github.com/sessamekesh/spanreed-session/pkg/clock"
	"github.com/sessamekesh/spanreed-session/pkg/sequence"
)

// Sample is a heartbeat send time waiting for its acknowledgement.
type Sample struct {
	Sequence    sequence.Number
	SendingTime clock.Instant
}

// Estimator tracks at most one outstanding sample and smooths acknowledged
// samples into an exponentially weighted moving average.
type Estimator struct {
	clock           clock.Clock
	smoothingFactor float64
	maxValue        time.Duration

	liveSample   *Sample
	lastSendTime clock.Instant

	hasEstimate bool
	smoothedRtt float64 // microseconds
}

func NewEstimator(c clock.Clock, smoothingFactor float32, maxValueMs uint16) *Estimator {
	return &Estimator{
		clock:           c,
		smoothingFactor: float64(smoothingFactor),
		maxValue:        time.Duration(maxValueMs) * time.Millisecond,
	}
}

// RecordSend replaces any unacknowledged sample with a new one for seq.
func (e *Estimator) RecordSend(seq sequence.Number) Sample {
	now := e.clock.Now()
	if now.Before(e.lastSendTime) {
		now = e.lastSendTime
	}
	e.lastSendTime = now

	e.liveSample = &Sample{
		Sequence:    seq,
		SendingTime: now,
	}
	return *e.liveSample
}

// RecordAck folds the sample for seq into the estimate. Acks that do not match
// the live sample are ignored and reported as false.
func (e *Estimator) RecordAck(seq sequence.Number) bool {
	if e.liveSample == nil || e.liveSample.Sequence != seq {
		return false
	}

	sampleRtt := float64(e.clock.Now().Sub(e.liveSample.SendingTime).Microseconds())
	if sampleRtt < 0 {
		sampleRtt = 0
	}
	e.liveSample = nil

	if !e.hasEstimate {
		e.smoothedRtt = sampleRtt
		e.hasEstimate = true
		return true
	}

	e.smoothedRtt = e.smoothedRtt*(1-e.smoothingFactor) + sampleRtt*e.smoothingFactor
	return true
}

// Smoothed returns the current estimate, or false if nothing has been measured.
func (e *Estimator) Smoothed() (time.Duration, bool) {
	if !e.hasEstimate {
		return 0, false
	}
	return time.Duration(e.smoothedRtt) * time.Microsecond, true
}

func (e *Estimator) ExceedsMax() bool {
	rtt, ok := e.Smoothed()
	return ok && rtt > e.maxValue
}

func (e *Estimator) LiveSample() (Sample, bool) {
	if e.liveSample == nil {
		return Sample{}, false
	}
	return *e.liveSample, true
}
