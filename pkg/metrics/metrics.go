package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	connections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "spanreed",
			Subsystem: "session",
			Name:      "connections",
			Help:      "Connections currently held by the server, by state.",
		},
		[]string{"state"},
	)
	connectionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spanreed",
			Subsystem: "session",
			Name:      "connection_events_total",
			Help:      "Connection lifecycle transitions.",
		},
		[]string{"event"},
	)
	rttSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "spanreed",
			Subsystem: "session",
			Name:      "rtt_seconds",
			Help:      "Smoothed round trip time observed after each heartbeat ack.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.25, 0.5, 1},
		},
	)
	heartbeatsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "spanreed",
			Subsystem: "session",
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeats sent to peers.",
		},
	)
	droppedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spanreed",
			Subsystem: "session",
			Name:      "dropped_frames_total",
			Help:      "Inbound datagrams or frames that were discarded.",
		},
		[]string{"reason"},
	)
)

// Dropped frame reasons.
const (
	DropReason_Malformed   = "malformed"
	DropReason_Stale       = "stale"
	DropReason_UnknownPeer = "unknown_peer"
	DropReason_Closed      = "closed"
	DropReason_QueueFull   = "queue_full"
	DropReason_Unexpected  = "unexpected"
)

// Connection lifecycle events.
const (
	ConnectionEvent_Requested    = "requested"
	ConnectionEvent_Accepted     = "accepted"
	ConnectionEvent_Rejected     = "rejected"
	ConnectionEvent_TimedOut     = "timed_out"
	ConnectionEvent_AuthTimedOut = "auth_timed_out"
	ConnectionEvent_Closed       = "closed"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(connections, connectionEvents, rttSeconds, heartbeatsSent, droppedFrames)
	})
}

func SetConnections(state string, count int) {
	RegisterMetrics()
	connections.WithLabelValues(state).Set(float64(count))
}

func RecordConnectionEvent(event string) {
	RegisterMetrics()
	connectionEvents.WithLabelValues(event).Inc()
}

func RecordRtt(rtt time.Duration) {
	RegisterMetrics()
	rttSeconds.Observe(rtt.Seconds())
}

func RecordHeartbeatSent() {
	RegisterMetrics()
	heartbeatsSent.Inc()
}

func RecordDroppedFrame(reason string) {
	RegisterMetrics()
	droppedFrames.WithLabelValues(reason).Inc()
}
