// Package metrics holds murmur's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components can take one
// optionally and tests can skip it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Ingest outcomes.
const (
	OutcomeAccepted    = "accepted"
	OutcomeAlreadySeen = "already_seen"
	OutcomeRejected    = "rejected"
)

// Metrics groups the collectors used across the service.
type Metrics struct {
	IngestTotal      *prometheus.CounterVec
	IngestDuration   prometheus.Histogram
	LocalDelivered   prometheus.Counter
	LocalDropped     prometheus.Counter
	PeerPublished    *prometheus.CounterVec
	PeerReceived     prometheus.Counter
	ReplayMessages   prometheus.Counter
	ReplayFailures   prometheus.Counter
	ReplaySkipped    prometheus.Counter
	ConnectedClients prometheus.Gauge
	ResumedSessions  prometheus.Counter
}

// New creates the collectors and registers them on reg.
// Pass prometheus.NewRegistry() in tests to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "ingest_total",
			Help:      "Publish requests by outcome.",
		}, []string{"outcome"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "murmur",
			Name:      "ingest_duration_seconds",
			Help:      "Time spent appending a publish to the log store.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		LocalDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "fanout_local_delivered_total",
			Help:      "Messages queued to locally connected clients.",
		}),
		LocalDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "fanout_local_dropped_total",
			Help:      "Messages dropped because a client queue was full or closing.",
		}),
		PeerPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "fanout_peer_published_total",
			Help:      "Broadcasts handed to the peer bus, by result.",
		}, []string{"result"}),
		PeerReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "fanout_peer_received_total",
			Help:      "Broadcasts received from peer workers.",
		}),
		ReplayMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "replay_messages_total",
			Help:      "Messages emitted by recovery replay.",
		}),
		ReplayFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "replay_failures_total",
			Help:      "Replays that stopped partway.",
		}),
		ReplaySkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "replay_skipped_total",
			Help:      "Replays skipped because the session was resumed.",
		}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "murmur",
			Name:      "connected_clients",
			Help:      "Clients currently connected to this worker.",
		}),
		ResumedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "sessions_resumed_total",
			Help:      "Reconnects that resumed a parked session.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.IngestTotal,
			m.IngestDuration,
			m.LocalDelivered,
			m.LocalDropped,
			m.PeerPublished,
			m.PeerReceived,
			m.ReplayMessages,
			m.ReplayFailures,
			m.ReplaySkipped,
			m.ConnectedClients,
			m.ResumedSessions,
		)
	}
	return m
}

// ObserveIngest records one ingest outcome and its store latency.
func (m *Metrics) ObserveIngest(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.IngestTotal.WithLabelValues(outcome).Inc()
	m.IngestDuration.Observe(elapsed.Seconds())
}

// ObserveLocalDelivery records per-client delivery results of one broadcast.
func (m *Metrics) ObserveLocalDelivery(delivered, dropped int) {
	if m == nil {
		return
	}
	m.LocalDelivered.Add(float64(delivered))
	m.LocalDropped.Add(float64(dropped))
}

// ObservePeerPublish records a peer bus publish result.
func (m *Metrics) ObservePeerPublish(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.PeerPublished.WithLabelValues("error").Inc()
		return
	}
	m.PeerPublished.WithLabelValues("ok").Inc()
}

// ObservePeerReceived records one event received from a peer.
func (m *Metrics) ObservePeerReceived() {
	if m == nil {
		return
	}
	m.PeerReceived.Inc()
}

// ObserveReplay records the result of one replay.
func (m *Metrics) ObserveReplay(emitted int, failed bool) {
	if m == nil {
		return
	}
	m.ReplayMessages.Add(float64(emitted))
	if failed {
		m.ReplayFailures.Inc()
	}
}

// ObserveReplaySkipped records a replay skipped for a resumed session.
func (m *Metrics) ObserveReplaySkipped() {
	if m == nil {
		return
	}
	m.ReplaySkipped.Inc()
}

// ClientConnected adjusts the connected clients gauge.
func (m *Metrics) ClientConnected(delta int) {
	if m == nil {
		return
	}
	m.ConnectedClients.Add(float64(delta))
}

// SessionResumed counts a resumed session.
func (m *Metrics) SessionResumed() {
	if m == nil {
		return
	}
	m.ResumedSessions.Inc()
}
