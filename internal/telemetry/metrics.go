// Package telemetry holds the process-wide prometheus collectors.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "csimesh"

var (
	Registry = prometheus.NewRegistry()

	ProtocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Coordination datagrams discarded as malformed or unknown.",
		},
		[]string{"node", "reason"},
	)

	SamplesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_dropped_total",
			Help:      "Samples dropped because the capture queue was full.",
		},
		[]string{"node"},
	)

	SamplesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_sent_total",
			Help:      "Sample frames handed to the sink.",
		},
		[]string{"node"},
	)

	SerializationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "serialization_errors_total",
			Help:      "Samples rejected before send for exceeding a size limit.",
		},
		[]string{"node", "reason"},
	)

	TransportErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Failed sends, by path (peer or sink).",
		},
		[]string{"node", "path"},
	)

	InboxDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbox_dropped_total",
			Help:      "Received datagrams dropped because the coordinator inbox was full.",
		},
		[]string{"node"},
	)

	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Coordinator state changes, by destination state.",
		},
		[]string{"node", "state"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Samples waiting in the capture queue.",
		},
		[]string{"node"},
	)

	Broadcaster = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_broadcaster",
			Help:      "Broadcaster this node currently attributes samples to, 255 when none.",
		},
		[]string{"node"},
	)

	FramesArchived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_archived_total",
			Help:      "Frames decoded and stored by the collector, by intake.",
		},
		[]string{"intake"},
	)

	FramesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Frames the collector could not decode or store.",
		},
		[]string{"intake"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		ProtocolErrors, SamplesDropped, SamplesSent, SerializationErrors,
		TransportErrors, InboxDropped, Transitions, QueueDepth, Broadcaster,
		FramesArchived, FramesRejected, uptime,
	)
}

// MetricsHandler exposes the registry in the prometheus text format.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// NodeMetrics binds the per-node label once so hot paths avoid the label lookup.
type NodeMetrics struct {
	node string

	Dropped      prometheus.Counter
	Sent         prometheus.Counter
	PeerErrors   prometheus.Counter
	SinkErrors   prometheus.Counter
	InboxDropped prometheus.Counter
	QueueDepth   prometheus.Gauge
	Broadcaster  prometheus.Gauge
}

// ForNode returns the collectors labelled for one node.
func ForNode(node string) *NodeMetrics {
	return &NodeMetrics{
		node:         node,
		Dropped:      SamplesDropped.WithLabelValues(node),
		Sent:         SamplesSent.WithLabelValues(node),
		PeerErrors:   TransportErrors.WithLabelValues(node, "peer"),
		SinkErrors:   TransportErrors.WithLabelValues(node, "sink"),
		InboxDropped: InboxDropped.WithLabelValues(node),
		QueueDepth:   QueueDepth.WithLabelValues(node),
		Broadcaster:  Broadcaster.WithLabelValues(node),
	}
}

// ProtocolError counts a discarded coordination datagram.
func (m *NodeMetrics) ProtocolError(reason string) {
	ProtocolErrors.WithLabelValues(m.node, reason).Inc()
}

// SerializationError counts a sample rejected before send.
func (m *NodeMetrics) SerializationError(reason string) {
	SerializationErrors.WithLabelValues(m.node, reason).Inc()
}

// Transition counts a state change.
func (m *NodeMetrics) Transition(state string) {
	Transitions.WithLabelValues(m.node, state).Inc()
}
