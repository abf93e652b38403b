// Package metrics exposes prometheus collectors for the hub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the hub's collectors. A nil *Metrics is valid and all
// methods are no-ops, which keeps test wiring minimal.
type Metrics struct {
	activeConnections prometheus.Gauge
	envelopesRouted   *prometheus.CounterVec
	droppedSends      prometheus.Counter
	joinRejections    prometheus.Counter
	disconnects       prometheus.Counter
}

// New registers the hub collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "emberchat_active_connections",
			Help: "Number of currently open WebSocket connections.",
		}),
		envelopesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "emberchat_envelopes_routed_total",
			Help: "Envelopes fanned out by the router, by envelope type.",
		}, []string{"type"}),
		droppedSends: factory.NewCounter(prometheus.CounterOpts{
			Name: "emberchat_dropped_sends_total",
			Help: "Frames dropped because a recipient's send queue was full.",
		}),
		joinRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "emberchat_join_rejections_total",
			Help: "Join attempts rejected by the registry.",
		}),
		disconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "emberchat_slow_consumer_disconnects_total",
			Help: "Connections closed because their send queue stayed full.",
		}),
	}
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.activeConnections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.activeConnections.Dec()
	}
}

func (m *Metrics) EnvelopeRouted(envType string) {
	if m != nil {
		m.envelopesRouted.WithLabelValues(envType).Inc()
	}
}

func (m *Metrics) SendDropped() {
	if m != nil {
		m.droppedSends.Inc()
	}
}

func (m *Metrics) JoinRejected() {
	if m != nil {
		m.joinRejections.Inc()
	}
}

func (m *Metrics) SlowConsumerDisconnect() {
	if m != nil {
		m.disconnects.Inc()
	}
}
