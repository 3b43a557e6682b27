package broker

import (
	"github.com/meeh420/coinffeine/msg"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics of a Hub. A nil *Metrics records nothing.
type Metrics struct {
	peers        prometheus.Gauge
	routedTotal  *prometheus.CounterVec
	droppedTotal *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coinffeine",
			Subsystem: "broker",
			Name:      "connected_peers",
			Help:      "Number of peers registered with the broker.",
		}),
		routedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coinffeine",
			Subsystem: "broker",
			Name:      "envelopes_routed_total",
			Help:      "Envelopes routed to a registered peer.",
		}, []string{"type"}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coinffeine",
			Subsystem: "broker",
			Name:      "envelopes_dropped_total",
			Help:      "Envelopes that could not be routed.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.peers, m.routedTotal, m.droppedTotal)
	}
	return m
}

func (m *Metrics) peerConnected() {
	if m != nil {
		m.peers.Inc()
	}
}

func (m *Metrics) peerDisconnected() {
	if m != nil {
		m.peers.Dec()
	}
}

func (m *Metrics) routed(t msg.Type) {
	if m != nil {
		m.routedTotal.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) dropped(reason string) {
	if m != nil {
		m.droppedTotal.WithLabelValues(reason).Inc()
	}
}
