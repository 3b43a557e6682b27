package agent

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are shared by all the agents of a process. A nil *Metrics records
// nothing.
type Metrics struct {
	started         *prometheus.CounterVec
	running         *prometheus.GaugeVec
	results         *prometheus.CounterVec
	stepsCompleted  *prometheus.CounterVec
	paymentFailures prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coinffeine",
			Subsystem: "exchange",
			Name:      "started_total",
			Help:      "Exchanges started.",
		}, []string{"role"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "coinffeine",
			Subsystem: "exchange",
			Name:      "running",
			Help:      "Exchanges in progress.",
		}, []string{"role"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coinffeine",
			Subsystem: "exchange",
			Name:      "results_total",
			Help:      "Exchange results by cause.",
		}, []string{"role", "cause"}),
		stepsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coinffeine",
			Subsystem: "exchange",
			Name:      "steps_completed_total",
			Help:      "Steps whose counterpart signatures were validated.",
		}, []string{"role"}),
		paymentFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coinffeine",
			Subsystem: "exchange",
			Name:      "payment_failures_total",
			Help:      "Step payments rejected by the payment processor.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.started, m.running, m.results, m.stepsCompleted, m.paymentFailures)
	}
	return m
}

func (m *Metrics) exchangeStarted(role string) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(role).Inc()
	m.running.WithLabelValues(role).Inc()
}

func (m *Metrics) exchangeFinished(role string, c Cause) {
	if m == nil {
		return
	}
	m.running.WithLabelValues(role).Dec()
	m.results.WithLabelValues(role, c.String()).Inc()
}

func (m *Metrics) stepCompleted(role string) {
	if m != nil {
		m.stepsCompleted.WithLabelValues(role).Inc()
	}
}

func (m *Metrics) paymentFailed() {
	if m != nil {
		m.paymentFailures.Inc()
	}
}
