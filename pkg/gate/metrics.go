package gate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the gate package. Pass one
// to Config.Metrics to instrument an engine; a nil *Metrics disables
// instrumentation.
type Metrics struct {
	decisions      *prometheus.CounterVec
	blocks         *prometheus.CounterVec
	listenerErrors prometheus.Counter
	reservations   prometheus.Gauge
	checkDuration  *prometheus.HistogramVec
}

// NewMetrics creates a Metrics instance registered with the default
// Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates a Metrics instance registered with a custom
// registerer. Tests use this to avoid duplicate registration on the
// default registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "budgetgate_decisions_total",
				Help: "Total number of spend decisions produced",
			},
			[]string{"status"},
		),

		blocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "budgetgate_blocks_total",
				Help: "Total number of blocked spends by reason",
			},
			[]string{"reason"},
		),

		listenerErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "budgetgate_listener_errors_total",
				Help: "Total number of recovered decision-listener panics",
			},
		),

		reservations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "budgetgate_active_reservations",
				Help: "Current number of pending reservations opened through the engine",
			},
		),

		checkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "budgetgate_check_duration_seconds",
				Help:    "Duration of store admission calls in seconds",
				Buckets: prometheus.ExponentialBuckets(0.000001, 2, 15), // 1µs to 16ms
			},
			[]string{"operation"},
		),
	}
}

func (m *Metrics) recordDecision(d Decision) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(d.Status)).Inc()
	if d.Blocked() {
		m.blocks.WithLabelValues(string(d.Reason)).Inc()
	}
}

func (m *Metrics) recordListenerError() {
	if m == nil {
		return
	}
	m.listenerErrors.Inc()
}

func (m *Metrics) reservationOpened() {
	if m == nil {
		return
	}
	m.reservations.Inc()
}

func (m *Metrics) reservationClosed() {
	if m == nil {
		return
	}
	m.reservations.Dec()
}

func (m *Metrics) observeDuration(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.checkDuration.WithLabelValues(operation).Observe(d.Seconds())
}
