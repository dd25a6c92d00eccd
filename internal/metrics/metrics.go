package metrics

import (
	"net/http"
	"time"

	"github.com/berfenger/luxbridge/pkg/device"
	"github.com/berfenger/luxbridge/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "luxbridge"

// Metrics holds the collectors of one process. Each instance owns its
// registry so tests can create as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	opDuration        *prometheus.HistogramVec
	hybridTransitions *prometheus.CounterVec
	hybridState       *prometheus.GaugeVec
	verdicts          *prometheus.CounterVec
	refreshes         *prometheus.CounterVec
	lastRefresh       *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transport_operation_seconds",
			Help:      "Duration of wire operations by transport kind and operation.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"transport", "op"}),
		hybridTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hybrid_transitions_total",
			Help:      "Health transitions of hybrid transports.",
		}, []string{"serial", "from", "to"}),
		hybridState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hybrid_state",
			Help:      "Current hybrid health state (0 healthy, 1 degraded, 2 probing).",
		}, []string{"serial"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "energy_validation_total",
			Help:      "Energy readings that were rejected or self healed.",
		}, []string{"serial", "result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Device refreshes by outcome.",
		}, []string{"serial", "outcome"}),
		lastRefresh: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_refresh_timestamp_seconds",
			Help:      "Unix time of the last successful refresh.",
		}, []string{"serial"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.opDuration,
		m.hybridTransitions,
		m.hybridState,
		m.verdicts,
		m.refreshes,
		m.lastRefresh,
	)
	return m
}

// Instrument feeds transport operation timings into the histogram.
func (m *Metrics) Instrument() transport.Instrument {
	return transport.Instrument{
		RecordTime: func(kind transport.Kind, op string, d time.Duration) {
			m.opDuration.WithLabelValues(string(kind), op).Observe(d.Seconds())
		},
	}
}

func (m *Metrics) HybridStateChange(serial string) func(from, to transport.HealthState) {
	return func(from, to transport.HealthState) {
		m.hybridTransitions.WithLabelValues(serial, from.String(), to.String()).Inc()
		m.hybridState.WithLabelValues(serial).Set(float64(to))
	}
}

func (m *Metrics) Verdict(serial string, v device.Verdict) {
	m.verdicts.WithLabelValues(serial, v.Result.String()).Inc()
}

func (m *Metrics) Refreshed(serial string, err error, at time.Time) {
	if err != nil {
		m.refreshes.WithLabelValues(serial, "error").Inc()
		return
	}
	m.refreshes.WithLabelValues(serial, "ok").Inc()
	m.lastRefresh.WithLabelValues(serial).Set(float64(at.Unix()))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
