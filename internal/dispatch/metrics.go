package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the dispatcher's Prometheus instruments.
type metrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &metrics{
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mimo_tool_calls_total",
			Help: "Tool calls by tool, owner, and outcome.",
		}, []string{"tool", "owner", "outcome"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mimo_tool_latency_seconds",
			Help:    "Tool call latency by tool.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"tool"}),
	}
}

func (m *metrics) observe(tool, owner, outcome string, seconds float64) {
	m.calls.WithLabelValues(tool, owner, outcome).Inc()
	m.latency.WithLabelValues(tool).Observe(seconds)
}
