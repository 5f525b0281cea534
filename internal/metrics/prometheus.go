package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sawpanic/fortitude/internal/research"
)

// promMetrics wraps the prometheus collectors exposed at /metrics. Kept
// separate from Registry's own bookkeeping; New always registers these
// collectors on the Registerer it is given (the default one when nil).
type promMetrics struct {
	outcomesTotal   *prometheus.CounterVec
	latencySeconds  *prometheus.HistogramVec
	healthScore     *prometheus.GaugeVec
	circuitState    *prometheus.GaugeVec
	rateLimitHits   prometheus.Counter
	throttleEvents  prometheus.Counter
	activeWorkers   prometheus.Gauge
	cpuPercent      prometheus.Gauge
	memPercent      prometheus.Gauge
	networkKBps     prometheus.Gauge
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	m := &promMetrics{
		outcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fortitude",
			Subsystem: "provider",
			Name:      "outcomes_total",
			Help:      "Provider call outcomes by provider and result.",
		}, []string{"provider", "result"}),
		latencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fortitude",
			Subsystem: "provider",
			Name:      "latency_seconds",
			Help:      "Provider call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		healthScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fortitude",
			Subsystem: "provider",
			Name:      "health_score",
			Help:      "Composite provider health score in [0,1].",
		}, []string{"provider"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fortitude",
			Subsystem: "provider",
			Name:      "circuit_state",
			Help:      "Circuit state: 0=closed 1=half_open 2=open.",
		}, []string{"provider"}),
		rateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fortitude",
			Subsystem: "executor",
			Name:      "rate_limit_hits_total",
		}),
		throttleEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fortitude",
			Subsystem: "executor",
			Name:      "throttle_events_total",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fortitude",
			Subsystem: "executor",
			Name:      "active_workers",
		}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fortitude",
			Subsystem: "resource",
			Name:      "cpu_percent",
		}),
		memPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fortitude",
			Subsystem: "resource",
			Name:      "memory_percent",
		}),
		networkKBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fortitude",
			Subsystem: "resource",
			Name:      "network_io_kbps",
		}),
	}
	reg.MustRegister(m.outcomesTotal, m.latencySeconds, m.healthScore, m.circuitState,
		m.rateLimitHits, m.throttleEvents, m.activeWorkers, m.cpuPercent, m.memPercent, m.networkKBps)
	return m
}

func (m *promMetrics) observeOutcome(provider string, success bool, latency time.Duration, healthScore float64) {
	result := "failure"
	if success {
		result = "success"
	}
	m.outcomesTotal.WithLabelValues(provider, result).Inc()
	m.latencySeconds.WithLabelValues(provider).Observe(latency.Seconds())
	m.healthScore.WithLabelValues(provider).Set(healthScore)
}

func (m *promMetrics) setCircuitState(provider string, status research.CircuitStatus) {
	var v float64
	switch status {
	case research.CircuitClosed:
		v = 0
	case research.CircuitHalfOpen:
		v = 1
	case research.CircuitOpen:
		v = 2
	}
	m.circuitState.WithLabelValues(provider).Set(v)
}

func (m *promMetrics) setResourceGauges(s ResourceSample) {
	m.cpuPercent.Set(s.CPUPercent)
	m.memPercent.Set(s.MemoryPercent)
	m.networkKBps.Set(s.NetworkIOKBps)
}
