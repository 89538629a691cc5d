package client

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts failover retries and fan-out evictions.
type Metrics struct {
	retries   *prometheus.CounterVec
	evictions *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sheetmesh",
			Subsystem: "client",
			Name:      "retries_total",
			Help:      "Calls retried against the same endpoint after NOT_AVAILABLE.",
		}, []string{"endpoint"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sheetmesh",
			Subsystem: "client",
			Name:      "evictions_total",
			Help:      "Endpoints evicted from the registry after exhausting retries.",
		}, []string{"domain", "service"}),
	}
}

func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{m.retries, m.evictions}
}

func (m *Metrics) retried(endpoint string) {
	if m != nil {
		m.retries.WithLabelValues(endpoint).Inc()
	}
}

func (m *Metrics) evicted(domain, service string) {
	if m != nil {
		m.evictions.WithLabelValues(domain, service).Inc()
	}
}
