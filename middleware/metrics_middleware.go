package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sheetmesh/message"
	"sheetmesh/result"
)

// RequestMetrics counts and times RPC calls by method and outcome kind.
type RequestMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewRequestMetrics() *RequestMetrics {
	return &RequestMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sheetmesh",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "RPC calls served, by method and result kind.",
		}, []string{"method", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sheetmesh",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "RPC call latency, by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// PrometheusCollectors returns the collectors to register.
func (m *RequestMetrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{m.requests, m.duration}
}

// Middleware records every call passing through it.
func (m *RequestMetrics) Middleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			m.duration.WithLabelValues(req.ServiceMethod).Observe(time.Since(start).Seconds())
			m.requests.WithLabelValues(req.ServiceMethod, result.Kind(resp.Kind).String()).Inc()
			return resp
		}
	}
}
