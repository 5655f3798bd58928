package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration prometheus.Histogram
	upstreamErrors  prometheus.Counter
	intercepted     prometheus.Counter
	usageDropped    prometheus.Counter
	inputTokens     prometheus.Counter
	outputTokens    prometheus.Counter
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swiftcast_requests_total",
			Help: "Proxied requests by response status code.",
		}, []string{"code"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "swiftcast_request_duration_seconds",
			Help:    "End-to-end request duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swiftcast_upstream_errors_total",
			Help: "Requests that failed reaching the upstream provider.",
		}),
		intercepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swiftcast_intercepted_requests_total",
			Help: "Requests answered locally by the command interceptor.",
		}),
		usageDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swiftcast_usage_writes_dropped_total",
			Help: "Usage log writes dropped because the write pool was saturated.",
		}),
		inputTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swiftcast_input_tokens_total",
			Help: "Input tokens reported by upstream responses.",
		}),
		outputTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swiftcast_output_tokens_total",
			Help: "Output tokens reported by upstream responses.",
		}),
	}
	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.upstreamErrors,
		m.intercepted,
		m.usageDropped,
		m.inputTokens,
		m.outputTokens,
	)
	return m
}
