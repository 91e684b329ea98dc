package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	DeliveriesTotal      *prometheus.CounterVec
	RetriesTotal         prometheus.Counter
	EventsProcessedTotal *prometheus.CounterVec
	QueueDepth           prometheus.Gauge
}

// NewMetrics registers the collectors on the default registry; call once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		DeliveriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deliveries_total",
				Help: "Total number of outbound delivery attempts",
			},
			[]string{"outcome"},
		),
		RetriesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "retries_total",
				Help: "Total number of delivery retries scheduled",
			},
		),
		EventsProcessedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_processed_total",
				Help: "Total number of system events consumed from the durable queue",
			},
			[]string{"type"},
		),
		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "queue_depth",
				Help: "Current durable queue depth",
			},
		),
	}
}
