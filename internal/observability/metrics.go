// Package observability provides Prometheus metrics, health checks, and
// request logging for the relay.
//
// Uses github.com/prometheus/client_golang - the official Prometheus client.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the relay.
// Metrics are automatically registered via promauto.
//
// Key metrics for monitoring:
//   - events_ingested_total: inbound event rate by source
//   - events_sent_total: successful sink delivery rate
//   - events_dead_lettered_total: terminal failures by reason (alerts)
//   - sink_latency_seconds: sink call latency distribution
type Metrics struct {
	EventsIngested     *prometheus.CounterVec
	EventsSkipped      prometheus.Counter
	EventsSent         prometheus.Counter
	EventsRetried      prometheus.Counter
	EventsDeadLettered *prometheus.CounterVec
	EventsReconciled   *prometheus.CounterVec

	DispatchCycles   prometheus.Counter
	DispatchClaimed  prometheus.Histogram
	SinkCalls        prometheus.Counter
	SinkLatency      prometheus.Histogram
	BreakerOpenSkips *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	IngestRejections    *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// The namespace prefixes all metric names (e.g., "relay_events_sent_total").
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		EventsIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Total number of events accepted by an ingest entry point",
		}, []string{"source"}),
		EventsSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_skipped_total",
			Help:      "Total number of events skipped for missing consent",
		}),
		EventsSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_sent_total",
			Help:      "Total number of events delivered to the sink",
		}),
		EventsRetried: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_retried_total",
			Help:      "Total number of delivery failures scheduled for retry",
		}),
		EventsDeadLettered: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dead_lettered_total",
			Help:      "Total number of events moved to the dead letter queue",
		}, []string{"reason"}),
		EventsReconciled: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_reconciled_total",
			Help:      "Total number of payment webhooks by reconciliation outcome",
		}, []string{"outcome"}),
		DispatchCycles: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_cycles_total",
			Help:      "Total number of dispatch cycles run",
		}),
		DispatchClaimed: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_claimed_events",
			Help:      "Events claimed per dispatch cycle",
			Buckets:   []float64{0, 1, 5, 10, 25, 50},
		}),
		SinkCalls: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_calls_total",
			Help:      "Total number of batch calls made to the sink",
		}),
		SinkLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sink_latency_seconds",
			Help:      "Latency of sink batch calls in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		BreakerOpenSkips: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_open_skips_total",
			Help:      "Account groups rescheduled because the circuit breaker was open",
		}, []string{"account_id"}),
		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method and path",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		IngestRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_rejections_total",
			Help:      "Ingest requests rejected before reaching the store",
		}, []string{"reason"}),
	}
}
