// Package monitoring exposes the engine's prometheus metrics, following
// the promauto-registered-struct style of internal/monitoring.Metrics in
// the teacher repo. Each Metrics instance owns a private registry (via
// promauto.With) rather than registering against the global default, so
// a test suite that builds several managers never panics on duplicate
// registration.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Registry *prometheus.Registry

	DocumentsCreated     prometheus.Counter
	DocumentsDestroyed   prometheus.Counter
	MutationsApplied     prometheus.Counter
	MutationErrors       prometheus.Counter
	DispatchLatency      prometheus.Histogram
	CompactionsRun       prometheus.Counter
	TTLExpirations       prometheus.Counter
	SubscriberQueueDrops prometheus.Counter
	ActiveSubscribers    prometheus.Gauge
	ActiveConnections    prometheus.Gauge
	StoreFailures        prometheus.Counter
	StateSizeBytes       prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		DocumentsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "ussl_documents_created_total",
			Help: "Total number of documents created",
		}),
		DocumentsDestroyed: f.NewCounter(prometheus.CounterOpts{
			Name: "ussl_documents_destroyed_total",
			Help: "Total number of documents destroyed by DEL, TTL expiry, or RESTORE replacement",
		}),
		MutationsApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "ussl_mutations_applied_total",
			Help: "Total number of mutations successfully applied",
		}),
		MutationErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "ussl_mutation_errors_total",
			Help: "Total number of mutations rejected with an error",
		}),
		DispatchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ussl_dispatch_latency_seconds",
			Help:    "Command dispatch latency distribution",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		CompactionsRun: f.NewCounter(prometheus.CounterOpts{
			Name: "ussl_compactions_total",
			Help: "Total number of document compactions run",
		}),
		TTLExpirations: f.NewCounter(prometheus.CounterOpts{
			Name: "ussl_ttl_expirations_total",
			Help: "Total number of documents destroyed by the TTL sweep",
		}),
		SubscriberQueueDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "ussl_subscriber_queue_drops_total",
			Help: "Total number of frames dropped from an overflowing subscriber queue",
		}),
		ActiveSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "ussl_active_subscribers",
			Help: "Number of distinct subscribed clients",
		}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "ussl_active_connections",
			Help: "Number of open client connections",
		}),
		StoreFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "ussl_store_failures_total",
			Help: "Total number of best-effort snapshot store failures",
		}),
		StateSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "ussl_state_size_bytes",
			Help: "Encoded snapshot size of the most recently mutated or compacted document",
		}),
	}
}
