// Package metrics exposes prometheus instrumentation for replication, the
// cloud read cache and the document server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Provider interface {
	IncRequestsTotal(endpoint string, status int)
	ObserveRequestDuration(endpoint string, duration time.Duration)
	IncReplicationBatches(direction string)
	AddDocumentsReplicated(direction string, count int)
	IncSyncErrors(class string)
	SetSyncActive(active bool)
	IncCacheHits()
	IncCacheMisses()
	Handler() http.Handler
}

type PrometheusProvider struct {
	registry            *prometheus.Registry
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	replicationBatches  *prometheus.CounterVec
	documentsReplicated *prometheus.CounterVec
	syncErrors          *prometheus.CounterVec
	syncActive          prometheus.Gauge
	cacheHits           prometheus.Counter
	cacheMisses         prometheus.Counter
}

// NewProvider returns a prometheus-backed provider on its own registry, or a
// no-op provider when metrics are disabled.
func NewProvider(enabled bool) Provider {
	if !enabled {
		return &noopMetrics{}
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &PrometheusProvider{
		registry: registry,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "timetracker_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"endpoint", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "timetracker_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),

		replicationBatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "timetracker_replication_batches_total",
			Help: "Replication batches transferred per direction",
		}, []string{"direction"}),

		documentsReplicated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "timetracker_replication_documents_total",
			Help: "Documents transferred per direction",
		}, []string{"direction"}),

		syncErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "timetracker_sync_errors_total",
			Help: "Replication errors per class",
		}, []string{"class"}),

		syncActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "timetracker_sync_active",
			Help: "1 while replication is transferring documents",
		}),

		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "timetracker_cache_hits_total",
			Help: "Total number of read cache hits",
		}),

		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "timetracker_cache_misses_total",
			Help: "Total number of read cache misses",
		}),
	}
}

func (m *PrometheusProvider) IncRequestsTotal(endpoint string, status int) {
	m.requestsTotal.WithLabelValues(endpoint, httpStatusBucket(status)).Inc()
}

func (m *PrometheusProvider) ObserveRequestDuration(endpoint string, duration time.Duration) {
	m.requestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *PrometheusProvider) IncReplicationBatches(direction string) {
	m.replicationBatches.WithLabelValues(direction).Inc()
}

func (m *PrometheusProvider) AddDocumentsReplicated(direction string, count int) {
	m.documentsReplicated.WithLabelValues(direction).Add(float64(count))
}

func (m *PrometheusProvider) IncSyncErrors(class string) {
	m.syncErrors.WithLabelValues(class).Inc()
}

func (m *PrometheusProvider) SetSyncActive(active bool) {
	if active {
		m.syncActive.Set(1)
		return
	}
	m.syncActive.Set(0)
}

func (m *PrometheusProvider) IncCacheHits() {
	m.cacheHits.Inc()
}

func (m *PrometheusProvider) IncCacheMisses() {
	m.cacheMisses.Inc()
}

// Handler serves the registry in the prometheus exposition format.
func (m *PrometheusProvider) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *PrometheusProvider) Registry() *prometheus.Registry {
	return m.registry
}

func httpStatusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// noopMetrics is a no-op implementation for when metrics are disabled.
type noopMetrics struct{}

func (n *noopMetrics) IncRequestsTotal(_ string, _ int)                 {}
func (n *noopMetrics) ObserveRequestDuration(_ string, _ time.Duration) {}
func (n *noopMetrics) IncReplicationBatches(_ string)                   {}
func (n *noopMetrics) AddDocumentsReplicated(_ string, _ int)           {}
func (n *noopMetrics) IncSyncErrors(_ string)                           {}
func (n *noopMetrics) SetSyncActive(_ bool)                             {}
func (n *noopMetrics) IncCacheHits()                                    {}
func (n *noopMetrics) IncCacheMisses()                                  {}
func (n *noopMetrics) Handler() http.Handler                            { return http.NotFoundHandler() }
