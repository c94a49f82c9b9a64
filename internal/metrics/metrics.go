// Package metrics exposes Prometheus metrics for the upload service.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Metrics holds all Prometheus metrics for the upload service.
type Metrics struct {
	// HTTP
	RequestsTotal   *prometheus.CounterVec   // uploads_http_requests_total{route,code}
	RequestDuration *prometheus.HistogramVec // uploads_http_request_duration_seconds{route}

	// Sessions
	SessionsCreated prometheus.Counter     // uploads_sessions_created_total
	SessionsExpired prometheus.Counter     // uploads_sessions_expired_total
	ChunksReceived  prometheus.Counter     // uploads_chunks_received_total
	ChunkBytes      prometheus.Counter     // uploads_chunk_bytes_total
	ChunksRejected  *prometheus.CounterVec // uploads_chunks_rejected_total{kind}

	// Commits
	Commits        *prometheus.CounterVec // uploads_commits_total{result}
	CommitDuration prometheus.Histogram   // uploads_commit_duration_seconds
	CommittedBytes prometheus.Counter     // uploads_committed_bytes_total
}

// Init registers the metrics with registry, or the default registerer when
// nil. Only the first call registers; later calls return the same instance.
func Init(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		factory := promauto.With(registry)

		metricsInstance = &Metrics{
			RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "uploads_http_requests_total",
				Help: "HTTP requests by route and status code",
			}, []string{"route", "code"}),

			RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "uploads_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"route"}),

			SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
				Name: "uploads_sessions_created_total",
				Help: "Upload sessions created",
			}),

			SessionsExpired: factory.NewCounter(prometheus.CounterOpts{
				Name: "uploads_sessions_expired_total",
				Help: "Upload sessions expired by the sweeper",
			}),

			ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
				Name: "uploads_chunks_received_total",
				Help: "Chunks accepted",
			}),

			ChunkBytes: factory.NewCounter(prometheus.CounterOpts{
				Name: "uploads_chunk_bytes_total",
				Help: "Bytes of accepted chunks",
			}),

			ChunksRejected: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "uploads_chunks_rejected_total",
				Help: "Chunks rejected by error kind",
			}, []string{"kind"}),

			Commits: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "uploads_commits_total",
				Help: "Commit attempts by result (stored, duplicate or an error kind)",
			}, []string{"result"}),

			CommitDuration: factory.NewHistogram(prometheus.HistogramOpts{
				Name:    "uploads_commit_duration_seconds",
				Help:    "Commit duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			}),

			CommittedBytes: factory.NewCounter(prometheus.CounterOpts{
				Name: "uploads_committed_bytes_total",
				Help: "Bytes of newly stored (non-duplicate) objects",
			}),
		}
	})

	return metricsInstance
}

// Get returns the metrics instance, or nil before Init
func Get() *Metrics {
	return metricsInstance
}

func (m *Metrics) RecordRequest(route, code string, durationSeconds float64) {
	m.RequestsTotal.WithLabelValues(route, code).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(durationSeconds)
}

func (m *Metrics) RecordChunk(bytes int64) {
	m.ChunksReceived.Inc()
	m.ChunkBytes.Add(float64(bytes))
}

func (m *Metrics) RecordChunkRejected(kind string) {
	m.ChunksRejected.WithLabelValues(kind).Inc()
}

// RecordCommit records a finished commit. result is "stored", "duplicate"
// or an error kind.
func (m *Metrics) RecordCommit(result string, durationSeconds float64, storedBytes int64) {
	m.Commits.WithLabelValues(result).Inc()
	m.CommitDuration.Observe(durationSeconds)
	if result == "stored" {
		m.CommittedBytes.Add(float64(storedBytes))
	}
}
