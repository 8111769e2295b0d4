// Package metrics defines custom Prometheus metrics for chunkrelay.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for body and artifact size histograms (bytes).
var sizeBuckets = []float64{1024, 16384, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkrelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chunkrelay_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chunkrelay_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Upload pipeline metrics.
var (
	// ChunksReceivedTotal counts chunk writes by result ("staged", "rejected", "failed").
	ChunksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkrelay_chunks_received_total",
			Help: "Chunk arrivals by result",
		},
		[]string{"result"},
	)

	// ChunkBytesTotal counts payload bytes durably staged.
	ChunkBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chunkrelay_chunk_bytes_total",
			Help: "Total chunk payload bytes staged",
		},
	)

	// UploadsCompletedTotal counts completion transitions.
	UploadsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chunkrelay_uploads_completed_total",
			Help: "Uploads whose chunk set became complete",
		},
	)

	// ReassembliesTotal counts reassembly attempts by result ("success", "missing_chunk", "error").
	ReassembliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkrelay_reassemblies_total",
			Help: "Reassembly attempts by result",
		},
		[]string{"result"},
	)

	// ArtifactSize observes the size of reassembled artifacts.
	ArtifactSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chunkrelay_artifact_size_bytes",
			Help:    "Reassembled artifact size in bytes",
			Buckets: sizeBuckets,
		},
	)

	// PublishTotal counts publish attempts by backend and result ("success", "error", "timeout").
	PublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkrelay_publish_total",
			Help: "Publish attempts by backend and result",
		},
		[]string{"backend", "result"},
	)

	// PublishDuration observes publish latency in seconds.
	PublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chunkrelay_publish_duration_seconds",
			Help:    "Publish latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"backend"},
	)

	// AnomaliesTotal counts uploads with more distinct chunks staged than expected.
	AnomaliesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chunkrelay_anomalies_total",
			Help: "Uploads with extraneous staged chunks",
		},
	)

	// ReapedChunksTotal counts chunks removed by the reaper.
	ReapedChunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chunkrelay_reaped_chunks_total",
			Help: "Stale chunks removed by the reaper",
		},
	)

	// TrackedUploads is the number of uploads the ledger currently tracks.
	TrackedUploads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chunkrelay_tracked_uploads",
			Help: "Uploads tracked by the ledger, tombstones included",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			ChunksReceivedTotal,
			ChunkBytesTotal,
			UploadsCompletedTotal,
			ReassembliesTotal,
			ArtifactSize,
			PublishTotal,
			PublishDuration,
			AnomaliesTotal,
			ReapedChunksTotal,
			TrackedUploads,
		)
		// Initialize the chunk counter so it appears in /metrics output
		// before the first upload.
		ChunksReceivedTotal.WithLabelValues("staged")
	})
}

// NormalizePath maps actual request paths to route templates suitable for
// Prometheus labels, so upload ids never become label values.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/metrics", "/upload", "/upload-chunk", "/openapi.json", "/openapi.yaml":
		return path
	case "/docs", "/docs/":
		return "/docs"
	case "/", "":
		return "/"
	}

	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	if rest, ok := strings.CutPrefix(path, "/uploads/"); ok && rest != "" {
		if strings.HasSuffix(rest, "/publish") {
			return "/uploads/{uploadId}/publish"
		}
		return "/uploads/{uploadId}"
	}
	return "/{other}"
}
