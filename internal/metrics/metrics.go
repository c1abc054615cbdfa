// Package metrics declares the process-wide Prometheus metric families,
// registered via promauto the way the teacher's metrics package does,
// renamed to this module's domain.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Embedding metrics (C1)
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftguard_embedding_requests_total",
			Help: "Total number of embedding requests by outcome",
		},
		[]string{"model", "status"}, // status: lru_hit, cache_hit, ok, batch_ok, error, empty
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftguard_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// Encoder metrics (C2/C3/C4)
	EncodeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftguard_encode_latency_seconds",
			Help:    "Slot/vector encode latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component"}, // intent, policy
	)

	EncodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftguard_encode_errors_total",
			Help: "Total number of encoder failures",
		},
		[]string{"component"},
	)

	// Drift metrics (C5)
	DriftScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driftguard_drift_score",
			Help:    "Per-call drift score",
			Buckets: []float64{0, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 1.5, 2},
		},
	)

	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "driftguard_sessions_created_total",
			Help: "Total number of agent sessions created",
		},
	)

	SessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "driftguard_sessions_expired_total",
			Help: "Total number of agent sessions removed by CleanupExpired",
		},
	)

	// Store soft-fail metrics (§7 STORE_SOFT_FAIL)
	StoreSoftFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftguard_store_soft_failures_total",
			Help: "Total number of store operations that failed soft (logged, swallowed)",
		},
		[]string{"store", "operation"},
	)

	// Policy store metrics (C6)
	PolicyWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftguard_policy_writes_total",
			Help: "Total number of policy create/update/delete operations by outcome",
		},
		[]string{"operation", "status"},
	)

	// Vector-index metrics (C6's anchor-payload store)
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftguard_vector_search_total",
			Help: "Total number of vector-index operations",
		},
		[]string{"collection", "status"},
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftguard_vector_search_latency_seconds",
			Help:    "Vector-index operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	// Decision-service RPC metrics (C8)
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftguard_rpc_requests_total",
			Help: "Total number of decision-service RPC calls",
		},
		[]string{"method", "status"},
	)

	RPCRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftguard_rpc_request_duration_seconds",
			Help:    "Decision-service RPC call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Cache metrics (C1)
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "driftguard_cache_hits_total",
			Help: "Total number of embedding cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "driftguard_cache_misses_total",
			Help: "Total number of embedding cache misses",
		},
	)

	// Orchestrator metrics (C7)
	EnforceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftguard_enforce_requests_total",
			Help: "Total number of enforcement requests by final decision",
		},
		[]string{"decision", "dry_run"},
	)

	EnforceLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driftguard_enforce_latency_seconds",
			Help:    "End-to-end enforcement request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// RecordEmbeddingMetrics records embedding request outcome metrics.
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordVectorSearchMetrics records vector-index operation metrics.
func RecordVectorSearchMetrics(collection, status string, durationSeconds float64) {
	VectorSearches.WithLabelValues(collection, status).Inc()
	if durationSeconds > 0 {
		VectorSearchLatency.WithLabelValues(collection).Observe(durationSeconds)
	}
}

// RecordRPCMetrics records a decision-service RPC outcome.
func RecordRPCMetrics(method, status string, durationSeconds float64) {
	RPCRequestsTotal.WithLabelValues(method, status).Inc()
	RPCRequestDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordStoreSoftFailure records a swallowed store error (§7 STORE_SOFT_FAIL).
func RecordStoreSoftFailure(store, operation string) {
	StoreSoftFailures.WithLabelValues(store, operation).Inc()
}

// RecordEncodeMetrics records encoder latency and, on failure, an error count.
func RecordEncodeMetrics(component string, durationSeconds float64, err error) {
	EncodeLatency.WithLabelValues(component).Observe(durationSeconds)
	if err != nil {
		EncodeErrors.WithLabelValues(component).Inc()
	}
}

// RecordEnforce records the outcome of one full enforcement request.
func RecordEnforce(decision string, dryRun bool, drift float64, durationSeconds float64) {
	dr := "false"
	if dryRun {
		dr = "true"
	}
	EnforceRequestsTotal.WithLabelValues(decision, dr).Inc()
	DriftScore.Observe(drift)
	EnforceLatency.Observe(durationSeconds)
}
