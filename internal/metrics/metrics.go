package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontdoor_requests_total",
			Help: "Total number of query requests handled",
		},
		[]string{"workflow", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "frontdoor_request_duration_seconds",
			Help:    "End-to-end query latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"workflow", "cache_hit"},
	)

	RequestsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "frontdoor_requests_rejected_total",
			Help: "Requests rejected due to backpressure",
		},
	)

	RequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "frontdoor_requests_in_flight",
			Help: "Number of requests currently being processed",
		},
	)

	// Cache layer metrics
	CacheChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontdoor_cache_checks_total",
			Help: "Cache lookups per layer",
		},
		[]string{"layer"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontdoor_cache_hits_total",
			Help: "Cache hits per layer",
		},
		[]string{"layer"},
	)

	CacheSavingsUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontdoor_cache_savings_usd_total",
			Help: "Estimated USD saved by cache hits per layer",
		},
		[]string{"layer"},
	)

	CacheLookupLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "frontdoor_cache_lookup_latency_seconds",
			Help:    "Cache lookup latency per layer",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"layer"},
	)

	// Vector store metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontdoor_vector_search_total",
			Help: "Total number of vector index searches",
		},
		[]string{"index", "status"},
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "frontdoor_vector_search_latency_seconds",
			Help:    "Vector search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"index"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontdoor_store_errors_total",
			Help: "Vector store failures by operation",
		},
		[]string{"operation"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontdoor_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "frontdoor_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// Agent metrics
	AgentExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontdoor_agent_executions_total",
			Help: "Total number of agent executions",
		},
		[]string{"agent_id", "status"},
	)

	AgentExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "frontdoor_agent_execution_duration_ms",
			Help:    "Agent execution duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 20000, 45000},
		},
		[]string{"agent_id"},
	)

	// Cost metrics
	RequestCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "frontdoor_request_cost_usd",
			Help:    "Total LLM + embedding cost per request in USD",
			Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.5},
		},
	)

	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontdoor_pricing_fallback_total",
			Help: "Pricing lookups that fell back to the default tier",
		},
		[]string{"reason"},
	)

	// Memory service metrics
	MemoryOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontdoor_memory_operations_total",
			Help: "Memory service operations by type and status",
		},
		[]string{"operation", "status"},
	)
)

// RecordCacheCheck records one cache-layer lookup outcome.
func RecordCacheCheck(layer string, hit bool, latencySeconds, savedUSD float64) {
	CacheChecks.WithLabelValues(layer).Inc()
	if hit {
		CacheHits.WithLabelValues(layer).Inc()
	}
	if savedUSD > 0 {
		CacheSavingsUSD.WithLabelValues(layer).Add(savedUSD)
	}
	if latencySeconds > 0 {
		CacheLookupLatency.WithLabelValues(layer).Observe(latencySeconds)
	}
}

// RecordVectorSearch records a vector search attempt.
func RecordVectorSearch(index, status string, durationSeconds float64) {
	VectorSearches.WithLabelValues(index, status).Inc()
	if durationSeconds > 0 {
		VectorSearchLatency.WithLabelValues(index).Observe(durationSeconds)
	}
}

// RecordEmbedding records an embedding call.
func RecordEmbedding(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordAgentExecution records one agent run.
func RecordAgentExecution(agentID, status string, durationMs float64) {
	AgentExecutions.WithLabelValues(agentID, status).Inc()
	AgentExecutionDuration.WithLabelValues(agentID).Observe(durationMs)
}
