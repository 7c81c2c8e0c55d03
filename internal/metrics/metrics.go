// Package metrics holds the Prometheus instruments for the backend. A
// Collector owns its own registry so tests and the daemon never fight over
// global registration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Breaker states as gauge values.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// Projection event outcomes.
const (
	OutcomeApplied      = "applied"
	OutcomeSkipped      = "skipped"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
)

// Extraction page outcomes.
const (
	PageCompleted = "completed"
	PageRequeued  = "requeued"
	PageFailed    = "failed"
)

// Collector holds all Prometheus metrics for the application.
type Collector struct {
	registry *prometheus.Registry

	// Event store metrics
	EventsAppended *prometheus.CounterVec

	// Outbox metrics
	OutboxPublished prometheus.Counter
	OutboxFailed    prometheus.Counter
	OutboxPending   prometheus.Gauge

	// Projection metrics
	ProjectionEvents *prometheus.CounterVec
	ProjectionLag    *prometheus.GaugeVec

	// Extraction metrics
	PagesExtracted *prometheus.CounterVec

	// LLM and embedding metrics
	LLMCalls             *prometheus.CounterVec
	LLMDuration          *prometheus.HistogramVec
	BreakerState         *prometheus.GaugeVec
	EmbeddingCacheHits   prometheus.Counter
	EmbeddingCacheMisses prometheus.Counter

	// Consolidation metrics
	CandidatesScored prometheus.Counter
	MergesPerformed  prometheus.Counter
	ReviewsQueued    prometheus.Counter
}

// NewCollector creates a metrics collector backed by a fresh registry.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	eventsAppended := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Total number of events appended to the store",
		},
		[]string{"aggregate_type"},
	)

	outboxPublished := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Total number of outbox entries published",
		},
	)

	outboxFailed := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_failed_total",
			Help:      "Total number of outbox publish failures",
		},
	)

	outboxPending := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending",
			Help:      "Number of outbox entries awaiting publication",
		},
	)

	projectionEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projection_events_total",
			Help:      "Events handled by projections, by outcome",
		},
		[]string{"projection", "outcome"},
	)

	projectionLag := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "projection_lag",
			Help:      "Events between the head of the log and the projection checkpoint",
		},
		[]string{"projection"},
	)

	pagesExtracted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_extracted_total",
			Help:      "Pages run through the extraction pipeline, by outcome",
		},
		[]string{"outcome"},
	)

	llmCalls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "LLM and embedding provider calls, by outcome",
		},
		[]string{"provider", "operation", "outcome"},
	)

	llmDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_call_duration_seconds",
			Help:      "LLM and embedding provider call duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "operation"},
	)

	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"breaker"},
	)

	embeddingCacheHits := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_hits_total",
			Help:      "Total number of embedding cache hits",
		},
	)

	embeddingCacheMisses := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_misses_total",
			Help:      "Total number of embedding cache misses",
		},
	)

	candidatesScored := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidation_candidates_scored_total",
			Help:      "Total number of candidate pairs scored",
		},
	)

	mergesPerformed := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidation_merges_total",
			Help:      "Total number of entity merges performed",
		},
	)

	reviewsQueued := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidation_reviews_queued_total",
			Help:      "Total number of pairs queued for review",
		},
	)

	registry.MustRegister(
		eventsAppended,
		outboxPublished,
		outboxFailed,
		outboxPending,
		projectionEvents,
		projectionLag,
		pagesExtracted,
		llmCalls,
		llmDuration,
		breakerState,
		embeddingCacheHits,
		embeddingCacheMisses,
		candidatesScored,
		mergesPerformed,
		reviewsQueued,
	)

	return &Collector{
		registry:             registry,
		EventsAppended:       eventsAppended,
		OutboxPublished:      outboxPublished,
		OutboxFailed:         outboxFailed,
		OutboxPending:        outboxPending,
		ProjectionEvents:     projectionEvents,
		ProjectionLag:        projectionLag,
		PagesExtracted:       pagesExtracted,
		LLMCalls:             llmCalls,
		LLMDuration:          llmDuration,
		BreakerState:         breakerState,
		EmbeddingCacheHits:   embeddingCacheHits,
		EmbeddingCacheMisses: embeddingCacheMisses,
		CandidatesScored:     candidatesScored,
		MergesPerformed:      mergesPerformed,
		ReviewsQueued:        reviewsQueued,
	}
}

// Registry returns the Prometheus registry backing this collector, for the
// ops server's /metrics handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
