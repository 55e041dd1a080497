// Package metrics exposes Prometheus instrumentation for the knowledge
// graph store. All metrics share the kg_ prefix and are registered on
// the default registry via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EpisodesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kg_episodes_ingested_total",
		Help: "Total number of episodes ingested by channel and final status",
	}, []string{"channel", "status"})

	EpisodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kg_episode_duration_seconds",
		Help:    "End-to-end processing duration of a single episode",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"channel"})

	FactOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kg_fact_outcomes_total",
		Help: "Total number of fact writes by temporal outcome",
	}, []string{"outcome"})

	ResolutionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kg_resolution_decisions_total",
		Help: "Total number of entity resolution decisions by kind",
	}, []string{"kind"})

	ExtractionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kg_extraction_requests_total",
		Help: "Total number of extraction model calls",
	}, []string{"model", "status"})

	ExtractionRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kg_extraction_repairs_total",
		Help: "Total number of extraction payloads that needed JSON repair",
	})

	EmbeddingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kg_embedding_requests_total",
		Help: "Total number of embedding batches by provider and status",
	}, []string{"provider", "status"})

	EmbeddingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kg_embedding_latency_seconds",
		Help:    "Latency of embedding batches by provider",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"provider"})

	EmbeddingFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kg_embedding_fallbacks_total",
		Help: "Total number of embedding fallback events",
	}, []string{"from_provider", "to_provider"})

	EmbeddingBreakerOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kg_embedding_breaker_opens_total",
		Help: "Total number of times the embedding circuit breaker opened",
	}, []string{"provider"})

	EmbeddingBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kg_embedding_breaker_state",
		Help: "Current state of the embedding circuit breaker (0=closed, 1=open)",
	}, []string{"provider"})

	RetrievalRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kg_retrieval_requests_total",
		Help: "Total number of retrieval queries by status",
	}, []string{"status"})

	RetrievalStageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kg_retrieval_stage_latency_seconds",
		Help:    "Latency of retrieval pipeline stages",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 3},
	}, []string{"stage"})

	QueueMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kg_queue_messages_total",
		Help: "Total number of queue messages by queue and disposition",
	}, []string{"queue", "status"})

	QueueRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kg_queue_retries_total",
		Help: "Total number of messages republished to a retry queue",
	}, []string{"queue"})

	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kg_lock_acquisitions_total",
		Help: "Total number of lease lock acquisition attempts by outcome",
	}, []string{"status"})
)
