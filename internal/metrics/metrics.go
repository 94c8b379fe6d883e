// Package metrics holds the service's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChatRequests counts finished chat requests by outcome:
	// completed, validation_failed, generation_failed, persist_failed.
	ChatRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wikichat_chat_requests_total",
		Help: "Chat requests by final outcome.",
	}, []string{"outcome"})

	StageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wikichat_stage_failures_total",
		Help: "Pipeline failures by stage.",
	}, []string{"stage"})

	// KnowledgeLookups outcomes: found, not_found, error.
	KnowledgeLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wikichat_knowledge_lookups_total",
		Help: "Knowledge retrieval attempts by outcome.",
	}, []string{"outcome"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wikichat_provider_request_seconds",
		Help:    "Generation call latency by provider.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	TurnsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wikichat_turns_persisted_total",
		Help: "Conversation turns written to the store.",
	})

	// JobsProcessed statuses: succeeded, failed, retried.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wikichat_jobs_processed_total",
		Help: "Async generation jobs by terminal status.",
	}, []string{"status"})
)
