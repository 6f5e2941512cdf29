// Package metrics provides Prometheus metrics for PharmaQ: counters, gauges,
// and histograms for jobs, tasks, the queue, the rate limiter, and the result
// cache.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Jobs ───────────────────────────────────────────────────────────────────

// JobsSubmitted tracks accepted job submissions.
var JobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pharmaq",
	Name:      "jobs_submitted_total",
	Help:      "Total jobs accepted for execution.",
})

// JobsCompleted tracks jobs that reached a terminal state, by status.
var JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pharmaq",
	Name:      "jobs_completed_total",
	Help:      "Total jobs that reached a terminal state.",
}, []string{"status"})

// JobDuration tracks wall-clock job duration from start to terminal state.
var JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "pharmaq",
	Name:      "job_duration_seconds",
	Help:      "Job duration from execution start to terminal state.",
	Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
})

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TasksExecuted tracks task attempts by agent role and outcome.
var TasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pharmaq",
	Name:      "tasks_executed_total",
	Help:      "Total task execution attempts by role and outcome.",
}, []string{"role", "outcome"})

// TaskRetries tracks redeliveries after a retryable failure.
var TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pharmaq",
	Name:      "task_retries_total",
	Help:      "Total task redeliveries after retryable failures.",
}, []string{"role"})

// TaskDuration tracks per-attempt agent execution time.
var TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "pharmaq",
	Name:      "task_duration_seconds",
	Help:      "Agent execution duration per attempt.",
	Buckets:   prometheus.DefBuckets,
}, []string{"role"})

// DeadLetters tracks tasks parked after exhausting their retry budget.
var DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pharmaq",
	Name:      "dead_letters_total",
	Help:      "Total tasks parked after exhausting retries.",
}, []string{"role"})

// ─── Queue ──────────────────────────────────────────────────────────────────

// QueueDepth tracks tasks waiting for a worker.
var QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "pharmaq",
	Name:      "queue_depth",
	Help:      "Tasks ready or delayed, waiting for a worker.",
})

// TasksInFlight tracks tasks currently held by workers.
var TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "pharmaq",
	Name:      "tasks_in_flight",
	Help:      "Tasks currently being executed.",
})

// ─── Rate Limiter ───────────────────────────────────────────────────────────

// RateLimitDenials tracks executions deferred by the rate limiter.
var RateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pharmaq",
	Name:      "rate_limit_denials_total",
	Help:      "Total executions deferred by the rate limiter.",
}, []string{"scope"})

// ─── Result Cache ───────────────────────────────────────────────────────────

// CacheHits tracks result cache hits.
var CacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pharmaq",
	Name:      "cache_hits_total",
	Help:      "Total result cache hits.",
})

// CacheMisses tracks result cache misses.
var CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pharmaq",
	Name:      "cache_misses_total",
	Help:      "Total result cache misses.",
})

// ─── Events ─────────────────────────────────────────────────────────────────

// EventsPublished tracks events published to the bus by topic.
var EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pharmaq",
	Name:      "events_published_total",
	Help:      "Total events published by topic.",
}, []string{"topic"})
