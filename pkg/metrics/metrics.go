// Package metrics exposes the Prometheus instrumentation for the four core
// components: rate limiter, job scheduler, automation engine, worker
// registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// --- Job scheduler metrics ---

	JobsScheduled = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "adengine",
		Subsystem: "jobs",
		Name:      "scheduled",
		Help:      "Number of jobs currently in the scheduled set",
	})

	JobsProcessing = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "adengine",
		Subsystem: "jobs",
		Name:      "processing",
		Help:      "Number of jobs currently claimed and in flight",
	})

	JobsOverdue = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "adengine",
		Subsystem: "jobs",
		Name:      "overdue",
		Help:      "Number of scheduled jobs more than 5 minutes past due",
	})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adengine",
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Total jobs completed by outcome",
	}, []string{"outcome"})

	JobsStuckRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "adengine",
		Subsystem: "jobs",
		Name:      "stuck_recovered_total",
		Help:      "Total jobs moved back to scheduled by the recovery sweep",
	})

	SchedulerLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "adengine",
		Subsystem: "scheduler",
		Name:      "claim_lag_seconds",
		Help:      "Delay between a job's scheduled_at and its claim time",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	// --- Rate limiter metrics ---

	RateLimitChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adengine",
		Subsystem: "ratelimit",
		Name:      "checks_total",
		Help:      "Total rate-limit checks by service and outcome",
	}, []string{"service", "outcome"})

	RateLimitBackoffActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "adengine",
		Subsystem: "ratelimit",
		Name:      "backoff_active",
		Help:      "1 if a backoff-until deadline is currently set for service/endpoint",
	}, []string{"service", "endpoint"})

	// --- Automation engine metrics ---

	RuleExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adengine",
		Subsystem: "engine",
		Name:      "rule_executions_total",
		Help:      "Total rule executions by success/failure",
	}, []string{"outcome"})

	ConditionsEvaluated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "adengine",
		Subsystem: "engine",
		Name:      "conditions_evaluated_total",
		Help:      "Total weather conditions evaluated across all rules",
	})

	ActionsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adengine",
		Subsystem: "engine",
		Name:      "actions_dispatched_total",
		Help:      "Total ad-set actions dispatched by platform and outcome",
	}, []string{"platform", "outcome"})

	WeatherCalls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "adengine",
		Subsystem: "engine",
		Name:      "weather_calls_total",
		Help:      "Total weather API calls issued (including retried attempts)",
	})

	RuleExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "adengine",
		Subsystem: "engine",
		Name:      "rule_execution_duration_seconds",
		Help:      "Wall-clock duration of a single rule evaluation pipeline",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	})

	// --- Worker registry metrics ---

	WorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "adengine",
		Subsystem: "workers",
		Name:      "active",
		Help:      "Number of workers that have heartbeated recently",
	})

	HeartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "adengine",
		Subsystem: "workers",
		Name:      "heartbeats_total",
		Help:      "Total heartbeats sent by this worker",
	})

	CurrentJobsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "adengine",
		Subsystem: "workers",
		Name:      "current_jobs",
		Help:      "Number of jobs this worker is currently processing",
	})
)

// RecordRuleExecution records a completed rule evaluation.
func RecordRuleExecution(success bool, durationSeconds float64) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	RuleExecutions.WithLabelValues(outcome).Inc()
	RuleExecutionDuration.Observe(durationSeconds)
}

// RecordAction records the outcome of a single platform action dispatch.
func RecordAction(platform string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	ActionsDispatched.WithLabelValues(platform, outcome).Inc()
}

// RecordJobCompletion records a job reaching a terminal per-attempt outcome.
func RecordJobCompletion(outcome string) {
	JobsCompleted.WithLabelValues(outcome).Inc()
}
