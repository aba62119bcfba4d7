// Package metrics exposes Kestrel's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsScored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_events_scored_total",
		Help: "Total number of payment events scored, labelled by decision.",
	}, []string{"decision"})

	DegradedResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_degraded_results_total",
		Help: "Total number of score results marked degraded, labelled by reason.",
	}, []string{"reason"})

	CriticalOverrides = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_critical_overrides_total",
		Help: "Total number of decisions forced to BLOCK_ESCALATE by a critical rule.",
	})

	DuplicateSubmissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_duplicate_submissions_total",
		Help: "Total number of submissions answered from an existing score result.",
	})

	ScoringDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kestrel_scoring_duration_ms",
		Help:    "End-to-end scoring latency in milliseconds.",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	})

	AnomalyTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_anomaly_timeouts_total",
		Help: "Total number of anomaly scorer calls that exceeded their budget.",
	})

	RuleConfigErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_rule_config_errors_total",
		Help: "Total number of rule definitions disabled at load time.",
	})

	RulePanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_rule_panics_total",
		Help: "Total number of rule predicates that panicked during evaluation.",
	})

	RuleSetVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kestrel_rule_set_version",
		Help: "Version of the active rule set.",
	})

	PolicyVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kestrel_policy_version",
		Help: "Version of the active fusion and decision policy.",
	})

	AlertsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_alerts_enqueued_total",
		Help: "Total number of alerts placed on the review queue.",
	})

	AlertsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kestrel_alerts_pending",
		Help: "Number of alerts waiting to be claimed.",
	})

	AlertsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_alerts_resolved_total",
		Help: "Total number of alerts resolved, labelled by disposition.",
	}, []string{"disposition"})

	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_claim_conflicts_total",
		Help: "Total number of alert claims rejected because another analyst holds the alert.",
	})

	Recalibrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_recalibrations_total",
		Help: "Total number of recalibration runs, labelled by outcome.",
	}, []string{"outcome"})

	ProfileUpdateErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_profile_update_errors_total",
		Help: "Total number of profile updates that could not be scheduled.",
	})

	IngestQueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kestrel_ingest_queue_utilization_ratio",
		Help: "Current streaming ingest queue utilization (0-1).",
	})

	IngestRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_ingest_rejected_total",
		Help: "Total number of ingest messages that could not be decoded or scored.",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kestrel_http_request_duration_ms",
		Help:    "HTTP request latency in milliseconds, labelled by method, route and status.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"method", "route", "status"})
)
