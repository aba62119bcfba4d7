package domain

import (
	"time"
)

// Decision is the routing category assigned to a scored payment.
type Decision string

const (
	DecisionAutoApprove     Decision = "AUTO_APPROVE"
	DecisionQueueReview     Decision = "QUEUE_REVIEW"
	DecisionImmediateReview Decision = "IMMEDIATE_REVIEW"
	DecisionBlockEscalate   Decision = "BLOCK_ESCALATE"
)

// Rank orders decisions by severity, AUTO_APPROVE lowest.
func (d Decision) Rank() int {
	switch d {
	case DecisionQueueReview:
		return 1
	case DecisionImmediateReview:
		return 2
	case DecisionBlockEscalate:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether d is as severe as other.
func (d Decision) AtLeast(other Decision) bool {
	return d.Rank() >= other.Rank()
}

// RequiresReview reports whether the decision puts the event on the alert queue.
func (d Decision) RequiresReview() bool {
	return d.AtLeast(DecisionQueueReview)
}

// AnomalyUnknown is the anomaly score of an event the scorer did not answer for.
// It lies outside [0,1]; use ScoreResult.AnomalyKnown rather than comparing to zero.
const AnomalyUnknown = -1.0

// Degraded reasons recorded on a ScoreResult.
const (
	DegradedAnomalyTimeout = "anomaly_timeout"
	DegradedAnomalyError   = "anomaly_error"
	DegradedProfileStore   = "profile_store_unavailable"
	DegradedRuleEvaluation = "rule_evaluation_error"
)

// ScoreResult is the engine's single, immutable verdict for one PaymentEvent.
type ScoreResult struct {
	ID              string    `json:"id"`
	EventID         string    `json:"eventId"`
	EventTimestamp  time.Time `json:"eventTimestamp"`
	RuleScore       float64   `json:"ruleScore"`
	AnomalyScore    float64   `json:"anomalyScore"`
	RiskScore       float64   `json:"riskScore"`
	Decision        Decision  `json:"decision"`
	TriggeredRules  []string  `json:"triggeredRules"`
	CriticalRules   []string  `json:"criticalRules,omitempty"`
	Override        string    `json:"override,omitempty"`
	Degraded        bool      `json:"degraded"`
	DegradedReasons []string  `json:"degradedReasons,omitempty"`
	RuleSetVersion  uint64    `json:"ruleSetVersion"`
	PolicyVersion   int64     `json:"policyVersion"`
	ScoredAt        time.Time `json:"scoredAt"`
	LatencyMs       int64     `json:"latencyMs"`
}

// AnomalyKnown reports whether the anomaly scorer produced a value.
func (r *ScoreResult) AnomalyKnown() bool {
	return r.AnomalyScore >= 0
}
