// Package decision fuses rule and anomaly scores into a risk score and routes it.
package decision

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// OverrideCriticalRule prefixes ScoreResult.Override when a critical rule forced the decision.
const OverrideCriticalRule = "critical_rule:"

// Fuse combines the rule score (0..100) and anomaly score (0..1) into a risk
// score in [0,100]. An unknown anomaly score leaves the rule score alone.
func Fuse(ruleScore, anomalyScore float64, w domain.Weights) float64 {
	ruleScore = clamp(ruleScore, 0, 100)
	if anomalyScore < 0 || math.IsNaN(anomalyScore) {
		return ruleScore
	}
	total := w.Rule + w.Anomaly
	if total <= 0 {
		return ruleScore
	}
	risk := (w.Rule*ruleScore + w.Anomaly*clamp(anomalyScore, 0, 1)*100) / total
	return clamp(risk, 0, 100)
}

// Decide maps a risk score to a decision. Threshold boundaries are inclusive.
func Decide(riskScore float64, t domain.Thresholds) domain.Decision {
	switch {
	case riskScore >= t.BlockEscalate:
		return domain.DecisionBlockEscalate
	case riskScore >= t.ImmediateReview:
		return domain.DecisionImmediateReview
	case riskScore >= t.QueueReview:
		return domain.DecisionQueueReview
	default:
		return domain.DecisionAutoApprove
	}
}

// Input contains all data needed for a decision.
type Input struct {
	Event           *domain.PaymentEvent
	Rules           domain.RuleOutcome
	AnomalyScore    float64 // domain.AnomalyUnknown if the scorer did not answer
	Policy          *domain.PolicyConfig
	DegradedReasons []string
	StartTime       time.Time
}

// Process fuses, decides and applies the critical-rule override, producing the
// event's ScoreResult.
func Process(in *Input) *domain.ScoreResult {
	now := time.Now().UTC()
	policy := in.Policy
	if policy == nil {
		policy = &domain.PolicyConfig{Weights: domain.DefaultWeights(), Thresholds: domain.DefaultThresholds()}
	}

	res := &domain.ScoreResult{
		ID:             uuid.New().String(),
		EventID:        in.Event.ID,
		EventTimestamp: in.Event.Timestamp,
		RuleScore:      in.Rules.Score,
		AnomalyScore:   in.AnomalyScore,
		TriggeredRules: in.Rules.Triggered,
		CriticalRules:  in.Rules.Critical,
		RuleSetVersion: in.Rules.Version,
		PolicyVersion:  policy.Version,
		ScoredAt:       now,
	}
	if res.TriggeredRules == nil {
		res.TriggeredRules = []string{}
	}

	res.RiskScore = Fuse(in.Rules.Score, in.AnomalyScore, policy.Weights)
	res.Decision = Decide(res.RiskScore, policy.Thresholds)

	if len(in.Rules.Critical) > 0 {
		res.Decision = domain.DecisionBlockEscalate
		res.Override = OverrideCriticalRule + strings.Join(in.Rules.Critical, ",")
	}

	if len(in.DegradedReasons) > 0 {
		res.Degraded = true
		res.DegradedReasons = append([]string(nil), in.DegradedReasons...)
	}

	if !in.StartTime.IsZero() {
		res.LatencyMs = now.Sub(in.StartTime).Milliseconds()
	}
	return res
}

// Reasons extracts human-readable reasons for the triggered rules.
func Reasons(out domain.RuleOutcome) []string {
	var reasons []string
	for _, r := range out.Results {
		if r.Triggered && r.Reason != "" {
			reasons = append(reasons, r.Reason)
		}
	}
	return reasons
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case math.IsNaN(v) || v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
