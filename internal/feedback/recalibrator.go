// Package feedback turns analyst dispositions into bounded policy proposals.
package feedback

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// separationDeadband is the difference in TP/FP separation below which
// weights are left alone.
const separationDeadband = 0.02

// Stats summarizes the labeled sample a proposal was computed from.
type Stats struct {
	TruePositives      int
	FalsePositives     int
	Inconclusive       int
	FalsePositiveRate  float64
	FalseNegativeProxy float64
	RuleSeparation     float64 // mean rule score of TPs minus FPs, scaled to [-1,1]
	AnomalySeparation  float64 // same for anomaly scores
}

// Summarize computes the statistics used by Recalibrate.
func Summarize(labels []domain.Labeled, thresholds domain.Thresholds, nearMissMargin float64) Stats {
	var s Stats
	var tpRule, fpRule, tpAnom, fpAnom float64
	var tpAnomN, fpAnomN, nearMiss int

	for _, l := range labels {
		switch l.Disposition {
		case domain.DispositionTruePositive:
			s.TruePositives++
			tpRule += l.RuleScore
			if l.AnomalyScore >= 0 {
				tpAnom += l.AnomalyScore
				tpAnomN++
			}
			if l.RiskScore < thresholds.QueueReview+nearMissMargin {
				nearMiss++
			}
		case domain.DispositionFalsePositive:
			s.FalsePositives++
			fpRule += l.RuleScore
			if l.AnomalyScore >= 0 {
				fpAnom += l.AnomalyScore
				fpAnomN++
			}
		default:
			s.Inconclusive++
		}
	}

	if n := s.TruePositives + s.FalsePositives; n > 0 {
		s.FalsePositiveRate = float64(s.FalsePositives) / float64(n)
	}
	if s.TruePositives > 0 {
		s.FalseNegativeProxy = float64(nearMiss) / float64(s.TruePositives)
	}
	if s.TruePositives > 0 && s.FalsePositives > 0 {
		s.RuleSeparation = (tpRule/float64(s.TruePositives) - fpRule/float64(s.FalsePositives)) / 100
	}
	if tpAnomN > 0 && fpAnomN > 0 {
		s.AnomalySeparation = tpAnom/float64(tpAnomN) - fpAnom/float64(fpAnomN)
	}
	return s
}

// Recalibrate computes a proposal from resolved alerts. It never changes any
// active configuration; the proposal must be activated explicitly.
func Recalibrate(labels []domain.Labeled, current *domain.PolicyConfig, cfg domain.FeedbackConfig) *domain.Proposal {
	stats := Summarize(labels, current.Thresholds, cfg.NearMissMargin)
	samples := stats.TruePositives + stats.FalsePositives

	prop := &domain.Proposal{
		ID:                 uuid.New().String(),
		BaseVersion:        current.Version,
		Weights:            current.Weights,
		Thresholds:         current.Thresholds,
		Samples:            samples,
		FalsePositiveRate:  stats.FalsePositiveRate,
		FalseNegativeProxy: stats.FalseNegativeProxy,
		CreatedAt:          time.Now().UTC(),
	}

	if samples < cfg.MinSamples {
		prop.Reasons = append(prop.Reasons, fmt.Sprintf("insufficient samples: %d of %d required", samples, cfg.MinSamples))
		return prop
	}

	prop.Thresholds, prop.Reasons = adjustThresholds(current.Thresholds, stats, cfg, prop.Reasons)
	prop.Weights, prop.Reasons = adjustWeights(current.Weights, stats, cfg, prop.Reasons)
	prop.Changed = prop.Thresholds != current.Thresholds || prop.Weights != current.Weights
	if !prop.Changed {
		prop.Reasons = append(prop.Reasons, "policy within target band")
	}
	return prop
}

func adjustThresholds(t domain.Thresholds, s Stats, cfg domain.FeedbackConfig, reasons []string) (domain.Thresholds, []string) {
	var factor float64
	switch {
	case s.FalsePositiveRate > cfg.TargetFPRHigh:
		factor = 1 + math.Min(cfg.MaxRelativeChange, s.FalsePositiveRate-cfg.TargetFPRHigh)
		reasons = append(reasons, fmt.Sprintf("false positive rate %.2f above %.2f: raising thresholds", s.FalsePositiveRate, cfg.TargetFPRHigh))
	case s.FalsePositiveRate < cfg.TargetFPRLow && s.FalseNegativeProxy > cfg.FalseNegativeMax:
		factor = 1 - math.Min(cfg.MaxRelativeChange, cfg.TargetFPRLow-s.FalsePositiveRate)
		reasons = append(reasons, fmt.Sprintf("false positive rate %.2f below %.2f with near-miss share %.2f: lowering thresholds",
			s.FalsePositiveRate, cfg.TargetFPRLow, s.FalseNegativeProxy))
	default:
		return t, reasons
	}

	next := domain.Thresholds{
		QueueReview:     clampScore(t.QueueReview * factor),
		ImmediateReview: clampScore(t.ImmediateReview * factor),
		BlockEscalate:   clampScore(t.BlockEscalate * factor),
	}
	// Scaling preserves order; clamping can only make neighbours equal.
	if next.ImmediateReview < next.QueueReview {
		next.ImmediateReview = next.QueueReview
	}
	if next.BlockEscalate < next.ImmediateReview {
		next.BlockEscalate = next.ImmediateReview
	}
	return next, reasons
}

func adjustWeights(w domain.Weights, s Stats, cfg domain.FeedbackConfig, reasons []string) (domain.Weights, []string) {
	if s.TruePositives == 0 || s.FalsePositives == 0 {
		return w, reasons
	}
	gap := s.RuleSeparation - s.AnomalySeparation
	if math.Abs(gap) < separationDeadband {
		return w, reasons
	}

	// Each weight moves by at most MaxRelativeChange of itself, and the pair keeps its sum.
	maxShift := cfg.MaxRelativeChange * math.Min(w.Rule, w.Anomaly)
	shift := maxShift * math.Min(1, math.Abs(gap)/0.2)
	if shift <= 0 {
		return w, reasons
	}

	if gap > 0 {
		reasons = append(reasons, fmt.Sprintf("rule scores separate outcomes better (%.2f vs %.2f): shifting weight to rules", s.RuleSeparation, s.AnomalySeparation))
		return domain.Weights{Rule: w.Rule + shift, Anomaly: w.Anomaly - shift}, reasons
	}
	reasons = append(reasons, fmt.Sprintf("anomaly scores separate outcomes better (%.2f vs %.2f): shifting weight to anomaly", s.AnomalySeparation, s.RuleSeparation))
	return domain.Weights{Rule: w.Rule - shift, Anomaly: w.Anomaly + shift}, reasons
}

func clampScore(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
