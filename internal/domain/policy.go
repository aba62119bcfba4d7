package domain

import (
	"fmt"
	"time"
)

// Weights are the fusion weights applied to the rule and anomaly components.
type Weights struct {
	Rule    float64 `json:"rule"`
	Anomaly float64 `json:"anomaly"`
}

// Thresholds are the risk score boundaries (inclusive lower bounds) of each decision.
type Thresholds struct {
	QueueReview     float64 `json:"queueReview"`
	ImmediateReview float64 `json:"immediateReview"`
	BlockEscalate   float64 `json:"blockEscalate"`
}

// DefaultWeights favor the anomaly component because it adapts to novel patterns.
func DefaultWeights() Weights {
	return Weights{Rule: 0.4, Anomaly: 0.6}
}

// DefaultThresholds returns the shipped decision boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{QueueReview: 40, ImmediateReview: 65, BlockEscalate: 85}
}

// Validate checks the weights can be used for fusion.
func (w Weights) Validate() error {
	if w.Rule < 0 || w.Anomaly < 0 {
		return fmt.Errorf("%w: weights must be non-negative", ErrInvalidPolicy)
	}
	if w.Rule+w.Anomaly <= 0 {
		return fmt.Errorf("%w: weights must not both be zero", ErrInvalidPolicy)
	}
	return nil
}

// Validate checks the thresholds are in range and monotonic.
func (t Thresholds) Validate() error {
	for _, v := range []float64{t.QueueReview, t.ImmediateReview, t.BlockEscalate} {
		if v < 0 || v > 100 {
			return fmt.Errorf("%w: thresholds must be within [0,100]", ErrInvalidPolicy)
		}
	}
	if t.QueueReview > t.ImmediateReview || t.ImmediateReview > t.BlockEscalate {
		return fmt.Errorf("%w: thresholds must satisfy queueReview <= immediateReview <= blockEscalate", ErrInvalidPolicy)
	}
	return nil
}

// PolicyConfig is one activated version of the fusion and decision configuration.
type PolicyConfig struct {
	Version     int64      `json:"version"`
	Weights     Weights    `json:"weights"`
	Thresholds  Thresholds `json:"thresholds"`
	Source      string     `json:"source"` // "default", "operator", or "proposal:<id>"
	ActivatedAt time.Time  `json:"activatedAt"`
}

// Proposal is a recalibration result waiting for explicit activation.
type Proposal struct {
	ID                 string     `json:"id"`
	BaseVersion        int64      `json:"baseVersion"`
	Weights            Weights    `json:"weights"`
	Thresholds         Thresholds `json:"thresholds"`
	Samples            int        `json:"samples"`
	FalsePositiveRate  float64    `json:"falsePositiveRate"`
	FalseNegativeProxy float64    `json:"falseNegativeProxy"`
	Changed            bool       `json:"changed"`
	Reasons            []string   `json:"reasons,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}
