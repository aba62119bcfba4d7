package feedback

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func policy() *domain.PolicyConfig {
	return &domain.PolicyConfig{Version: 4, Weights: domain.DefaultWeights(), Thresholds: domain.DefaultThresholds()}
}

// labels builds tp true positives and fp false positives with the given scores.
func labels(tp, fp int, tpRule, tpAnom, fpRule, fpAnom, risk float64) []domain.Labeled {
	var out []domain.Labeled
	for i := 0; i < tp; i++ {
		out = append(out, domain.Labeled{
			AlertID: fmt.Sprintf("tp-%d", i), RuleScore: tpRule, AnomalyScore: tpAnom, RiskScore: risk,
			Disposition: domain.DispositionTruePositive,
		})
	}
	for i := 0; i < fp; i++ {
		out = append(out, domain.Labeled{
			AlertID: fmt.Sprintf("fp-%d", i), RuleScore: fpRule, AnomalyScore: fpAnom, RiskScore: risk,
			Disposition: domain.DispositionFalsePositive,
		})
	}
	return out
}

func assertBounded(t *testing.T, after *domain.Proposal, base *domain.PolicyConfig, maxRel float64) {
	t.Helper()
	rel := func(a, b float64) float64 {
		if a == 0 {
			return 0
		}
		return math.Abs(b-a) / a
	}
	assert.LessOrEqual(t, rel(base.Thresholds.QueueReview, after.Thresholds.QueueReview), maxRel+1e-9)
	assert.LessOrEqual(t, rel(base.Thresholds.ImmediateReview, after.Thresholds.ImmediateReview), maxRel+1e-9)
	assert.LessOrEqual(t, rel(base.Thresholds.BlockEscalate, after.Thresholds.BlockEscalate), maxRel+1e-9)
	assert.LessOrEqual(t, rel(base.Weights.Rule, after.Weights.Rule), maxRel+1e-9)
	assert.LessOrEqual(t, rel(base.Weights.Anomaly, after.Weights.Anomaly), maxRel+1e-9)
	assert.InDelta(t, base.Weights.Rule+base.Weights.Anomaly, after.Weights.Rule+after.Weights.Anomaly, 1e-9)
	require.NoError(t, after.Thresholds.Validate())
	require.NoError(t, after.Weights.Validate())
}

func TestRecalibrate_InsufficientSamples(t *testing.T) {
	cfg := domain.DefaultFeedbackConfig()
	in := labels(5, 10, 50, 0.5, 50, 0.5, 60)
	// Inconclusive labels never count toward the minimum.
	for i := 0; i < 30; i++ {
		in = append(in, domain.Labeled{AlertID: fmt.Sprintf("inc-%d", i), Disposition: domain.DispositionInconclusive})
	}

	prop := Recalibrate(in, policy(), cfg)
	assert.False(t, prop.Changed)
	assert.Equal(t, 15, prop.Samples)
	assert.Equal(t, policy().Thresholds, prop.Thresholds)
	assert.Equal(t, policy().Weights, prop.Weights)
}

func TestRecalibrate_HighFalsePositiveRateRaisesThresholds(t *testing.T) {
	cfg := domain.DefaultFeedbackConfig()
	base := policy()

	// 90% false positives, identical score profiles so weights stay put.
	prop := Recalibrate(labels(5, 45, 50, 0.5, 50, 0.5, 60), base, cfg)

	require.True(t, prop.Changed)
	assert.InDelta(t, 0.9, prop.FalsePositiveRate, 1e-9)
	assert.InDelta(t, 44.0, prop.Thresholds.QueueReview, 1e-9)
	assert.InDelta(t, 71.5, prop.Thresholds.ImmediateReview, 1e-9)
	assert.InDelta(t, 93.5, prop.Thresholds.BlockEscalate, 1e-9)
	assert.Equal(t, base.Weights, prop.Weights)
	assert.Equal(t, base.Version, prop.BaseVersion)
	assertBounded(t, prop, base, cfg.MaxRelativeChange)
}

func TestRecalibrate_SmallExcessMovesLess(t *testing.T) {
	cfg := domain.DefaultFeedbackConfig()
	// FPR 0.75 is 0.05 above the band: thresholds rise by 5%.
	prop := Recalibrate(labels(10, 30, 50, 0.5, 50, 0.5, 60), policy(), cfg)
	assert.InDelta(t, 42.0, prop.Thresholds.QueueReview, 1e-9)
}

func TestRecalibrate_LowFalsePositiveRateWithNearMisses(t *testing.T) {
	cfg := domain.DefaultFeedbackConfig()
	base := policy()

	// All true positives barely crossed the review threshold.
	prop := Recalibrate(labels(30, 2, 50, 0.5, 50, 0.5, 42), base, cfg)

	require.True(t, prop.Changed)
	assert.Greater(t, prop.FalseNegativeProxy, cfg.FalseNegativeMax)
	assert.InDelta(t, 36.0, prop.Thresholds.QueueReview, 1e-9)
	assertBounded(t, prop, base, cfg.MaxRelativeChange)
}

func TestRecalibrate_LowFalsePositiveRateWithoutNearMissesHolds(t *testing.T) {
	prop := Recalibrate(labels(30, 2, 50, 0.5, 50, 0.5, 80), policy(), domain.DefaultFeedbackConfig())
	assert.False(t, prop.Changed)
	assert.Equal(t, policy().Thresholds, prop.Thresholds)
}

func TestRecalibrate_WithinBandHolds(t *testing.T) {
	prop := Recalibrate(labels(20, 20, 50, 0.5, 50, 0.5, 60), policy(), domain.DefaultFeedbackConfig())
	assert.False(t, prop.Changed)
	assert.Contains(t, prop.Reasons, "policy within target band")
}

func TestRecalibrate_WeightsShiftTowardBetterSeparator(t *testing.T) {
	cfg := domain.DefaultFeedbackConfig()
	base := policy()

	// Anomaly separates perfectly, rules not at all.
	prop := Recalibrate(labels(20, 20, 50, 0.9, 50, 0.1, 60), base, cfg)
	require.True(t, prop.Changed)
	assert.Greater(t, prop.Weights.Anomaly, base.Weights.Anomaly)
	assert.Less(t, prop.Weights.Rule, base.Weights.Rule)
	assert.InDelta(t, 0.36, prop.Weights.Rule, 1e-9)
	assertBounded(t, prop, base, cfg.MaxRelativeChange)

	// Rules separate, anomaly does not.
	prop = Recalibrate(labels(20, 20, 90, 0.5, 10, 0.5, 60), base, cfg)
	assert.Greater(t, prop.Weights.Rule, base.Weights.Rule)
	assertBounded(t, prop, base, cfg.MaxRelativeChange)
}

func TestRecalibrate_BoundedUnderExtremes(t *testing.T) {
	cfg := domain.DefaultFeedbackConfig()
	base := &domain.PolicyConfig{
		Version:    2,
		Weights:    domain.Weights{Rule: 0.05, Anomaly: 0.95},
		Thresholds: domain.Thresholds{QueueReview: 80, ImmediateReview: 95, BlockEscalate: 99},
	}

	prop := Recalibrate(labels(1, 99, 100, 0, 0, 1, 90), base, cfg)
	assert.LessOrEqual(t, prop.Thresholds.BlockEscalate, 100.0)
	assert.LessOrEqual(t, prop.Thresholds.ImmediateReview, prop.Thresholds.BlockEscalate)
	assertBounded(t, prop, base, cfg.MaxRelativeChange)
}

func TestRecalibrate_UnknownAnomalyScoresIgnored(t *testing.T) {
	in := labels(20, 20, 50, domain.AnomalyUnknown, 50, domain.AnomalyUnknown, 60)
	s := Summarize(in, domain.DefaultThresholds(), 5)
	assert.Equal(t, 0.0, s.AnomalySeparation)
}

type fixedSource struct {
	mu     sync.Mutex
	labels []domain.Labeled
}

func (s *fixedSource) Dispositions() []domain.Labeled {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Labeled(nil), s.labels...)
}

func TestService_RunOnceStagesButNeverActivates(t *testing.T) {
	pol, err := decision.NewPolicy(domain.DefaultWeights(), domain.DefaultThresholds(), nil)
	require.NoError(t, err)
	svc := NewService(&fixedSource{labels: labels(5, 45, 50, 0.5, 50, 0.5, 60)}, pol, domain.DefaultFeedbackConfig(), nil)
	ctx := context.Background()

	prop, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, prop.Changed)

	assert.Equal(t, int64(1), pol.Current().Version)
	require.Len(t, pol.Proposals(), 1)

	cfg, err := svc.Activate(ctx, prop.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cfg.Version)
	assert.Equal(t, prop.Thresholds, pol.Current().Thresholds)
}

func TestService_UnchangedProposalIsNotStaged(t *testing.T) {
	pol, _ := decision.NewPolicy(domain.DefaultWeights(), domain.DefaultThresholds(), nil)
	svc := NewService(&fixedSource{}, pol, domain.DefaultFeedbackConfig(), nil)

	prop, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, prop.Changed)
	assert.Empty(t, pol.Proposals())
}

func TestService_StartStop(t *testing.T) {
	pol, _ := decision.NewPolicy(domain.DefaultWeights(), domain.DefaultThresholds(), nil)
	svc := NewService(&fixedSource{labels: labels(5, 45, 50, 0.5, 50, 0.5, 60)}, pol, domain.DefaultFeedbackConfig(), nil)

	svc.Start(context.Background(), 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(pol.Proposals()) > 0 }, time.Second, 5*time.Millisecond)
	svc.Stop()
	svc.Stop()

	assert.Equal(t, int64(1), pol.Current().Version)
}
