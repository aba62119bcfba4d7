package anomaly

import (
	"context"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Scorer produces a normalized anomaly score in [0,1] for one event.
// Implementations must consult only the fixed-size profiles in view.
type Scorer interface {
	Score(ctx context.Context, ev *domain.PaymentEvent, view domain.ProfileView) (float64, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, ev *domain.PaymentEvent, view domain.ProfileView) (float64, error)

// Score calls f.
func (f ScorerFunc) Score(ctx context.Context, ev *domain.PaymentEvent, view domain.ProfileView) (float64, error) {
	return f(ctx, ev, view)
}

// ComponentWeights weight the bounded deviations combined by ProfileDistance.
type ComponentWeights struct {
	Deviation  float64 `json:"deviation"`
	Magnitude  float64 `json:"magnitude"`
	HourRarity float64 `json:"hourRarity"`
	Novelty    float64 `json:"novelty"`
}

// ProfileDistance is an unsupervised distance-from-baseline scorer.
// Each feature is squashed into [0,1], the components are combined as a weighted
// root mean square, and the result is pulled toward Prior when history is thin.
type ProfileDistance struct {
	Weights ComponentWeights

	// Prior is the score of an event with no history at all.
	Prior float64

	// ConfidenceK is the event count at which the profile and prior weigh equally.
	ConfidenceK float64

	// ZScale and MagnitudeScale set how quickly the amount components saturate.
	ZScale         float64
	MagnitudeScale float64
}

// NewProfileDistance returns the default scorer.
func NewProfileDistance() *ProfileDistance {
	return &ProfileDistance{
		Weights: ComponentWeights{
			Deviation:  0.35,
			Magnitude:  0.20,
			HourRarity: 0.20,
			Novelty:    0.25,
		},
		Prior:          0.3,
		ConfidenceK:    5,
		ZScale:         3,
		MagnitudeScale: 1.5,
	}
}

// Score implements Scorer.
func (d *ProfileDistance) Score(ctx context.Context, ev *domain.PaymentEvent, view domain.ProfileView) (float64, error) {
	if err := ctx.Err(); err != nil {
		return domain.AnomalyUnknown, err
	}
	return d.score(Extract(ev, view, d.ConfidenceK)), nil
}

func (d *ProfileDistance) score(f Features) float64 {
	if f.Confidence == 0 {
		return clamp01(d.Prior)
	}

	// One sigma of deviation is treated as normal noise.
	z := math.Max(f.ZScore, f.BeneficiaryZ)
	deviation := 1 - math.Exp(-math.Max(0, z-1)/d.ZScale)

	var magnitude float64
	if f.DeviationRatio > 0 {
		magnitude = 1 - math.Exp(-math.Abs(math.Log(f.DeviationRatio))/d.MagnitudeScale)
	}

	w := d.Weights
	sumW := w.Deviation + w.Magnitude + w.HourRarity + w.Novelty
	if sumW <= 0 {
		return clamp01(d.Prior)
	}
	sq := w.Deviation*deviation*deviation +
		w.Magnitude*magnitude*magnitude +
		w.HourRarity*f.HourRarity*f.HourRarity +
		w.Novelty*f.Novelty*f.Novelty
	distance := math.Sqrt(sq / sumW)

	return clamp01(f.Confidence*distance + (1-f.Confidence)*d.Prior)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
