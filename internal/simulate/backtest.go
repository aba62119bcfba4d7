package simulate

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Confusion is a confusion matrix of engine verdicts against labels.
// A payment counts as flagged when its decision requires review.
type Confusion struct {
	TruePositives  int64 `json:"truePositives"`
	FalsePositives int64 `json:"falsePositives"`
	TrueNegatives  int64 `json:"trueNegatives"`
	FalseNegatives int64 `json:"falseNegatives"`
}

// Add records one scored payment.
func (c *Confusion) Add(anomalous bool, d domain.Decision) {
	flagged := d.RequiresReview()
	switch {
	case flagged && anomalous:
		c.TruePositives++
	case flagged && !anomalous:
		c.FalsePositives++
	case !flagged && !anomalous:
		c.TrueNegatives++
	default:
		c.FalseNegatives++
	}
}

// Merge adds other's counts to c.
func (c *Confusion) Merge(other Confusion) {
	c.TruePositives += other.TruePositives
	c.FalsePositives += other.FalsePositives
	c.TrueNegatives += other.TrueNegatives
	c.FalseNegatives += other.FalseNegatives
}

// Total is the number of recorded payments.
func (c Confusion) Total() int64 {
	return c.TruePositives + c.FalsePositives + c.TrueNegatives + c.FalseNegatives
}

// Precision is the share of flagged payments that were anomalous.
func (c Confusion) Precision() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalsePositives)
}

// Recall is the share of anomalous payments that were flagged.
func (c Confusion) Recall() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalseNegatives)
}

// F1 is the harmonic mean of precision and recall.
func (c Confusion) F1() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// FalsePositiveRate is the share of normal payments that were flagged.
func (c Confusion) FalsePositiveRate() float64 {
	return ratio(c.FalsePositives, c.FalsePositives+c.TrueNegatives)
}

// Accuracy is the share of payments classified correctly.
func (c Confusion) Accuracy() float64 {
	return ratio(c.TruePositives+c.TrueNegatives, c.Total())
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Disposition is the analyst label a backtest applies to an alert raised
// for a payment with the given ground truth.
func Disposition(anomalous bool) domain.Disposition {
	if anomalous {
		return domain.DispositionTruePositive
	}
	return domain.DispositionFalsePositive
}
