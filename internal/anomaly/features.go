// Package anomaly scores how unusual a payment is relative to its entities' profiles.
package anomaly

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// minRelativeStd floors the standard deviation as a share of the profile mean.
const minRelativeStd = 0.05

// Features is the fixed-size input vector derived from an event and its profiles.
type Features struct {
	LogAmount      float64 // ln(1+amount)
	Novelty        float64 // 1 if the account has never paid this beneficiary
	Hour           int     // UTC hour of day
	DeviationRatio float64 // amount / account mean, 0 without history
	ZScore         float64 // |amount - mean| / std against the account profile
	BeneficiaryZ   float64 // same against the beneficiary profile, 0 without history
	HourRarity     float64 // 0 for a typical hour, 1 for an hour never seen
	Confidence     float64 // how much history backs the other features, in [0,1)
}

// Extract computes the feature vector. It reads only the profile snapshots.
func Extract(ev *domain.PaymentEvent, view domain.ProfileView, confidenceK float64) Features {
	f := Features{
		LogAmount: math.Log1p(math.Max(ev.Amount, 0)),
		Hour:      ev.Timestamp.UTC().Hour(),
	}

	acct := view.Account
	if acct == nil || acct.Count == 0 {
		return f
	}

	f.Confidence = float64(acct.Count) / (float64(acct.Count) + confidenceK)
	if acct.MeanAmount > 0 {
		f.DeviationRatio = ev.Amount / acct.MeanAmount
	}
	f.ZScore = zscore(ev.Amount, acct)
	if !acct.HasSeenBeneficiary(ev.BeneficiaryID) {
		f.Novelty = 1
	}
	f.HourRarity = hourRarity(acct, f.Hour)

	if bene := view.Beneficiary; bene != nil && bene.Count >= 2 {
		f.BeneficiaryZ = zscore(ev.Amount, bene)
	}
	return f
}

func zscore(amount float64, p *domain.EntityProfile) float64 {
	if p.MeanAmount <= 0 {
		return 0
	}
	std := math.Max(p.StdAmount(), minRelativeStd*p.MeanAmount)
	return math.Abs(amount-p.MeanAmount) / std
}

// hourRarity compares the hour's count to half the average of the hours the
// entity is active in. Hours at or above that level score 0.
func hourRarity(p *domain.EntityProfile, hour int) float64 {
	var total uint64
	active := 0
	for _, c := range p.HourHistogram {
		if c > 0 {
			total += uint64(c)
			active++
		}
	}
	if active == 0 {
		return 0
	}
	typical := 0.5 * float64(total) / float64(active)
	return 1 - math.Min(1, float64(p.HourHistogram[hour])/typical)
}
