package rules

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	_ "time/tzdata" // off_hours timezones resolve without a system zoneinfo

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// predicate reports whether a rule fires for an event and, if so, why.
type predicate func(ev *domain.PaymentEvent, view domain.ProfileView) (bool, string)

// minRelativeStd floors the deviation denominator as a share of the profile mean.
const minRelativeStd = 0.05

func compileAmountDeviation(p params) (predicate, error) {
	sigma, err := p.requiredFloat("threshold_sigma")
	if err != nil {
		return nil, err
	}
	if sigma <= 0 {
		return nil, fmt.Errorf("threshold_sigma must be positive")
	}
	minHistory, err := p.int("min_history", 5)
	if err != nil {
		return nil, err
	}
	entity, err := p.string("entity", string(domain.EntityAccount))
	if err != nil {
		return nil, err
	}
	if entity != string(domain.EntityAccount) && entity != string(domain.EntityBeneficiary) {
		return nil, fmt.Errorf("entity must be %q or %q", domain.EntityAccount, domain.EntityBeneficiary)
	}

	return func(ev *domain.PaymentEvent, view domain.ProfileView) (bool, string) {
		prof := view.Account
		if entity == string(domain.EntityBeneficiary) {
			prof = view.Beneficiary
		}
		if prof == nil || prof.Count < int64(minHistory) || prof.MeanAmount <= 0 {
			return false, ""
		}
		std := math.Max(prof.StdAmount(), minRelativeStd*prof.MeanAmount)
		z := (ev.Amount - prof.MeanAmount) / std
		if z < sigma {
			return false, ""
		}
		return true, fmt.Sprintf("amount %.2f is %.1f sigma above %s mean %.2f", ev.Amount, z, entity, prof.MeanAmount)
	}, nil
}

func compileOffHours(p params) (predicate, error) {
	start, err := p.requiredInt("start_hour")
	if err != nil {
		return nil, err
	}
	end, err := p.requiredInt("end_hour")
	if err != nil {
		return nil, err
	}
	if start < 0 || start > 23 || end < 0 || end > 23 {
		return nil, fmt.Errorf("start_hour and end_hour must be within 0..23")
	}
	if start == end {
		return nil, fmt.Errorf("start_hour and end_hour must differ")
	}
	tz, err := p.string("timezone", "UTC")
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q", tz)
	}

	return func(ev *domain.PaymentEvent, _ domain.ProfileView) (bool, string) {
		hour := ev.Timestamp.In(loc).Hour()
		var inside bool
		if start < end {
			inside = hour >= start && hour < end
		} else {
			inside = hour >= start || hour < end
		}
		if !inside {
			return false, ""
		}
		return true, fmt.Sprintf("submitted at %02d:00 %s, outside business hours", hour, tz)
	}, nil
}

func compileJurisdiction(p params) (predicate, error) {
	countries, err := p.upperSet("countries")
	if err != nil {
		return nil, err
	}
	if len(countries) == 0 {
		return nil, fmt.Errorf("countries must not be empty")
	}

	return func(ev *domain.PaymentEvent, _ domain.ProfileView) (bool, string) {
		country := strings.ToUpper(ev.BeneficiaryCountry)
		if !countries[country] {
			return false, ""
		}
		return true, fmt.Sprintf("beneficiary country %s is on the jurisdiction list", country)
	}, nil
}

func compileFirstBeneficiary(p params) (predicate, error) {
	minHistory, err := p.int("min_history", 1)
	if err != nil {
		return nil, err
	}
	if minHistory < 0 {
		return nil, fmt.Errorf("min_history must not be negative")
	}

	return func(ev *domain.PaymentEvent, view domain.ProfileView) (bool, string) {
		acct := view.Account
		if acct == nil || acct.Count < int64(minHistory) {
			return false, ""
		}
		if acct.HasSeenBeneficiary(ev.BeneficiaryID) {
			return false, ""
		}
		return true, fmt.Sprintf("first payment from account %s to beneficiary %s", ev.AccountID, ev.BeneficiaryID)
	}, nil
}

func compileRoundAmount(p params) (predicate, error) {
	unitF, err := p.requiredFloat("unit")
	if err != nil {
		return nil, err
	}
	if unitF <= 0 {
		return nil, fmt.Errorf("unit must be positive")
	}
	minF, err := p.float("min_amount", unitF)
	if err != nil {
		return nil, err
	}
	unit := decimal.NewFromFloat(unitF)
	minAmount := decimal.NewFromFloat(minF)

	return func(ev *domain.PaymentEvent, _ domain.ProfileView) (bool, string) {
		amount := decimal.NewFromFloat(ev.Amount)
		if amount.LessThan(minAmount) || !amount.Mod(unit).IsZero() {
			return false, ""
		}
		return true, fmt.Sprintf("amount %s is a multiple of %s", amount.String(), unit.String())
	}, nil
}

func compileAmountThreshold(p params) (predicate, error) {
	minAmount, err := p.requiredFloat("min_amount")
	if err != nil {
		return nil, err
	}
	if minAmount <= 0 {
		return nil, fmt.Errorf("min_amount must be positive")
	}

	return func(ev *domain.PaymentEvent, _ domain.ProfileView) (bool, string) {
		if ev.Amount < minAmount {
			return false, ""
		}
		return true, fmt.Sprintf("amount %.2f at or above %.2f", ev.Amount, minAmount)
	}, nil
}

// channelFilter wraps a predicate so it only fires on the listed channels.
func channelFilter(p params, next predicate) (predicate, error) {
	set, err := p.upperSet("channels")
	if err != nil {
		return nil, err
	}
	if len(set) == 0 {
		return next, nil
	}

	known := map[string]bool{
		string(domain.ChannelWire):    true,
		string(domain.ChannelACH):     true,
		string(domain.ChannelMessage): true,
	}
	var unknown []string
	for ch := range set {
		if !known[ch] {
			unknown = append(unknown, ch)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown channels %s", strings.Join(unknown, ","))
	}

	return func(ev *domain.PaymentEvent, view domain.ProfileView) (bool, string) {
		if !set[strings.ToUpper(string(ev.Channel))] {
			return false, ""
		}
		return next(ev, view)
	}, nil
}
