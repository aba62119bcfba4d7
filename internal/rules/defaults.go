package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// SanctionedJurisdictions are blocked outright by the default rule set.
var SanctionedJurisdictions = []string{"RU", "IR", "KP", "SY", "VE"}

// DefaultRules returns the rule set used when neither a rules file nor stored
// rules are configured. configs/rules.yaml carries the same definitions.
func DefaultRules() []*domain.RuleConfig {
	countries := make([]any, len(SanctionedJurisdictions))
	for i, c := range SanctionedJurisdictions {
		countries[i] = c
	}

	return []*domain.RuleConfig{
		{
			ID:          "amount-deviation",
			Name:        "Amount deviation from account baseline",
			Description: "Amount far above the originating account's rolling mean",
			Version:     "1.0.0",
			Type:        domain.RuleAmountDeviation,
			Params:      map[string]any{"threshold_sigma": 3.0, "min_history": 5},
			Weight:      30,
			Enabled:     true,
		},
		{
			ID:          "off-hours",
			Name:        "Off-hours submission",
			Description: "Submitted between 22:00 and 06:00 UTC",
			Version:     "1.0.0",
			Type:        domain.RuleOffHours,
			Params:      map[string]any{"start_hour": 22, "end_hour": 6, "timezone": "UTC"},
			Weight:      15,
			Enabled:     true,
		},
		{
			ID:          "first-beneficiary",
			Name:        "First-time beneficiary",
			Description: "Account has never paid this beneficiary",
			Version:     "1.0.0",
			Type:        domain.RuleFirstBeneficiary,
			Params:      map[string]any{"min_history": 1},
			Weight:      20,
			Enabled:     true,
		},
		{
			ID:          "sanctioned-jurisdiction",
			Name:        "Sanctioned jurisdiction",
			Description: "Beneficiary located in a sanctioned jurisdiction",
			Version:     "1.0.0",
			Type:        domain.RuleJurisdiction,
			Params:      map[string]any{"countries": countries},
			Weight:      40,
			Critical:    true,
			Enabled:     true,
		},
		{
			ID:          "round-amount",
			Name:        "Round-number amount",
			Description: "Amount is an exact multiple of 10,000",
			Version:     "1.0.0",
			Type:        domain.RuleRoundAmount,
			Params:      map[string]any{"unit": 10000},
			Weight:      10,
			Enabled:     true,
		},
	}
}
