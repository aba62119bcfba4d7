package domain

// RuleType names a predicate the rule interpreter knows how to evaluate.
type RuleType string

const (
	RuleAmountDeviation  RuleType = "amount_deviation"
	RuleOffHours         RuleType = "off_hours"
	RuleJurisdiction     RuleType = "jurisdiction"
	RuleFirstBeneficiary RuleType = "first_beneficiary"
	RuleRoundAmount      RuleType = "round_amount"
	RuleAmountThreshold  RuleType = "amount_threshold"
	RuleExpression       RuleType = "expression"
)

// MaxRuleScore caps the sum of triggered rule weights.
const MaxRuleScore = 100.0

// RuleConfig is a rule definition as configured: a tagged predicate plus parameters.
type RuleConfig struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Version     string         `json:"version" yaml:"version"`
	Type        RuleType       `json:"type" yaml:"type"`
	Params      map[string]any `json:"params,omitempty" yaml:"params,omitempty"`

	// Weight is the rule's contribution to the rule score when triggered.
	Weight float64 `json:"weight" yaml:"weight"`

	// Critical rules force BLOCK_ESCALATE regardless of the fused score.
	Critical bool `json:"critical" yaml:"critical"`

	Enabled bool `json:"enabled" yaml:"enabled"`
}

// RuleResult is the outcome of one rule against one event.
type RuleResult struct {
	RuleID    string  `json:"ruleId"`
	Triggered bool    `json:"triggered"`
	Weight    float64 `json:"weight"`
	Critical  bool    `json:"critical,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// RuleOutcome aggregates a rule set evaluation.
type RuleOutcome struct {
	Score     float64      `json:"score"`
	Triggered []string     `json:"triggered"`
	Critical  []string     `json:"critical,omitempty"`
	Results   []RuleResult `json:"results,omitempty"`
	Version   uint64       `json:"version"`
}
