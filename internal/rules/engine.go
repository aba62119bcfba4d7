// Package rules interprets tagged rule definitions against payment events.
package rules

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Engine compiles rule definitions into immutable rule sets.
// Scoring reads the current set without locking; Load swaps in a new one.
type Engine struct {
	env *cel.Env

	mu      sync.Mutex // serializes Load
	version uint64
	current atomic.Pointer[RuleSet]
}

// CompiledRule pairs a definition with its executable predicate.
type CompiledRule struct {
	Config domain.RuleConfig
	match  predicate
}

// RuleSet is one compiled, immutable generation of rules.
type RuleSet struct {
	Version  uint64
	LoadedAt time.Time

	rules   []*CompiledRule
	configs []domain.RuleConfig
	errors  []domain.ConfigurationError
}

// NewEngine creates an engine holding an empty rule set.
func NewEngine() (*Engine, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{env: env}
	e.current.Store(&RuleSet{LoadedAt: time.Now().UTC()})
	return e, nil
}

// Load compiles configs into a new rule set and makes it current.
// Malformed definitions are disabled and reported; the rest still load.
func (e *Engine) Load(configs []*domain.RuleConfig) []domain.ConfigurationError {
	e.mu.Lock()
	defer e.mu.Unlock()

	set := &RuleSet{LoadedAt: time.Now().UTC()}
	seen := make(map[string]bool, len(configs))

	for _, cfg := range configs {
		if cfg == nil {
			continue
		}
		set.configs = append(set.configs, *cfg)

		if seen[cfg.ID] {
			set.errors = append(set.errors, domain.ConfigurationError{RuleID: cfg.ID, Reason: "duplicate rule id"})
			continue
		}
		seen[cfg.ID] = true

		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compile(cfg)
		if err != nil {
			set.errors = append(set.errors, domain.ConfigurationError{RuleID: cfg.ID, Reason: err.Error()})
			continue
		}
		set.rules = append(set.rules, compiled)
	}

	e.version++
	set.Version = e.version
	e.current.Store(set)

	for _, ce := range set.errors {
		slog.Warn("rule disabled",
			"component", "rules",
			"rule_id", ce.RuleID,
			"reason", ce.Reason,
		)
	}
	metrics.RuleConfigErrors.Add(float64(len(set.errors)))
	metrics.RuleSetVersion.Set(float64(set.Version))

	slog.Info("rule set loaded",
		"version", set.Version,
		"active", len(set.rules),
		"disabled", len(set.errors),
	)

	return set.errors
}

// Validate compiles a definition without touching the current rule set.
func (e *Engine) Validate(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: rule config is required", domain.ErrConfiguration)
	}
	if _, err := e.compile(cfg); err != nil {
		return &domain.ConfigurationError{RuleID: cfg.ID, Reason: err.Error()}
	}
	return nil
}

// Snapshot returns the rule set current at the time of the call.
func (e *Engine) Snapshot() *RuleSet {
	return e.current.Load()
}

// Evaluate runs the current rule set against an event.
func (e *Engine) Evaluate(ev *domain.PaymentEvent, view domain.ProfileView) domain.RuleOutcome {
	return Evaluate(ev, view, e.Snapshot())
}

// Evaluate runs every active rule of set against an event, in configuration order.
// The score is the sum of triggered weights capped at domain.MaxRuleScore.
func Evaluate(ev *domain.PaymentEvent, view domain.ProfileView, set *RuleSet) domain.RuleOutcome {
	out := domain.RuleOutcome{Triggered: []string{}}
	if set == nil {
		return out
	}
	out.Version = set.Version
	out.Results = make([]domain.RuleResult, 0, len(set.rules))

	var sum float64
	for _, r := range set.rules {
		res := r.evaluate(ev, view)
		out.Results = append(out.Results, res)
		if !res.Triggered {
			continue
		}
		sum += res.Weight
		out.Triggered = append(out.Triggered, res.RuleID)
		if res.Critical {
			out.Critical = append(out.Critical, res.RuleID)
		}
	}

	if sum > domain.MaxRuleScore {
		sum = domain.MaxRuleScore
	}
	out.Score = sum
	return out
}

// evaluate runs one rule. A panicking predicate counts as not triggered.
func (r *CompiledRule) evaluate(ev *domain.PaymentEvent, view domain.ProfileView) (res domain.RuleResult) {
	res = domain.RuleResult{
		RuleID:   r.Config.ID,
		Weight:   r.Config.Weight,
		Critical: r.Config.Critical,
	}

	defer func() {
		if p := recover(); p != nil {
			metrics.RulePanics.Inc()
			slog.Warn("rule evaluation panicked",
				"component", "rules",
				"rule_id", r.Config.ID,
				"event_id", ev.ID,
				"reason", fmt.Sprint(p),
			)
			res.Triggered = false
			res.Reason = "evaluation error"
		}
	}()

	res.Triggered, res.Reason = r.match(ev, view)
	return res
}

func (e *Engine) compile(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, fmt.Errorf("id is required")
	}
	if cfg.Weight < 0 || cfg.Weight > domain.MaxRuleScore {
		return nil, fmt.Errorf("weight must be within [0,%g]", domain.MaxRuleScore)
	}

	p := params(cfg.Params)
	var (
		match predicate
		err   error
	)
	switch cfg.Type {
	case domain.RuleAmountDeviation:
		match, err = compileAmountDeviation(p)
	case domain.RuleOffHours:
		match, err = compileOffHours(p)
	case domain.RuleJurisdiction:
		match, err = compileJurisdiction(p)
	case domain.RuleFirstBeneficiary:
		match, err = compileFirstBeneficiary(p)
	case domain.RuleRoundAmount:
		match, err = compileRoundAmount(p)
	case domain.RuleAmountThreshold:
		match, err = compileAmountThreshold(p)
	case domain.RuleExpression:
		match, err = compileExpression(e.env, p)
	default:
		return nil, fmt.Errorf("unknown rule type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	match, err = channelFilter(p, match)
	if err != nil {
		return nil, err
	}

	return &CompiledRule{Config: *cfg, match: match}, nil
}

// Len returns the number of active rules.
func (s *RuleSet) Len() int {
	return len(s.rules)
}

// Active returns the definitions of the rules that compiled.
func (s *RuleSet) Active() []domain.RuleConfig {
	out := make([]domain.RuleConfig, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Config
	}
	return out
}

// Configs returns every definition the set was built from, including disabled ones.
func (s *RuleSet) Configs() []domain.RuleConfig {
	return append([]domain.RuleConfig(nil), s.configs...)
}

// Errors returns the configuration errors recorded at load time.
func (s *RuleSet) Errors() []domain.ConfigurationError {
	return append([]domain.ConfigurationError(nil), s.errors...)
}
