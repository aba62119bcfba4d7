package rules

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"testing/quick"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var morning = time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC)

func testEvent(amount float64) *domain.PaymentEvent {
	return &domain.PaymentEvent{
		ID:                 "evt-001",
		Timestamp:          morning,
		Amount:             amount,
		Currency:           "USD",
		Channel:            domain.ChannelWire,
		AccountID:          "acct-1",
		BeneficiaryID:      "bene-1",
		BeneficiaryCountry: "US",
	}
}

// history builds an account profile with n payments of mean amount to bene-1.
func history(n int64, mean, std float64) domain.ProfileView {
	acct := domain.NewEntityProfile("account:acct-1")
	acct.Count = n
	acct.MeanAmount = mean
	acct.VarAmount = std * std
	acct.Beneficiaries = map[string]time.Time{"bene-1": morning.Add(-24 * time.Hour)}
	return domain.ProfileView{
		Account:     acct,
		Beneficiary: domain.NewEntityProfile("beneficiary:bene-1"),
	}
}

func mustEngine(t *testing.T, configs ...*domain.RuleConfig) *Engine {
	t.Helper()
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if errs := engine.Load(configs); len(errs) != 0 {
		t.Fatalf("unexpected configuration errors: %v", errs)
	}
	return engine
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	set := engine.Snapshot()
	if set.Len() != 0 {
		t.Errorf("expected 0 rules, got %d", set.Len())
	}
	if set.Version != 0 {
		t.Errorf("expected version 0, got %d", set.Version)
	}
}

func TestLoadDefaultRules(t *testing.T) {
	engine := mustEngine(t, DefaultRules()...)

	set := engine.Snapshot()
	if set.Len() != len(DefaultRules()) {
		t.Errorf("expected %d rules, got %d", len(DefaultRules()), set.Len())
	}
	if set.Version != 1 {
		t.Errorf("expected version 1, got %d", set.Version)
	}
}

func TestLoadDisablesMalformedRules(t *testing.T) {
	engine, _ := NewEngine()

	configs := []*domain.RuleConfig{
		{ID: "ok", Type: domain.RuleAmountThreshold, Params: map[string]any{"min_amount": 100.0}, Weight: 10, Enabled: true},
		{ID: "no-sigma", Type: domain.RuleAmountDeviation, Weight: 10, Enabled: true},
		{ID: "bad-hours", Type: domain.RuleOffHours, Params: map[string]any{"start_hour": 25, "end_hour": 6}, Weight: 10, Enabled: true},
		{ID: "bad-tz", Type: domain.RuleOffHours, Params: map[string]any{"start_hour": 22, "end_hour": 6, "timezone": "Mars/Olympus"}, Weight: 10, Enabled: true},
		{ID: "empty-countries", Type: domain.RuleJurisdiction, Params: map[string]any{"countries": []any{}}, Weight: 10, Enabled: true},
		{ID: "bad-cel", Type: domain.RuleExpression, Params: map[string]any{"expression": "this is not valid CEL !!!"}, Weight: 10, Enabled: true},
		{ID: "non-bool-cel", Type: domain.RuleExpression, Params: map[string]any{"expression": "amount * 2.0"}, Weight: 10, Enabled: true},
		{ID: "unknown", Type: "velocity", Weight: 10, Enabled: true},
		{ID: "heavy", Type: domain.RuleAmountThreshold, Params: map[string]any{"min_amount": 1.0}, Weight: 150, Enabled: true},
		{ID: "bad-channel", Type: domain.RuleAmountThreshold, Params: map[string]any{"min_amount": 1.0, "channels": []any{"CARD"}}, Weight: 5, Enabled: true},
		{ID: "ok", Type: domain.RuleAmountThreshold, Params: map[string]any{"min_amount": 1.0}, Weight: 10, Enabled: true},
		{ID: "disabled", Type: "garbage", Enabled: false},
	}

	errs := engine.Load(configs)
	if len(errs) != 10 {
		t.Fatalf("expected 10 configuration errors, got %d: %v", len(errs), errs)
	}
	for _, ce := range errs {
		if !errors.Is(&ce, domain.ErrConfiguration) {
			t.Errorf("error for %s does not match ErrConfiguration", ce.RuleID)
		}
	}

	set := engine.Snapshot()
	if set.Len() != 1 {
		t.Errorf("expected 1 active rule, got %d", set.Len())
	}
	if len(set.Configs()) != len(configs) {
		t.Errorf("expected all %d configs retained, got %d", len(configs), len(set.Configs()))
	}
}

func TestNullRequiredParamsAreRejected(t *testing.T) {
	engine, _ := NewEngine()

	configs := []*domain.RuleConfig{
		{ID: "null-start", Type: domain.RuleOffHours, Params: map[string]any{"start_hour": nil, "end_hour": 6}, Weight: 10, Enabled: true},
		{ID: "null-unit", Type: domain.RuleRoundAmount, Params: map[string]any{"unit": nil}, Weight: 10, Enabled: true},
		{ID: "null-sigma", Type: domain.RuleAmountDeviation, Params: map[string]any{"threshold_sigma": nil}, Weight: 10, Enabled: true},
		{ID: "null-min", Type: domain.RuleAmountThreshold, Params: map[string]any{"min_amount": nil}, Weight: 10, Enabled: true},
	}

	errs := engine.Load(configs)
	if len(errs) != len(configs) {
		t.Fatalf("expected %d configuration errors, got %d: %v", len(configs), len(errs), errs)
	}
	for _, ce := range errs {
		if !strings.Contains(ce.Reason, "is required") {
			t.Errorf("rule %s: expected a missing-param reason, got %q", ce.RuleID, ce.Reason)
		}
	}
	if n := engine.Snapshot().Len(); n != 0 {
		t.Errorf("expected no active rules, got %d", n)
	}
}

func TestValidateDoesNotMutate(t *testing.T) {
	engine := mustEngine(t, DefaultRules()...)
	before := engine.Snapshot()

	err := engine.Validate(&domain.RuleConfig{ID: "x", Type: domain.RuleRoundAmount, Enabled: true})
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
	if err := engine.Validate(&domain.RuleConfig{ID: "y", Type: domain.RuleRoundAmount, Params: map[string]any{"unit": 1000}}); err != nil {
		t.Errorf("expected valid rule, got %v", err)
	}
	if engine.Snapshot() != before {
		t.Error("Validate must not replace the rule set")
	}
}

func TestAmountDeviationRule(t *testing.T) {
	engine := mustEngine(t, &domain.RuleConfig{
		ID: "dev", Type: domain.RuleAmountDeviation, Weight: 30, Enabled: true,
		Params: map[string]any{"threshold_sigma": 3.0, "min_history": 5},
	})

	tests := []struct {
		name   string
		amount float64
		view   domain.ProfileView
		want   bool
	}{
		{"within range", 1100, history(30, 1000, 100), false},
		{"four sigma", 1400, history(30, 1000, 100), true},
		{"below mean never fires", 10, history(30, 1000, 100), false},
		{"thin history", 50000, history(3, 1000, 100), false},
		{"flat history uses relative floor", 1200, history(30, 1000, 0), true},
		{"flat history small change", 1100, history(30, 1000, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := engine.Evaluate(testEvent(tt.amount), tt.view)
			got := len(out.Triggered) == 1
			if got != tt.want {
				t.Errorf("triggered = %v, want %v (results %+v)", got, tt.want, out.Results)
			}
		})
	}
}

func TestAmountDeviationIsMonotonicInAmount(t *testing.T) {
	engine := mustEngine(t, &domain.RuleConfig{
		ID: "dev", Type: domain.RuleAmountDeviation, Weight: 30, Enabled: true,
		Params: map[string]any{"threshold_sigma": 3.0, "min_history": 5},
	})

	property := func(meanSeed, stdSeed uint16, count uint8) bool {
		mean := 1 + float64(meanSeed)
		view := history(int64(count), mean, float64(stdSeed%2000))

		prev := -1.0
		for step := 1; step <= 200; step++ {
			amount := mean * float64(step) / 20
			score := engine.Evaluate(testEvent(amount), view).Score
			if score < prev {
				t.Logf("mean %.0f std %d count %d: score fell from %.0f to %.0f at amount %.2f",
					mean, stdSeed%2000, count, prev, score, amount)
				return false
			}
			prev = score
		}
		return true
	}
	if err := quick.Check(property, &quick.Config{MaxCount: 300}); err != nil {
		t.Error(err)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	configs := append(DefaultRules(), &domain.RuleConfig{
		ID: "wire-large", Type: domain.RuleExpression, Weight: 15, Enabled: true,
		Params: map[string]any{"expression": `channel == "WIRE" && amount > 5000.0`},
	})
	engine := mustEngine(t, configs...)
	countries := []string{"US", "DE", "IR", "KP", "GB"}

	property := func(cents uint32, hour uint8, country uint8, newBeneficiary bool, count uint8) bool {
		ev := testEvent(1 + float64(cents%10_000_000)/100)
		ev.Timestamp = morning.Truncate(24 * time.Hour).Add(time.Duration(hour%24) * time.Hour)
		ev.BeneficiaryCountry = countries[int(country)%len(countries)]
		if newBeneficiary {
			ev.BeneficiaryID = "bene-new"
		}
		view := history(int64(count), 1000, 150)

		first := engine.Evaluate(ev, view)
		for i := 0; i < 5; i++ {
			again := engine.Evaluate(ev, view)
			if again.Score != first.Score ||
				!slices.Equal(again.Triggered, first.Triggered) ||
				!slices.Equal(again.Critical, first.Critical) {
				t.Logf("event %+v: %+v then %+v", ev, first, again)
				return false
			}
		}
		return true
	}
	if err := quick.Check(property, &quick.Config{MaxCount: 300}); err != nil {
		t.Error(err)
	}
}

func TestOffHoursRule(t *testing.T) {
	engine := mustEngine(t, &domain.RuleConfig{
		ID: "night", Type: domain.RuleOffHours, Weight: 15, Enabled: true,
		Params: map[string]any{"start_hour": 22, "end_hour": 6},
	})

	for hour, want := range map[int]bool{21: false, 22: true, 23: true, 0: true, 3: true, 5: true, 6: false, 12: false} {
		ev := testEvent(100)
		ev.Timestamp = time.Date(2025, 3, 4, hour, 15, 0, 0, time.UTC)
		out := engine.Evaluate(ev, history(10, 100, 10))
		if got := out.Score > 0; got != want {
			t.Errorf("hour %d: triggered = %v, want %v", hour, got, want)
		}
	}
}

func TestOffHoursTimezone(t *testing.T) {
	engine := mustEngine(t, &domain.RuleConfig{
		ID: "business-hours-ny", Type: domain.RuleOffHours, Weight: 15, Enabled: true,
		Params: map[string]any{"start_hour": 9, "end_hour": 17, "timezone": "America/New_York"},
	})

	// 15:00 UTC is 10:00 or 11:00 in New York.
	ev := testEvent(100)
	ev.Timestamp = time.Date(2025, 1, 15, 15, 0, 0, 0, time.UTC)
	if out := engine.Evaluate(ev, domain.ProfileView{}); out.Score != 15 {
		t.Errorf("expected rule to fire inside the New York window, got %.1f", out.Score)
	}
}

func TestJurisdictionRuleIsCritical(t *testing.T) {
	engine := mustEngine(t, DefaultRules()...)

	ev := testEvent(1000)
	ev.BeneficiaryCountry = "ir"
	out := engine.Evaluate(ev, history(30, 1000, 100))

	if len(out.Critical) != 1 || out.Critical[0] != "sanctioned-jurisdiction" {
		t.Errorf("expected sanctioned-jurisdiction to be critical, got %v", out.Critical)
	}
}

func TestFirstBeneficiaryRule(t *testing.T) {
	engine := mustEngine(t, &domain.RuleConfig{
		ID: "first", Type: domain.RuleFirstBeneficiary, Weight: 20, Enabled: true,
	})

	known := testEvent(100)
	if out := engine.Evaluate(known, history(10, 100, 5)); out.Score != 0 {
		t.Errorf("known beneficiary should not trigger, got %.1f", out.Score)
	}

	fresh := testEvent(100)
	fresh.BeneficiaryID = "bene-new"
	if out := engine.Evaluate(fresh, history(10, 100, 5)); out.Score != 20 {
		t.Errorf("new beneficiary should trigger, got %.1f", out.Score)
	}

	// No history: nothing to compare against.
	if out := engine.Evaluate(fresh, history(0, 0, 0)); out.Score != 0 {
		t.Errorf("account without history should not trigger, got %.1f", out.Score)
	}
}

func TestRoundAmountRule(t *testing.T) {
	engine := mustEngine(t, &domain.RuleConfig{
		ID: "round", Type: domain.RuleRoundAmount, Weight: 10, Enabled: true,
		Params: map[string]any{"unit": 10000},
	})

	for amount, want := range map[float64]bool{
		10000:    true,
		250000:   true,
		5000:     false,
		10000.01: false,
		12345.67: false,
	} {
		out := engine.Evaluate(testEvent(amount), domain.ProfileView{})
		if got := out.Score == 10; got != want {
			t.Errorf("amount %.2f: triggered = %v, want %v", amount, got, want)
		}
	}
}

func TestExpressionRule(t *testing.T) {
	engine := mustEngine(t, &domain.RuleConfig{
		ID: "large-message", Type: domain.RuleExpression, Weight: 25, Enabled: true,
		Params: map[string]any{"expression": `channel == "MESSAGE" && amount > account_mean * 2.0 && !beneficiary_seen`},
	})

	ev := testEvent(5000)
	ev.Channel = domain.ChannelMessage
	ev.BeneficiaryID = "bene-other"

	out := engine.Evaluate(ev, history(10, 1000, 100))
	if out.Score != 25 {
		t.Errorf("expected expression to match, got %.1f", out.Score)
	}

	ev.Channel = domain.ChannelWire
	out = engine.Evaluate(ev, history(10, 1000, 100))
	if out.Score != 0 {
		t.Errorf("expected expression not to match on WIRE, got %.1f", out.Score)
	}
}

func TestChannelRestriction(t *testing.T) {
	engine := mustEngine(t, &domain.RuleConfig{
		ID: "ach-large", Type: domain.RuleAmountThreshold, Weight: 10, Enabled: true,
		Params: map[string]any{"min_amount": 1000.0, "channels": []any{"ach"}},
	})

	ev := testEvent(5000)
	if out := engine.Evaluate(ev, domain.ProfileView{}); out.Score != 0 {
		t.Errorf("WIRE payment should be ignored, got %.1f", out.Score)
	}
	ev.Channel = domain.ChannelACH
	if out := engine.Evaluate(ev, domain.ProfileView{}); out.Score != 10 {
		t.Errorf("ACH payment should trigger, got %.1f", out.Score)
	}
}

func TestScoreIsCapped(t *testing.T) {
	var configs []*domain.RuleConfig
	for i := 0; i < 5; i++ {
		configs = append(configs, &domain.RuleConfig{
			ID: fmt.Sprintf("r%d", i), Type: domain.RuleAmountThreshold, Weight: 30, Enabled: true,
			Params: map[string]any{"min_amount": 1.0},
		})
	}
	engine := mustEngine(t, configs...)

	out := engine.Evaluate(testEvent(100), domain.ProfileView{})
	if out.Score != domain.MaxRuleScore {
		t.Errorf("expected score capped at %.0f, got %.1f", domain.MaxRuleScore, out.Score)
	}
	if len(out.Triggered) != 5 {
		t.Errorf("expected 5 triggered rules, got %d", len(out.Triggered))
	}
}

func TestEvaluationOrderIsConfigOrder(t *testing.T) {
	engine := mustEngine(t, DefaultRules()...)

	ev := testEvent(50000)
	ev.BeneficiaryID = "bene-new"
	ev.BeneficiaryCountry = "KP"
	ev.Timestamp = time.Date(2025, 3, 4, 3, 0, 0, 0, time.UTC)

	first := engine.Evaluate(ev, history(30, 1000, 100))
	for i := 0; i < 20; i++ {
		again := engine.Evaluate(ev, history(30, 1000, 100))
		if fmt.Sprint(again.Triggered) != fmt.Sprint(first.Triggered) || again.Score != first.Score {
			t.Fatalf("evaluation is not deterministic: %v vs %v", again.Triggered, first.Triggered)
		}
	}

	want := []string{"amount-deviation", "off-hours", "first-beneficiary", "sanctioned-jurisdiction", "round-amount"}
	if fmt.Sprint(first.Triggered) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, first.Triggered)
	}
	if first.Score != domain.MaxRuleScore {
		t.Errorf("expected capped score, got %.1f", first.Score)
	}
}

func TestPanickingPredicateIsNotTriggered(t *testing.T) {
	engine := mustEngine(t,
		&domain.RuleConfig{ID: "a", Type: domain.RuleAmountThreshold, Params: map[string]any{"min_amount": 1.0}, Weight: 10, Enabled: true},
		&domain.RuleConfig{ID: "b", Type: domain.RuleAmountThreshold, Params: map[string]any{"min_amount": 1.0}, Weight: 20, Enabled: true},
	)

	set := engine.Snapshot()
	set.rules[0].match = func(*domain.PaymentEvent, domain.ProfileView) (bool, string) {
		panic("boom")
	}

	out := Evaluate(testEvent(100), domain.ProfileView{}, set)
	if out.Score != 20 {
		t.Errorf("expected only rule b to count, got %.1f", out.Score)
	}
	if out.Results[0].Triggered {
		t.Error("panicking rule must not be triggered")
	}
}

func TestReloadSwapsAtomically(t *testing.T) {
	engine := mustEngine(t, DefaultRules()...)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				set := engine.Snapshot()
				out := Evaluate(testEvent(10000), history(10, 1000, 100), set)
				if out.Version != set.Version {
					t.Errorf("outcome version %d does not match set %d", out.Version, set.Version)
					return
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		engine.Load(DefaultRules())
	}
	close(stop)
	wg.Wait()

	if v := engine.Snapshot().Version; v != 51 {
		t.Errorf("expected version 51, got %d", v)
	}
}
