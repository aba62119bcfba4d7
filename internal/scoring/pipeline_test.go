package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

type harness struct {
	pipeline *Pipeline
	store    *profile.Store
	updater  *profile.Updater
	alerts   *alert.Queue
	policy   *decision.Policy
	deps     Deps
}

func newHarness(t *testing.T, scorer anomaly.Scorer, mods ...func(*Deps, *Options)) *harness {
	t.Helper()

	engine, err := rules.NewEngine()
	require.NoError(t, err)
	require.Empty(t, engine.Load(rules.DefaultRules()))

	policy, err := decision.NewPolicy(domain.DefaultWeights(), domain.DefaultThresholds(), nil)
	require.NoError(t, err)

	store := profile.NewStore(profile.Options{})
	updater := profile.NewUpdater(store, 4, 256)
	t.Cleanup(updater.Close)

	if scorer == nil {
		scorer = anomaly.NewProfileDistance()
	}

	deps := Deps{
		Profiles: store,
		Updater:  updater,
		Rules:    engine,
		Scorer:   scorer,
		Policy:   policy,
		Alerts:   alert.NewQueue(nil),
	}
	opts := Options{AnomalyBudget: 100 * time.Millisecond}
	for _, m := range mods {
		m(&deps, &opts)
	}

	return &harness{
		pipeline: New(deps, opts),
		store:    store,
		updater:  updater,
		alerts:   deps.Alerts,
		policy:   policy,
		deps:     deps,
	}
}

// seed gives acct-1 forty weekday payments of about 1000 to bene-1 between
// 10:00 and 15:00.
func (h *harness) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 40; i++ {
		ev := &domain.PaymentEvent{
			ID:                 fmt.Sprintf("hist-%d", i),
			Timestamp:          monday.AddDate(0, 0, i/5*7+i%5).Add(time.Duration(10+i%6) * time.Hour),
			Amount:             1000 + float64(i%5-2)*25,
			Currency:           "EUR",
			Channel:            domain.ChannelWire,
			AccountID:          "acct-1",
			BeneficiaryID:      "bene-1",
			BeneficiaryCountry: "DE",
		}
		h.store.Update(ctx, ev.AccountKey(), ev)
		h.store.Update(ctx, ev.BeneficiaryKey(), ev)
	}
}

func payment(id string, amount float64, at time.Time, beneficiary, country string) *domain.PaymentEvent {
	return &domain.PaymentEvent{
		ID:                 id,
		Timestamp:          at,
		Amount:             amount,
		Currency:           "EUR",
		Channel:            domain.ChannelWire,
		AccountID:          "acct-1",
		BeneficiaryID:      beneficiary,
		BeneficiaryCountry: country,
	}
}

// afterHistory is a weekday well after the seeded history.
var afterHistory = monday.AddDate(0, 2, 0)

func TestPipeline_ScenarioA_UnusualAmountOffHoursNewBeneficiary(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t)

	ev := payment("evt-a", 10000, afterHistory.Add(23*time.Hour), "bene-new", "DE")
	out, err := h.pipeline.Submit(context.Background(), ev)
	require.NoError(t, err)

	res := out.Result
	assert.GreaterOrEqual(t, res.RuleScore, 60.0)
	assert.Contains(t, res.TriggeredRules, "amount-deviation")
	assert.Contains(t, res.TriggeredRules, "off-hours")
	assert.Contains(t, res.TriggeredRules, "first-beneficiary")
	assert.True(t, res.Decision.AtLeast(domain.DecisionQueueReview), "decision %s", res.Decision)
	assert.True(t, res.AnomalyKnown())
	assert.Greater(t, res.AnomalyScore, 0.5)
	assert.False(t, res.Degraded)

	require.NotNil(t, out.Alert)
	assert.Equal(t, domain.StatePending, out.Alert.State)
	assert.Equal(t, 1, h.alerts.PendingLen())
}

func TestPipeline_ScenarioB_CriticalJurisdictionBlocks(t *testing.T) {
	for _, tc := range []struct {
		name   string
		scorer anomaly.Scorer
	}{
		{"profile distance", nil},
		{"anomaly says normal", anomaly.ScorerFunc(func(context.Context, *domain.PaymentEvent, domain.ProfileView) (float64, error) {
			return 0, nil
		})},
		{"anomaly unknown", anomaly.ScorerFunc(func(context.Context, *domain.PaymentEvent, domain.ProfileView) (float64, error) {
			return 0, errors.New("model unavailable")
		})},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.scorer)
			h.seed(t)

			ev := payment("evt-b", 1000, afterHistory.Add(12*time.Hour), "bene-1", "IR")
			out, err := h.pipeline.Submit(context.Background(), ev)
			require.NoError(t, err)

			res := out.Result
			assert.Equal(t, domain.DecisionBlockEscalate, res.Decision)
			assert.Equal(t, decision.OverrideCriticalRule+"sanctioned-jurisdiction", res.Override)
			assert.Equal(t, []string{"sanctioned-jurisdiction"}, res.CriticalRules)
			assert.Less(t, res.RiskScore, domain.DefaultThresholds().BlockEscalate)
			require.NotNil(t, out.Alert)
		})
	}
}

func TestPipeline_ScenarioC_TypicalEventAutoApproves(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t)

	ev := payment("evt-c", 1000, afterHistory.Add(12*time.Hour), "bene-1", "DE")
	out, err := h.pipeline.Submit(context.Background(), ev)
	require.NoError(t, err)

	res := out.Result
	assert.True(t, res.AnomalyKnown())
	assert.Less(t, res.AnomalyScore, 0.2)
	assert.Empty(t, res.TriggeredRules)
	assert.Equal(t, domain.DecisionAutoApprove, res.Decision)
	assert.Nil(t, out.Alert)
	assert.Equal(t, 0, h.alerts.PendingLen())
}

func TestPipeline_InvalidEvent(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.pipeline.Submit(context.Background(), &domain.PaymentEvent{ID: "evt-x"})
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
}

func TestPipeline_ResubmissionReturnsOriginalResult(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t)
	ctx := context.Background()

	ev := payment("evt-dup", 1000, afterHistory.Add(12*time.Hour), "bene-1", "DE")
	first, err := h.pipeline.Submit(ctx, ev)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := h.pipeline.Submit(ctx, ev)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Result.ID, second.Result.ID)
	assert.Equal(t, first.Result.Decision, second.Result.Decision)

	h.updater.Flush()
	acct, err := h.store.Get(ctx, ev.AccountKey())
	require.NoError(t, err)
	assert.Equal(t, int64(41), acct.Count, "a duplicate must not update profiles again")

	got, err := h.pipeline.Lookup(ctx, "evt-dup")
	require.NoError(t, err)
	assert.Equal(t, first.Result.ID, got.ID)

	_, err = h.pipeline.Lookup(ctx, "never-seen")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPipeline_ConcurrentDuplicatesShareOneComputation(t *testing.T) {
	var calls atomic.Int32
	slow := anomaly.ScorerFunc(func(ctx context.Context, ev *domain.PaymentEvent, view domain.ProfileView) (float64, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return 0.9, nil
	})
	h := newHarness(t, slow, func(_ *Deps, o *Options) { o.AnomalyBudget = time.Second })

	ev := payment("evt-race", 5000, afterHistory.Add(12*time.Hour), "bene-1", "DE")

	const n = 20
	outs := make([]*Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := h.pipeline.Submit(context.Background(), ev)
			assert.NoError(t, err)
			outs[i] = out
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	originals := 0
	for _, out := range outs {
		assert.Equal(t, outs[0].Result.ID, out.Result.ID)
		if !out.Duplicate {
			originals++
		}
	}
	assert.Equal(t, 1, originals)
	assert.LessOrEqual(t, len(h.alerts.List("")), 1)
}

func TestPipeline_AnomalyTimeoutDegradesToRuleScore(t *testing.T) {
	for _, tc := range []struct {
		name   string
		scorer anomaly.Scorer
	}{
		{"honors context", anomaly.ScorerFunc(func(ctx context.Context, _ *domain.PaymentEvent, _ domain.ProfileView) (float64, error) {
			<-ctx.Done()
			return domain.AnomalyUnknown, ctx.Err()
		})},
		{"ignores context", anomaly.ScorerFunc(func(context.Context, *domain.PaymentEvent, domain.ProfileView) (float64, error) {
			time.Sleep(300 * time.Millisecond)
			return 1, nil
		})},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.scorer, func(_ *Deps, o *Options) { o.AnomalyBudget = 20 * time.Millisecond })
			h.seed(t)

			ev := payment("evt-slow", 1000, afterHistory.Add(23*time.Hour), "bene-new", "DE")
			start := time.Now()
			out, err := h.pipeline.Submit(context.Background(), ev)
			require.NoError(t, err)
			assert.Less(t, time.Since(start), 250*time.Millisecond)

			res := out.Result
			assert.True(t, res.Degraded)
			assert.Contains(t, res.DegradedReasons, domain.DegradedAnomalyTimeout)
			assert.Equal(t, domain.AnomalyUnknown, res.AnomalyScore)
			assert.Equal(t, 35.0, res.RuleScore)
			assert.Equal(t, res.RuleScore, res.RiskScore)
			assert.Equal(t, decision.Decide(res.RuleScore, domain.DefaultThresholds()), res.Decision)
		})
	}
}

func TestPipeline_PanickingScorerDegradesToRuleScore(t *testing.T) {
	var calls atomic.Int32
	buggy := anomaly.ScorerFunc(func(context.Context, *domain.PaymentEvent, domain.ProfileView) (float64, error) {
		calls.Add(1)
		panic("scorer bug")
	})
	h := newHarness(t, buggy)
	h.seed(t)
	ctx := context.Background()

	out, err := h.pipeline.Submit(ctx, payment("evt-panic", 1000, afterHistory.Add(23*time.Hour), "bene-new", "DE"))
	require.NoError(t, err)

	res := out.Result
	assert.True(t, res.Degraded)
	assert.Contains(t, res.DegradedReasons, domain.DegradedAnomalyError)
	assert.NotContains(t, res.DegradedReasons, domain.DegradedAnomalyTimeout)
	assert.Equal(t, domain.AnomalyUnknown, res.AnomalyScore)
	assert.Equal(t, res.RuleScore, res.RiskScore)
	assert.Equal(t, decision.Decide(res.RuleScore, domain.DefaultThresholds()), res.Decision)

	// The pipeline keeps serving after the panic.
	next, err := h.pipeline.Submit(ctx, payment("evt-after-panic", 1000, afterHistory.Add(12*time.Hour), "bene-1", "DE"))
	require.NoError(t, err)
	assert.Contains(t, next.Result.DegradedReasons, domain.DegradedAnomalyError)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPipeline_NonFiniteAmountLeavesProfileIntact(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t)
	ctx := context.Background()

	for i, amount := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := h.pipeline.Submit(ctx, payment(fmt.Sprintf("evt-bad-%d", i), amount, afterHistory.Add(12*time.Hour), "bene-1", "DE"))
		assert.ErrorIs(t, err, domain.ErrInvalidEvent)
	}
	h.updater.Flush()

	acct, err := h.store.Get(ctx, domain.AccountEntityKey("acct-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(40), acct.Count)
	assert.False(t, math.IsNaN(acct.MeanAmount) || math.IsInf(acct.MeanAmount, 0))

	out, err := h.pipeline.Submit(ctx, payment("evt-huge", 10_000_000, afterHistory.Add(12*time.Hour), "bene-1", "DE"))
	require.NoError(t, err)
	assert.Greater(t, out.Result.AnomalyScore, 0.5)
	assert.NotEqual(t, domain.DecisionAutoApprove, out.Result.Decision)
}

func TestPipeline_ProfileUpdatedOnlyAfterScoring(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t)
	ctx := context.Background()

	first, err := h.pipeline.Submit(ctx, payment("evt-p1", 1000, afterHistory.Add(12*time.Hour), "bene-2", "DE"))
	require.NoError(t, err)
	assert.Contains(t, first.Result.TriggeredRules, "first-beneficiary", "scored against the pre-update profile")

	h.updater.Flush()
	acct, err := h.store.Get(ctx, domain.AccountEntityKey("acct-1"))
	require.NoError(t, err)
	assert.True(t, acct.HasSeenBeneficiary("bene-2"))

	second, err := h.pipeline.Submit(ctx, payment("evt-p2", 1000, afterHistory.Add(13*time.Hour), "bene-2", "DE"))
	require.NoError(t, err)
	assert.NotContains(t, second.Result.TriggeredRules, "first-beneficiary")
}

// brokenCache fails every call.
type brokenCache struct{}

var errCacheDown = errors.New("cache down")

func (brokenCache) Get(context.Context, string) ([]byte, error) { return nil, errCacheDown }
func (brokenCache) Set(context.Context, string, []byte, time.Duration) error { return errCacheDown }
func (brokenCache) Delete(context.Context, string) error { return errCacheDown }
func (brokenCache) Ping(context.Context) error { return errCacheDown }
func (brokenCache) Close() error { return nil }

func TestPipeline_ProfileStoreUnavailableStillScores(t *testing.T) {
	h := newHarness(t, nil, func(d *Deps, _ *Options) {
		d.Profiles = profile.NewStore(profile.Options{Cache: brokenCache{}})
	})

	out, err := h.pipeline.Submit(context.Background(), payment("evt-nostore", 1000, afterHistory.Add(12*time.Hour), "bene-1", "DE"))
	require.NoError(t, err)
	assert.True(t, out.Result.Degraded)
	assert.Contains(t, out.Result.DegradedReasons, domain.DegradedProfileStore)
	assert.NotEmpty(t, out.Result.Decision)
}

func TestPipeline_UsesPolicyActiveAtSubmission(t *testing.T) {
	never := anomaly.ScorerFunc(func(context.Context, *domain.PaymentEvent, domain.ProfileView) (float64, error) {
		return 0, nil
	})
	h := newHarness(t, never)
	h.seed(t)
	ctx := context.Background()

	// Off-hours only: rule score 15, risk 6 under the default policy.
	ev := payment("evt-pol-1", 1000, afterHistory.Add(23*time.Hour), "bene-1", "DE")
	out, err := h.pipeline.Submit(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAutoApprove, out.Result.Decision)
	assert.Equal(t, int64(1), out.Result.PolicyVersion)

	_, err = h.policy.Activate(ctx, domain.Weights{Rule: 1, Anomaly: 0}, domain.Thresholds{QueueReview: 10, ImmediateReview: 50, BlockEscalate: 90}, "operator")
	require.NoError(t, err)

	ev2 := payment("evt-pol-2", 1000, afterHistory.Add(23*time.Hour+time.Minute), "bene-1", "DE")
	out, err = h.pipeline.Submit(ctx, ev2)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionQueueReview, out.Result.Decision)
	assert.Equal(t, int64(2), out.Result.PolicyVersion)
}

func TestPipeline_PublishesDecisionsAndAlerts(t *testing.T) {
	eventBus := bus.NewChannelBus(16)
	defer eventBus.Close()
	ctx := context.Background()

	decisions := make(chan *domain.ScoreResult, 4)
	alerts := make(chan *domain.AlertItem, 4)
	_, err := eventBus.Subscribe(ctx, domain.TopicDecision, func(_ context.Context, msg *domain.Message) error {
		var res domain.ScoreResult
		if err := json.Unmarshal(msg.Payload, &res); err != nil {
			return err
		}
		decisions <- &res
		return nil
	})
	require.NoError(t, err)
	_, err = eventBus.Subscribe(ctx, domain.TopicAlert, func(_ context.Context, msg *domain.Message) error {
		var item domain.AlertItem
		if err := json.Unmarshal(msg.Payload, &item); err != nil {
			return err
		}
		alerts <- &item
		return nil
	})
	require.NoError(t, err)

	h := newHarness(t, nil, func(d *Deps, _ *Options) { d.Bus = eventBus })
	h.seed(t)

	out, err := h.pipeline.Submit(ctx, payment("evt-pub", 1000, afterHistory.Add(12*time.Hour), "bene-1", "KP"))
	require.NoError(t, err)

	select {
	case res := <-decisions:
		assert.Equal(t, out.Result.ID, res.ID)
	case <-time.After(time.Second):
		t.Fatal("no decision published")
	}
	select {
	case item := <-alerts:
		assert.Equal(t, "evt-pub", item.EventID)
		assert.Equal(t, domain.DecisionBlockEscalate, item.Result.Decision)
	case <-time.After(time.Second):
		t.Fatal("no alert published")
	}
}

func TestPipeline_RepositoryKeepsIdempotenceAcrossRestarts(t *testing.T) {
	repo, err := repository.New(context.Background(), domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "scoring.db"),
	})
	require.NoError(t, err)
	defer repo.Close()
	ctx := context.Background()

	ev := payment("evt-persist", 1000, afterHistory.Add(12*time.Hour), "bene-1", "DE")

	h1 := newHarness(t, nil, func(d *Deps, _ *Options) { d.Repo = repo })
	first, err := h1.pipeline.Submit(ctx, ev)
	require.NoError(t, err)

	stored, err := repo.GetEvent(ctx, "evt-persist")
	require.NoError(t, err)
	assert.Equal(t, ev.Amount, stored.Amount)

	// A fresh pipeline with an empty cache still finds the original result.
	h2 := newHarness(t, nil, func(d *Deps, _ *Options) { d.Repo = repo })
	second, err := h2.pipeline.Submit(ctx, ev)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Result.ID, second.Result.ID)
}
