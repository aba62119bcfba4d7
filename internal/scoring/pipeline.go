// Package scoring runs a payment event through profiles, rules, the anomaly
// scorer and the decision policy, and routes the result.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/rules"
)

var tracer = otel.Tracer("kestrel/scoring")

// Outcome is what Submit returns for one event.
type Outcome struct {
	Result *domain.ScoreResult
	Alert  *domain.AlertItem // set when the decision requires review

	// Duplicate is true when the event ID had already been scored and Result
	// is the original verdict.
	Duplicate bool
}

// Deps are the components a Pipeline joins. Profiles, Updater, Rules, Scorer
// and Policy are required; the rest are optional.
type Deps struct {
	Profiles *profile.Store
	Updater  *profile.Updater
	Rules    *rules.Engine
	Scorer   anomaly.Scorer
	Policy   *decision.Policy
	Alerts   *alert.Queue

	Cache domain.Cache      // idempotency records; an in-process LRU when nil
	Repo  domain.Repository // audit trail
	Bus   domain.EventBus   // decision and alert topics
}

// Options tune a Pipeline.
type Options struct {
	AnomalyBudget time.Duration
	ScoreTTL      time.Duration // how long idempotency records stay cached
}

// Pipeline scores events. It is safe for concurrent use.
type Pipeline struct {
	deps          Deps
	anomalyBudget time.Duration
	scoreTTL      time.Duration

	mu       sync.Mutex
	inflight map[string]*call
}

// call is an in-progress scoring of one event ID.
type call struct {
	done chan struct{}
	out  *Outcome
	err  error
}

// New creates a pipeline.
func New(deps Deps, opts Options) *Pipeline {
	if deps.Cache == nil {
		deps.Cache = cache.NewLRUCache(100000)
	}
	if opts.AnomalyBudget <= 0 {
		opts.AnomalyBudget = 50 * time.Millisecond
	}
	if opts.ScoreTTL <= 0 {
		opts.ScoreTTL = 24 * time.Hour
	}
	return &Pipeline{
		deps:          deps,
		anomalyBudget: opts.AnomalyBudget,
		scoreTTL:      opts.ScoreTTL,
		inflight:      make(map[string]*call),
	}
}

// Submit scores an event exactly once. Resubmitting an event ID, including
// concurrently, returns the original result with Duplicate set. The only
// errors are invalid events and ctx ending while waiting on a concurrent
// submission of the same ID.
func (p *Pipeline) Submit(ctx context.Context, ev *domain.PaymentEvent) (*Outcome, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	if res := p.prior(ctx, ev.ID); res != nil {
		return p.duplicate(res), nil
	}

	p.mu.Lock()
	if c, ok := p.inflight[ev.ID]; ok {
		p.mu.Unlock()
		select {
		case <-c.done:
			if c.err != nil {
				return nil, c.err
			}
			return p.duplicate(c.out.Result), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	p.inflight[ev.ID] = c
	p.mu.Unlock()

	// A submission that finished between the first lookup and registering
	// has recorded its result before leaving the in-flight map.
	if res := p.prior(ctx, ev.ID); res != nil {
		c.out = p.duplicate(res)
	} else {
		c.out, c.err = p.score(ctx, ev)
	}
	close(c.done)

	p.mu.Lock()
	delete(p.inflight, ev.ID)
	p.mu.Unlock()

	return c.out, c.err
}

// Lookup returns the result recorded for an event.
func (p *Pipeline) Lookup(ctx context.Context, eventID string) (*domain.ScoreResult, error) {
	if res := p.prior(ctx, eventID); res != nil {
		return res, nil
	}
	return nil, fmt.Errorf("score for event %s: %w", eventID, domain.ErrNotFound)
}

func (p *Pipeline) duplicate(res *domain.ScoreResult) *Outcome {
	metrics.DuplicateSubmissions.Inc()
	out := &Outcome{Result: res, Duplicate: true}
	if p.deps.Alerts != nil {
		if item, err := p.deps.Alerts.GetByEvent(res.EventID); err == nil {
			out.Alert = item
		}
	}
	return out
}

// prior finds an existing result in cache, then the repository, then the
// alert queue.
func (p *Pipeline) prior(ctx context.Context, eventID string) *domain.ScoreResult {
	data, err := p.deps.Cache.Get(ctx, domain.CacheKeyScore+eventID)
	if err != nil {
		slog.Warn("idempotency cache read failed", "event_id", eventID, "error", err)
	}
	if data != nil {
		var res domain.ScoreResult
		if err := json.Unmarshal(data, &res); err == nil {
			return &res
		}
	}

	if p.deps.Repo != nil {
		res, err := p.deps.Repo.GetScoreResult(ctx, eventID)
		if err == nil {
			return res
		}
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("score lookup failed", "event_id", eventID, "error", err)
		}
	}

	if p.deps.Alerts != nil {
		if item, err := p.deps.Alerts.GetByEvent(eventID); err == nil {
			res := item.Result
			return &res
		}
	}
	return nil
}

type anomalyResult struct {
	score float64
	err   error
}

func (p *Pipeline) score(ctx context.Context, ev *domain.PaymentEvent) (*Outcome, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "scoring.submit",
		trace.WithAttributes(
			attribute.String("event.id", ev.ID),
			attribute.String("event.channel", string(ev.Channel)),
		),
	)
	defer span.End()

	ruleSet := p.deps.Rules.Snapshot()
	policy := p.deps.Policy.Current()
	var degraded []string

	view, err := p.deps.Profiles.View(ctx, ev)
	if err != nil {
		degraded = append(degraded, domain.DegradedProfileStore)
		slog.Warn("scoring with default profiles",
			"component", "profile",
			"event_id", ev.ID,
			"reason", domain.DegradedProfileStore,
			"error", err,
		)
	}

	ruleCh := make(chan domain.RuleOutcome, 1)
	go func() {
		ruleCh <- rules.Evaluate(ev, view, ruleSet)
	}()

	actx, cancel := context.WithTimeout(ctx, p.anomalyBudget)
	defer cancel()
	anomCh := make(chan anomalyResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				anomCh <- anomalyResult{score: domain.AnomalyUnknown, err: fmt.Errorf("anomaly scorer panic: %v", r)}
			}
		}()
		s, err := p.deps.Scorer.Score(actx, ev, view)
		anomCh <- anomalyResult{score: s, err: err}
	}()

	outcome := <-ruleCh

	anomalyScore := domain.AnomalyUnknown
	timer := time.NewTimer(p.anomalyBudget)
	defer timer.Stop()
	select {
	case r := <-anomCh:
		switch {
		case r.err == nil && r.score >= 0:
			anomalyScore = r.score
		case errors.Is(r.err, context.DeadlineExceeded):
			degraded = append(degraded, domain.DegradedAnomalyTimeout)
		default:
			degraded = append(degraded, domain.DegradedAnomalyError)
			slog.Warn("anomaly scorer failed",
				"component", "anomaly",
				"event_id", ev.ID,
				"reason", domain.DegradedAnomalyError,
				"error", r.err,
			)
		}
	case <-timer.C:
		degraded = append(degraded, domain.DegradedAnomalyTimeout)
	}
	if slices.Contains(degraded, domain.DegradedAnomalyTimeout) {
		metrics.AnomalyTimeouts.Inc()
		slog.Warn("deciding on rule score alone",
			"component", "anomaly",
			"event_id", ev.ID,
			"reason", domain.DegradedAnomalyTimeout,
			"budget_ms", p.anomalyBudget.Milliseconds(),
			"error", fmt.Errorf("anomaly scorer: %w", domain.ErrScoringTimeout),
		)
	}

	res := decision.Process(&decision.Input{
		Event:           ev,
		Rules:           outcome,
		AnomalyScore:    anomalyScore,
		Policy:          policy,
		DegradedReasons: degraded,
		StartTime:       start,
	})

	// Recording and routing must not be cut short by a caller going away.
	bg := context.WithoutCancel(ctx)
	p.record(bg, ev, res)

	out := &Outcome{Result: res}
	if res.Decision.RequiresReview() && p.deps.Alerts != nil {
		item, _, err := p.deps.Alerts.Enqueue(bg, res)
		if err != nil {
			slog.Error("failed to enqueue alert", "event_id", ev.ID, "error", err)
		}
		out.Alert = item
	}

	if err := p.deps.Updater.Enqueue(bg, ev); err != nil {
		metrics.ProfileUpdateErrors.Inc()
		slog.Error("failed to schedule profile update",
			"component", "profile",
			"event_id", ev.ID,
			"error", err,
		)
	}

	p.publish(bg, out)
	p.observe(span, ev, res, outcome, time.Since(start))
	return out, nil
}

// record stores the result for idempotency and audit. Failures are logged.
func (p *Pipeline) record(ctx context.Context, ev *domain.PaymentEvent, res *domain.ScoreResult) {
	if data, err := json.Marshal(res); err == nil {
		if err := p.deps.Cache.Set(ctx, domain.CacheKeyScore+ev.ID, data, p.scoreTTL); err != nil {
			slog.Error("failed to cache score result", "event_id", ev.ID, "error", err)
		}
	}

	if p.deps.Repo == nil {
		return
	}
	if err := p.deps.Repo.SaveEvent(ctx, ev); err != nil {
		slog.Error("failed to save event", "event_id", ev.ID, "error", err)
	}
	if err := p.deps.Repo.SaveScoreResult(ctx, res); err != nil {
		slog.Error("failed to save score result", "event_id", ev.ID, "error", err)
	}
}

func (p *Pipeline) publish(ctx context.Context, out *Outcome) {
	if p.deps.Bus == nil {
		return
	}
	if payload, err := json.Marshal(out.Result); err == nil {
		if err := p.deps.Bus.Publish(ctx, domain.TopicDecision, payload); err != nil {
			slog.Error("failed to publish decision", "event_id", out.Result.EventID, "error", err)
		}
	}
	if out.Alert == nil {
		return
	}
	if payload, err := json.Marshal(out.Alert); err == nil {
		if err := p.deps.Bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
			slog.Error("failed to publish alert", "event_id", out.Result.EventID, "error", err)
		}
	}
}

func (p *Pipeline) observe(span trace.Span, ev *domain.PaymentEvent, res *domain.ScoreResult, outcome domain.RuleOutcome, elapsed time.Duration) {
	metrics.EventsScored.WithLabelValues(string(res.Decision)).Inc()
	metrics.ScoringDuration.Observe(float64(elapsed.Microseconds()) / 1000)
	for _, reason := range res.DegradedReasons {
		metrics.DegradedResults.WithLabelValues(reason).Inc()
	}
	if res.Override != "" {
		metrics.CriticalOverrides.Inc()
	}

	span.SetAttributes(
		attribute.String("decision", string(res.Decision)),
		attribute.Float64("risk_score", res.RiskScore),
		attribute.Bool("degraded", res.Degraded),
	)
	if res.Degraded {
		span.SetStatus(codes.Error, "degraded")
	}

	attrs := []any{
		"event_id", ev.ID,
		"decision", res.Decision,
		"risk_score", res.RiskScore,
		"rule_score", res.RuleScore,
		"anomaly_score", res.AnomalyScore,
		"triggered_rules", res.TriggeredRules,
		"duration_ms", elapsed.Milliseconds(),
	}
	if reasons := decision.Reasons(outcome); len(reasons) > 0 {
		attrs = append(attrs, "reasons", reasons)
	}
	if res.Override != "" {
		attrs = append(attrs, "override", res.Override)
	}
	if res.Degraded {
		attrs = append(attrs, "degraded_reasons", res.DegradedReasons)
	}
	slog.Info("payment scored", attrs...)
}
