package feedback

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// DispositionSource supplies a point-in-time copy of resolved alerts.
type DispositionSource interface {
	Dispositions() []domain.Labeled
}

// Service runs recalibration periodically and stages the results on the policy.
type Service struct {
	source DispositionSource
	policy *decision.Policy
	cfg    domain.FeedbackConfig
	bus    domain.EventBus

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a recalibration service. bus may be nil.
func NewService(source DispositionSource, policy *decision.Policy, cfg domain.FeedbackConfig, bus domain.EventBus) *Service {
	return &Service{
		source: source,
		policy: policy,
		cfg:    cfg,
		bus:    bus,
	}
}

// RunOnce computes a proposal from the current dispositions. Proposals that
// change something are staged on the policy; nothing is activated.
func (s *Service) RunOnce(ctx context.Context) (*domain.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	labels := s.source.Dispositions()
	prop := Recalibrate(labels, s.policy.Current(), s.cfg)

	outcome := "unchanged"
	switch {
	case prop.Samples < s.cfg.MinSamples:
		outcome = "insufficient_samples"
	case prop.Changed:
		outcome = "staged"
		if !s.policy.Stage(prop) {
			outcome = "stale"
		}
	}
	metrics.Recalibrations.WithLabelValues(outcome).Inc()

	slog.Info("recalibration completed",
		"component", "feedback",
		"outcome", outcome,
		"proposal_id", prop.ID,
		"samples", prop.Samples,
		"false_positive_rate", prop.FalsePositiveRate,
		"false_negative_proxy", prop.FalseNegativeProxy,
	)
	return prop, nil
}

// Activate commits a staged proposal and announces the new policy version.
func (s *Service) Activate(ctx context.Context, proposalID string) (*domain.PolicyConfig, error) {
	cfg, err := s.policy.ActivateProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	s.announce(ctx, cfg)
	return cfg, nil
}

// ActivateConfig publishes operator-supplied weights and thresholds.
func (s *Service) ActivateConfig(ctx context.Context, weights domain.Weights, thresholds domain.Thresholds, source string) (*domain.PolicyConfig, error) {
	cfg, err := s.policy.Activate(ctx, weights, thresholds, source)
	if err != nil {
		return nil, err
	}
	s.announce(ctx, cfg)
	return cfg, nil
}

// Start runs RunOnce every interval until Stop is called or ctx ends.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
					slog.Error("recalibration failed", "component", "feedback", "error", err)
				}
			}
		}
	}()

	slog.Info("recalibration scheduler started", "interval", interval.String())
}

// Stop halts the scheduler and waits for an in-progress run to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}

func (s *Service) announce(ctx context.Context, cfg *domain.PolicyConfig) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		slog.Error("failed to marshal policy", "error", err)
		return
	}
	if err := s.bus.Publish(ctx, domain.TopicPolicyActivated, payload); err != nil {
		slog.Error("failed to publish policy activation", "version", cfg.Version, "error", err)
	}
}
