package decision

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// PolicyStore persists activated policy versions.
type PolicyStore interface {
	SavePolicy(ctx context.Context, policy *domain.PolicyConfig) error
}

// Policy holds the active fusion and decision configuration plus staged
// recalibration proposals. Readers take a snapshot without locking; every
// activation publishes a new immutable version.
type Policy struct {
	active atomic.Pointer[domain.PolicyConfig]

	mu        sync.Mutex // serializes activation and guards proposals
	proposals map[string]*domain.Proposal
	store     PolicyStore
}

// NewPolicy creates a policy with version 1 built from the given defaults.
func NewPolicy(weights domain.Weights, thresholds domain.Thresholds, store PolicyStore) (*Policy, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}

	p := &Policy{
		proposals: make(map[string]*domain.Proposal),
		store:     store,
	}
	p.active.Store(&domain.PolicyConfig{
		Version:     1,
		Weights:     weights,
		Thresholds:  thresholds,
		Source:      "default",
		ActivatedAt: time.Now().UTC(),
	})
	metrics.PolicyVersion.Set(1)
	return p, nil
}

// Current returns the active policy version.
func (p *Policy) Current() *domain.PolicyConfig {
	return p.active.Load()
}

// Restore replaces the active policy with a previously persisted version.
func (p *Policy) Restore(cfg *domain.PolicyConfig) error {
	if cfg == nil {
		return nil
	}
	if err := cfg.Weights.Validate(); err != nil {
		return err
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *cfg
	p.active.Store(&cp)
	p.dropStaleLocked(cp.Version)
	metrics.PolicyVersion.Set(float64(cp.Version))
	return nil
}

// Activate validates and publishes a new policy version.
func (p *Policy) Activate(ctx context.Context, weights domain.Weights, thresholds domain.Thresholds, source string) (*domain.PolicyConfig, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activateLocked(ctx, weights, thresholds, source), nil
}

// maxStagedProposals bounds how many proposals wait for an operator.
const maxStagedProposals = 16

// Stage records a proposal for later activation. It never changes the active
// policy. A proposal computed against a version that is no longer active is
// not staged, and the oldest proposal is evicted once the limit is reached.
func (p *Policy) Stage(proposal *domain.Proposal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if proposal.BaseVersion != p.active.Load().Version {
		slog.Info("stale proposal not staged",
			"component", "decision",
			"proposal_id", proposal.ID,
			"base_version", proposal.BaseVersion,
		)
		return false
	}
	for len(p.proposals) >= maxStagedProposals {
		var oldest *domain.Proposal
		for _, prop := range p.proposals {
			if oldest == nil || prop.CreatedAt.Before(oldest.CreatedAt) {
				oldest = prop
			}
		}
		delete(p.proposals, oldest.ID)
	}
	p.proposals[proposal.ID] = proposal
	return true
}

// dropStaleLocked removes proposals computed against any other version.
func (p *Policy) dropStaleLocked(version int64) {
	for id, prop := range p.proposals {
		if prop.BaseVersion != version {
			delete(p.proposals, id)
		}
	}
}

// Proposals returns staged proposals, newest first.
func (p *Policy) Proposals() []*domain.Proposal {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*domain.Proposal, 0, len(p.proposals))
	for _, prop := range p.proposals {
		cp := *prop
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ActivateProposal publishes a staged proposal. A proposal computed against an
// older policy version is rejected.
func (p *Policy) ActivateProposal(ctx context.Context, proposalID string) (*domain.PolicyConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prop, ok := p.proposals[proposalID]
	if !ok {
		return nil, fmt.Errorf("proposal %s: %w", proposalID, domain.ErrNotFound)
	}
	if current := p.active.Load(); prop.BaseVersion != current.Version {
		return nil, fmt.Errorf("%w: proposal %s was computed against version %d, active is %d",
			domain.ErrInvalidPolicy, proposalID, prop.BaseVersion, current.Version)
	}
	if err := prop.Weights.Validate(); err != nil {
		return nil, err
	}
	if err := prop.Thresholds.Validate(); err != nil {
		return nil, err
	}

	return p.activateLocked(ctx, prop.Weights, prop.Thresholds, "proposal:"+prop.ID), nil
}

func (p *Policy) activateLocked(ctx context.Context, weights domain.Weights, thresholds domain.Thresholds, source string) *domain.PolicyConfig {
	prev := p.active.Load()
	cfg := &domain.PolicyConfig{
		Version:     prev.Version + 1,
		Weights:     weights,
		Thresholds:  thresholds,
		Source:      source,
		ActivatedAt: time.Now().UTC(),
	}
	p.active.Store(cfg)
	p.dropStaleLocked(cfg.Version)
	metrics.PolicyVersion.Set(float64(cfg.Version))

	if p.store != nil {
		if err := p.store.SavePolicy(ctx, cfg); err != nil {
			slog.Error("failed to persist policy version",
				"component", "decision",
				"version", cfg.Version,
				"error", err,
			)
		}
	}

	slog.Info("policy activated",
		"version", cfg.Version,
		"source", source,
		"weight_rule", weights.Rule,
		"weight_anomaly", weights.Anomaly,
		"queue_review", thresholds.QueueReview,
		"immediate_review", thresholds.ImmediateReview,
		"block_escalate", thresholds.BlockEscalate,
	)
	return cfg
}
