// Package alert holds score results awaiting human review and tracks their disposition.
package alert

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

var (
	// ErrAlertNotFound matches domain.ErrNotFound.
	ErrAlertNotFound = fmt.Errorf("alert: %w", domain.ErrNotFound)

	// ErrQueueEmpty is returned by ClaimNext when nothing is pending.
	ErrQueueEmpty = errors.New("no pending alerts")

	ErrInvalidDisposition = errors.New("invalid disposition")
	ErrAnalystRequired    = errors.New("analyst id is required")
)

// Queue is the in-memory review queue. Every state change is written through
// to the optional AlertStore.
type Queue struct {
	mu      sync.Mutex
	items   map[string]*domain.AlertItem // by alert ID
	byEvent map[string]string            // event ID -> alert ID
	pending pendingHeap
	entries map[string]*entry // pending alerts by ID

	store domain.AlertStore
	now   func() time.Time
}

// NewQueue creates an empty queue. store may be nil.
func NewQueue(store domain.AlertStore) *Queue {
	return &Queue{
		items:   make(map[string]*domain.AlertItem),
		byEvent: make(map[string]string),
		entries: make(map[string]*entry),
		store:   store,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue creates a PENDING alert for a score result. Enqueuing an event that
// already has an alert returns the existing alert unchanged.
func (q *Queue) Enqueue(ctx context.Context, res *domain.ScoreResult) (*domain.AlertItem, bool, error) {
	if res == nil || res.EventID == "" {
		return nil, false, fmt.Errorf("%w: score result with event id is required", domain.ErrInvalidEvent)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if id, ok := q.byEvent[res.EventID]; ok {
		return q.items[id].Clone(), false, nil
	}

	now := q.now()
	item := &domain.AlertItem{
		ID:        uuid.New().String(),
		EventID:   res.EventID,
		Result:    *res,
		State:     domain.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
		Audit: []domain.AuditEntry{{
			Action:    domain.AuditCreated,
			To:        domain.StatePending,
			Notes:     string(res.Decision),
			Timestamp: now,
		}},
	}

	q.items[item.ID] = item
	q.byEvent[item.EventID] = item.ID
	q.pushPending(item)
	q.persist(ctx, item)

	metrics.AlertsEnqueued.Inc()
	return item.Clone(), true, nil
}

// Claim assigns a PENDING alert to an analyst. Claiming an alert the analyst
// already holds succeeds; claiming one held by someone else is a conflict.
func (q *Queue) Claim(ctx context.Context, alertID, analyst string) (*domain.AlertItem, error) {
	if analyst == "" {
		return nil, ErrAnalystRequired
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[alertID]
	if !ok {
		return nil, ErrAlertNotFound
	}

	switch item.State {
	case domain.StatePending:
		q.claimLocked(ctx, item, analyst)
		return item.Clone(), nil
	case domain.StateInReview:
		if item.AssignedTo == analyst {
			return item.Clone(), nil
		}
		metrics.ClaimConflicts.Inc()
		return nil, fmt.Errorf("alert %s held by %s: %w", alertID, item.AssignedTo, domain.ErrClaimConflict)
	default:
		return nil, fmt.Errorf("alert %s is %s: %w", alertID, item.State, domain.ErrInvalidTransition)
	}
}

// ClaimNext claims the highest-priority pending alert.
func (q *Queue) ClaimNext(ctx context.Context, analyst string) (*domain.AlertItem, error) {
	if analyst == "" {
		return nil, ErrAnalystRequired
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending.Len() == 0 {
		return nil, ErrQueueEmpty
	}
	item := q.pending[0].item
	q.claimLocked(ctx, item, analyst)
	return item.Clone(), nil
}

// Release hands an IN_REVIEW alert back to the pending queue.
func (q *Queue) Release(ctx context.Context, alertID, analyst string) (*domain.AlertItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.heldBy(alertID, analyst)
	if err != nil {
		return nil, err
	}

	q.transition(item, domain.AuditReleased, analyst, domain.StatePending, "")
	item.AssignedTo = ""
	q.pushPending(item)
	q.persist(ctx, item)
	return item.Clone(), nil
}

// Resolve records the analyst's disposition. It succeeds exactly once per alert.
func (q *Queue) Resolve(ctx context.Context, alertID, analyst string, disposition domain.Disposition, notes string) (*domain.AlertItem, error) {
	if !disposition.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDisposition, disposition)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.heldBy(alertID, analyst)
	if err != nil {
		return nil, err
	}

	q.transition(item, domain.AuditResolved, analyst, domain.StateResolved, notes)
	item.Disposition = &domain.DispositionRecord{
		Disposition: disposition,
		Analyst:     analyst,
		Notes:       notes,
		ResolvedAt:  item.UpdatedAt,
	}
	q.persist(ctx, item)

	metrics.AlertsResolved.WithLabelValues(string(disposition)).Inc()
	slog.Info("alert resolved",
		"alert_id", item.ID,
		"event_id", item.EventID,
		"analyst", analyst,
		"disposition", disposition,
	)
	return item.Clone(), nil
}

// Reopen records a request to revisit a RESOLVED alert. The alert stays
// resolved and its disposition is never changed; only the audit trail grows.
func (q *Queue) Reopen(ctx context.Context, alertID, analyst, reason string) (*domain.AlertItem, error) {
	if analyst == "" {
		return nil, ErrAnalystRequired
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[alertID]
	if !ok {
		return nil, ErrAlertNotFound
	}
	if item.State != domain.StateResolved {
		return nil, fmt.Errorf("alert %s is %s: %w", alertID, item.State, domain.ErrInvalidTransition)
	}

	now := q.now()
	item.Audit = append(item.Audit, domain.AuditEntry{
		Action:    domain.AuditReopened,
		Actor:     analyst,
		From:      domain.StateResolved,
		To:        domain.StateResolved,
		Notes:     reason,
		Timestamp: now,
	})
	item.UpdatedAt = now
	q.persist(ctx, item)
	return item.Clone(), nil
}

// Get returns a copy of an alert.
func (q *Queue) Get(alertID string) (*domain.AlertItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[alertID]
	if !ok {
		return nil, ErrAlertNotFound
	}
	return item.Clone(), nil
}

// GetByEvent returns the alert raised for an event.
func (q *Queue) GetByEvent(eventID string) (*domain.AlertItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, ok := q.byEvent[eventID]
	if !ok {
		return nil, ErrAlertNotFound
	}
	return q.items[id].Clone(), nil
}

// List returns copies of alerts in the given state, or all alerts if state is
// empty, in review priority order.
func (q *Queue) List(state domain.ReviewState) []*domain.AlertItem {
	q.mu.Lock()
	out := make([]*domain.AlertItem, 0, len(q.items))
	for _, item := range q.items {
		if state == "" || item.State == state {
			out = append(out, item.Clone())
		}
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return higherPriority(out[i], out[j])
	})
	return out
}

// PendingLen returns the number of alerts waiting to be claimed.
func (q *Queue) PendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Dispositions returns a point-in-time copy of every resolved alert, oldest
// resolution first.
func (q *Queue) Dispositions() []domain.Labeled {
	q.mu.Lock()
	out := make([]domain.Labeled, 0)
	for _, item := range q.items {
		if item.State != domain.StateResolved || item.Disposition == nil {
			continue
		}
		out = append(out, domain.Labeled{
			AlertID:      item.ID,
			EventID:      item.EventID,
			RuleScore:    item.Result.RuleScore,
			AnomalyScore: item.Result.AnomalyScore,
			RiskScore:    item.Result.RiskScore,
			Decision:     item.Result.Decision,
			Disposition:  item.Disposition.Disposition,
			ResolvedAt:   item.Disposition.ResolvedAt,
		})
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ResolvedAt.Equal(out[j].ResolvedAt) {
			return out[i].ResolvedAt.Before(out[j].ResolvedAt)
		}
		return out[i].AlertID < out[j].AlertID
	})
	return out
}

// Restore loads previously persisted alerts, e.g. at startup. Alerts already
// known by event ID are skipped.
func (q *Queue) Restore(items []*domain.AlertItem) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, it := range items {
		if it == nil || it.ID == "" {
			continue
		}
		if _, ok := q.byEvent[it.EventID]; ok {
			continue
		}
		item := it.Clone()
		q.items[item.ID] = item
		q.byEvent[item.EventID] = item.ID
		if item.State == domain.StatePending {
			q.pushPending(item)
		}
		n++
	}
	return n
}

func (q *Queue) claimLocked(ctx context.Context, item *domain.AlertItem, analyst string) {
	q.removePending(item.ID)
	q.transition(item, domain.AuditClaimed, analyst, domain.StateInReview, "")
	item.AssignedTo = analyst
	q.persist(ctx, item)
}

// heldBy returns an alert that is IN_REVIEW by analyst.
func (q *Queue) heldBy(alertID, analyst string) (*domain.AlertItem, error) {
	if analyst == "" {
		return nil, ErrAnalystRequired
	}
	item, ok := q.items[alertID]
	if !ok {
		return nil, ErrAlertNotFound
	}
	if item.State != domain.StateInReview {
		return nil, fmt.Errorf("alert %s is %s: %w", alertID, item.State, domain.ErrInvalidTransition)
	}
	if item.AssignedTo != analyst {
		metrics.ClaimConflicts.Inc()
		return nil, fmt.Errorf("alert %s held by %s: %w", alertID, item.AssignedTo, domain.ErrClaimConflict)
	}
	return item, nil
}

func (q *Queue) transition(item *domain.AlertItem, action, actor string, to domain.ReviewState, notes string) {
	now := q.now()
	item.Audit = append(item.Audit, domain.AuditEntry{
		Action:    action,
		Actor:     actor,
		From:      item.State,
		To:        to,
		Notes:     notes,
		Timestamp: now,
	})
	item.State = to
	item.UpdatedAt = now
}

func (q *Queue) pushPending(item *domain.AlertItem) {
	e := &entry{item: item}
	heap.Push(&q.pending, e)
	q.entries[item.ID] = e
	metrics.AlertsPending.Set(float64(q.pending.Len()))
}

func (q *Queue) removePending(alertID string) {
	e, ok := q.entries[alertID]
	if !ok {
		return
	}
	heap.Remove(&q.pending, e.index)
	delete(q.entries, alertID)
	metrics.AlertsPending.Set(float64(q.pending.Len()))
}

func (q *Queue) persist(ctx context.Context, item *domain.AlertItem) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveAlert(ctx, item.Clone()); err != nil {
		slog.Error("failed to persist alert",
			"component", "alert",
			"alert_id", item.ID,
			"state", item.State,
			"error", err,
		)
	}
}
