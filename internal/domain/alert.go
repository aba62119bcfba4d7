package domain

import (
	"time"
)

// ReviewState is the lifecycle state of an AlertItem.
type ReviewState string

const (
	StatePending  ReviewState = "PENDING"
	StateInReview ReviewState = "IN_REVIEW"
	StateResolved ReviewState = "RESOLVED"
)

// Disposition is the analyst's label for a reviewed alert.
type Disposition string

const (
	DispositionTruePositive  Disposition = "TRUE_POSITIVE"
	DispositionFalsePositive Disposition = "FALSE_POSITIVE"
	DispositionInconclusive  Disposition = "INCONCLUSIVE"
)

// Valid reports whether d is a known disposition.
func (d Disposition) Valid() bool {
	switch d {
	case DispositionTruePositive, DispositionFalsePositive, DispositionInconclusive:
		return true
	}
	return false
}

// Audit actions.
const (
	AuditCreated  = "created"
	AuditClaimed  = "claimed"
	AuditReleased = "released"
	AuditResolved = "resolved"
	AuditReopened = "reopened"
)

// AuditEntry is an append-only record of an action on an alert.
type AuditEntry struct {
	Action    string      `json:"action"`
	Actor     string      `json:"actor,omitempty"`
	From      ReviewState `json:"from,omitempty"`
	To        ReviewState `json:"to,omitempty"`
	Notes     string      `json:"notes,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// DispositionRecord is the resolution of an alert. Set once, never overwritten.
type DispositionRecord struct {
	Disposition Disposition `json:"disposition"`
	Analyst     string      `json:"analyst"`
	Notes       string      `json:"notes,omitempty"`
	ResolvedAt  time.Time   `json:"resolvedAt"`
}

// AlertItem wraps a ScoreResult that requires human review.
type AlertItem struct {
	ID          string             `json:"id"`
	EventID     string             `json:"eventId"`
	Result      ScoreResult        `json:"result"`
	State       ReviewState        `json:"state"`
	AssignedTo  string             `json:"assignedTo,omitempty"`
	Disposition *DispositionRecord `json:"disposition,omitempty"`
	Audit       []AuditEntry       `json:"audit"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// Clone returns a copy that shares nothing mutable with a.
func (a *AlertItem) Clone() *AlertItem {
	cp := *a
	cp.Audit = append([]AuditEntry(nil), a.Audit...)
	if a.Disposition != nil {
		d := *a.Disposition
		cp.Disposition = &d
	}
	return &cp
}

// Labeled is a resolved alert reduced to what recalibration needs.
type Labeled struct {
	AlertID      string      `json:"alertId"`
	EventID      string      `json:"eventId"`
	RuleScore    float64     `json:"ruleScore"`
	AnomalyScore float64     `json:"anomalyScore"`
	RiskScore    float64     `json:"riskScore"`
	Decision     Decision    `json:"decision"`
	Disposition  Disposition `json:"disposition"`
	ResolvedAt   time.Time   `json:"resolvedAt"`
}
