package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared across components.
var (
	// ErrConfiguration marks a malformed rule or threshold configuration.
	ErrConfiguration = errors.New("configuration error")

	// ErrScoringTimeout marks a component that exceeded its latency budget.
	ErrScoringTimeout = errors.New("scoring timeout")

	// ErrProfileStoreUnavailable means profiles could not be read; scoring uses defaults.
	ErrProfileStoreUnavailable = errors.New("profile store unavailable")

	// ErrDuplicateSubmission marks an event ID that was already scored.
	ErrDuplicateSubmission = errors.New("duplicate submission")

	// ErrClaimConflict means another analyst holds the alert. Retryable.
	ErrClaimConflict = errors.New("alert claimed by another analyst")

	ErrInvalidTransition = errors.New("invalid alert state transition")
	ErrNotFound          = errors.New("record not found")
	ErrInvalidEvent      = errors.New("invalid payment event")
	ErrInvalidPolicy     = errors.New("invalid policy configuration")
)

// ConfigurationError describes why a single rule was disabled at load time.
type ConfigurationError struct {
	RuleID string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("rule %s: %s", e.RuleID, e.Reason)
}

// Unwrap lets errors.Is match ErrConfiguration.
func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}
