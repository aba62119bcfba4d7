// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for audit persistence.
// Scoring never depends on it being available.
type Repository interface {
	// Payment events
	SaveEvent(ctx context.Context, ev *PaymentEvent) error
	GetEvent(ctx context.Context, eventID string) (*PaymentEvent, error)

	// Score results, one per event
	SaveScoreResult(ctx context.Context, res *ScoreResult) error
	GetScoreResult(ctx context.Context, eventID string) (*ScoreResult, error)

	// Alerts (full item including audit trail)
	SaveAlert(ctx context.Context, item *AlertItem) error
	GetAlert(ctx context.Context, alertID string) (*AlertItem, error)
	ListAlerts(ctx context.Context, state ReviewState) ([]*AlertItem, error)

	// Rule configuration
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)

	// Policy versions
	SavePolicy(ctx context.Context, policy *PolicyConfig) error
	GetActivePolicy(ctx context.Context) (*PolicyConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// AlertStore is the slice of the repository the alert queue writes through to.
type AlertStore interface {
	SaveAlert(ctx context.Context, item *AlertItem) error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres", or "none"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
