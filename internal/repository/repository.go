// Package repository persists the audit trail: events, score results, alerts,
// rule definitions and policy versions.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrInvalidInput is returned for records missing their key.
var ErrInvalidInput = errors.New("invalid input")

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

var _ domain.Repository = (*SQLRepository)(nil)

// New opens the configured database and runs migrations.
func New(ctx context.Context, cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(ctx, cfg)
	case "postgres":
		db, err = openPostgres(ctx, cfg)
		if err == nil {
			if cfg.MaxOpenConns > 0 {
				db.SetMaxOpenConns(cfg.MaxOpenConns)
			}
			if cfg.MaxIdleConns > 0 {
				db.SetMaxIdleConns(cfg.MaxIdleConns)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}
	if err := repo.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

func (r *SQLRepository) migrate(ctx context.Context) error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.ExecContext(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveEvent stores a payment event. Saving an event ID twice keeps the first.
func (r *SQLRepository) SaveEvent(ctx context.Context, ev *domain.PaymentEvent) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}

	query := `
		INSERT INTO payment_events (
			id, account_id, beneficiary_id, amount, currency, channel, event_time, payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		ev.ID, ev.AccountID, ev.BeneficiaryID,
		ev.Amount, ev.Currency, string(ev.Channel),
		ev.Timestamp.UTC(), string(payload), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save event %s: %w", ev.ID, err)
	}
	return nil
}

// GetEvent retrieves a payment event by ID.
func (r *SQLRepository) GetEvent(ctx context.Context, eventID string) (*domain.PaymentEvent, error) {
	var ev domain.PaymentEvent
	query := `SELECT payload FROM payment_events WHERE id = ?`
	if err := r.getJSON(ctx, &ev, query, eventID); err != nil {
		return nil, fmt.Errorf("event %s: %w", eventID, err)
	}
	return &ev, nil
}

// SaveScoreResult stores the result for an event. The first result saved for
// an event is kept; later saves are ignored.
func (r *SQLRepository) SaveScoreResult(ctx context.Context, res *domain.ScoreResult) error {
	if res == nil || res.EventID == "" {
		return fmt.Errorf("%w: score result event id is required", ErrInvalidInput)
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal score result %s: %w", res.EventID, err)
	}

	query := `
		INSERT INTO score_results (
			event_id, id, decision, risk_score, degraded, scored_at, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		res.EventID, res.ID, string(res.Decision), res.RiskScore,
		boolInt(res.Degraded), res.ScoredAt.UTC(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("save score result %s: %w", res.EventID, err)
	}
	return nil
}

// GetScoreResult retrieves the result recorded for an event.
func (r *SQLRepository) GetScoreResult(ctx context.Context, eventID string) (*domain.ScoreResult, error) {
	var res domain.ScoreResult
	query := `SELECT payload FROM score_results WHERE event_id = ?`
	if err := r.getJSON(ctx, &res, query, eventID); err != nil {
		return nil, fmt.Errorf("score result %s: %w", eventID, err)
	}
	return &res, nil
}

// SaveAlert upserts the full alert including its audit trail.
func (r *SQLRepository) SaveAlert(ctx context.Context, item *domain.AlertItem) error {
	if item == nil || item.ID == "" {
		return fmt.Errorf("%w: alert id is required", ErrInvalidInput)
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", item.ID, err)
	}

	query := `
		INSERT INTO alerts (
			id, event_id, state, assigned_to, risk_score, created_at, updated_at, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			assigned_to = excluded.assigned_to,
			updated_at = excluded.updated_at,
			payload = excluded.payload
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		item.ID, item.EventID, string(item.State), item.AssignedTo,
		item.Result.RiskScore, item.CreatedAt.UTC(), item.UpdatedAt.UTC(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("save alert %s: %w", item.ID, err)
	}
	return nil
}

// GetAlert retrieves an alert by ID.
func (r *SQLRepository) GetAlert(ctx context.Context, alertID string) (*domain.AlertItem, error) {
	var item domain.AlertItem
	query := `SELECT payload FROM alerts WHERE id = ?`
	if err := r.getJSON(ctx, &item, query, alertID); err != nil {
		return nil, fmt.Errorf("alert %s: %w", alertID, err)
	}
	return &item, nil
}

// ListAlerts returns alerts in the given state, or every alert if state is
// empty, highest risk first.
func (r *SQLRepository) ListAlerts(ctx context.Context, state domain.ReviewState) ([]*domain.AlertItem, error) {
	query := `SELECT payload FROM alerts`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY risk_score DESC, created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var items []*domain.AlertItem
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var item domain.AlertItem
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			return nil, fmt.Errorf("decode alert: %w", err)
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

// SaveRuleConfig upserts a rule definition. A new rule is appended after the
// existing ones; updating a rule keeps its position.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}
	payload, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule %s: %w", rule.ID, err)
	}

	query := `
		INSERT INTO rule_configs (
			id, seq, version, type, enabled, payload, updated_at
		) VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM rule_configs), ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			type = excluded.type,
			enabled = excluded.enabled,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Version, string(rule.Type), boolInt(rule.Enabled),
		string(payload), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save rule %s: %w", rule.ID, err)
	}
	return nil
}

// ListRuleConfigs returns every stored rule, enabled or not, in evaluation order.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT payload FROM rule_configs ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var cfg domain.RuleConfig
		if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
			return nil, fmt.Errorf("decode rule: %w", err)
		}
		configs = append(configs, &cfg)
	}
	return configs, rows.Err()
}

// SavePolicy records an activated policy version. Versions are immutable.
func (r *SQLRepository) SavePolicy(ctx context.Context, policy *domain.PolicyConfig) error {
	if policy == nil || policy.Version <= 0 {
		return fmt.Errorf("%w: policy version is required", ErrInvalidInput)
	}
	payload, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("marshal policy v%d: %w", policy.Version, err)
	}

	query := `
		INSERT INTO policy_versions (version, source, activated_at, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(version) DO NOTHING
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		policy.Version, policy.Source, policy.ActivatedAt.UTC(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("save policy v%d: %w", policy.Version, err)
	}
	return nil
}

// GetActivePolicy returns the highest policy version.
func (r *SQLRepository) GetActivePolicy(ctx context.Context) (*domain.PolicyConfig, error) {
	var policy domain.PolicyConfig
	query := `SELECT payload FROM policy_versions ORDER BY version DESC LIMIT 1`
	if err := r.getJSON(ctx, &policy, query); err != nil {
		return nil, fmt.Errorf("active policy: %w", err)
	}
	return &policy, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// getJSON scans a single payload column into dst.
func (r *SQLRepository) getJSON(ctx context.Context, dst any, query string, args ...any) error {
	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(query), args...).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(payload), dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
