package repository

// Schema definitions for the Kestrel audit database.
// Compatible with both SQLite and PostgreSQL. Full records are stored as JSON
// in payload columns; the other columns exist for lookup and ordering.

const schemaEvents = `
CREATE TABLE IF NOT EXISTS payment_events (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    beneficiary_id TEXT NOT NULL,
    amount REAL NOT NULL,
    currency TEXT NOT NULL,
    channel TEXT NOT NULL,
    event_time TIMESTAMP NOT NULL,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payment_events_account ON payment_events(account_id, event_time);
CREATE INDEX IF NOT EXISTS idx_payment_events_beneficiary ON payment_events(beneficiary_id);
`

const schemaScoreResults = `
CREATE TABLE IF NOT EXISTS score_results (
    event_id TEXT PRIMARY KEY,
    id TEXT NOT NULL,
    decision TEXT NOT NULL,
    risk_score REAL NOT NULL,
    degraded INTEGER NOT NULL DEFAULT 0,
    scored_at TIMESTAMP NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_score_results_decision ON score_results(decision, scored_at);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL UNIQUE,
    state TEXT NOT NULL,
    assigned_to TEXT,
    risk_score REAL NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_state ON alerts(state, risk_score);
`

// rule_configs keeps one row per rule id; seq preserves the order rules
// were first configured in, which is their evaluation order.
const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT PRIMARY KEY,
    seq INTEGER NOT NULL,
    version TEXT NOT NULL,
    type TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    payload TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_seq ON rule_configs(seq);
`

const schemaPolicies = `
CREATE TABLE IF NOT EXISTS policy_versions (
    version INTEGER PRIMARY KEY,
    source TEXT NOT NULL,
    activated_at TIMESTAMP NOT NULL,
    payload TEXT NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaEvents,
		schemaScoreResults,
		schemaAlerts,
		schemaRuleConfigs,
		schemaPolicies,
	}
}
