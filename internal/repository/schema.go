package repository

// Schema definitions for the FraudGuard database.
// Compatible with both SQLite and PostgreSQL.

// schemaTransactions is the journal used to rebuild user history.
const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    amount REAL NOT NULL,
    merchant_category TEXT NOT NULL DEFAULT '',
    payment_method TEXT NOT NULL DEFAULT '',
    device_type TEXT NOT NULL DEFAULT '',
    hour INTEGER NOT NULL,
    day_of_week INTEGER NOT NULL,
    month INTEGER NOT NULL,
    geographic_risk REAL NOT NULL DEFAULT 0,
    device_risk REAL NOT NULL DEFAULT 0,
    user_age INTEGER NOT NULL DEFAULT 0,
    account_age_days INTEGER NOT NULL DEFAULT 0,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(tenant_id, user_id, timestamp);
`

const schemaScoreResults = `
CREATE TABLE IF NOT EXISTS score_results (
    tx_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    fraud_score REAL NOT NULL,
    risk_level TEXT NOT NULL,
    action TEXT NOT NULL,
    flagged INTEGER NOT NULL DEFAULT 0,
    degraded INTEGER NOT NULL DEFAULT 0,
    classifier_score REAL,
    anomaly_score REAL,
    raw_anomaly REAL,
    reasons TEXT,
    processing_ms REAL NOT NULL,
    scored_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, tx_id)
);

CREATE INDEX IF NOT EXISTS idx_score_results_user ON score_results(tenant_id, user_id);
CREATE INDEX IF NOT EXISTS idx_score_results_action ON score_results(tenant_id, action);
CREATE INDEX IF NOT EXISTS idx_score_results_scored_at ON score_results(tenant_id, scored_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaScoreResults,
	}
}
