// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/fraudguard/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = errors.New("invalid input")
)

var _ domain.Repository = (*SQLRepository)(nil)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction journals a scored transaction. Saving the same
// transaction twice is a no-op, so retried writes are safe.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (
			id, tenant_id, user_id, amount, merchant_category,
			payment_method, device_type, hour, day_of_week, month,
			geographic_risk, device_risk, user_age, account_age_days,
			timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.UserID, tx.Amount, tx.MerchantCategory,
		tx.PaymentMethod, tx.DeviceType, tx.Hour, tx.DayOfWeek, tx.Month,
		tx.GeographicRisk, tx.DeviceRisk, tx.UserAge, tx.AccountAgeDays,
		tx.Timestamp.UTC(), time.Now().UTC(),
	)
	return err
}

const transactionColumns = `
	id, tenant_id, user_id, amount, merchant_category,
	payment_method, device_type, hour, day_of_week, month,
	geographic_risk, device_risk, user_age, account_age_days, timestamp
`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := s.Scan(
		&tx.ID, &tx.TenantID, &tx.UserID, &tx.Amount, &tx.MerchantCategory,
		&tx.PaymentMethod, &tx.DeviceType, &tx.Hour, &tx.DayOfWeek, &tx.Month,
		&tx.GeographicRisk, &tx.DeviceRisk, &tx.UserAge, &tx.AccountAgeDays, &tx.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	tx.Timestamp = tx.Timestamp.UTC()
	return &tx, nil
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE tenant_id = ? AND id = ?
	`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// GetTransactionsByUser returns a user's journaled transactions at or after
// since, newest first.
func (r *SQLRepository) GetTransactionsByUser(ctx context.Context, tenantID string, userID string, since time.Time) ([]*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE tenant_id = ?
		  AND user_id = ?
		  AND timestamp >= ?
		ORDER BY timestamp DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, userID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

// SaveResult appends a verdict to the decision log. The first verdict for
// a transaction is kept.
func (r *SQLRepository) SaveResult(ctx context.Context, tenantID string, result *domain.ScoreResult) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	reasons, _ := json.Marshal(result.Reasons)

	query := `
		INSERT INTO score_results (
			tx_id, tenant_id, user_id, fraud_score, risk_level, action,
			flagged, degraded, classifier_score, anomaly_score, raw_anomaly,
			reasons, processing_ms, scored_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, tx_id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		result.TransactionID, tenantID, result.UserID, result.FraudScore,
		string(result.RiskLevel), string(result.Action),
		boolInt(result.Flagged), boolInt(result.Degraded),
		nullFloat(result.ClassifierScore), nullFloat(result.AnomalyScore), nullFloat(result.RawAnomaly),
		string(reasons), result.ProcessingMs, result.ScoredAt.UTC(),
	)
	return err
}

// GetResult retrieves a verdict by transaction ID with tenant isolation.
func (r *SQLRepository) GetResult(ctx context.Context, tenantID string, txID string) (*domain.ScoreResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tx_id, tenant_id, user_id, fraud_score, risk_level, action,
			   flagged, degraded, classifier_score, anomaly_score, raw_anomaly,
			   reasons, processing_ms, scored_at
		FROM score_results
		WHERE tenant_id = ? AND tx_id = ?
	`

	var res domain.ScoreResult
	var level, action, reasons string
	var flagged, degraded int
	var classifier, anomaly, raw sql.NullFloat64

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(
		&res.TransactionID, &res.TenantID, &res.UserID, &res.FraudScore, &level, &action,
		&flagged, &degraded, &classifier, &anomaly, &raw,
		&reasons, &res.ProcessingMs, &res.ScoredAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	res.RiskLevel = domain.RiskLevel(level)
	res.Action = domain.Action(action)
	res.Flagged = flagged == 1
	res.Degraded = degraded == 1
	res.ClassifierScore = floatPtr(classifier)
	res.AnomalyScore = floatPtr(anomaly)
	res.RawAnomaly = floatPtr(raw)
	res.ScoredAt = res.ScoredAt.UTC()
	if reasons != "" && reasons != "null" {
		if err := json.Unmarshal([]byte(reasons), &res.Reasons); err != nil {
			return nil, fmt.Errorf("failed to parse reasons for %s: %w", txID, err)
		}
	}

	return &res, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
