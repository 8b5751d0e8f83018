package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/fraudguard/internal/domain"
)

func newTestRepository(t *testing.T) *SQLRepository {
	t.Helper()

	// Create temp database file
	tmpFile, err := os.CreateTemp("", "fraudguard-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	tenantID := "tenant-001"
	now := time.Now().UTC().Truncate(time.Second)

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetTransaction", func(t *testing.T) {
		tx := &domain.Transaction{
			ID:               "tx-001",
			UserID:           "user-001",
			Amount:           1000.00,
			MerchantCategory: "electronics",
			PaymentMethod:    "card_online",
			DeviceType:       "desktop",
			Hour:             now.Hour(),
			DayOfWeek:        2,
			Month:            int(now.Month()),
			GeographicRisk:   0.3,
			DeviceRisk:       0.1,
			UserAge:          34,
			AccountAgeDays:   420,
			Timestamp:        now,
		}

		if err := repo.SaveTransaction(ctx, tenantID, tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}

		retrieved, err := repo.GetTransaction(ctx, tenantID, tx.ID)
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}

		if retrieved.ID != tx.ID || retrieved.UserID != tx.UserID {
			t.Errorf("expected %s/%s, got %s/%s", tx.ID, tx.UserID, retrieved.ID, retrieved.UserID)
		}
		if retrieved.Amount != tx.Amount {
			t.Errorf("expected Amount %.2f, got %.2f", tx.Amount, retrieved.Amount)
		}
		if retrieved.TenantID != tenantID {
			t.Errorf("expected TenantID %s, got %s", tenantID, retrieved.TenantID)
		}
		if retrieved.MerchantCategory != "electronics" || retrieved.AccountAgeDays != 420 {
			t.Errorf("unexpected fields: %+v", retrieved)
		}
		if !retrieved.Timestamp.Equal(now) {
			t.Errorf("expected timestamp %v, got %v", now, retrieved.Timestamp)
		}
	})

	t.Run("SaveTransactionIdempotent", func(t *testing.T) {
		tx := &domain.Transaction{ID: "tx-001", UserID: "user-001", Amount: 1, Month: 1, Timestamp: now}
		if err := repo.SaveTransaction(ctx, tenantID, tx); err != nil {
			t.Fatalf("repeat SaveTransaction failed: %v", err)
		}
		retrieved, _ := repo.GetTransaction(ctx, tenantID, "tx-001")
		if retrieved.Amount != 1000 {
			t.Errorf("repeat save overwrote journal entry: %v", retrieved.Amount)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_, err := repo.GetTransaction(ctx, "tenant-002", "tx-001")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		tx := &domain.Transaction{ID: "tx-test"}

		if err := repo.SaveTransaction(ctx, "", tx); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := repo.GetTransaction(ctx, "", "tx-001"); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if err := repo.SaveResult(ctx, "", &domain.ScoreResult{}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("GetTransactionsByUser", func(t *testing.T) {
		for i, offset := range []time.Duration{-48 * time.Hour, -2 * time.Hour, -40 * 24 * time.Hour} {
			tx := &domain.Transaction{
				ID:        "tx-hist-" + string(rune('a'+i)),
				UserID:    "user-001",
				Amount:    float64(10 * (i + 1)),
				Month:     1,
				Timestamp: now.Add(offset),
			}
			if err := repo.SaveTransaction(ctx, tenantID, tx); err != nil {
				t.Fatalf("SaveTransaction failed: %v", err)
			}
		}
		other := &domain.Transaction{ID: "tx-other", UserID: "user-002", Amount: 5, Month: 1, Timestamp: now}
		_ = repo.SaveTransaction(ctx, tenantID, other)

		since := now.Add(-30 * 24 * time.Hour)
		transactions, err := repo.GetTransactionsByUser(ctx, tenantID, "user-001", since)
		if err != nil {
			t.Fatalf("GetTransactionsByUser failed: %v", err)
		}

		if len(transactions) != 3 {
			t.Fatalf("expected 3 transactions, got %d", len(transactions))
		}
		for i := 1; i < len(transactions); i++ {
			if transactions[i].Timestamp.After(transactions[i-1].Timestamp) {
				t.Errorf("expected newest first at %d", i)
			}
		}
		if transactions[0].ID != "tx-001" {
			t.Errorf("expected newest tx-001, got %s", transactions[0].ID)
		}
	})

	t.Run("SaveAndGetResult", func(t *testing.T) {
		classifier := 0.93
		result := &domain.ScoreResult{
			TransactionID:   "tx-001",
			UserID:          "user-001",
			FraudScore:      0.93,
			RiskLevel:       domain.RiskCritical,
			Action:          domain.ActionReview,
			Flagged:         true,
			Degraded:        true,
			ClassifierScore: &classifier,
			Reasons:         []string{"High transaction amount"},
			ProcessingMs:    3.2,
			ScoredAt:        now,
		}

		if err := repo.SaveResult(ctx, tenantID, result); err != nil {
			t.Fatalf("SaveResult failed: %v", err)
		}

		retrieved, err := repo.GetResult(ctx, tenantID, "tx-001")
		if err != nil {
			t.Fatalf("GetResult failed: %v", err)
		}

		if retrieved.FraudScore != result.FraudScore || retrieved.Action != result.Action || retrieved.RiskLevel != result.RiskLevel {
			t.Errorf("expected %+v, got %+v", result, retrieved)
		}
		if !retrieved.Degraded || !retrieved.Flagged {
			t.Error("expected degraded and flagged to round-trip")
		}
		if retrieved.ClassifierScore == nil || *retrieved.ClassifierScore != classifier {
			t.Errorf("expected classifier score %v, got %v", classifier, retrieved.ClassifierScore)
		}
		if retrieved.AnomalyScore != nil {
			t.Errorf("expected nil anomaly score, got %v", *retrieved.AnomalyScore)
		}
		if len(retrieved.Reasons) != 1 || retrieved.Reasons[0] != "High transaction amount" {
			t.Errorf("unexpected reasons: %v", retrieved.Reasons)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := repo.GetTransaction(ctx, tenantID, "nonexistent")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}

		_, err = repo.GetResult(ctx, tenantID, "nonexistent")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}

	sqlite := &SQLRepository{driver: "sqlite"}
	if got := sqlite.rebind("SELECT ?"); got != "SELECT ?" {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
}
