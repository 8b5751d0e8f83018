package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/fraudguard/internal/bus"
	"github.com/opensource-finance/fraudguard/internal/domain"
	"github.com/opensource-finance/fraudguard/internal/history"
	"github.com/opensource-finance/fraudguard/internal/model"
	"github.com/opensource-finance/fraudguard/internal/repository"
	"github.com/opensource-finance/fraudguard/internal/scoring"
)

type fakeScorer struct {
	mu   sync.Mutex
	seen []*domain.Transaction
	err  error
}

func (s *fakeScorer) ScoreTransaction(ctx context.Context, tx *domain.Transaction) (*domain.ScoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, tx)
	if s.err != nil {
		return nil, s.err
	}
	return &domain.ScoreResult{TransactionID: tx.ID, TenantID: tx.TenantID, RiskLevel: domain.RiskLow, Action: domain.ActionAllow}, nil
}

type fakeResults struct {
	mu      sync.Mutex
	saved   map[string]*domain.ScoreResult
	failFor int
	calls   atomic.Int32
}

func (r *fakeResults) SaveResult(ctx context.Context, tenantID string, result *domain.ScoreResult) error {
	if int(r.calls.Add(1)) <= r.failFor {
		return errors.New("database locked")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saved == nil {
		r.saved = make(map[string]*domain.ScoreResult)
	}
	r.saved[tenantID+"/"+result.TransactionID] = result
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}

func txPayload(t *testing.T, id string) []byte {
	t.Helper()
	payload, err := json.Marshal(&domain.Transaction{
		ID:             id,
		TenantID:       "spoofed",
		UserID:         "user-001",
		Amount:         42,
		Hour:           10,
		DayOfWeek:      2,
		Month:          4,
		GeographicRisk: 0.1,
		DeviceRisk:     0.1,
	})
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

func TestWorkerStartAndStop(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	w := NewWorker(eventBus, &fakeScorer{}, &fakeResults{})
	if err := w.Start(Config{TenantIDs: []string{"tenant-001", "tenant-002"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != 4 {
		t.Errorf("expected 4 subscriptions, got %d", stats.SubscriptionCount)
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if got := w.GetStats().SubscriptionCount; got != 0 {
		t.Errorf("expected 0 subscriptions after stop, got %d", got)
	}
}

func TestWorkerIngest(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	scorer := &fakeScorer{}
	w := NewWorker(eventBus, scorer, nil)
	if err := w.Start(Config{TenantIDs: []string{"tenant-test"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	ctx := context.Background()
	if err := eventBus.Publish(ctx, "tenant-test", domain.TopicTransactionIngested, txPayload(t, "tx-001")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	eventBus.Publish(ctx, "tenant-test", domain.TopicTransactionIngested, []byte("not json"))
	eventBus.Publish(ctx, "tenant-other", domain.TopicTransactionIngested, txPayload(t, "tx-002"))

	waitFor(t, func() bool {
		s := w.GetStats()
		return s.Scored == 1 && s.Failed == 1
	})

	scorer.mu.Lock()
	defer scorer.mu.Unlock()
	if len(scorer.seen) != 1 {
		t.Fatalf("expected 1 scored transaction, got %d", len(scorer.seen))
	}
	if scorer.seen[0].TenantID != "tenant-test" {
		t.Errorf("bus tenant should win over payload tenant, got %s", scorer.seen[0].TenantID)
	}
}

func TestWorkerIngestScoringError(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	w := NewWorker(eventBus, &fakeScorer{err: domain.ErrModelsExhausted}, nil)
	w.Start(Config{})
	defer w.Stop()

	eventBus.Publish(context.Background(), "tenant-001", domain.TopicTransactionIngested, txPayload(t, "tx-001"))

	waitFor(t, func() bool { return w.GetStats().Failed == 1 })
	if w.GetStats().Scored != 0 {
		t.Error("failed scoring must not count as scored")
	}
}

func TestWorkerRecorderRetries(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	results := &fakeResults{failFor: 2}
	w := NewWorker(eventBus, nil, results)
	if err := w.Start(Config{SaveAttempts: 3, SaveBaseDelay: time.Millisecond}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	payload, _ := json.Marshal(&domain.ScoreResult{TransactionID: "tx-001", FraudScore: 0.4})
	eventBus.Publish(context.Background(), "acme", domain.TopicDecision, payload)

	waitFor(t, func() bool { return w.GetStats().Recorded == 1 })

	results.mu.Lock()
	defer results.mu.Unlock()
	if r, ok := results.saved["acme/tx-001"]; !ok || r.FraudScore != 0.4 {
		t.Errorf("expected decision saved for tenant acme, got %+v", results.saved)
	}
	if results.calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", results.calls.Load())
	}
}

func TestWorkerEndToEnd(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "fraudguard.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	models := model.NewRegistry(model.BreakerSettings{})
	if err := models.Install(model.DefaultBundle()); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	cfg := domain.DefaultScoringConfig()
	cfg.ClassifierTimeout = time.Second
	cfg.AnomalyTimeout = time.Second

	engine, err := scoring.New(scoring.Options{
		Scoring: cfg,
		History: history.NewStore(history.Options{}),
		Models:  models,
		Bus:     eventBus,
	})
	if err != nil {
		t.Fatalf("scoring.New failed: %v", err)
	}

	w := NewWorker(eventBus, engine, repo)
	if err := w.Start(Config{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := eventBus.Publish(context.Background(), "acme", domain.TopicTransactionIngested, txPayload(t, "tx-e2e")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, func() bool { return w.GetStats().Recorded == 1 })

	saved, err := repo.GetResult(context.Background(), "acme", "tx-e2e")
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if saved.TransactionID != "tx-e2e" || saved.TenantID != "acme" {
		t.Errorf("unexpected saved verdict: %+v", saved)
	}
	if saved.FraudScore < 0 || saved.FraudScore > 1 {
		t.Errorf("fraud score out of range: %v", saved.FraudScore)
	}
}
