// Package worker consumes the event bus: it scores transactions ingested
// asynchronously and records published verdicts in the decision log.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/fraudguard/internal/domain"
	"github.com/opensource-finance/fraudguard/internal/retry"
)

// Scorer scores one transaction and publishes its verdict.
type Scorer interface {
	ScoreTransaction(ctx context.Context, tx *domain.Transaction) (*domain.ScoreResult, error)
}

// ResultStore persists verdicts.
type ResultStore interface {
	SaveResult(ctx context.Context, tenantID string, result *domain.ScoreResult) error
}

// Worker processes bus messages. Either collaborator may be nil, in which
// case its subscription is not made.
type Worker struct {
	bus     domain.EventBus
	scorer  Scorer
	results ResultStore

	saveAttempts  int
	saveBaseDelay time.Duration

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	scored   atomic.Int64
	failed   atomic.Int64
	recorded atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all tenants)
	TenantIDs []string

	// Decision log retry policy
	SaveAttempts  int
	SaveBaseDelay time.Duration
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, scorer Scorer, results ResultStore) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		scorer:  scorer,
		results: results,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes for the given tenants.
func (w *Worker) Start(cfg Config) error {
	w.saveAttempts = cfg.SaveAttempts
	if w.saveAttempts <= 0 {
		w.saveAttempts = 3
	}
	w.saveBaseDelay = cfg.SaveBaseDelay
	if w.saveBaseDelay <= 0 {
		w.saveBaseDelay = 100 * time.Millisecond
	}

	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{domain.GlobalTenantID}
	}

	started := 0
	for _, tenantID := range tenants {
		if err := w.startTenant(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
		started++
	}
	if started == 0 {
		return fmt.Errorf("no worker subscriptions could be started")
	}

	slog.Info("workers started",
		"tenant_count", started,
		"ingest", w.scorer != nil,
		"recorder", w.results != nil,
	)
	return nil
}

func (w *Worker) startTenant(tenantID string) error {
	if w.scorer != nil {
		if err := w.subscribe(tenantID, domain.TopicTransactionIngested, w.handleIngest); err != nil {
			return err
		}
	}
	if w.results != nil {
		if err := w.subscribe(tenantID, domain.TopicDecision, w.handleDecision); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) subscribe(tenantID, topic string, handler domain.MessageHandler) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, topic, handler)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Debug("worker subscribed",
		"tenant_id", tenantID,
		"topic", topic,
	)
	return nil
}

// handleIngest scores a transaction published on the ingest topic. The
// bus tenant is authoritative over any tenant in the payload.
func (w *Worker) handleIngest(ctx context.Context, msg *domain.Message) error {
	var tx domain.Transaction
	if err := json.Unmarshal(msg.Payload, &tx); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"tenant_id", msg.TenantID,
			"error", err,
		)
		return err
	}
	tx.TenantID = msg.TenantID

	result, err := w.scorer.ScoreTransaction(ctx, &tx)
	if err != nil {
		w.failed.Add(1)
		return fmt.Errorf("failed to score transaction %s: %w", tx.ID, err)
	}

	w.scored.Add(1)
	slog.Info("transaction processed",
		"tx_id", result.TransactionID,
		"tenant_id", result.TenantID,
		"risk_level", result.RiskLevel,
		"action", result.Action,
		"fraud_score", result.FraudScore,
	)
	return nil
}

// handleDecision writes a published verdict to the decision log.
func (w *Worker) handleDecision(ctx context.Context, msg *domain.Message) error {
	var result domain.ScoreResult
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		slog.Error("failed to parse decision message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	err := retry.Do(ctx, w.saveAttempts, w.saveBaseDelay, func(ctx context.Context) error {
		return w.results.SaveResult(ctx, msg.TenantID, &result)
	})
	if err != nil {
		slog.Error("failed to record decision",
			"tx_id", result.TransactionID,
			"tenant_id", msg.TenantID,
			"attempts", w.saveAttempts,
			"error", err,
		)
		return err
	}

	w.recorded.Add(1)
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscription_count"`
	Topics            []string `json:"topics"`
	Scored            int64    `json:"scored"`
	Failed            int64    `json:"failed"`
	Recorded          int64    `json:"recorded"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	w.mu.Unlock()

	return Stats{
		SubscriptionCount: len(topics),
		Topics:            topics,
		Scored:            w.scored.Load(),
		Failed:            w.failed.Load(),
		Recorded:          w.recorded.Load(),
	}
}
