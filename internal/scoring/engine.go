// Package scoring runs the per-transaction pipeline: history lease,
// feature derivation, both models, blending, decision and history update.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/opensource-finance/fraudguard/internal/combiner"
	"github.com/opensource-finance/fraudguard/internal/decision"
	"github.com/opensource-finance/fraudguard/internal/domain"
	"github.com/opensource-finance/fraudguard/internal/explain"
	"github.com/opensource-finance/fraudguard/internal/features"
	"github.com/opensource-finance/fraudguard/internal/history"
	"github.com/opensource-finance/fraudguard/internal/metrics"
	"github.com/opensource-finance/fraudguard/internal/model"
)

var tracer = otel.Tracer("fraudguard-scoring")

// Options wires the engine's collaborators. History and Models are
// required; the rest are optional.
type Options struct {
	Scoring domain.ScoringConfig

	History *history.Store
	Models  *model.Registry
	Reasons *explain.Engine
	Metrics *metrics.Aggregator

	// Cache remembers verdicts so a transaction id is scored once.
	Cache domain.Cache

	// Bus receives decision and alert events.
	Bus domain.EventBus

	Now func() time.Time
}

// Engine scores transactions. It is safe for concurrent use.
type Engine struct {
	history *history.Store
	models  *model.Registry
	reasons *explain.Engine
	metrics *metrics.Aggregator
	cache   domain.Cache
	bus     domain.EventBus
	now     func() time.Time

	current atomic.Pointer[snapshot]
}

// snapshot is one consistent view of the hot-reloadable configuration.
type snapshot struct {
	cfg      domain.ScoringConfig
	combiner *combiner.Combiner
	policy   *decision.Policy
}

// BatchItem is one slot of a batch result. Exactly one of Result and Err is set.
type BatchItem struct {
	Result *domain.ScoreResult
	Err    error
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.History == nil {
		return nil, errors.New("history store is required")
	}
	if opts.Models == nil {
		return nil, errors.New("model registry is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		history: opts.History,
		models:  opts.Models,
		reasons: opts.Reasons,
		metrics: opts.Metrics,
		cache:   opts.Cache,
		bus:     opts.Bus,
		now:     opts.Now,
	}
	if err := e.Reconfigure(opts.Scoring); err != nil {
		return nil, err
	}
	return e, nil
}

// Reconfigure atomically replaces the weight, normalization, bands and
// timeouts. An invalid configuration is rejected and the current one kept.
func (e *Engine) Reconfigure(cfg domain.ScoringConfig) error {
	c, err := combiner.New(cfg)
	if err != nil {
		return err
	}
	p, err := decision.NewPolicy(cfg.Bands)
	if err != nil {
		return err
	}
	cfg.Bands = p.Bands()

	e.current.Store(&snapshot{cfg: cfg, combiner: c, policy: p})
	slog.Info("scoring configuration applied",
		"classifier_weight", cfg.ClassifierWeight,
		"normalization", cfg.Normalization.Method,
		"bands", len(cfg.Bands),
	)
	return nil
}

// Config returns the active scoring configuration.
func (e *Engine) Config() domain.ScoringConfig {
	return e.current.Load().cfg
}

// Models returns the model registry.
func (e *Engine) Models() *model.Registry {
	return e.models
}

// Metrics returns the metrics aggregator, which may be nil.
func (e *Engine) Metrics() *metrics.Aggregator {
	return e.metrics
}

// ScoreTransaction scores one transaction and records it in the user's
// history. A transaction id already scored returns the earlier verdict.
func (e *Engine) ScoreTransaction(ctx context.Context, tx *domain.Transaction) (*domain.ScoreResult, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "scoring.ScoreTransaction")
	defer span.End()
	if tx != nil {
		span.SetAttributes(
			attribute.String("tenant_id", tx.Tenant()),
			attribute.String("tx_id", tx.ID),
		)
	}

	result, fresh, err := e.score(ctx, tx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if e.metrics != nil {
			e.metrics.RecordError(err)
		}
		slog.Warn("transaction scoring failed",
			"error_kind", domain.ErrorKind(err),
			"error", err,
		)
		return nil, err
	}

	span.SetAttributes(
		attribute.Float64("fraud_score", result.FraudScore),
		attribute.String("risk_level", string(result.RiskLevel)),
		attribute.Bool("degraded", result.Degraded),
	)

	if !fresh {
		return result, nil
	}

	e.publish(context.WithoutCancel(ctx), result)

	elapsed := time.Since(start)
	if e.metrics != nil {
		e.metrics.Record(result, elapsed)
	}

	slog.Debug("transaction scored",
		"tenant_id", result.TenantID,
		"tx_id", result.TransactionID,
		"fraud_score", result.FraudScore,
		"risk_level", result.RiskLevel,
		"action", result.Action,
		"degraded", result.Degraded,
		"duration_ms", elapsed.Milliseconds(),
	)
	return result, nil
}

// score returns the verdict and whether it was computed by this call.
func (e *Engine) score(ctx context.Context, in *domain.Transaction) (*domain.ScoreResult, bool, error) {
	start := time.Now()

	if err := in.Validate(); err != nil {
		return nil, false, err
	}

	tx := *in
	tx.TenantID = in.Tenant()
	if tx.Timestamp.IsZero() {
		tx.Timestamp = e.now().UTC()
	}

	if cached := e.cached(ctx, &tx); cached != nil {
		return cached, false, nil
	}

	snap := e.current.Load()

	leaseCtx, cancel := context.WithTimeout(ctx, snap.cfg.LeaseTimeout)
	lease, err := e.history.Acquire(leaseCtx, tx.TenantID, tx.UserID)
	cancel()
	if err != nil {
		return nil, false, err
	}
	defer lease.Release()

	// A duplicate may have been scored while this call waited for the lease.
	if cached := e.cached(ctx, &tx); cached != nil {
		return cached, false, nil
	}

	profile := lease.Snapshot()
	vector := features.Derive(&tx, &profile)

	p, raw := e.runModels(ctx, snap, vector)

	// A caller that gave up mid-inference is not a model outage.
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("scoring interrupted: %w", err)
	}

	var a *float64
	if raw != nil {
		n := snap.combiner.Normalize(*raw)
		a = &n
	}

	fraudScore, degraded, err := snap.combiner.Blend(p, a)
	if err != nil {
		return nil, false, err
	}
	if lease.Cold() {
		degraded = true
	}
	d := snap.policy.Decide(fraudScore, degraded)

	var reasons []string
	if e.reasons != nil {
		reasons = e.reasons.Evaluate(ctx, &tx, vector)
	}

	// The verdict is final from here on; caller cancellation must not
	// leave it unrecorded.
	detached := context.WithoutCancel(ctx)
	if err := lease.Append(detached, &tx); err != nil {
		return nil, false, fmt.Errorf("failed to record transaction: %w", err)
	}

	result := &domain.ScoreResult{
		TransactionID:   tx.ID,
		TenantID:        tx.TenantID,
		UserID:          tx.UserID,
		FraudScore:      fraudScore,
		RiskLevel:       d.Level,
		Action:          d.Action,
		Flagged:         d.Flagged,
		ClassifierScore: p,
		AnomalyScore:    a,
		RawAnomaly:      raw,
		Degraded:        degraded,
		Reasons:         reasons,
		ProcessingMs:    float64(time.Since(start).Microseconds()) / 1000,
		ScoredAt:        e.now().UTC(),
	}

	if e.cache != nil {
		if err := e.cache.SetResult(detached, tx.TenantID, result, snap.cfg.ResultTTL); err != nil {
			slog.Warn("failed to cache verdict",
				"tenant_id", tx.TenantID,
				"tx_id", tx.ID,
				"error", err,
			)
		}
	}

	return result, true, nil
}

func (e *Engine) cached(ctx context.Context, tx *domain.Transaction) *domain.ScoreResult {
	if e.cache == nil {
		return nil
	}
	r, err := e.cache.GetResult(ctx, tx.TenantID, tx.ID)
	if err != nil {
		slog.Warn("verdict cache lookup failed",
			"tenant_id", tx.TenantID,
			"tx_id", tx.ID,
			"error", err,
		)
		return nil
	}
	if r != nil {
		slog.Debug("returning cached verdict",
			"tenant_id", tx.TenantID,
			"tx_id", tx.ID,
		)
	}
	return r
}

// runModels calls both models concurrently. A nil output is a model that
// did not answer within its timeout or failed its output contract.
func (e *Engine) runModels(ctx context.Context, snap *snapshot, v features.Vector) (p, raw *float64) {
	pair := e.models.Current()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p = runModel(ctx, pair.Classifier, snap.cfg.ClassifierTimeout, v)
	}()
	go func() {
		defer wg.Done()
		raw = runModel(ctx, pair.Anomaly, snap.cfg.AnomalyTimeout, v)
	}()
	wg.Wait()
	return p, raw
}

func runModel(ctx context.Context, g *model.Guard, timeout time.Duration, v features.Vector) *float64 {
	if !g.Loaded() {
		return nil
	}

	ctx, span := tracer.Start(ctx, "scoring.model",
		trace.WithAttributes(
			attribute.String("model.kind", g.Kind().String()),
			attribute.String("model.name", g.Name()),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s, err := g.Score(ctx, v)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("model unavailable, scoring degraded",
			"model", g.Name(),
			"kind", g.Kind().String(),
			"error", err,
		)
		return nil
	}
	return &s
}

// publish emits the decision and, when warranted, an alert.
func (e *Engine) publish(ctx context.Context, r *domain.ScoreResult) {
	if e.bus == nil {
		return
	}

	payload, err := json.Marshal(r)
	if err != nil {
		slog.Error("failed to marshal verdict", "tx_id", r.TransactionID, "error", err)
		return
	}

	if err := e.bus.Publish(ctx, r.TenantID, domain.TopicDecision, payload); err != nil {
		slog.Error("failed to publish decision",
			"tenant_id", r.TenantID,
			"tx_id", r.TransactionID,
			"error", err,
		)
	}

	if r.Alerting() {
		if err := e.bus.Publish(ctx, r.TenantID, domain.TopicAlert, payload); err != nil {
			slog.Error("failed to publish alert",
				"tenant_id", r.TenantID,
				"tx_id", r.TransactionID,
				"error", err,
			)
		}
	}
}

// ScoreBatch scores transactions with bounded parallelism. The result has
// one slot per input in input order; a failure fills only its own slot.
// Items not started before ctx is done carry the context error.
func (e *Engine) ScoreBatch(ctx context.Context, txs []*domain.Transaction) []BatchItem {
	items := make([]BatchItem, len(txs))
	if len(txs) == 0 {
		return items
	}

	ctx, span := tracer.Start(ctx, "scoring.ScoreBatch",
		trace.WithAttributes(attribute.Int("batch.size", len(txs))),
	)
	defer span.End()

	sem := semaphore.NewWeighted(int64(e.Config().BatchConcurrency))
	var wg sync.WaitGroup

	for i, tx := range txs {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(txs); j++ {
				items[j].Err = err
			}
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			res, err := e.ScoreTransaction(ctx, tx)
			items[i] = BatchItem{Result: res, Err: err}
		}()
	}
	wg.Wait()

	return items
}
