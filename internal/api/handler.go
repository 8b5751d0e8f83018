package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/fraudguard/internal/domain"
	"github.com/opensource-finance/fraudguard/internal/explain"
	"github.com/opensource-finance/fraudguard/internal/features"
	"github.com/opensource-finance/fraudguard/internal/metrics"
	"github.com/opensource-finance/fraudguard/internal/model"
	"github.com/opensource-finance/fraudguard/internal/scoring"
)

// MaxBodyBytes caps request bodies.
const MaxBodyBytes = 1 << 20

// DefaultMaxBatchSize applies when the scoring configuration sets no limit.
const DefaultMaxBatchSize = 1000

// Handler holds dependencies for API handlers.
type Handler struct {
	engine  *scoring.Engine
	reasons *explain.Engine
	repo    domain.Repository
	cache   domain.Cache
	version string
}

// NewHandler creates a new API handler. reasons, repo and cache may be nil.
func NewHandler(engine *scoring.Engine, reasons *explain.Engine, repo domain.Repository, cache domain.Cache, version string) *Handler {
	return &Handler{
		engine:  engine,
		reasons: reasons,
		repo:    repo,
		cache:   cache,
		version: version,
	}
}

type errorResponse struct {
	Error      string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	Field      string `json:"field,omitempty"`
	Constraint string `json:"constraint,omitempty"`
}

func errorBody(err error) errorResponse {
	body := errorResponse{Error: err.Error(), Kind: domain.ErrorKind(err)}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		body.Field = verr.Field
		body.Constraint = verr.Constraint
	}
	return body
}

func statusFor(err error) int {
	switch domain.ErrorKind(err) {
	case "validation":
		return http.StatusUnprocessableEntity
	case "models_exhausted", "history_contention", "canceled":
		return http.StatusServiceUnavailable
	case "not_found":
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorBody(err))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// decodeBody reads a size-limited JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
				Error: fmt.Sprintf("request body exceeds %d bytes", MaxBodyBytes),
				Kind:  "validation",
			})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "invalid JSON request body",
			Kind:  "validation",
		})
		return false
	}
	return true
}

// withTenant applies the header tenant, which wins over the payload.
func withTenant(r *http.Request, tx *domain.Transaction) {
	if tenantID := GetTenantID(r.Context()); tenantID != "" {
		tx.TenantID = tenantID
	}
}

func tenantOf(r *http.Request) string {
	if tenantID := GetTenantID(r.Context()); tenantID != "" {
		return tenantID
	}
	return domain.DefaultTenantID
}

// Predict handles POST /predict.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	var tx domain.Transaction
	if !decodeBody(w, r, &tx) {
		return
	}
	withTenant(r, &tx)

	result, err := h.engine.ScoreTransaction(r.Context(), &tx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// BatchRequest is the request body for POST /batch-predict.
type BatchRequest struct {
	Transactions []json.RawMessage `json:"transactions"`
}

// BatchEntry is one slot of a batch response.
type BatchEntry struct {
	Index         int                 `json:"index"`
	TransactionID string              `json:"transaction_id,omitempty"`
	Result        *domain.ScoreResult `json:"result,omitempty"`
	Error         *errorResponse      `json:"error,omitempty"`
}

// BatchResponse is the response for POST /batch-predict.
type BatchResponse struct {
	Predictions       []BatchEntry `json:"predictions"`
	TotalTransactions int          `json:"total_transactions"`
	Succeeded         int          `json:"succeeded"`
	Failed            int          `json:"failed"`
	ProcessingMs      float64      `json:"processing_time_ms"`
	AvgPerTxMs        float64      `json:"avg_time_per_transaction_ms"`
}

// BatchPredict handles POST /batch-predict. Each entry is decoded on its
// own so a malformed item fails only its slot.
func (h *Handler) BatchPredict(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req BatchRequest
	if !decodeBody(w, r, &req) {
		return
	}

	limit := h.engine.Config().MaxBatchSize
	if limit <= 0 {
		limit = DefaultMaxBatchSize
	}
	switch n := len(req.Transactions); {
	case n == 0:
		writeError(w, &domain.ValidationError{Field: "transactions", Constraint: "min=1"})
		return
	case n > limit:
		writeError(w, &domain.ValidationError{Field: "transactions", Constraint: fmt.Sprintf("max=%d", limit), Value: n})
		return
	}

	txs := make([]*domain.Transaction, len(req.Transactions))
	decodeErrs := make(map[int]error)
	for i, raw := range req.Transactions {
		var tx domain.Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			decodeErrs[i] = &domain.ValidationError{Field: "transaction", Constraint: "json"}
			continue
		}
		withTenant(r, &tx)
		txs[i] = &tx
	}

	items := h.engine.ScoreBatch(r.Context(), txs)

	resp := BatchResponse{
		Predictions:       make([]BatchEntry, len(items)),
		TotalTransactions: len(items),
	}
	for i, it := range items {
		entry := BatchEntry{Index: i}
		if txs[i] != nil {
			entry.TransactionID = txs[i].ID
		}
		err := it.Err
		if derr, ok := decodeErrs[i]; ok {
			err = derr
		}
		if err != nil {
			body := errorBody(err)
			entry.Error = &body
			resp.Failed++
		} else {
			entry.Result = it.Result
			resp.Succeeded++
		}
		resp.Predictions[i] = entry
	}

	resp.ProcessingMs = float64(time.Since(start).Microseconds()) / 1000
	resp.AvgPerTxMs = resp.ProcessingMs / float64(len(items))

	writeJSON(w, http.StatusOK, resp)
}

// GetPrediction handles GET /predictions/{id}.
func (h *Handler) GetPrediction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenantOf(r)
	txID := chi.URLParam(r, "id")

	if h.cache != nil {
		result, err := h.cache.GetResult(ctx, tenantID, txID)
		if err != nil {
			slog.Warn("verdict cache lookup failed", "tx_id", txID, "error", err)
		}
		if result != nil {
			writeJSON(w, http.StatusOK, result)
			return
		}
	}

	if h.repo == nil {
		writeError(w, fmt.Errorf("prediction %s: %w", txID, domain.ErrNotFound))
		return
	}

	result, err := h.repo.GetResult(ctx, tenantID, txID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("failed to get prediction", "tx_id", txID, "error", err)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetTransaction retrieves a journaled transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			Error: "repository not available",
		})
		return
	}

	tx, err := h.repo.GetTransaction(ctx, tenantOf(r), txID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("failed to get transaction", "tx_id", txID, "error", err)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status             string       `json:"status"`
	Version            string       `json:"version"`
	ClassifierLoaded   bool         `json:"classifier_loaded"`
	AnomalyModelLoaded bool         `json:"anomaly_model_loaded"`
	Models             model.Health `json:"models"`
	Timestamp          time.Time    `json:"timestamp"`
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	models := h.engine.Models().Health()

	status := "healthy"
	if !models.ClassifierLoaded || !models.AnomalyLoaded {
		status = "degraded"
	}
	if !models.Ready() {
		status = "unhealthy"
	}

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			slog.Warn("repository ping failed", "error", err)
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			slog.Warn("cache ping failed", "error", err)
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:             status,
		Version:            h.version,
		ClassifierLoaded:   models.ClassifierLoaded,
		AnomalyModelLoaded: models.AnomalyLoaded,
		Models:             models,
		Timestamp:          time.Now().UTC(),
	})
}

// Ready reports whether at least one model can score.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.engine.Models().Health().Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// MetricsResponse is the response for GET /metrics.
type MetricsResponse struct {
	metrics.Snapshot
	Models  model.Health `json:"models"`
	Version string       `json:"version"`
}

// Metrics returns the aggregate scoring metrics.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	agg := h.engine.Metrics()
	if agg == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "metrics not enabled"})
		return
	}
	writeJSON(w, http.StatusOK, MetricsResponse{
		Snapshot: agg.Snapshot(),
		Models:   h.engine.Models().Health(),
		Version:  h.version,
	})
}

// ResetMetrics clears the aggregate counters.
func (h *Handler) ResetMetrics(w http.ResponseWriter, r *http.Request) {
	if agg := h.engine.Metrics(); agg != nil {
		agg.Reset()
	}
	w.WriteHeader(http.StatusNoContent)
}

// ModelInfo describes the loaded models and the decision table.
func (h *Handler) ModelInfo(w http.ResponseWriter, r *http.Request) {
	cfg := h.engine.Config()
	models := h.engine.Models().Health()

	info := map[string]any{
		"model_type":        "hybrid (supervised classifier + anomaly detector)",
		"models":            models,
		"features":          features.Names(),
		"features_count":    int(features.Count),
		"classifier_weight": cfg.ClassifierWeight,
		"normalization":     cfg.Normalization,
		"bands":             cfg.Bands,
	}
	if h.reasons != nil {
		info["reasons"] = h.reasons.Rules()
	}
	writeJSON(w, http.StatusOK, info)
}

var (
	simCategories = []string{"grocery", "restaurant", "online", "retail"}
	simDevices    = []string{"mobile", "desktop", "tablet"}
	simPayments   = []string{"card_chip", "contactless", "online"}
)

// SimulateTransaction scores a random low-risk transaction end to end.
func (h *Handler) SimulateTransaction(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	tx := &domain.Transaction{
		ID:               "sim_" + uuid.New().String(),
		UserID:           fmt.Sprintf("user_%d", 1000+rand.IntN(9000)),
		Amount:           math.Round((10+rand.Float64()*990)*100) / 100,
		MerchantCategory: simCategories[rand.IntN(len(simCategories))],
		PaymentMethod:    simPayments[rand.IntN(len(simPayments))],
		DeviceType:       simDevices[rand.IntN(len(simDevices))],
		Hour:             rand.IntN(24),
		DayOfWeek:        rand.IntN(7),
		Month:            1 + rand.IntN(12),
		GeographicRisk:   math.Round(rand.Float64()*0.3*1000) / 1000,
		DeviceRisk:       math.Round(rand.Float64()*0.2*1000) / 1000,
		UserAge:          18 + rand.IntN(63),
		AccountAgeDays:   30 + rand.IntN(3621),
		Timestamp:        now,
	}
	withTenant(r, tx)

	result, err := h.engine.ScoreTransaction(r.Context(), tx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction": tx,
		"prediction":  result,
	})
}
