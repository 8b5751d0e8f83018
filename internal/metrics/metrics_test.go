package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/fraudguard/internal/domain"
)

func result(score float64, level domain.RiskLevel, action domain.Action, degraded bool) *domain.ScoreResult {
	return &domain.ScoreResult{
		FraudScore: score,
		RiskLevel:  level,
		Action:     action,
		Degraded:   degraded,
		Flagged:    degraded,
	}
}

func TestAggregatorCounts(t *testing.T) {
	a := New(Options{})

	a.Record(result(0.05, domain.RiskLow, domain.ActionAllow, false), 5*time.Millisecond)
	a.Record(result(0.45, domain.RiskMedium, domain.ActionAllow, false), 7*time.Millisecond)
	a.Record(result(0.9, domain.RiskCritical, domain.ActionReview, true), 9*time.Millisecond)
	a.Record(result(1.0, domain.RiskCritical, domain.ActionBlock, false), 11*time.Millisecond)
	a.RecordError(&domain.ValidationError{Field: "amount", Constraint: "gt=0"})
	a.RecordError(domain.ErrModelsExhausted)
	a.RecordError(nil)
	a.RecordHistoryFailure()

	s := a.Snapshot()
	if s.TotalPredictions != 4 {
		t.Errorf("expected 4 predictions, got %d", s.TotalPredictions)
	}
	if s.CountsByTier["CRITICAL"] != 2 || s.CountsByTier["LOW"] != 1 || s.CountsByTier["HIGH"] != 0 {
		t.Errorf("unexpected tier counts: %v", s.CountsByTier)
	}
	if s.CountsByAction["ALLOW"] != 2 || s.CountsByAction["REVIEW"] != 1 || s.CountsByAction["BLOCK"] != 1 {
		t.Errorf("unexpected action counts: %v", s.CountsByAction)
	}
	if s.DegradedCount != 1 || s.FlaggedCount != 1 {
		t.Errorf("expected 1 degraded and 1 flagged, got %d/%d", s.DegradedCount, s.FlaggedCount)
	}
	if s.ErrorCounts["validation"] != 1 || s.ErrorCounts["models_exhausted"] != 1 || len(s.ErrorCounts) != 2 {
		t.Errorf("unexpected error counts: %v", s.ErrorCounts)
	}
	if s.HistoryUpdateFailures != 1 {
		t.Errorf("expected 1 history failure, got %d", s.HistoryUpdateFailures)
	}

	want := []uint64{1, 0, 0, 0, 1, 0, 0, 0, 0, 2}
	for i, n := range want {
		if s.ScoreHistogram[i] != n {
			t.Errorf("bucket %d = %d, want %d (%v)", i, s.ScoreHistogram[i], n, s.ScoreHistogram)
		}
	}
}

func TestAggregatorLatency(t *testing.T) {
	a := New(Options{LatencyWindow: 100, TargetLatency: 50 * time.Millisecond})

	for i := 1; i <= 100; i++ {
		a.Record(result(0.1, domain.RiskLow, domain.ActionAllow, false), time.Duration(i)*time.Millisecond)
	}

	l := a.Snapshot().Latency
	if l.Samples != 100 {
		t.Errorf("expected 100 samples, got %d", l.Samples)
	}
	if l.P50Ms != 50 || l.P95Ms != 95 || l.P99Ms != 99 || l.MaxMs != 100 {
		t.Errorf("unexpected percentiles: %+v", l)
	}
	if l.WithinTargetRatio != 0.5 {
		t.Errorf("expected half within target, got %v", l.WithinTargetRatio)
	}

	// The window slides; max keeps the all-time value.
	for i := 0; i < 100; i++ {
		a.Record(result(0.1, domain.RiskLow, domain.ActionAllow, false), time.Millisecond)
	}
	l = a.Snapshot().Latency
	if l.P99Ms != 1 || l.MaxMs != 100 {
		t.Errorf("expected window of 1ms samples, got %+v", l)
	}
}

func TestAggregatorConcurrent(t *testing.T) {
	a := New(Options{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				a.Record(result(0.7, domain.RiskHigh, domain.ActionReview, false), time.Millisecond)
				if j%10 == 0 {
					a.RecordError(errors.New("boom"))
				}
			}
		}()
	}
	wg.Wait()

	s := a.Snapshot()
	if s.TotalPredictions != 5000 || s.CountsByTier["HIGH"] != 5000 {
		t.Errorf("lost increments: %+v", s)
	}
	if s.ErrorCounts["internal"] != 500 {
		t.Errorf("expected 500 internal errors, got %d", s.ErrorCounts["internal"])
	}
}

func TestAggregatorReset(t *testing.T) {
	a := New(Options{})
	a.Record(result(0.5, domain.RiskMedium, domain.ActionAllow, true), time.Millisecond)
	a.RecordError(domain.ErrHistoryContention)

	a.Reset()
	s := a.Snapshot()
	if s.TotalPredictions != 0 || s.DegradedCount != 0 || len(s.ErrorCounts) != 0 || s.Latency.Samples != 0 {
		t.Errorf("expected zeroed snapshot, got %+v", s)
	}
	if s.CountsByTier["MEDIUM"] != 0 || s.ScoreHistogram[5] != 0 {
		t.Errorf("expected zeroed tiers and histogram, got %+v", s)
	}
}

func TestPrometheusHandler(t *testing.T) {
	a := New(Options{})
	a.Record(result(0.9, domain.RiskCritical, domain.ActionBlock, false), 3*time.Millisecond)
	a.RecordHistoryFailure()

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`fraudguard_predictions_total{action="BLOCK",degraded="false",risk_level="CRITICAL"} 1`,
		"fraudguard_history_update_failures_total 1",
		"fraudguard_prediction_duration_seconds_count 1",
		"fraudguard_fraud_score_count 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
