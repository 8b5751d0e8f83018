// Package metrics aggregates scoring outcomes for the JSON snapshot and the
// Prometheus exposition.
package metrics

import (
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/fraudguard/internal/domain"
)

// HistogramBuckets is the number of equal-width fraud score buckets.
const HistogramBuckets = 10

var (
	levels  = []domain.RiskLevel{domain.RiskLow, domain.RiskMedium, domain.RiskHigh, domain.RiskCritical}
	actions = []domain.Action{domain.ActionAllow, domain.ActionReview, domain.ActionBlock}
)

// Aggregator is the process-wide metrics sink. Counters are atomic; the
// latency reservoir is mutex guarded.
type Aggregator struct {
	startedAt     time.Time
	targetLatency time.Duration

	total    atomic.Uint64
	degraded atomic.Uint64
	flagged  atomic.Uint64
	byLevel  map[domain.RiskLevel]*atomic.Uint64
	byAction map[domain.Action]*atomic.Uint64

	errMu  sync.Mutex
	errors map[string]uint64

	historyFailures atomic.Uint64
	scoreBuckets    [HistogramBuckets]atomic.Uint64

	latMu      sync.Mutex
	latencies  []time.Duration
	latNext    int
	latFull    bool
	latCount   uint64
	latSum     time.Duration
	latMax     time.Duration
	withinGoal uint64

	registry    *prometheus.Registry
	predictions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    prometheus.Histogram
	scores      prometheus.Histogram
	historyErrs prometheus.Counter
	breakers    *prometheus.GaugeVec
}

// Options sizes the aggregator.
type Options struct {
	LatencyWindow int
	TargetLatency time.Duration
}

// New creates an aggregator with its own Prometheus registry.
func New(opts Options) *Aggregator {
	if opts.LatencyWindow <= 0 {
		opts.LatencyWindow = 1000
	}
	if opts.TargetLatency <= 0 {
		opts.TargetLatency = 100 * time.Millisecond
	}

	a := &Aggregator{
		startedAt:     time.Now().UTC(),
		targetLatency: opts.TargetLatency,
		byLevel:       make(map[domain.RiskLevel]*atomic.Uint64, len(levels)),
		byAction:      make(map[domain.Action]*atomic.Uint64, len(actions)),
		errors:        make(map[string]uint64),
		latencies:     make([]time.Duration, opts.LatencyWindow),
	}
	for _, l := range levels {
		a.byLevel[l] = new(atomic.Uint64)
	}
	for _, act := range actions {
		a.byAction[act] = new(atomic.Uint64)
	}

	a.initPrometheus()
	return a
}

func (a *Aggregator) initPrometheus() {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.predictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fraudguard_predictions_total",
		Help: "Scored transactions by risk level, action and degraded mode",
	}, []string{"risk_level", "action", "degraded"})

	a.failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fraudguard_prediction_errors_total",
		Help: "Failed scoring calls by error kind",
	}, []string{"kind"})

	a.duration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fraudguard_prediction_duration_seconds",
		Help:    "End-to-end scoring latency in seconds",
		Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	a.scores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fraudguard_fraud_score",
		Help:    "Distribution of combined fraud scores",
		Buckets: prometheus.LinearBuckets(0.1, 0.1, HistogramBuckets-1),
	})

	a.historyErrs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fraudguard_history_update_failures_total",
		Help: "User history journal writes abandoned after retries",
	})

	a.breakers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fraudguard_model_breaker_state",
		Help: "Model circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"model"})

	reg.MustRegister(a.predictions, a.failures, a.duration, a.scores, a.historyErrs, a.breakers)
	a.registry = reg
}

// Handler serves the Prometheus exposition.
func (a *Aggregator) Handler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
}

// Registry returns the private Prometheus registry.
func (a *Aggregator) Registry() *prometheus.Registry {
	return a.registry
}

// Record accounts for one successful scoring call.
func (a *Aggregator) Record(r *domain.ScoreResult, elapsed time.Duration) {
	a.total.Add(1)
	if c, ok := a.byLevel[r.RiskLevel]; ok {
		c.Add(1)
	}
	if c, ok := a.byAction[r.Action]; ok {
		c.Add(1)
	}
	if r.Degraded {
		a.degraded.Add(1)
	}
	if r.Flagged {
		a.flagged.Add(1)
	}
	a.scoreBuckets[bucket(r.FraudScore)].Add(1)
	a.observeLatency(elapsed)

	a.predictions.WithLabelValues(string(r.RiskLevel), string(r.Action), strconv.FormatBool(r.Degraded)).Inc()
	a.scores.Observe(r.FraudScore)
	a.duration.Observe(elapsed.Seconds())
}

// RecordError accounts for a failed scoring call.
func (a *Aggregator) RecordError(err error) {
	kind := domain.ErrorKind(err)
	if kind == "" {
		return
	}
	a.errMu.Lock()
	a.errors[kind]++
	a.errMu.Unlock()
	a.failures.WithLabelValues(kind).Inc()
}

// RecordHistoryFailure accounts for an abandoned history journal write.
func (a *Aggregator) RecordHistoryFailure() {
	a.historyFailures.Add(1)
	a.historyErrs.Inc()
}

// SetBreakerState exports a model breaker state.
func (a *Aggregator) SetBreakerState(model string, state int) {
	a.breakers.WithLabelValues(model).Set(float64(state))
}

func bucket(score float64) int {
	if math.IsNaN(score) || score <= 0 {
		return 0
	}
	b := int(score * HistogramBuckets)
	if b >= HistogramBuckets {
		b = HistogramBuckets - 1
	}
	return b
}

func (a *Aggregator) observeLatency(d time.Duration) {
	a.latMu.Lock()
	defer a.latMu.Unlock()

	a.latencies[a.latNext] = d
	a.latNext++
	if a.latNext == len(a.latencies) {
		a.latNext = 0
		a.latFull = true
	}
	a.latCount++
	a.latSum += d
	if d > a.latMax {
		a.latMax = d
	}
	if d <= a.targetLatency {
		a.withinGoal++
	}
}

// Latency summarizes recent scoring latencies in milliseconds. Percentiles
// cover the reservoir window; mean, max and the target ratio cover every
// call since the last reset.
type Latency struct {
	Samples           uint64  `json:"samples"`
	P50Ms             float64 `json:"p50_ms"`
	P95Ms             float64 `json:"p95_ms"`
	P99Ms             float64 `json:"p99_ms"`
	MaxMs             float64 `json:"max_ms"`
	MeanMs            float64 `json:"mean_ms"`
	TargetMs          float64 `json:"target_ms"`
	WithinTargetRatio float64 `json:"within_target_ratio"`
}

// Snapshot is a point-in-time copy of the aggregate.
type Snapshot struct {
	TotalPredictions      uint64            `json:"total_predictions"`
	CountsByTier          map[string]uint64 `json:"counts_by_tier"`
	CountsByAction        map[string]uint64 `json:"counts_by_action"`
	DegradedCount         uint64            `json:"degraded_count"`
	FlaggedCount          uint64            `json:"flagged_count"`
	ErrorCounts           map[string]uint64 `json:"error_counts"`
	HistoryUpdateFailures uint64            `json:"history_update_failures"`
	ScoreHistogram        []uint64          `json:"score_histogram"`
	Latency               Latency           `json:"latency_percentiles"`
	StartedAt             time.Time         `json:"started_at"`
	UptimeSeconds         float64           `json:"uptime_seconds"`
}

// Snapshot copies the current counters.
func (a *Aggregator) Snapshot() Snapshot {
	s := Snapshot{
		TotalPredictions:      a.total.Load(),
		CountsByTier:          make(map[string]uint64, len(levels)),
		CountsByAction:        make(map[string]uint64, len(actions)),
		DegradedCount:         a.degraded.Load(),
		FlaggedCount:          a.flagged.Load(),
		ErrorCounts:           make(map[string]uint64),
		HistoryUpdateFailures: a.historyFailures.Load(),
		ScoreHistogram:        make([]uint64, HistogramBuckets),
		StartedAt:             a.startedAt,
		UptimeSeconds:         time.Since(a.startedAt).Seconds(),
	}
	for l, c := range a.byLevel {
		s.CountsByTier[string(l)] = c.Load()
	}
	for act, c := range a.byAction {
		s.CountsByAction[string(act)] = c.Load()
	}
	for i := range a.scoreBuckets {
		s.ScoreHistogram[i] = a.scoreBuckets[i].Load()
	}

	a.errMu.Lock()
	for k, v := range a.errors {
		s.ErrorCounts[k] = v
	}
	a.errMu.Unlock()

	s.Latency = a.latency()
	return s
}

func (a *Aggregator) latency() Latency {
	a.latMu.Lock()
	n := a.latNext
	if a.latFull {
		n = len(a.latencies)
	}
	window := make([]time.Duration, n)
	copy(window, a.latencies[:n])
	l := Latency{
		Samples:  a.latCount,
		MaxMs:    ms(a.latMax),
		TargetMs: ms(a.targetLatency),
	}
	if a.latCount > 0 {
		l.MeanMs = ms(a.latSum) / float64(a.latCount)
		l.WithinTargetRatio = float64(a.withinGoal) / float64(a.latCount)
	}
	a.latMu.Unlock()

	if len(window) == 0 {
		return l
	}
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	l.P50Ms = ms(percentile(window, 0.50))
	l.P95Ms = ms(percentile(window, 0.95))
	l.P99Ms = ms(percentile(window, 0.99))
	return l
}

// percentile uses the nearest-rank method on a sorted slice.
func percentile(sorted []time.Duration, q float64) time.Duration {
	rank := int(math.Ceil(q*float64(len(sorted))-1e-9)) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Reset zeroes the snapshot counters. Prometheus counters are monotonic and
// are not reset.
func (a *Aggregator) Reset() {
	a.total.Store(0)
	a.degraded.Store(0)
	a.flagged.Store(0)
	for _, c := range a.byLevel {
		c.Store(0)
	}
	for _, c := range a.byAction {
		c.Store(0)
	}
	for i := range a.scoreBuckets {
		a.scoreBuckets[i].Store(0)
	}
	a.historyFailures.Store(0)

	a.errMu.Lock()
	a.errors = make(map[string]uint64)
	a.errMu.Unlock()

	a.latMu.Lock()
	a.latNext = 0
	a.latFull = false
	a.latCount = 0
	a.latSum = 0
	a.latMax = 0
	a.withinGoal = 0
	a.latMu.Unlock()

	slog.Info("metrics reset")
}
