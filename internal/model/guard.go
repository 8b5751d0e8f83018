package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/sony/gobreaker"

	"github.com/opensource-finance/fraudguard/internal/domain"
	"github.com/opensource-finance/fraudguard/internal/features"
)

// BreakerSettings tunes the circuit breaker around a model.
type BreakerSettings struct {
	FailureRatio float64
	MinRequests  uint32
	OpenTimeout  time.Duration

	// OnStateChange observes breaker transitions, e.g. for metrics.
	OnStateChange func(model string, from, to gobreaker.State)
}

// Guard wraps a Scorer with deadline enforcement, panic recovery, output
// validation and a circuit breaker. Every failure is reported as
// domain.ErrModelUnavailable.
type Guard struct {
	scorer Scorer
	kind   Kind
	cb     *gobreaker.CircuitBreaker
}

// NewGuard guards scorer according to its output contract.
func NewGuard(scorer Scorer, kind Kind, st BreakerSettings) *Guard {
	failureRatio := st.FailureRatio
	if failureRatio <= 0 {
		failureRatio = 0.5
	}
	minRequests := st.MinRequests
	if minRequests == 0 {
		minRequests = 20
	}
	openTimeout := st.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 10 * time.Second
	}

	name := kind.String()
	if scorer != nil {
		name = scorer.Name()
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minRequests && ratio >= failureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("model circuit breaker state changed",
				"model", name,
				"from", from.String(),
				"to", to.String(),
			)
			if st.OnStateChange != nil {
				st.OnStateChange(name, from, to)
			}
		},
		// A caller giving up is not the model's fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &Guard{scorer: scorer, kind: kind, cb: cb}
}

// Name returns the wrapped scorer's name.
func (g *Guard) Name() string {
	if g == nil || g.scorer == nil {
		return ""
	}
	return g.scorer.Name()
}

// Kind returns the output contract.
func (g *Guard) Kind() Kind {
	return g.kind
}

// Loaded reports whether a scorer is present.
func (g *Guard) Loaded() bool {
	return g != nil && g.scorer != nil
}

// State returns the breaker state.
func (g *Guard) State() gobreaker.State {
	return g.cb.State()
}

type outcome struct {
	score float64
	err   error
}

// Score runs the model and returns as soon as ctx is done, without waiting
// for a model that overruns its deadline.
func (g *Guard) Score(ctx context.Context, v features.Vector) (float64, error) {
	if !g.Loaded() {
		return 0, fmt.Errorf("%w: %s model not loaded", domain.ErrModelUnavailable, g.kindName())
	}

	res, err := g.cb.Execute(func() (any, error) {
		done := make(chan outcome, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- outcome{err: fmt.Errorf("model panicked: %v", r)}
				}
			}()
			s, err := g.scorer.Score(ctx, v)
			done <- outcome{score: s, err: err}
		}()

		select {
		case out := <-done:
			if out.err != nil {
				return nil, out.err
			}
			if err := g.check(out.score); err != nil {
				return nil, err
			}
			return out.score, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", domain.ErrModelUnavailable, g.scorer.Name(), err)
	}
	return res.(float64), nil
}

func (g *Guard) check(score float64) error {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return fmt.Errorf("non-finite output %v", score)
	}
	switch g.kind {
	case KindClassifier:
		if score < 0 || score > 1 {
			return fmt.Errorf("probability %v outside [0,1]", score)
		}
	case KindAnomaly:
		if score < 0 {
			return fmt.Errorf("negative anomaly score %v", score)
		}
	}
	return nil
}

func (g *Guard) kindName() string {
	if g == nil {
		return "unknown"
	}
	return g.kind.String()
}
