// Package model adapts the classifier and the anomaly detector to a common
// scoring contract and guards every call against slow or broken models.
package model

import (
	"context"

	"github.com/opensource-finance/fraudguard/internal/features"
)

// Scorer scores a feature vector. Implementations must be safe for
// concurrent use.
type Scorer interface {
	Name() string
	Score(ctx context.Context, v features.Vector) (float64, error)
}

// Kind fixes the output contract a guarded scorer is checked against.
type Kind int

const (
	// KindClassifier outputs a calibrated probability in [0,1].
	KindClassifier Kind = iota
	// KindAnomaly outputs a finite, non-negative anomaly measure.
	KindAnomaly
)

func (k Kind) String() string {
	if k == KindAnomaly {
		return "anomaly"
	}
	return "classifier"
}

// ScorerFunc adapts a plain function to Scorer.
type ScorerFunc struct {
	ID string
	Fn func(ctx context.Context, v features.Vector) (float64, error)
}

// Name returns the scorer name.
func (f ScorerFunc) Name() string { return f.ID }

// Score calls the wrapped function.
func (f ScorerFunc) Score(ctx context.Context, v features.Vector) (float64, error) {
	return f.Fn(ctx, v)
}
