// Package combiner merges the classifier probability and the normalized
// anomaly score into one fraud score.
package combiner

import (
	"fmt"
	"math"

	"github.com/opensource-finance/fraudguard/internal/domain"
)

// Combiner blends the two model outputs. It is immutable; a new one is
// built on every configuration reload.
type Combiner struct {
	weight float64
	norm   domain.NormalizationConfig
}

// New builds a combiner from a validated scoring configuration.
func New(cfg domain.ScoringConfig) (*Combiner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Combiner{weight: cfg.ClassifierWeight, norm: cfg.Normalization}, nil
}

// Weight returns the classifier weight w.
func (c *Combiner) Weight() float64 {
	return c.weight
}

// Normalize maps a raw anomaly measure onto [0,1]. It is non-decreasing in raw.
func (c *Combiner) Normalize(raw float64) float64 {
	var n float64
	switch c.norm.Method {
	case domain.NormalizeMinMax:
		n = (raw - c.norm.Min) / (c.norm.Max - c.norm.Min)
	default:
		n = 1 / (1 + math.Exp(-(raw-c.norm.Center)/c.norm.Scale))
	}
	return clamp(n)
}

// Combine returns w*p + (1-w)*a for a classifier probability p and a
// normalized anomaly score a.
func (c *Combiner) Combine(p, a float64) float64 {
	return clamp(c.weight*p + (1-c.weight)*a)
}

// Blend combines whichever scores are present. A nil score is a model that
// did not answer; the survivor alone becomes the fraud score and the result
// is degraded. With neither present it returns domain.ErrModelsExhausted.
func (c *Combiner) Blend(p, a *float64) (score float64, degraded bool, err error) {
	pOK := p != nil && !math.IsNaN(*p)
	aOK := a != nil && !math.IsNaN(*a)

	switch {
	case pOK && aOK:
		return c.Combine(*p, *a), false, nil
	case pOK:
		return clamp(*p), true, nil
	case aOK:
		return clamp(*a), true, nil
	default:
		return 0, false, fmt.Errorf("%w: no model produced a score", domain.ErrModelsExhausted)
	}
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
