package model

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/fraudguard/internal/features"
)

// Input is one standardized model input.
type Input struct {
	Feature features.Feature
	Mean    float64
	Scale   float64
	// Clip bounds the standardized value to [-Clip, Clip] when positive.
	Clip float64
}

func (in Input) z(v features.Vector) float64 {
	z := (v.Get(in.Feature) - in.Mean) / in.Scale
	if in.Clip > 0 {
		z = math.Max(-in.Clip, math.Min(in.Clip, z))
	}
	return z
}

func checkInputs(inputs []Input) error {
	if len(inputs) == 0 {
		return fmt.Errorf("no inputs")
	}
	for _, in := range inputs {
		if in.Feature < 0 || in.Feature >= features.Count {
			return fmt.Errorf("unknown feature index %d", in.Feature)
		}
		if !(in.Scale > 0) {
			return fmt.Errorf("feature %s: scale must be positive", in.Feature)
		}
	}
	return nil
}

// LogisticClassifier is a standardized logistic regression.
type LogisticClassifier struct {
	name    string
	inputs  []Input
	weights []float64
	bias    float64
}

// NewLogisticClassifier builds a classifier. weights align with inputs.
func NewLogisticClassifier(name string, inputs []Input, weights []float64, bias float64) (*LogisticClassifier, error) {
	if err := checkInputs(inputs); err != nil {
		return nil, fmt.Errorf("classifier %s: %w", name, err)
	}
	if len(weights) != len(inputs) {
		return nil, fmt.Errorf("classifier %s: %d weights for %d inputs", name, len(weights), len(inputs))
	}
	return &LogisticClassifier{
		name:    name,
		inputs:  append([]Input(nil), inputs...),
		weights: append([]float64(nil), weights...),
		bias:    bias,
	}, nil
}

func (c *LogisticClassifier) Name() string { return c.name }

// Score returns the fraud probability.
func (c *LogisticClassifier) Score(_ context.Context, v features.Vector) (float64, error) {
	logit := c.bias
	for i, in := range c.inputs {
		logit += c.weights[i] * in.z(v)
	}
	return 1 / (1 + math.Exp(-logit)), nil
}

// ZScoreDetector measures how far a vector sits from the fitted population
// as the root mean square of its standardized inputs.
type ZScoreDetector struct {
	name   string
	inputs []Input
}

// NewZScoreDetector builds an anomaly detector.
func NewZScoreDetector(name string, inputs []Input) (*ZScoreDetector, error) {
	if err := checkInputs(inputs); err != nil {
		return nil, fmt.Errorf("detector %s: %w", name, err)
	}
	return &ZScoreDetector{name: name, inputs: append([]Input(nil), inputs...)}, nil
}

func (d *ZScoreDetector) Name() string { return d.name }

// Score returns the raw, non-negative anomaly measure.
func (d *ZScoreDetector) Score(_ context.Context, v features.Vector) (float64, error) {
	var sum float64
	for _, in := range d.inputs {
		z := in.z(v)
		sum += z * z
	}
	return math.Sqrt(sum / float64(len(d.inputs))), nil
}
