package model

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/opensource-finance/fraudguard/internal/features"
)

// Supported model types in a bundle.
const (
	TypeLogistic = "logistic"
	TypeZScore   = "zscore"
)

// InputSpec is the serialized form of Input.
type InputSpec struct {
	Feature string  `json:"feature"`
	Mean    float64 `json:"mean"`
	Scale   float64 `json:"scale"`
	Clip    float64 `json:"clip,omitempty"`
	Weight  float64 `json:"weight,omitempty"`
}

// Spec describes one model.
type Spec struct {
	Name   string      `json:"name"`
	Type   string      `json:"type"`
	Inputs []InputSpec `json:"inputs"`
	Bias   float64     `json:"bias,omitempty"`
}

// Bundle is the on-disk description of both models.
type Bundle struct {
	Version    string `json:"version"`
	Classifier *Spec  `json:"classifier,omitempty"`
	Anomaly    *Spec  `json:"anomaly,omitempty"`
}

// LoadBundle reads a bundle from a JSON file.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model bundle: %w", err)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse model bundle %s: %w", path, err)
	}
	return &b, nil
}

func (s *Spec) inputs() ([]Input, []float64, error) {
	inputs := make([]Input, 0, len(s.Inputs))
	weights := make([]float64, 0, len(s.Inputs))
	for _, is := range s.Inputs {
		f, ok := features.Lookup(is.Feature)
		if !ok {
			return nil, nil, fmt.Errorf("model %s: unknown feature %q", s.Name, is.Feature)
		}
		inputs = append(inputs, Input{Feature: f, Mean: is.Mean, Scale: is.Scale, Clip: is.Clip})
		weights = append(weights, is.Weight)
	}
	return inputs, weights, nil
}

// Build instantiates the model described by s.
func (s *Spec) Build() (Scorer, error) {
	inputs, weights, err := s.inputs()
	if err != nil {
		return nil, err
	}
	switch s.Type {
	case TypeLogistic:
		return NewLogisticClassifier(s.Name, inputs, weights, s.Bias)
	case TypeZScore:
		return NewZScoreDetector(s.Name, inputs)
	default:
		return nil, fmt.Errorf("model %s: unsupported type %q", s.Name, s.Type)
	}
}

// DefaultBundle returns the built-in models used when no bundle file is
// configured.
func DefaultBundle() *Bundle {
	return &Bundle{
		Version: "builtin-1",
		Classifier: &Spec{
			Name: "logistic-v1",
			Type: TypeLogistic,
			Bias: -3.0,
			Inputs: []InputSpec{
				{Feature: "amount_log", Mean: 4.0, Scale: 1.2, Weight: 0.9},
				{Feature: "velocity_1h", Mean: 0.5, Scale: 1.5, Clip: 6, Weight: 0.6},
				{Feature: "geographic_risk", Mean: 0.2, Scale: 0.2, Weight: 0.8},
				{Feature: "device_risk", Mean: 0.2, Scale: 0.2, Weight: 0.7},
				{Feature: "is_night", Mean: 0.15, Scale: 0.35, Weight: 0.5},
				{Feature: "account_age_days", Mean: 365, Scale: 400, Clip: 3, Weight: -0.4},
				{Feature: "insufficient_history", Mean: 0.2, Scale: 0.4, Weight: 0.3},
				{Feature: "transaction_count_day", Mean: 2, Scale: 2, Clip: 6, Weight: 0.3},
			},
		},
		Anomaly: &Spec{
			Name: "zscore-v1",
			Type: TypeZScore,
			Inputs: []InputSpec{
				{Feature: "amount_log", Mean: 4.0, Scale: 1.2, Clip: 10},
				{Feature: "velocity_1h", Mean: 0.5, Scale: 1.0, Clip: 10},
				{Feature: "transaction_count_day", Mean: 2, Scale: 2, Clip: 10},
				{Feature: "geographic_risk", Mean: 0.2, Scale: 0.2, Clip: 10},
				{Feature: "device_risk", Mean: 0.2, Scale: 0.2, Clip: 10},
			},
		},
	}
}
