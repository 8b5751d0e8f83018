package model

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Registry holds the guarded models. Models can be swapped while scoring
// is in progress; each call sees one consistent pair.
type Registry struct {
	settings BreakerSettings
	current  atomic.Pointer[Pair]
}

// Pair is one consistent set of models.
type Pair struct {
	Version    string
	Classifier *Guard
	Anomaly    *Guard
}

// Health reports which models are loaded.
type Health struct {
	Version          string `json:"version"`
	ClassifierLoaded bool   `json:"classifier_loaded"`
	ClassifierName   string `json:"classifier_name,omitempty"`
	ClassifierState  string `json:"classifier_state,omitempty"`
	AnomalyLoaded    bool   `json:"anomaly_loaded"`
	AnomalyName      string `json:"anomaly_name,omitempty"`
	AnomalyState     string `json:"anomaly_state,omitempty"`
}

// NewRegistry creates a registry with no models loaded.
func NewRegistry(settings BreakerSettings) *Registry {
	r := &Registry{settings: settings}
	r.current.Store(&Pair{
		Classifier: NewGuard(nil, KindClassifier, settings),
		Anomaly:    NewGuard(nil, KindAnomaly, settings),
	})
	return r
}

// Current returns the active models.
func (r *Registry) Current() *Pair {
	return r.current.Load()
}

// Install replaces both models with the ones described by b. A bundle
// missing one model leaves that slot empty.
func (r *Registry) Install(b *Bundle) error {
	var classifier, anomaly Scorer
	var err error

	if b.Classifier != nil {
		if classifier, err = b.Classifier.Build(); err != nil {
			return fmt.Errorf("failed to build classifier: %w", err)
		}
	}
	if b.Anomaly != nil {
		if anomaly, err = b.Anomaly.Build(); err != nil {
			return fmt.Errorf("failed to build anomaly detector: %w", err)
		}
	}

	r.Set(b.Version, classifier, anomaly)
	return nil
}

// Set installs the given scorers. Either may be nil.
func (r *Registry) Set(version string, classifier, anomaly Scorer) {
	r.current.Store(&Pair{
		Version:    version,
		Classifier: NewGuard(classifier, KindClassifier, r.settings),
		Anomaly:    NewGuard(anomaly, KindAnomaly, r.settings),
	})
	slog.Info("models installed",
		"version", version,
		"classifier_loaded", classifier != nil,
		"anomaly_loaded", anomaly != nil,
	)
}

// Health describes the active models.
func (r *Registry) Health() Health {
	p := r.Current()
	h := Health{
		Version:          p.Version,
		ClassifierLoaded: p.Classifier.Loaded(),
		AnomalyLoaded:    p.Anomaly.Loaded(),
	}
	if h.ClassifierLoaded {
		h.ClassifierName = p.Classifier.Name()
		h.ClassifierState = p.Classifier.State().String()
	}
	if h.AnomalyLoaded {
		h.AnomalyName = p.Anomaly.Name()
		h.AnomalyState = p.Anomaly.State().String()
	}
	return h
}

// Ready reports whether at least one model can score.
func (h Health) Ready() bool {
	return h.ClassifierLoaded || h.AnomalyLoaded
}
