package domain

import (
	"time"
)

// RiskLevel is the tier a fraud score falls into.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Valid reports whether l is a known tier.
func (l RiskLevel) Valid() bool {
	switch l {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Action is the enforcement decision attached to a score.
type Action string

const (
	ActionAllow  Action = "ALLOW"
	ActionReview Action = "REVIEW"
	ActionBlock  Action = "BLOCK"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionReview, ActionBlock:
		return true
	}
	return false
}

// ScoreResult is the verdict for one transaction.
type ScoreResult struct {
	TransactionID string    `json:"transaction_id"`
	TenantID      string    `json:"tenant_id"`
	UserID        string    `json:"user_id"`
	FraudScore    float64   `json:"fraud_score"`
	RiskLevel     RiskLevel `json:"risk_level"`
	Action        Action    `json:"action"`
	Flagged       bool      `json:"flagged"`

	// Model outputs; AnomalyScore is the normalized value that entered the blend.
	ClassifierScore *float64 `json:"classifier_score"`
	AnomalyScore    *float64 `json:"anomaly_score"`
	RawAnomaly      *float64 `json:"raw_anomaly,omitempty"`

	// Degraded is set when only one model contributed.
	Degraded bool     `json:"degraded"`
	Reasons  []string `json:"reasons,omitempty"`

	ProcessingMs float64   `json:"processing_time_ms"`
	ScoredAt     time.Time `json:"timestamp"`
}

// Alerting reports whether the verdict should be raised as an alert.
func (r *ScoreResult) Alerting() bool {
	return r.Action != ActionAllow || r.RiskLevel == RiskHigh || r.RiskLevel == RiskCritical
}
