package domain

// ReasonRule attaches a human-readable reason to a scored transaction
// when its CEL expression evaluates to true.
type ReasonRule struct {
	ID          string `json:"id" mapstructure:"id"`
	Description string `json:"description,omitempty" mapstructure:"description"`

	// CEL expression over derived feature names and categorical values
	Expression string `json:"expression" mapstructure:"expression"`

	// Reason reported when the expression holds
	Reason string `json:"reason" mapstructure:"reason"`

	// Whether rule is active
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// DefaultReasonRules returns the built-in explanation rules.
func DefaultReasonRules() []ReasonRule {
	return []ReasonRule{
		{
			ID:         "high-amount",
			Expression: "amount > 1000.0",
			Reason:     "High transaction amount",
			Enabled:    true,
		},
		{
			ID:         "micro-amount",
			Expression: "amount < 10.0",
			Reason:     "Unusually small amount, possible card testing",
			Enabled:    true,
		},
		{
			ID:         "unusual-hour",
			Expression: "hour < 6.0 || hour > 22.0",
			Reason:     "Transaction at unusual hour",
			Enabled:    true,
		},
		{
			ID:         "risky-location",
			Expression: "geographic_risk > 0.5",
			Reason:     "High-risk geographic location",
			Enabled:    true,
		},
		{
			ID:         "risky-device",
			Expression: "device_risk > 0.5",
			Reason:     "High-risk device",
			Enabled:    true,
		},
		{
			ID:         "high-velocity",
			Expression: "velocity_1h > 5.0",
			Reason:     "High transaction velocity in the last hour",
			Enabled:    true,
		},
		{
			ID:         "amount-deviation",
			Expression: "insufficient_history == 0.0 && amount_deviation > 3.0",
			Reason:     "Amount far from the user's 30-day average",
			Enabled:    true,
		},
		{
			ID:         "new-account",
			Expression: "account_age_days > 0.0 && account_age_days < 30.0",
			Reason:     "Recently opened account",
			Enabled:    true,
		},
	}
}
