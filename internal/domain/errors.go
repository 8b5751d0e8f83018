package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a transaction that violates its field constraints.
	ErrValidation = errors.New("validation failed")

	// ErrModelUnavailable means one model could not produce a usable score.
	// Scoring continues in degraded mode with the other model.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrModelsExhausted means neither model produced a usable score.
	ErrModelsExhausted = errors.New("all models unavailable")

	// ErrHistoryUpdate marks a failure to persist a user history update.
	// It never changes a verdict that was already returned.
	ErrHistoryUpdate = errors.New("history update failed")

	// ErrHistoryContention means the per-user lease could not be acquired in time.
	ErrHistoryContention = errors.New("user history busy")

	// ErrConfiguration marks invalid scoring or service configuration.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrNotFound is returned by lookups that find nothing.
	ErrNotFound = errors.New("record not found")
)

// ValidationError names the field and the constraint it violated.
type ValidationError struct {
	Field      string
	Constraint string
	Value      any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s violates %s", e.Field, e.Constraint)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConfigurationError reports an invalid configuration value.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// ErrorKind classifies err for metrics and transport mapping.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrModelsExhausted):
		return "models_exhausted"
	case errors.Is(err, ErrHistoryContention):
		return "history_contention"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
