package domain

import (
	"errors"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultTenantID namespaces transactions submitted without a tenant.
const DefaultTenantID = "default"

// Transaction is a single payment event submitted for scoring.
// It is never mutated once validated.
type Transaction struct {
	// Core identifiers
	ID       string `json:"transaction_id" validate:"required,max=128"`
	TenantID string `json:"tenant_id,omitempty" validate:"omitempty,max=64"`
	UserID   string `json:"user_id" validate:"required,max=128"`

	// Payment details
	Amount           float64 `json:"amount" validate:"gt=0"`
	MerchantCategory string  `json:"merchant_category" validate:"max=64"`
	PaymentMethod    string  `json:"payment_method" validate:"max=64"`
	DeviceType       string  `json:"device_type" validate:"max=64"`

	// Calendar context as reported by the caller (day_of_week 0 = Monday)
	Hour      int `json:"hour" validate:"min=0,max=23"`
	DayOfWeek int `json:"day_of_week" validate:"min=0,max=6"`
	Month     int `json:"month" validate:"min=1,max=12"`

	// Externally computed risk signals
	GeographicRisk float64 `json:"geographic_risk" validate:"min=0,max=1"`
	DeviceRisk     float64 `json:"device_risk" validate:"min=0,max=1"`

	// Caller-reported demographics, 0 when unknown
	UserAge        int `json:"user_age,omitempty" validate:"min=0,max=150"`
	AccountAgeDays int `json:"account_age_days,omitempty" validate:"min=0"`

	// Event time, stamped by the engine when zero
	Timestamp time.Time `json:"timestamp,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names so callers can map errors back to their payload.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks the transaction against its field constraints.
// The returned error is a *ValidationError naming the first violation.
func (t *Transaction) Validate() error {
	if t == nil {
		return &ValidationError{Field: "transaction", Constraint: "required"}
	}

	if err := validate.Struct(t); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			constraint := fe.Tag()
			if fe.Param() != "" {
				constraint += "=" + fe.Param()
			}
			return &ValidationError{Field: fe.Field(), Constraint: constraint, Value: fe.Value()}
		}
		return &ValidationError{Field: "transaction", Constraint: err.Error()}
	}

	// gt=0 rejects NaN but not +Inf.
	if math.IsInf(t.Amount, 0) {
		return &ValidationError{Field: "amount", Constraint: "finite", Value: t.Amount}
	}

	return nil
}

// Tenant returns the tenant namespace, falling back to DefaultTenantID.
func (t *Transaction) Tenant() string {
	if t.TenantID == "" {
		return DefaultTenantID
	}
	return t.TenantID
}

// HistoryEntry is one retained (timestamp, amount) observation for a user.
type HistoryEntry struct {
	At     time.Time `json:"at"`
	Amount float64   `json:"amount"`
}

// UserProfile is a point-in-time copy of a user's history.
// Entries are ordered oldest first.
type UserProfile struct {
	TenantID         string         `json:"tenant_id"`
	UserID           string         `json:"user_id"`
	UserAge          int            `json:"user_age"`
	AccountAgeDays   int            `json:"account_age_days"`
	AccountAgeAsOf   time.Time      `json:"account_age_as_of"`
	TransactionCount int64          `json:"transaction_count"`
	Entries          []HistoryEntry `json:"entries"`
}

// Latest returns the newest entry time, or the zero time for a new user.
func (p *UserProfile) Latest() time.Time {
	if len(p.Entries) == 0 {
		return time.Time{}
	}
	return p.Entries[len(p.Entries)-1].At
}
