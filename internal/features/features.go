// Package features turns a transaction and a user history snapshot into
// the fixed numeric vector both models consume.
package features

import (
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/fraudguard/internal/domain"
)

// Feature indexes a Vector. The order is part of the model contract.
type Feature int

const (
	Amount Feature = iota
	AmountLog
	Hour
	DayOfWeek
	Month
	UserAge
	AccountAgeDays
	TransactionCountDay
	AmountLastHour
	AmountLastDay
	Velocity1h
	AvgAmount30d
	StdAmount30d
	GeographicRisk
	DeviceRisk
	TimeSinceLastTransaction
	IsWeekend
	IsNight
	VelocityRisk
	AmountDeviation
	TotalRiskScore
	MerchantCategoryCode
	DeviceTypeCode
	PaymentMethodCode
	InsufficientHistory

	// Count is the vector length.
	Count
)

var names = [Count]string{
	Amount:                   "amount",
	AmountLog:                "amount_log",
	Hour:                     "hour",
	DayOfWeek:                "day_of_week",
	Month:                    "month",
	UserAge:                  "user_age",
	AccountAgeDays:           "account_age_days",
	TransactionCountDay:      "transaction_count_day",
	AmountLastHour:           "amount_last_hour",
	AmountLastDay:            "amount_last_day",
	Velocity1h:               "velocity_1h",
	AvgAmount30d:             "avg_amount_30d",
	StdAmount30d:             "std_amount_30d",
	GeographicRisk:           "geographic_risk",
	DeviceRisk:               "device_risk",
	TimeSinceLastTransaction: "time_since_last_transaction",
	IsWeekend:                "is_weekend",
	IsNight:                  "is_night",
	VelocityRisk:             "velocity_risk",
	AmountDeviation:          "amount_deviation",
	TotalRiskScore:           "total_risk_score",
	MerchantCategoryCode:     "merchant_category_code",
	DeviceTypeCode:           "device_type_code",
	PaymentMethodCode:        "payment_method_code",
	InsufficientHistory:      "insufficient_history",
}

func (f Feature) String() string {
	if f < 0 || f >= Count {
		return "unknown"
	}
	return names[f]
}

// Names returns the feature names in vector order.
func Names() []string {
	out := make([]string, Count)
	copy(out, names[:])
	return out
}

// Lookup resolves a feature by name.
func Lookup(name string) (Feature, bool) {
	for i, n := range names {
		if n == name {
			return Feature(i), true
		}
	}
	return 0, false
}

// Vector is a derived feature vector. It is an array so copies never alias.
type Vector [Count]float64

// Get returns the value of f.
func (v Vector) Get(f Feature) float64 {
	return v[f]
}

// Map returns the vector keyed by feature name.
func (v Vector) Map() map[string]float64 {
	m := make(map[string]float64, Count)
	for i, n := range names {
		m[n] = v[i]
	}
	return m
}

// NoPriorTransaction is the time_since_last_transaction value for a user
// with no retained history.
const NoPriorTransaction = -1

// Rolling windows relative to the transaction time.
const (
	HourWindow  = time.Hour
	DayWindow   = 24 * time.Hour
	MonthWindow = 30 * 24 * time.Hour
)

// minHistory is the number of prior entries needed for trustworthy 30-day statistics.
const minHistory = 2

// Vocabularies for categorical encoding. Index 0 is reserved for unknown values.
var (
	MerchantCategories = []string{
		"grocery", "restaurant", "gas_station", "retail", "online",
		"pharmacy", "entertainment", "travel", "telecom", "insurance",
	}
	DeviceTypes    = []string{"mobile", "desktop", "tablet", "atm"}
	PaymentMethods = []string{"card_chip", "card_swipe", "contactless", "online"}
)

// Encode maps value to its 1-based index in vocab, or 0 when unseen.
func Encode(vocab []string, value string) int {
	value = strings.ToLower(strings.TrimSpace(value))
	for i, v := range vocab {
		if v == value {
			return i + 1
		}
	}
	return 0
}

// EffectiveTime is the time windows are measured from. A timestamp older
// than the newest retained entry is clamped forward so per-user time never
// runs backwards.
func EffectiveTime(tx *domain.Transaction, profile *domain.UserProfile) time.Time {
	t := tx.Timestamp
	if profile != nil {
		if latest := profile.Latest(); latest.After(t) {
			t = latest
		}
	}
	return t
}

// Derive computes the feature vector for tx given the user's history as it
// stood before tx. It is pure: equal inputs give bit-identical vectors.
func Derive(tx *domain.Transaction, profile *domain.UserProfile) Vector {
	var v Vector
	if profile == nil {
		profile = &domain.UserProfile{}
	}
	now := EffectiveTime(tx, profile)

	v[Amount] = tx.Amount
	v[AmountLog] = math.Log1p(tx.Amount)
	v[Hour] = float64(tx.Hour)
	v[DayOfWeek] = float64(tx.DayOfWeek)
	v[Month] = float64(tx.Month)
	v[UserAge] = float64(userAge(tx, profile))
	v[AccountAgeDays] = float64(accountAge(tx, profile, now))
	v[GeographicRisk] = tx.GeographicRisk
	v[DeviceRisk] = tx.DeviceRisk

	w := summarize(profile.Entries, now)
	v[TransactionCountDay] = float64(w.countToday)
	v[AmountLastHour] = w.sumHour
	v[AmountLastDay] = w.sumDay
	v[Velocity1h] = float64(w.countHour)
	v[AvgAmount30d] = w.mean
	v[StdAmount30d] = w.std
	v[TimeSinceLastTransaction] = w.minutesSinceLast

	if tx.DayOfWeek >= 5 {
		v[IsWeekend] = 1
	}
	if tx.Hour <= 5 {
		v[IsNight] = 1
	}
	v[VelocityRisk] = v[Velocity1h] / (w.mean + 1)
	v[AmountDeviation] = math.Abs(tx.Amount-w.mean) / (w.std + 1)
	v[TotalRiskScore] = tx.GeographicRisk + tx.DeviceRisk

	v[MerchantCategoryCode] = float64(Encode(MerchantCategories, tx.MerchantCategory))
	v[DeviceTypeCode] = float64(Encode(DeviceTypes, tx.DeviceType))
	v[PaymentMethodCode] = float64(Encode(PaymentMethods, tx.PaymentMethod))

	if w.countMonth < minHistory {
		v[InsufficientHistory] = 1
	}

	return v
}

func userAge(tx *domain.Transaction, p *domain.UserProfile) int {
	if tx.UserAge > 0 {
		return tx.UserAge
	}
	return p.UserAge
}

func accountAge(tx *domain.Transaction, p *domain.UserProfile, now time.Time) int {
	if tx.AccountAgeDays > 0 {
		return tx.AccountAgeDays
	}
	if p.AccountAgeDays == 0 {
		return 0
	}
	age := p.AccountAgeDays
	if !p.AccountAgeAsOf.IsZero() && now.After(p.AccountAgeAsOf) {
		age += int(now.Sub(p.AccountAgeAsOf) / DayWindow)
	}
	return age
}

type windows struct {
	countToday       int
	countHour        int
	countMonth       int
	sumHour          float64
	sumDay           float64
	mean             float64
	std              float64
	minutesSinceLast float64
}

// summarize aggregates entries in (now-window, now]. Entries are oldest first.
func summarize(entries []domain.HistoryEntry, now time.Time) windows {
	w := windows{minutesSinceLast: NoPriorTransaction}

	y, m, d := now.UTC().Date()
	hourStart := now.Add(-HourWindow)
	dayStart := now.Add(-DayWindow)
	monthStart := now.Add(-MonthWindow)

	var sum float64
	var last time.Time
	for _, e := range entries {
		if e.At.After(now) || !e.At.After(monthStart) {
			continue
		}
		w.countMonth++
		sum += e.Amount
		last = e.At

		if e.At.After(dayStart) {
			w.sumDay += e.Amount
		}
		if e.At.After(hourStart) {
			w.sumHour += e.Amount
			w.countHour++
		}
		if ey, em, ed := e.At.UTC().Date(); ey == y && em == m && ed == d {
			w.countToday++
		}
	}

	if w.countMonth == 0 {
		return w
	}

	w.mean = sum / float64(w.countMonth)

	// Second pass for a numerically stable population variance.
	var sq float64
	for _, e := range entries {
		if e.At.After(now) || !e.At.After(monthStart) {
			continue
		}
		d := e.Amount - w.mean
		sq += d * d
	}
	w.std = math.Sqrt(sq / float64(w.countMonth))
	w.minutesSinceLast = now.Sub(last).Minutes()

	return w
}
