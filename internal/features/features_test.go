package features

import (
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/fraudguard/internal/domain"
)

var baseTime = time.Date(2025, 3, 12, 14, 30, 0, 0, time.UTC)

func testTransaction() *domain.Transaction {
	return &domain.Transaction{
		ID:               "tx-001",
		UserID:           "user-001",
		Amount:           120,
		MerchantCategory: "Grocery ",
		PaymentMethod:    "contactless",
		DeviceType:       "mobile",
		Hour:             14,
		DayOfWeek:        2,
		Month:            3,
		GeographicRisk:   0.2,
		DeviceRisk:       0.1,
		Timestamp:        baseTime,
	}
}

func TestNames(t *testing.T) {
	got := Names()
	if len(got) != int(Count) {
		t.Fatalf("expected %d names, got %d", Count, len(got))
	}
	seen := make(map[string]bool)
	for i, n := range got {
		if n == "" {
			t.Errorf("feature %d has no name", i)
		}
		if seen[n] {
			t.Errorf("duplicate feature name %s", n)
		}
		seen[n] = true

		f, ok := Lookup(n)
		if !ok || int(f) != i {
			t.Errorf("Lookup(%s) = %d,%v want %d", n, f, ok, i)
		}
	}
	if _, ok := Lookup("nope"); ok {
		t.Error("expected unknown feature lookup to fail")
	}
}

func TestDeriveColdStart(t *testing.T) {
	tx := testTransaction()
	v := Derive(tx, nil)

	checks := map[Feature]float64{
		Amount:                   120,
		AmountLog:                math.Log1p(120),
		TransactionCountDay:      0,
		AmountLastHour:           0,
		AmountLastDay:            0,
		Velocity1h:               0,
		AvgAmount30d:             0,
		StdAmount30d:             0,
		TimeSinceLastTransaction: NoPriorTransaction,
		InsufficientHistory:      1,
		VelocityRisk:             0,
		AmountDeviation:          120,
		TotalRiskScore:           0.30000000000000004,
	}
	for f, want := range checks {
		if got := v.Get(f); got != want {
			t.Errorf("%s = %v, want %v", f, got, want)
		}
	}

	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			t.Errorf("feature %s is not finite: %v", Feature(i), x)
		}
	}
}

func TestDeriveWindows(t *testing.T) {
	tx := testTransaction()
	profile := &domain.UserProfile{
		UserID: "user-001",
		Entries: []domain.HistoryEntry{
			{At: baseTime.Add(-40 * 24 * time.Hour), Amount: 9999}, // outside 30 days
			{At: baseTime.Add(-10 * 24 * time.Hour), Amount: 100},
			{At: baseTime.Add(-20 * time.Hour), Amount: 50},
			{At: baseTime.Add(-2 * time.Hour), Amount: 30},
			{At: baseTime.Add(-30 * time.Minute), Amount: 20},
		},
	}

	v := Derive(tx, profile)

	if got := v.Get(Velocity1h); got != 1 {
		t.Errorf("velocity_1h = %v, want 1", got)
	}
	if got := v.Get(AmountLastHour); got != 20 {
		t.Errorf("amount_last_hour = %v, want 20", got)
	}
	if got := v.Get(AmountLastDay); got != 100 {
		t.Errorf("amount_last_day = %v, want 100", got)
	}
	// Same UTC calendar day: -2h and -30m.
	if got := v.Get(TransactionCountDay); got != 2 {
		t.Errorf("transaction_count_day = %v, want 2", got)
	}
	if got := v.Get(AvgAmount30d); got != 50 {
		t.Errorf("avg_amount_30d = %v, want 50", got)
	}
	// Population std of {100, 50, 30, 20} around 50.
	wantStd := math.Sqrt((2500.0 + 0 + 400 + 900) / 4)
	if got := v.Get(StdAmount30d); math.Abs(got-wantStd) > 1e-9 {
		t.Errorf("std_amount_30d = %v, want %v", got, wantStd)
	}
	if got := v.Get(TimeSinceLastTransaction); got != 30 {
		t.Errorf("time_since_last_transaction = %v, want 30", got)
	}
	if got := v.Get(InsufficientHistory); got != 0 {
		t.Errorf("insufficient_history = %v, want 0", got)
	}
	if got, want := v.Get(VelocityRisk), 1.0/51; math.Abs(got-want) > 1e-12 {
		t.Errorf("velocity_risk = %v, want %v", got, want)
	}
	if got, want := v.Get(AmountDeviation), 70/(wantStd+1); math.Abs(got-want) > 1e-12 {
		t.Errorf("amount_deviation = %v, want %v", got, want)
	}
}

func TestDeriveIdempotent(t *testing.T) {
	tx := testTransaction()
	profile := &domain.UserProfile{
		Entries: []domain.HistoryEntry{
			{At: baseTime.Add(-3 * time.Hour), Amount: 12.5},
			{At: baseTime.Add(-time.Minute), Amount: 99.99},
		},
	}

	first := Derive(tx, profile)
	for i := 0; i < 10; i++ {
		if got := Derive(tx, profile); got != first {
			t.Fatalf("derivation %d differs: %v vs %v", i, got, first)
		}
	}
}

func TestDeriveOutOfOrderTimestamp(t *testing.T) {
	tx := testTransaction()
	tx.Timestamp = baseTime.Add(-time.Hour)
	profile := &domain.UserProfile{
		Entries: []domain.HistoryEntry{
			{At: baseTime.Add(-10 * time.Minute), Amount: 10},
			{At: baseTime, Amount: 10},
		},
	}

	v := Derive(tx, profile)
	if got := v.Get(TimeSinceLastTransaction); got != 0 {
		t.Errorf("expected clamped time_since_last_transaction 0, got %v", got)
	}
	if got := v.Get(Velocity1h); got != 2 {
		t.Errorf("expected both entries in the hour window, got %v", got)
	}
}

func TestDeriveFlags(t *testing.T) {
	tests := []struct {
		name    string
		hour    int
		dow     int
		night   float64
		weekend float64
	}{
		{"WeekdayAfternoon", 14, 2, 0, 0},
		{"Midnight", 0, 2, 1, 0},
		{"EarlyMorning", 5, 2, 1, 0},
		{"SixAM", 6, 2, 0, 0},
		{"Saturday", 12, 5, 0, 1},
		{"SundayNight", 3, 6, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := testTransaction()
			tx.Hour = tt.hour
			tx.DayOfWeek = tt.dow
			v := Derive(tx, nil)
			if v.Get(IsNight) != tt.night {
				t.Errorf("is_night = %v, want %v", v.Get(IsNight), tt.night)
			}
			if v.Get(IsWeekend) != tt.weekend {
				t.Errorf("is_weekend = %v, want %v", v.Get(IsWeekend), tt.weekend)
			}
		})
	}
}

func TestEncode(t *testing.T) {
	if got := Encode(MerchantCategories, "grocery"); got != 1 {
		t.Errorf("grocery = %d, want 1", got)
	}
	if got := Encode(MerchantCategories, "  TRAVEL "); got != 8 {
		t.Errorf("travel = %d, want 8", got)
	}
	if got := Encode(DeviceTypes, "smartwatch"); got != 0 {
		t.Errorf("unknown device = %d, want 0", got)
	}
	if got := Encode(PaymentMethods, ""); got != 0 {
		t.Errorf("empty payment method = %d, want 0", got)
	}

	v := Derive(testTransaction(), nil)
	if v.Get(MerchantCategoryCode) != 1 || v.Get(PaymentMethodCode) != 3 || v.Get(DeviceTypeCode) != 1 {
		t.Errorf("unexpected categorical codes: %v %v %v",
			v.Get(MerchantCategoryCode), v.Get(PaymentMethodCode), v.Get(DeviceTypeCode))
	}
}

func TestDeriveDemographics(t *testing.T) {
	tx := testTransaction()
	profile := &domain.UserProfile{
		UserAge:        41,
		AccountAgeDays: 100,
		AccountAgeAsOf: baseTime.Add(-10 * 24 * time.Hour),
	}

	v := Derive(tx, profile)
	if v.Get(UserAge) != 41 {
		t.Errorf("user_age = %v, want 41", v.Get(UserAge))
	}
	if v.Get(AccountAgeDays) != 110 {
		t.Errorf("account_age_days = %v, want 110", v.Get(AccountAgeDays))
	}

	tx.UserAge = 30
	tx.AccountAgeDays = 5
	v = Derive(tx, profile)
	if v.Get(UserAge) != 30 || v.Get(AccountAgeDays) != 5 {
		t.Errorf("transaction demographics should win, got %v %v", v.Get(UserAge), v.Get(AccountAgeDays))
	}
}

func TestDeriveLargeAmountNotClipped(t *testing.T) {
	tx := testTransaction()
	tx.Amount = 1e12
	v := Derive(tx, nil)
	if v.Get(Amount) != 1e12 {
		t.Errorf("amount clipped to %v", v.Get(Amount))
	}
}

func TestVectorMap(t *testing.T) {
	v := Derive(testTransaction(), nil)
	m := v.Map()
	if len(m) != int(Count) {
		t.Fatalf("expected %d entries, got %d", Count, len(m))
	}
	if m["amount"] != 120 {
		t.Errorf("amount = %v", m["amount"])
	}
}
