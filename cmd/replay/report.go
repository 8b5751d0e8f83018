package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/fraudguard/internal/domain"
)

// Report is the confusion matrix of a replay.
type Report struct {
	TruePositives  int64 // Fraud predicted as fraud
	FalsePositives int64 // Legit predicted as fraud
	TrueNegatives  int64 // Legit predicted as legit
	FalseNegatives int64 // Fraud predicted as legit (missed fraud!)

	Errors       int64
	ProcessingMs float64
}

// Add records one verdict against its label.
func (r *Report) Add(predicted, actual bool) {
	switch {
	case predicted && actual:
		r.TruePositives++
	case predicted && !actual:
		r.FalsePositives++
	case !predicted && !actual:
		r.TrueNegatives++
	default:
		r.FalseNegatives++
	}
}

// Total is the number of scored transactions.
func (r *Report) Total() int64 {
	return r.TruePositives + r.FalsePositives + r.TrueNegatives + r.FalseNegatives
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func (r *Report) Precision() float64 {
	return ratio(r.TruePositives, r.TruePositives+r.FalsePositives)
}

func (r *Report) Recall() float64 {
	return ratio(r.TruePositives, r.TruePositives+r.FalseNegatives)
}

func (r *Report) F1() float64 {
	p, rc := r.Precision(), r.Recall()
	if p+rc == 0 {
		return 0
	}
	return 2 * p * rc / (p + rc)
}

func (r *Report) Accuracy() float64 {
	return ratio(r.TruePositives+r.TrueNegatives, r.Total())
}

type labelled struct {
	tx    domain.Transaction
	fraud bool
}

var requiredColumns = []string{"transaction_id", "user_id", "amount", "is_fraud"}

// readLabelledCSV parses rows whose header uses the transaction JSON
// field names plus is_fraud. Malformed rows are counted and skipped.
func readLabelledCSV(r io.Reader, limit int) ([]labelled, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, 0, fmt.Errorf("missing column %q", name)
		}
	}

	var rows []labelled
	skipped := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			skipped++
			continue
		}

		row, err := parseRow(col, record)
		if err != nil {
			skipped++
			continue
		}
		rows = append(rows, row)

		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows, skipped, nil
}

func parseRow(col map[string]int, record []string) (labelled, error) {
	var firstErr error
	field := func(name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	num := func(name string) float64 {
		s := field(name)
		if s == "" {
			return 0
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("column %s: %w", name, err)
		}
		return v
	}
	integer := func(name string) int {
		return int(num(name))
	}

	row := labelled{
		tx: domain.Transaction{
			ID:               field("transaction_id"),
			UserID:           field("user_id"),
			Amount:           num("amount"),
			MerchantCategory: field("merchant_category"),
			PaymentMethod:    field("payment_method"),
			DeviceType:       field("device_type"),
			Hour:             integer("hour"),
			DayOfWeek:        integer("day_of_week"),
			Month:            integer("month"),
			GeographicRisk:   num("geographic_risk"),
			DeviceRisk:       num("device_risk"),
			UserAge:          integer("user_age"),
			AccountAgeDays:   integer("account_age_days"),
		},
	}
	if row.tx.Month == 0 {
		row.tx.Month = 1
	}
	if ts := field("timestamp"); ts != "" {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("column timestamp: %w", err)
		}
		row.tx.Timestamp = t
	}

	switch strings.ToLower(field("is_fraud")) {
	case "1", "true", "yes":
		row.fraud = true
	case "0", "false", "no":
	default:
		if firstErr == nil {
			firstErr = fmt.Errorf("column is_fraud: unrecognised label %q", field("is_fraud"))
		}
	}

	if row.tx.ID == "" || row.tx.UserID == "" {
		return labelled{}, errors.New("transaction_id and user_id are required")
	}
	return row, firstErr
}
