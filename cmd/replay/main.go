// Replay tool for measuring FraudGuard against labelled transaction data.
//
// Usage:
//
//	go run ./cmd/replay -csv /path/to/labelled.csv -url http://localhost:8080
//
// This tool:
//  1. Reads labelled transactions (is_fraud column) from a CSV file
//  2. Sends them to FraudGuard in chunks through POST /batch-predict
//  3. Compares each verdict with the label
//  4. Prints precision, recall, F1-score and the confusion matrix
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/fraudguard/internal/api"
	"github.com/opensource-finance/fraudguard/internal/domain"
)

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to labelled CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "FraudGuard base URL")
	tenantID := flag.String("tenant", "replay", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum transactions to replay (0 = all)")
	chunk := flag.Int("chunk", 200, "Transactions per batch request")
	workers := flag.Int("workers", 4, "Concurrent batch requests")
	positive := flag.String("positive", "alert", "Verdict counted as fraud: alert, flagged or block")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/labelled.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}
	predicate, err := positivePredicate(*positive)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	if *chunk <= 0 || *chunk > api.DefaultMaxBatchSize {
		fmt.Printf("ERROR: -chunk must be within 1..%d\n", api.DefaultMaxBatchSize)
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║           FRAUDGUARD REPLAY - Labelled Transactions           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("URL:         %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Chunk:       %d\n", *chunk)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Positive:    %s\n", *positive)
	fmt.Println()

	client := &http.Client{Timeout: 60 * time.Second}

	if err := checkHealth(client, *baseURL); err != nil {
		fmt.Printf("ERROR: FraudGuard not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure FraudGuard is running:")
		fmt.Println("  go run ./cmd/fraudguard")
		os.Exit(1)
	}
	fmt.Println("✓ FraudGuard is healthy")

	file, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: Failed to open CSV: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	fmt.Printf("\nReading labelled data from %s...\n", *csvPath)
	rows, skipped, err := readLabelledCSV(file, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d transactions (%d malformed rows skipped)\n", len(rows), skipped)
	if len(rows) == 0 {
		os.Exit(1)
	}

	fmt.Printf("\nReplaying with %d workers...\n", *workers)
	start := time.Now()
	report, err := replay(context.Background(), client, *baseURL, *tenantID, rows, *chunk, *workers, predicate, *verbose)
	if err != nil {
		fmt.Printf("ERROR: Replay aborted: %v\n", err)
		os.Exit(1)
	}

	printResults(report, time.Since(start))
}

func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/ready")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}
	return nil
}

// positivePredicate maps the -positive flag to a verdict test.
func positivePredicate(name string) (func(*domain.ScoreResult) bool, error) {
	switch name {
	case "alert":
		return (*domain.ScoreResult).Alerting, nil
	case "flagged":
		return func(r *domain.ScoreResult) bool { return r.Flagged || r.Action != domain.ActionAllow }, nil
	case "block":
		return func(r *domain.ScoreResult) bool { return r.Action == domain.ActionBlock }, nil
	}
	return nil, fmt.Errorf("unknown -positive value %q", name)
}

func replay(ctx context.Context, client *http.Client, baseURL, tenantID string, rows []labelled, chunk, workers int, positive func(*domain.ScoreResult) bool, verbose bool) (*Report, error) {
	report := &Report{}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))

	for lo := 0; lo < len(rows); lo += chunk {
		batch := rows[lo:min(lo+chunk, len(rows))]
		g.Go(func() error {
			resp, err := predictBatch(ctx, client, baseURL, tenantID, batch)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			report.ProcessingMs += resp.ProcessingMs
			for i, p := range resp.Predictions {
				row := batch[i]
				if p.Result == nil {
					report.Errors++
					if verbose && p.Error != nil {
						fmt.Printf("ERROR: %s -> %s\n", row.tx.ID, p.Error.Error)
					}
					continue
				}
				predicted := positive(p.Result)
				report.Add(predicted, row.fraud)
				if verbose {
					status := "✓"
					if predicted != row.fraud {
						status = "✗"
					}
					fmt.Printf("%s %-16s | Amount: $%10.2f | Fraud: %-5v | %-8s %-6s (%.3f)\n",
						status, row.tx.ID, row.tx.Amount, row.fraud,
						p.Result.RiskLevel, p.Result.Action, p.Result.FraudScore,
					)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return report, nil
}

func predictBatch(ctx context.Context, client *http.Client, baseURL, tenantID string, batch []labelled) (*api.BatchResponse, error) {
	txs := make([]*domain.Transaction, len(batch))
	for i := range batch {
		txs[i] = &batch[i].tx
	}
	body, err := json.Marshal(map[string]any{"transactions": txs})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/batch-predict", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out api.BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Predictions) != len(batch) {
		return nil, fmt.Errorf("expected %d predictions, got %d", len(batch), len(out.Predictions))
	}
	return &out, nil
}

func printResults(r *Report, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                        REPLAY RESULTS                         ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Scored:     %d\n", r.Total())
	fmt.Printf("   Total Fraud:      %d\n", r.TruePositives+r.FalseNegatives)
	fmt.Printf("   Total Non-Fraud:  %d\n", r.FalsePositives+r.TrueNegatives)
	fmt.Printf("   Errors:           %d\n", r.Errors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                   FRAUD       LEGIT")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", r.TruePositives, r.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("          NF  │ %8d │ %8d │  (FP, TN)\n", r.FalsePositives, r.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of alerts, how many were actual fraud)\n", r.Precision())
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", r.Recall())
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", r.F1())
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", r.Accuracy())

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if total := r.Total() + r.Errors; total > 0 {
		fmt.Printf("   Avg Server Time:  %.3f ms/tx\n", r.ProcessingMs/float64(total))
		fmt.Printf("   Throughput:       %.2f tx/sec\n", float64(total)/duration.Seconds())
	}
	fmt.Println()
}
