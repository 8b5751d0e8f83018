// FraudGuard - Hybrid fraud scoring that deploys in 60 seconds.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sony/gobreaker"

	"github.com/opensource-finance/fraudguard/internal/api"
	"github.com/opensource-finance/fraudguard/internal/bus"
	"github.com/opensource-finance/fraudguard/internal/cache"
	"github.com/opensource-finance/fraudguard/internal/config"
	"github.com/opensource-finance/fraudguard/internal/domain"
	"github.com/opensource-finance/fraudguard/internal/explain"
	"github.com/opensource-finance/fraudguard/internal/history"
	"github.com/opensource-finance/fraudguard/internal/metrics"
	"github.com/opensource-finance/fraudguard/internal/model"
	"github.com/opensource-finance/fraudguard/internal/repository"
	"github.com/opensource-finance/fraudguard/internal/scoring"
	"github.com/opensource-finance/fraudguard/internal/tracing"
	"github.com/opensource-finance/fraudguard/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("FRAUDGUARD_CONFIG"), "path to a YAML or JSON configuration file")
	flag.Parse()

	// Bootstrap logger until the configured level is known
	setupLogger(domain.LoggingConfig{Level: "info", Format: "json"})

	// Load configuration
	loader, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	setupLogger(cfg.Logging)

	// Log startup
	slog.Info("starting fraudguard",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"path", *configPath,
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown and reload signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				slog.Info("received reload signal")
				if err := loader.Reload(); err != nil {
					slog.Error("config reload rejected, keeping previous configuration", "error", err)
				}
				continue
			}
			slog.Info("received shutdown signal", "signal", sig)
			cancel()
			return
		}
	}()

	// Initialize Tracing
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, Version)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Metrics
	agg := metrics.New(metrics.Options{
		LatencyWindow: cfg.Metrics.LatencyWindow,
		TargetLatency: cfg.Metrics.TargetLatency,
	})

	// Initialize History Store
	historyOpts := history.Options{
		Capacity:         cfg.History.Capacity,
		IdleTTL:          cfg.History.IdleTTL,
		Journal:          repo,
		JournalAttempts:  cfg.History.JournalAttempts,
		JournalBaseDelay: cfg.History.JournalBaseDelay,
		OnJournalFailure: func(error) { agg.RecordHistoryFailure() },
	}
	if cfg.History.Hydrate {
		historyOpts.Source = repo
	}
	store := history.NewStore(historyOpts)
	go store.Run(ctx)
	slog.Info("history store initialized",
		"capacity", cfg.History.Capacity,
		"idle_ttl", cfg.History.IdleTTL,
		"hydrate", cfg.History.Hydrate,
	)

	// Initialize Models
	models := model.NewRegistry(model.BreakerSettings{
		FailureRatio: cfg.Models.BreakerFailureRatio,
		MinRequests:  cfg.Models.BreakerMinRequests,
		OpenTimeout:  cfg.Models.BreakerOpenTimeout,
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("model breaker state changed", "model", name, "from", from.String(), "to", to.String())
			agg.SetBreakerState(name, int(to))
		},
	})
	if err := installModels(models, cfg.Models.BundlePath); err != nil {
		slog.Error("failed to load models", "path", cfg.Models.BundlePath, "error", err)
		os.Exit(1)
	}
	health := models.Health()
	slog.Info("models loaded",
		"version", health.Version,
		"classifier", health.ClassifierName,
		"anomaly", health.AnomalyName,
	)

	// Initialize Reason Engine
	reasons, err := explain.NewEngine()
	if err != nil {
		slog.Error("failed to initialize reason engine", "error", err)
		os.Exit(1)
	}
	if err := reasons.Reload(cfg.Reasons); err != nil {
		slog.Error("failed to load reasons", "error", err)
		os.Exit(1)
	}
	slog.Info("reason engine initialized", "rules_count", reasons.RulesCount())

	// Initialize Scoring Engine
	engine, err := scoring.New(scoring.Options{
		Scoring: cfg.Scoring,
		History: store,
		Models:  models,
		Reasons: reasons,
		Metrics: agg,
		Cache:   cacheImpl,
		Bus:     busImpl,
	})
	if err != nil {
		slog.Error("failed to initialize scoring engine", "error", err)
		os.Exit(1)
	}
	slog.Info("scoring engine initialized",
		"classifier_weight", cfg.Scoring.ClassifierWeight,
		"normalization", cfg.Scoring.Normalization.Method,
		"bands", len(cfg.Scoring.Bands),
	)

	// Hot reload of the scoring table and reasons. Reason rules are compiled
	// before anything is stored, so a bad rule rejects the whole reload.
	loader.AddValidator(func(next *domain.Config) error {
		return reasons.Validate(next.Reasons)
	})
	loader.OnReload(func(next *domain.Config) {
		if err := engine.Reconfigure(next.Scoring); err != nil {
			slog.Error("failed to apply scoring configuration", "error", err)
			return
		}
		if err := reasons.Reload(next.Reasons); err != nil {
			slog.Error("failed to apply reasons", "error", err)
			return
		}
		slog.Info("configuration reloaded",
			"classifier_weight", next.Scoring.ClassifierWeight,
			"rules_count", reasons.RulesCount(),
		)
	})
	loader.Watch()

	// Initialize Workers. The decision recorder always runs; the ingest
	// worker only when asynchronous scoring is enabled.
	var scorer worker.Scorer
	if cfg.Worker.Enabled {
		scorer = engine
	}
	asyncWorker := worker.NewWorker(busImpl, scorer, repo)
	if err := asyncWorker.Start(worker.Config{TenantIDs: cfg.Worker.Tenants}); err != nil {
		slog.Error("failed to start workers", "error", err)
		os.Exit(1)
	}
	slog.Info("workers started",
		"ingest", cfg.Worker.Enabled,
		"tenant_count", len(cfg.Worker.Tenants),
	)

	// Initialize Server
	srv := api.NewServer(cfg.Server, engine, reasons, repo, cacheImpl, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("fraudguard is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop workers after the last request has been answered
	if err := asyncWorker.Stop(); err != nil {
		slog.Error("failed to stop workers", "error", err)
	}

	if err := store.Close(); err != nil {
		slog.Error("failed to flush history journal", "error", err)
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("fraudguard shutdown complete")
}

func setupLogger(cfg domain.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("FRAUDGUARD_DEBUG") == "true" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// installModels loads the bundle at path, or the built-in reference models.
func installModels(models *model.Registry, path string) error {
	bundle := model.DefaultBundle()
	if path != "" {
		b, err := model.LoadBundle(path)
		if err != nil {
			return err
		}
		bundle = b
	}
	return models.Install(bundle)
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               FRAUDGUARD                  ║")
	fmt.Println("  ║       Hybrid Fraud Scoring Engine         ║")
	fmt.Println("  ║    Classifier + anomaly, every payment.   ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /predict               - Score a transaction")
	fmt.Println("    POST /batch-predict         - Score a batch of transactions")
	fmt.Println("    POST /simulate-transaction  - Score a random demo transaction")
	fmt.Println("    GET  /predictions/{id}      - Get a verdict by transaction ID")
	fmt.Println("    GET  /transactions/{id}     - Get a journaled transaction")
	fmt.Println("    GET  /model-info            - Models, features and bands")
	fmt.Println("    GET  /metrics               - Scoring metrics")
	fmt.Println("    GET  /metrics/prometheus    - Prometheus exposition")
	fmt.Println("    GET  /health                - Health check")
	fmt.Println()
}
