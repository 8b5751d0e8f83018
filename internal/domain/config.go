package domain

import (
	"fmt"
	"math"
	"time"
)

// Config holds the complete FraudGuard configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Tier determines which backends are wired by default
	Tier Tier `json:"tier" mapstructure:"tier"`

	// Scoring engine
	Scoring ScoringConfig `json:"scoring" mapstructure:"scoring"`
	History HistoryConfig `json:"history" mapstructure:"history"`
	Models  ModelsConfig  `json:"models" mapstructure:"models"`
	Reasons []ReasonRule  `json:"reasons" mapstructure:"reasons"`
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
	Worker  WorkerConfig  `json:"worker" mapstructure:"worker"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" mapstructure:"repository"`
	Cache      CacheConfig      `json:"cache" mapstructure:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" mapstructure:"event_bus"`

	// Observability
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout  int    `json:"readTimeout" mapstructure:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" mapstructure:"write_timeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `json:"format" mapstructure:"format" validate:"omitempty,oneof=json text"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"serviceName" mapstructure:"service_name"`
	Endpoint    string `json:"endpoint" mapstructure:"endpoint"` // OTLP gRPC host:port
	Insecure    bool   `json:"insecure" mapstructure:"insecure"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-process LRU and channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// Band maps scores at or above Threshold to a tier and action.
type Band struct {
	Threshold float64   `json:"threshold" mapstructure:"threshold"`
	Level     RiskLevel `json:"risk_level" mapstructure:"risk_level"`
	Action    Action    `json:"action" mapstructure:"action"`
	Flag      bool      `json:"flag" mapstructure:"flag"`
}

// Anomaly normalization methods.
const (
	NormalizeLogistic = "logistic"
	NormalizeMinMax   = "minmax"
)

// NormalizationConfig maps a raw anomaly measure onto [0,1].
type NormalizationConfig struct {
	Method string  `json:"method" mapstructure:"method"`
	Center float64 `json:"center" mapstructure:"center"`
	Scale  float64 `json:"scale" mapstructure:"scale"`
	Min    float64 `json:"min" mapstructure:"min"`
	Max    float64 `json:"max" mapstructure:"max"`
}

// ScoringConfig is the hot-reloadable part of the engine configuration.
type ScoringConfig struct {
	// ClassifierWeight is w in w*p + (1-w)*a.
	ClassifierWeight float64             `json:"classifier_weight" mapstructure:"classifier_weight"`
	Normalization    NormalizationConfig `json:"normalization" mapstructure:"normalization"`
	Bands            []Band              `json:"bands" mapstructure:"bands"`

	ClassifierTimeout time.Duration `json:"classifier_timeout" mapstructure:"classifier_timeout"`
	AnomalyTimeout    time.Duration `json:"anomaly_timeout" mapstructure:"anomaly_timeout"`
	LeaseTimeout      time.Duration `json:"lease_timeout" mapstructure:"lease_timeout"`

	BatchConcurrency int           `json:"batch_concurrency" mapstructure:"batch_concurrency"`
	MaxBatchSize     int           `json:"max_batch_size" mapstructure:"max_batch_size"`
	ResultTTL        time.Duration `json:"result_ttl" mapstructure:"result_ttl"`
}

// Validate checks the scoring configuration. Errors are *ConfigurationError.
func (c *ScoringConfig) Validate() error {
	if !inUnit(c.ClassifierWeight) {
		return &ConfigurationError{Field: "scoring.classifier_weight", Reason: "must be within [0,1]"}
	}

	n := c.Normalization
	switch n.Method {
	case NormalizeLogistic:
		if !(n.Scale > 0) || math.IsInf(n.Scale, 0) || math.IsNaN(n.Center) || math.IsInf(n.Center, 0) {
			return &ConfigurationError{Field: "scoring.normalization", Reason: "logistic scale must be positive and center finite"}
		}
	case NormalizeMinMax:
		if !(n.Max > n.Min) || math.IsInf(n.Max, 0) || math.IsInf(n.Min, 0) {
			return &ConfigurationError{Field: "scoring.normalization", Reason: "minmax requires finite max > min"}
		}
	default:
		return &ConfigurationError{Field: "scoring.normalization.method", Reason: fmt.Sprintf("unknown method %q", n.Method)}
	}

	if len(c.Bands) == 0 {
		return &ConfigurationError{Field: "scoring.bands", Reason: "at least one band is required"}
	}
	if c.Bands[0].Threshold != 0 {
		return &ConfigurationError{Field: "scoring.bands[0].threshold", Reason: "lowest band must start at 0"}
	}
	for i, b := range c.Bands {
		field := fmt.Sprintf("scoring.bands[%d]", i)
		if !inUnit(b.Threshold) {
			return &ConfigurationError{Field: field + ".threshold", Reason: "must be within [0,1]"}
		}
		if i > 0 && b.Threshold <= c.Bands[i-1].Threshold {
			return &ConfigurationError{Field: field + ".threshold", Reason: "thresholds must be strictly ascending"}
		}
		if !b.Level.Valid() {
			return &ConfigurationError{Field: field + ".risk_level", Reason: fmt.Sprintf("unknown risk level %q", b.Level)}
		}
		if !b.Action.Valid() {
			return &ConfigurationError{Field: field + ".action", Reason: fmt.Sprintf("unknown action %q", b.Action)}
		}
	}

	if c.ClassifierTimeout <= 0 || c.AnomalyTimeout <= 0 {
		return &ConfigurationError{Field: "scoring.timeouts", Reason: "adapter timeouts must be positive"}
	}
	if c.LeaseTimeout <= 0 {
		return &ConfigurationError{Field: "scoring.lease_timeout", Reason: "must be positive"}
	}
	if c.BatchConcurrency <= 0 {
		return &ConfigurationError{Field: "scoring.batch_concurrency", Reason: "must be positive"}
	}
	if c.MaxBatchSize < 0 {
		return &ConfigurationError{Field: "scoring.max_batch_size", Reason: "must not be negative"}
	}
	return nil
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}

// DefaultBands returns the standard four-tier decision table.
func DefaultBands() []Band {
	return []Band{
		{Threshold: 0, Level: RiskLow, Action: ActionAllow},
		{Threshold: 0.3, Level: RiskMedium, Action: ActionAllow, Flag: true},
		{Threshold: 0.6, Level: RiskHigh, Action: ActionReview},
		{Threshold: 0.85, Level: RiskCritical, Action: ActionBlock},
	}
}

// DefaultScoringConfig returns the default engine parameters.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		ClassifierWeight: 0.6,
		Normalization: NormalizationConfig{
			Method: NormalizeLogistic,
			Center: 1.0,
			Scale:  0.5,
			Min:    0,
			Max:    5,
		},
		Bands:             DefaultBands(),
		ClassifierTimeout: 40 * time.Millisecond,
		AnomalyTimeout:    40 * time.Millisecond,
		LeaseTimeout:      250 * time.Millisecond,
		BatchConcurrency:  16,
		MaxBatchSize:      1000,
		ResultTTL:         24 * time.Hour,
	}
}

// HistoryConfig controls the per-user rolling history.
type HistoryConfig struct {
	// Capacity is the ring buffer size per user.
	Capacity int `json:"capacity" mapstructure:"capacity"`

	// IdleTTL evicts profiles not touched for this long; 0 disables eviction.
	IdleTTL time.Duration `json:"idle_ttl" mapstructure:"idle_ttl"`

	// Hydrate loads the journal for users seen for the first time.
	Hydrate bool `json:"hydrate" mapstructure:"hydrate"`

	// Journal retry policy
	JournalAttempts  int           `json:"journal_attempts" mapstructure:"journal_attempts"`
	JournalBaseDelay time.Duration `json:"journal_base_delay" mapstructure:"journal_base_delay"`
}

// ModelsConfig locates the model bundle and guards model calls.
type ModelsConfig struct {
	// BundlePath is a JSON model bundle; empty uses the built-in reference models.
	BundlePath string `json:"bundle_path" mapstructure:"bundle_path"`

	BreakerFailureRatio float64       `json:"breaker_failure_ratio" mapstructure:"breaker_failure_ratio"`
	BreakerMinRequests  uint32        `json:"breaker_min_requests" mapstructure:"breaker_min_requests"`
	BreakerOpenTimeout  time.Duration `json:"breaker_open_timeout" mapstructure:"breaker_open_timeout"`
}

// MetricsConfig sizes the latency reservoir.
type MetricsConfig struct {
	LatencyWindow int           `json:"latency_window" mapstructure:"latency_window"`
	TargetLatency time.Duration `json:"target_latency" mapstructure:"target_latency"`
}

// WorkerConfig enables asynchronous scoring from the event bus.
type WorkerConfig struct {
	Enabled bool     `json:"enabled" mapstructure:"enabled"`
	Tenants []string `json:"tenants" mapstructure:"tenants"`
}

// DefaultConfig returns a default configuration for the Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier:    TierCommunity,
		Scoring: DefaultScoringConfig(),
		History: HistoryConfig{
			Capacity:         512,
			Hydrate:          true,
			JournalAttempts:  3,
			JournalBaseDelay: 50 * time.Millisecond,
		},
		Models: ModelsConfig{
			BreakerFailureRatio: 0.5,
			BreakerMinRequests:  20,
			BreakerOpenTimeout:  10 * time.Second,
		},
		Reasons: DefaultReasonRules(),
		Metrics: MetricsConfig{
			LatencyWindow: 1000,
			TargetLatency: 100 * time.Millisecond,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./fraudguard.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "fraudguard",
			Insecure:    true,
		},
	}
}

// ProConfig returns a configuration for the Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "fraudguard",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Endpoint = "localhost:4317"
	return cfg
}
