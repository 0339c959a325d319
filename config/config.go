package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tradeguard/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds all application configuration.
type Config struct {
	// Storage
	StorageBackend   string // "sqlite" or "postgres"
	DBPath           string // SQLite database file
	PostgresDSN      string
	PostgresMaxConns int

	// Dual-write migration mode: a second backend receives every write and
	// the results are compared for drift. The secondary never serves reads.
	DualWrite         bool
	SecondaryBackend  string
	SecondaryDBPath   string
	SecondaryDSN      string
	DriftTolerance    float64 // numeric comparison tolerance
	DriftAuditChannel string  // channel tag on drift audit log lines

	// Supervision Loop
	Cadence            time.Duration
	Workers            int // concurrent evaluation ceiling
	Staleness          time.Duration
	EscalationWindow   time.Duration
	PersistTimeout     time.Duration
	MarketTimeout      time.Duration
	MaxPersistFailures int

	// Stop Conditions
	ConditionOrder      []string // evaluation precedence, first to last
	ProbabilityFloor    float64
	ProbabilityCooldown time.Duration
	ProbabilityDisabled bool
	MomentumLimit       float64
	MomentumCooldown    time.Duration
	MomentumDisabled    bool
	ExpiryFloorSeconds  float64

	// Collaborators
	MarketFeedURL     string
	MarketFeedTimeout time.Duration
	ExecutionURL      string
	ExecutionTimeout  time.Duration

	// Notification Sinks
	BookkeepingURL   string
	PresentationURL  string
	DispatchAttempts int
	BackoffMin       time.Duration
	BackoffMax       time.Duration
	DeliveryTimeout  time.Duration
	QueueSize        int

	// HTTP
	ListenAddr  string // confirmation callbacks and operator endpoints
	MetricsAddr string // Prometheus scrape endpoint

	// Logging
	LogLevel logger.LogLevel // Use the LogLevel type from the logger adapter
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Storage
	cfg.StorageBackend = strings.ToLower(getEnv("STORAGE_BACKEND", "sqlite"))
	if cfg.StorageBackend != "sqlite" && cfg.StorageBackend != "postgres" {
		errs = append(errs, "STORAGE_BACKEND must be 'sqlite' or 'postgres'")
	}
	cfg.DBPath = getEnv("DB_PATH", "./data/tradeguard.db")
	cfg.PostgresDSN = getEnv("POSTGRES_DSN", "")
	if cfg.StorageBackend == "postgres" && cfg.PostgresDSN == "" {
		errs = append(errs, "POSTGRES_DSN must be set when STORAGE_BACKEND is postgres")
	}
	cfg.PostgresMaxConns = getEnvAsInt("POSTGRES_MAX_CONNS", 8)
	if cfg.PostgresMaxConns <= 0 {
		errs = append(errs, "POSTGRES_MAX_CONNS must be positive")
	}

	cfg.DualWrite = getEnvAsBool("DUAL_WRITE", false)
	cfg.SecondaryBackend = strings.ToLower(getEnv("SECONDARY_BACKEND", "postgres"))
	cfg.SecondaryDBPath = getEnv("SECONDARY_DB_PATH", "./data/tradeguard_secondary.db")
	cfg.SecondaryDSN = getEnv("SECONDARY_POSTGRES_DSN", "")
	if cfg.DualWrite {
		if cfg.SecondaryBackend != "sqlite" && cfg.SecondaryBackend != "postgres" {
			errs = append(errs, "SECONDARY_BACKEND must be 'sqlite' or 'postgres'")
		}
		if cfg.SecondaryBackend == cfg.StorageBackend && cfg.SecondaryBackend == "postgres" && cfg.SecondaryDSN == cfg.PostgresDSN {
			errs = append(errs, "dual-write secondary must not be the same postgres database as the primary")
		}
		if cfg.SecondaryBackend == "postgres" && cfg.SecondaryDSN == "" {
			errs = append(errs, "SECONDARY_POSTGRES_DSN must be set when SECONDARY_BACKEND is postgres")
		}
	}
	cfg.DriftTolerance, err = getEnvAsFloatRequired("DRIFT_TOLERANCE", 1e-9)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DRIFT_TOLERANCE: %v", err))
	} else if cfg.DriftTolerance < 0 {
		errs = append(errs, "DRIFT_TOLERANCE cannot be negative")
	}
	cfg.DriftAuditChannel = getEnv("DRIFT_AUDIT_CHANNEL", "drift-audit")

	// Supervision Loop
	cfg.Cadence = getEnvAsDuration("CADENCE", time.Second)
	if cfg.Cadence <= 0 {
		errs = append(errs, "CADENCE must be positive")
	}
	cfg.Workers = getEnvAsInt("WORKERS", 8)
	if cfg.Workers <= 0 {
		errs = append(errs, "WORKERS must be positive")
	}
	cfg.Staleness = getEnvAsDuration("STALENESS", 5*time.Second)
	if cfg.Staleness <= 0 {
		errs = append(errs, "STALENESS must be positive")
	}
	cfg.EscalationWindow = getEnvAsDuration("ESCALATION_WINDOW", 15*time.Second)
	if cfg.EscalationWindow <= 0 {
		errs = append(errs, "ESCALATION_WINDOW must be positive")
	}
	cfg.PersistTimeout = getEnvAsDuration("PERSIST_TIMEOUT", 3*time.Second)
	cfg.MarketTimeout = getEnvAsDuration("MARKET_TIMEOUT", 2*time.Second)
	cfg.MaxPersistFailures = getEnvAsInt("MAX_PERSIST_FAILURES", 5)

	// Stop Conditions
	orderStr := getEnv("CONDITION_ORDER", "probability_threshold,momentum_spike")
	for _, name := range strings.Split(orderStr, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			cfg.ConditionOrder = append(cfg.ConditionOrder, name)
		}
	}
	if len(cfg.ConditionOrder) == 0 {
		errs = append(errs, "CONDITION_ORDER must name at least one condition")
	}

	cfg.ProbabilityFloor, err = getEnvAsFloatRequired("PROBABILITY_FLOOR", 0.55)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PROBABILITY_FLOOR: %v", err))
	} else if cfg.ProbabilityFloor < 0 || cfg.ProbabilityFloor > 1 {
		errs = append(errs, "PROBABILITY_FLOOR must be between 0.0 and 1.0")
	}
	cfg.ProbabilityCooldown = getEnvAsDuration("PROBABILITY_COOLDOWN", 30*time.Second)
	cfg.ProbabilityDisabled = getEnvAsBool("PROBABILITY_DISABLED", false)

	cfg.MomentumLimit, err = getEnvAsFloatRequired("MOMENTUM_LIMIT", 0.05)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MOMENTUM_LIMIT: %v", err))
	} else if cfg.MomentumLimit <= 0 {
		errs = append(errs, "MOMENTUM_LIMIT must be positive")
	}
	cfg.MomentumCooldown = getEnvAsDuration("MOMENTUM_COOLDOWN", 30*time.Second)
	cfg.MomentumDisabled = getEnvAsBool("MOMENTUM_DISABLED", false)

	cfg.ExpiryFloorSeconds, err = getEnvAsFloatRequired("EXPIRY_FLOOR_SECONDS", 60)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid EXPIRY_FLOOR_SECONDS: %v", err))
	} else if cfg.ExpiryFloorSeconds <= 0 {
		errs = append(errs, "EXPIRY_FLOOR_SECONDS must be positive")
	}

	// Collaborators
	cfg.MarketFeedURL = getEnv("MARKET_FEED_URL", "")
	if cfg.MarketFeedURL == "" {
		errs = append(errs, "MARKET_FEED_URL must be set")
	}
	cfg.MarketFeedTimeout = getEnvAsDuration("MARKET_FEED_TIMEOUT", 2*time.Second)
	cfg.ExecutionURL = getEnv("EXECUTION_URL", "")
	if cfg.ExecutionURL == "" {
		errs = append(errs, "EXECUTION_URL must be set")
	}
	cfg.ExecutionTimeout = getEnvAsDuration("EXECUTION_TIMEOUT", 3*time.Second)

	// Notification Sinks
	cfg.BookkeepingURL = getEnv("BOOKKEEPING_SINK_URL", "")
	if cfg.BookkeepingURL == "" {
		errs = append(errs, "BOOKKEEPING_SINK_URL must be set")
	}
	cfg.PresentationURL = getEnv("PRESENTATION_SINK_URL", "") // optional
	cfg.DispatchAttempts = getEnvAsInt("DISPATCH_MAX_ATTEMPTS", 5)
	if cfg.DispatchAttempts <= 0 {
		errs = append(errs, "DISPATCH_MAX_ATTEMPTS must be positive")
	}
	cfg.BackoffMin = getEnvAsDuration("DISPATCH_BACKOFF_MIN", 100*time.Millisecond)
	cfg.BackoffMax = getEnvAsDuration("DISPATCH_BACKOFF_MAX", 10*time.Second)
	if cfg.BackoffMin <= 0 || cfg.BackoffMax < cfg.BackoffMin {
		errs = append(errs, "DISPATCH_BACKOFF_MIN must be positive and no greater than DISPATCH_BACKOFF_MAX")
	}
	cfg.DeliveryTimeout = getEnvAsDuration("DISPATCH_DELIVERY_TIMEOUT", 5*time.Second)
	cfg.QueueSize = getEnvAsInt("DISPATCH_QUEUE_SIZE", 256)

	// HTTP
	cfg.ListenAddr = getEnv("LISTEN_ADDR", ":8080")
	cfg.MetricsAddr = getEnv("METRICS_ADDR", ":9090")

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// For non-required fields, default is acceptable.
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go duration syntax ("500ms", "2s", "1m30s").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
