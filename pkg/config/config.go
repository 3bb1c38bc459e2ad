// Package config loads broker configuration from environment variables,
// 12-factor style. Secrets (HMAC key, JWT secret) are required and length
// checked; everything else has a safe default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the full runtime configuration of opsgated.
type Config struct {
	Port     string
	LogLevel string

	// DBDriver selects the store backend: "sqlite" or "postgres".
	DBDriver string
	// SQLitePath is the database file for the sqlite driver.
	SQLitePath string
	// PostgresDSN is the lib/pq connection string for the postgres driver.
	PostgresDSN string

	// HistoryKey signs approval history entries (HMAC-SHA256, >= 32 bytes).
	HistoryKey []byte
	// JWTSecret verifies bearer tokens (HS256, >= 32 bytes).
	JWTSecret []byte

	// AuditLogPath is the append-only audit event file.
	AuditLogPath string

	// PolicyFile optionally replaces the built-in policy seed.
	PolicyFile string
	// RegistryFile optionally replaces the built-in wrapper registry.
	RegistryFile string

	// Wrapper gateway tuning.
	WrapperTimeout time.Duration
	MaxConcurrent  int
	QueueWait      time.Duration

	// SweepInterval is the expiry scan cadence.
	SweepInterval time.Duration

	// Rate limiting. RedisAddr empty selects the in-memory store.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Telemetry.
	OTLPEndpoint     string
	TelemetryEnabled bool
	Environment      string
}

const minSecretBytes = 32

// Load reads the environment and validates required settings.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             envOr("OPSGATE_PORT", "8080"),
		LogLevel:         envOr("OPSGATE_LOG_LEVEL", "INFO"),
		DBDriver:         envOr("OPSGATE_DB_DRIVER", "sqlite"),
		SQLitePath:       envOr("OPSGATE_SQLITE_PATH", "opsgate.db"),
		PostgresDSN:      os.Getenv("OPSGATE_POSTGRES_DSN"),
		AuditLogPath:     envOr("OPSGATE_AUDIT_LOG", "opsgate-audit.log"),
		PolicyFile:       os.Getenv("OPSGATE_POLICY_FILE"),
		RegistryFile:     os.Getenv("OPSGATE_REGISTRY_FILE"),
		RedisAddr:        os.Getenv("OPSGATE_REDIS_ADDR"),
		RedisPassword:    os.Getenv("OPSGATE_REDIS_PASSWORD"),
		OTLPEndpoint:     envOr("OPSGATE_OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: os.Getenv("OPSGATE_TELEMETRY") == "true",
		Environment:      envOr("OPSGATE_ENV", "development"),
	}

	cfg.HistoryKey = []byte(os.Getenv("OPSGATE_HISTORY_KEY"))
	if len(cfg.HistoryKey) < minSecretBytes {
		return nil, fmt.Errorf("OPSGATE_HISTORY_KEY must be at least %d bytes", minSecretBytes)
	}
	cfg.JWTSecret = []byte(os.Getenv("OPSGATE_JWT_SECRET"))
	if len(cfg.JWTSecret) < minSecretBytes {
		return nil, fmt.Errorf("OPSGATE_JWT_SECRET must be at least %d bytes", minSecretBytes)
	}

	switch cfg.DBDriver {
	case "sqlite":
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("OPSGATE_POSTGRES_DSN is required with the postgres driver")
		}
	default:
		return nil, fmt.Errorf("OPSGATE_DB_DRIVER must be sqlite or postgres, got %q", cfg.DBDriver)
	}

	var err error
	if cfg.WrapperTimeout, err = envDuration("OPSGATE_WRAPPER_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.QueueWait, err = envDuration("OPSGATE_QUEUE_WAIT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = envDuration("OPSGATE_SWEEP_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrent, err = envInt("OPSGATE_MAX_CONCURRENT", 16); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = envInt("OPSGATE_REDIS_DB", 0); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
