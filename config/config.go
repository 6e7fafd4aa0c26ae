package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/yashasviy/lockless-transfer-saga/models"
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	Port      string
	DBURL     string
	RedisAddr string
	Env       string
	LogLevel  string

	// IdempotencyBackend selects where step records live: "postgres" or "redis".
	IdempotencyBackend string

	Workers             int
	QueueSize           int
	RetryCeiling        int
	RetryBaseDelay      time.Duration
	StepTimeout         time.Duration
	StaleDebitThreshold time.Duration
	RecoveryInterval    time.Duration
	StepRecordTTL       time.Duration

	ChaosMode       bool
	ChaosCrashAfter models.SagaState

	// TracingEnabled turns on span export to the OTLP collector at CollectorEndpoint.
	TracingEnabled    bool
	CollectorEndpoint string

	// EnvFileLoaded reports whether a .env file was found.
	EnvFileLoaded bool
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() (*Config, error) {
	loaded := godotenv.Load() == nil

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		DBURL:              getEnv("DB_URL", ""),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		Env:                getEnv("ENV", "production"),
		LogLevel:           getEnv("LOG_LEVEL", ""),
		IdempotencyBackend: strings.ToLower(getEnv("IDEMPOTENCY_BACKEND", BackendPostgres)),
		CollectorEndpoint:  getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		EnvFileLoaded:      loaded,
	}

	var err error
	if cfg.Workers, err = getInt("SAGA_WORKERS", 8); err != nil {
		return nil, err
	}
	if cfg.QueueSize, err = getInt("SAGA_QUEUE_SIZE", 1024); err != nil {
		return nil, err
	}
	if cfg.RetryCeiling, err = getInt("SAGA_RETRY_CEILING", 5); err != nil {
		return nil, err
	}
	if cfg.RetryBaseDelay, err = getDuration("SAGA_RETRY_BASE_DELAY", 20*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.StepTimeout, err = getDuration("SAGA_STEP_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.StaleDebitThreshold, err = getDuration("SAGA_STALE_DEBIT_THRESHOLD", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RecoveryInterval, err = getDuration("RECOVERY_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.StepRecordTTL, err = getDuration("STEP_RECORD_TTL", 7*24*time.Hour); err != nil {
		return nil, err
	}

	if cfg.ChaosMode, err = getBool("CHAOS_MODE"); err != nil {
		return nil, err
	}
	if cfg.ChaosMode {
		state := getEnv("CHAOS_CRASH_AFTER", "")
		if state == "" {
			state = string(models.StateDebited)
		}
		if cfg.ChaosCrashAfter, err = models.ParseSagaState(state); err != nil {
			return nil, fmt.Errorf("invalid CHAOS_CRASH_AFTER: %w", err)
		}
	}

	if cfg.TracingEnabled, err = getBool("OTEL_ENABLED"); err != nil {
		return nil, err
	}
	if cfg.TracingEnabled && cfg.CollectorEndpoint == "" {
		return nil, fmt.Errorf("OTEL_EXPORTER_OTLP_ENDPOINT is required when OTEL_ENABLED is set")
	}

	switch cfg.IdempotencyBackend {
	case BackendPostgres, BackendRedis:
	default:
		return nil, fmt.Errorf("invalid IDEMPOTENCY_BACKEND %q", cfg.IdempotencyBackend)
	}

	return cfg, nil
}

// Helper to get env with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, raw)
	}

	return n, nil
}

func getBool(key string) (bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return false, nil
	}

	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}

	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, raw)
	}

	return d, nil
}
