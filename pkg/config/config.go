// Package config loads service configuration from the environment and an
// optional YAML policy file.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config holds ingest service configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisURL    string

	// Production is true when NODE_ENV=production. It selects the strict
	// rejection behavior and collapses 4xx bodies.
	Production bool

	// StrictOrigin rejects disallowed origins even on signed requests.
	StrictOrigin bool
	// AllowUnsigned accepts unsigned batches with partial trust. Ignored
	// in production.
	AllowUnsigned bool
	// AllowRedisFallback permits the in-process rate limiter when the
	// shared store is unreachable.
	AllowRedisFallback bool
	// AllowNullOrigin permits requests with no Origin/Referer even when
	// unsigned.
	AllowNullOrigin bool

	// TimestampWindow is the accepted clock skew W on event and signature
	// timestamps.
	TimestampWindow time.Duration

	// SecretsKey is the base64 key for decrypting shop signing secrets.
	// When empty, secrets are assumed to be stored in plaintext (dev).
	SecretsKey string

	// OTLPEndpoint enables the OpenTelemetry exporters when non-empty.
	OTLPEndpoint string

	// PolicyFile optionally points at a YAML policy overriding thresholds,
	// quotas, consent entries, and sampling rates.
	PolicyFile string

	Limits Limits
}

// Limits bounds request, queue, and worker behavior.
type Limits struct {
	MaxBodyBytes     int64
	MaxBatchEvents   int
	MaxQueueSize     int64
	MaxBatchesPerRun int
	WorkerBudget     time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://ingest@localhost:5432/ingest?sslmode=disable"
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	window := 5 * time.Minute
	if ms := envInt64("PIXEL_TIMESTAMP_WINDOW_MS", 0); ms > 0 {
		window = time.Duration(ms) * time.Millisecond
	}

	return &Config{
		Port:               port,
		LogLevel:           logLevel,
		DatabaseURL:        dbURL,
		RedisURL:           redisURL,
		Production:         os.Getenv("NODE_ENV") == "production",
		StrictOrigin:       envBool("PIXEL_STRICT_ORIGIN"),
		AllowUnsigned:      envBool("ALLOW_UNSIGNED_PIXEL_EVENTS"),
		AllowRedisFallback: envBool("ALLOW_REDIS_FALLBACK_FOR_INGEST"),
		AllowNullOrigin:    envBool("PIXEL_ALLOW_NULL_ORIGIN"),
		TimestampWindow:    window,
		SecretsKey:         os.Getenv("PIXEL_SECRETS_KEY"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		PolicyFile:         os.Getenv("PIXEL_POLICY_FILE"),
		Limits: Limits{
			MaxBodyBytes:     envInt64("PIXEL_MAX_BODY_BYTES", 1<<20),
			MaxBatchEvents:   int(envInt64("PIXEL_MAX_BATCH_EVENTS", 50)),
			MaxQueueSize:     envInt64("INGEST_MAX_QUEUE_SIZE", 10000),
			MaxBatchesPerRun: int(envInt64("INGEST_MAX_BATCHES_PER_RUN", 25)),
			WorkerBudget:     time.Duration(envInt64("INGEST_WORKER_BUDGET_MS", 50000)) * time.Millisecond,
		},
	}
}

// Environment returns the shop environment this process serves:
// "live" in production, "test" otherwise.
func (c *Config) Environment() string {
	if c.Production {
		return "live"
	}
	return "test"
}

func envBool(key string) bool {
	return os.Getenv(key) == "true"
}

func envInt64(key string, def int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid numeric env var, using default", "key", key, "value", raw, "default", def)
		return def
	}
	return v
}
