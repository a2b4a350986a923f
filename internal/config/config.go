package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	QueueBackendPostgres = "postgres"
	QueueBackendRedis    = "redis"
	QueueBackendMemory   = "memory"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL"`
	DBMinConns  int32  `envconfig:"PULSE_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"PULSE_DB_MAX_CONNS" default:"8"`

	QueueBackend       string        `envconfig:"QUEUE_BACKEND" default:"postgres"`
	QueuePollInterval  time.Duration `envconfig:"QUEUE_POLL_INTERVAL" default:"2s"`
	QueueLeaseDuration time.Duration `envconfig:"QUEUE_LEASE_DURATION" default:"5m"`
	JobRetention       time.Duration `envconfig:"JOB_RETENTION" default:"336h"`
	JobMaxRetries      int           `envconfig:"JOB_MAX_RETRIES" default:"3"`
	RetryBaseDelay     time.Duration `envconfig:"RETRY_BASE_DELAY" default:"5s"`
	RetryMaxDelay      time.Duration `envconfig:"RETRY_MAX_DELAY" default:"10m"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	FetchTimeout     time.Duration `envconfig:"FETCH_TIMEOUT" default:"15s"`
	FetchMaxBytes    int64         `envconfig:"FETCH_MAX_BYTES" default:"5242880"`
	IngestBatchSize  int           `envconfig:"INGEST_BATCH_SIZE" default:"10"`
	PendingSweepAge  time.Duration `envconfig:"PENDING_SWEEP_AGE" default:"30m"`
	DefaultAuthority float64       `envconfig:"DEFAULT_AUTHORITY_SCORE" default:"0.7"`
	SchedulesFile    string        `envconfig:"SCHEDULES_FILE" default:""`
	SourcesFile      string        `envconfig:"SOURCES_FILE" default:""`
	UserAgent        string        `envconfig:"HTTP_USER_AGENT" default:"pulse/1.0 (+https://horse.fit)"`

	NLPProvider          string `envconfig:"NLP_PROVIDER" default:"stub"`
	EmbeddingProvider    string `envconfig:"EMBEDDING_PROVIDER" default:"stub"`
	GeminiAPIKey         string `envconfig:"GEMINI_API_KEY" default:""`
	GeminiModel          string `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`
	GeminiEmbeddingModel string `envconfig:"GEMINI_EMBEDDING_MODEL" default:"text-embedding-004"`
	EmbeddingEndpoint    string `envconfig:"EMBEDDING_ENDPOINT" default:""`
	EmbeddingModel       string `envconfig:"EMBEDDING_MODEL" default:"local-embedding"`
	EmbeddingDimensions  int    `envconfig:"EMBEDDING_DIMENSIONS" default:"768"`

	ResolverBaseURL string `envconfig:"RESOLVER_BASE_URL" default:""`
	ResolverAPIKey  string `envconfig:"RESOLVER_API_KEY" default:""`

	S3Bucket          string `envconfig:"S3_BUCKET" default:""`
	S3Region          string `envconfig:"S3_REGION" default:"auto"`
	S3Endpoint        string `envconfig:"S3_ENDPOINT" default:""`
	S3AccessKeyID     string `envconfig:"S3_ACCESS_KEY_ID" default:""`
	S3SecretAccessKey string `envconfig:"S3_SECRET_ACCESS_KEY" default:""`
	UploadMaxBytes    int64  `envconfig:"UPLOAD_MAX_BYTES" default:"10485760"`

	APITokenHash string `envconfig:"API_TOKEN_HASH" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	cfg.QueueBackend = strings.ToLower(strings.TrimSpace(cfg.QueueBackend))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.QueueBackend {
	case QueueBackendPostgres, QueueBackendRedis, QueueBackendMemory:
	default:
		return fmt.Errorf("QUEUE_BACKEND must be one of postgres, redis, memory (got %q)", c.QueueBackend)
	}
	if c.QueueBackend != QueueBackendMemory && strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.QueueBackend == QueueBackendRedis && strings.TrimSpace(c.RedisAddr) == "" {
		return fmt.Errorf("REDIS_ADDR is required when QUEUE_BACKEND=redis")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("PULSE_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("PULSE_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("PULSE_DB_MIN_CONNS (%d) cannot exceed PULSE_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.QueuePollInterval <= 0 {
		return fmt.Errorf("QUEUE_POLL_INTERVAL must be > 0")
	}
	if c.QueueLeaseDuration < 10*time.Second {
		return fmt.Errorf("QUEUE_LEASE_DURATION must be >= 10s")
	}
	if c.JobMaxRetries < 0 || c.JobMaxRetries > 25 {
		return fmt.Errorf("JOB_MAX_RETRIES must be between 0 and 25")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("RETRY_BASE_DELAY must be > 0 and <= RETRY_MAX_DELAY")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT must be > 0")
	}
	if c.IngestBatchSize < 1 || c.IngestBatchSize > 50 {
		return fmt.Errorf("INGEST_BATCH_SIZE must be between 1 and 50")
	}
	if c.DefaultAuthority < 0 || c.DefaultAuthority > 1 {
		return fmt.Errorf("DEFAULT_AUTHORITY_SCORE must be within [0,1]")
	}
	if c.EmbeddingDimensions < 1 {
		return fmt.Errorf("EMBEDDING_DIMENSIONS must be >= 1")
	}
	for name, value := range map[string]string{"NLP_PROVIDER": c.NLPProvider, "EMBEDDING_PROVIDER": c.EmbeddingProvider} {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "stub", "gemini", "http":
		default:
			return fmt.Errorf("%s must be one of stub, gemini, http (got %q)", name, value)
		}
	}
	if strings.EqualFold(c.NLPProvider, "http") {
		return fmt.Errorf("NLP_PROVIDER does not support http")
	}
	if strings.EqualFold(c.EmbeddingProvider, "http") && strings.TrimSpace(c.EmbeddingEndpoint) == "" {
		return fmt.Errorf("EMBEDDING_ENDPOINT is required when EMBEDDING_PROVIDER=http")
	}
	if (strings.EqualFold(c.NLPProvider, "gemini") || strings.EqualFold(c.EmbeddingProvider, "gemini")) &&
		strings.TrimSpace(c.GeminiAPIKey) == "" {
		return fmt.Errorf("GEMINI_API_KEY is required for the gemini provider")
	}
	return nil
}

func (c *Config) IsLocal() bool {
	return c != nil && strings.EqualFold(strings.TrimSpace(c.Environment), "local")
}
