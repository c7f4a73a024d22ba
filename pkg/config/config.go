package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/auditkeep/pkg/audit"
	"github.com/platinummonkey/auditkeep/pkg/download"
	"github.com/platinummonkey/auditkeep/pkg/export"
	"github.com/platinummonkey/auditkeep/pkg/middleware"
	"github.com/platinummonkey/auditkeep/pkg/observability"
	"github.com/platinummonkey/auditkeep/pkg/retention"
	"github.com/platinummonkey/auditkeep/pkg/storage"
)

const envPrefix = "AUDITKEEP_"

const minTokenSecretLen = 32

// Token store backends
const (
	TokenStoreMemory = "memory"
	TokenStoreRedis  = "redis"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Recorder      audit.RecorderConfig
	Retention     RetentionConfig
	Export        export.Config
	Download      DownloadConfig
	RateLimit     RateLimitConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
}

// RetentionConfig holds the sweeper schedule and policy source
type RetentionConfig struct {
	// PolicyFile is an optional YAML policy; empty uses the built-in defaults
	PolicyFile string
	// Schedule is the cron spec of the retention sweep
	Schedule string
	// ExportSweepSchedule is the cron spec of the export job sweep
	ExportSweepSchedule string
	Sweeper             retention.SweeperConfig
	// AlertWindow bounds how often the same tampered event raises an alert
	AlertWindow time.Duration
}

// DownloadConfig selects the token store and its windows
type DownloadConfig struct {
	Store string
	download.Config
	MemoryCapacity int
}

// RateLimitConfig holds the API and export quotas
type RateLimitConfig struct {
	API    middleware.RateLimitConfig
	Export middleware.RateLimitConfig
	// Distributed keeps quotas in Redis so they hold across replicas
	Distributed bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	MetricsEnabled bool
	OTel           observability.OTelConfig
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Retention:     loadRetentionConfig(),
		Export:        loadExportConfig(),
		Download:      loadDownloadConfig(),
		RateLimit:     loadRateLimitConfig(),
		Observability: loadObservabilityConfig(),
	}

	recorder, err := loadRecorderConfig()
	if err != nil {
		return nil, err
	}
	cfg.Recorder = recorder

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("HOST", "0.0.0.0"),
		Port:            getEnv("PORT", "8080"),
		ReadTimeout:     getEnvDuration("READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("MAX_BODY_BYTES", 1<<20),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	cfg.ExportBackend = getEnv("EXPORT_BACKEND", cfg.ExportBackend)
	cfg.ArchiveBackend = getEnv("ARCHIVE_BACKEND", cfg.ArchiveBackend)
	cfg.FilesystemRoot = getEnv("FILESYSTEM_ROOT", cfg.FilesystemRoot)
	cfg.SQLitePath = getEnv("SQLITE_PATH", cfg.SQLitePath)

	cfg.PostgresURL = getEnv("POSTGRES_URL", cfg.PostgresURL)
	cfg.PostgresReplicaURLs = storage.ParseReplicaURLs(getEnv("POSTGRES_REPLICA_URLS", ""))
	if maxConns := getEnvInt("POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	cfg.PostgresTimeout = getEnvDuration("POSTGRES_TIMEOUT", cfg.PostgresTimeout)

	cfg.S3Endpoint = getEnv("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = getEnv("S3_REGION", cfg.S3Region)
	cfg.S3Bucket = getEnv("S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = getEnv("S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnv("S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3UsePathStyle = getEnvBool("S3_USE_PATH_STYLE", cfg.S3UsePathStyle)

	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	if redisDB := getEnvInt("REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if retries := getEnvInt("REDIS_MAX_RETRIES", 0); retries > 0 {
		cfg.RedisMaxRetries = retries
	}
	if poolSize := getEnvInt("REDIS_POOL_SIZE", 0); poolSize > 0 {
		cfg.RedisPoolSize = poolSize
	}

	return cfg
}

func loadRecorderConfig() (audit.RecorderConfig, error) {
	cfg := audit.DefaultRecorderConfig()
	cfg.QueueSize = getEnvInt("RECORDER_QUEUE_SIZE", cfg.QueueSize)
	cfg.Workers = getEnvInt("RECORDER_WORKERS", cfg.Workers)
	cfg.EnqueueTimeout = getEnvDuration("RECORDER_ENQUEUE_TIMEOUT", cfg.EnqueueTimeout)
	cfg.WriteTimeout = getEnvDuration("RECORDER_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.RetryInterval = getEnvDuration("RECORDER_RETRY_INTERVAL", cfg.RetryInterval)
	cfg.SpillPath = getEnv("RECORDER_SPILL_PATH", cfg.SpillPath)

	overflow, err := audit.ParseOverflowPolicy(getEnv("RECORDER_OVERFLOW", string(cfg.Overflow)))
	if err != nil {
		return audit.RecorderConfig{}, fmt.Errorf("invalid recorder config: %w", err)
	}
	cfg.Overflow = overflow
	return cfg, nil
}

func loadRetentionConfig() RetentionConfig {
	sweeper := retention.DefaultSweeperConfig()
	sweeper.BatchSize = getEnvInt("RETENTION_BATCH_SIZE", sweeper.BatchSize)
	sweeper.ArchiveConcurrency = getEnvInt("RETENTION_ARCHIVE_CONCURRENCY", sweeper.ArchiveConcurrency)
	sweeper.ArchiveTimeout = getEnvDuration("RETENTION_ARCHIVE_TIMEOUT", sweeper.ArchiveTimeout)

	return RetentionConfig{
		PolicyFile:          getEnv("RETENTION_POLICY_FILE", ""),
		Schedule:            getEnv("RETENTION_SCHEDULE", "0 3 * * *"),
		ExportSweepSchedule: getEnv("EXPORT_SWEEP_SCHEDULE", "@every 15m"),
		Sweeper:             sweeper,
		AlertWindow:         getEnvDuration("INTEGRITY_ALERT_WINDOW", time.Hour),
	}
}

func loadExportConfig() export.Config {
	cfg := export.DefaultConfig()
	cfg.MaxRecords = getEnvInt("EXPORT_MAX_RECORDS", cfg.MaxRecords)
	cfg.PageSize = getEnvInt("EXPORT_PAGE_SIZE", cfg.PageSize)
	cfg.MaxConcurrent = getEnvInt64("EXPORT_MAX_CONCURRENT", cfg.MaxConcurrent)
	cfg.JobTimeout = getEnvDuration("EXPORT_JOB_TIMEOUT", cfg.JobTimeout)
	cfg.JobRecordTTL = getEnvDuration("EXPORT_JOB_RECORD_TTL", cfg.JobRecordTTL)
	cfg.TempDir = getEnv("EXPORT_TEMP_DIR", cfg.TempDir)
	return cfg
}

func loadDownloadConfig() DownloadConfig {
	return DownloadConfig{
		Store: getEnv("DOWNLOAD_TOKEN_STORE", TokenStoreMemory),
		Config: download.Config{
			Window: getEnvDuration("DOWNLOAD_TOKEN_WINDOW", download.DefaultWindow),
			Grace:  getEnvDuration("DOWNLOAD_TOKEN_GRACE", download.DefaultGrace),
			Secret: []byte(getEnv("DOWNLOAD_TOKEN_SECRET", "")),
		},
		MemoryCapacity: getEnvInt("DOWNLOAD_TOKEN_CAPACITY", download.DefaultMemoryCapacity),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	api := middleware.DefaultRateLimitConfig()
	exp := middleware.ExportRateLimitConfig()
	return RateLimitConfig{
		API: middleware.RateLimitConfig{
			Limit:  getEnvInt("API_RATE_LIMIT", api.Limit),
			Window: getEnvDuration("API_RATE_WINDOW", api.Window),
		},
		Export: middleware.RateLimitConfig{
			Limit:  getEnvInt("EXPORT_RATE_LIMIT", exp.Limit),
			Window: getEnvDuration("EXPORT_RATE_WINDOW", exp.Window),
		},
		Distributed: getEnvBool("RATE_LIMIT_DISTRIBUTED", false),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "text"),
		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
		OTel: observability.OTelConfig{
			Enabled:        getEnvBool("OTEL_ENABLED", false),
			Endpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "auditkeep"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
			Insecure:       getEnvBool("OTEL_INSECURE", true),
			SampleRatio:    getEnvFloat("OTEL_SAMPLE_RATIO", 1),
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Retention.Schedule); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", c.Retention.Schedule, err)
	}
	if _, err := parser.Parse(c.Retention.ExportSweepSchedule); err != nil {
		return fmt.Errorf("invalid export sweep schedule %q: %w", c.Retention.ExportSweepSchedule, err)
	}
	if c.Retention.PolicyFile != "" {
		if _, err := retention.LoadPolicyFile(c.Retention.PolicyFile); err != nil {
			return err
		}
	}

	if c.Export.MaxRecords <= 0 || c.Export.MaxConcurrent <= 0 {
		return fmt.Errorf("export limits must be positive")
	}

	switch c.Download.Store {
	case TokenStoreMemory:
	case TokenStoreRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis token store")
		}
		if len(c.Download.Secret) == 0 {
			return fmt.Errorf("download token secret is required for the redis token store")
		}
	default:
		return fmt.Errorf("invalid download token store: %s (must be memory or redis)", c.Download.Store)
	}
	if n := len(c.Download.Secret); n > 0 && n < minTokenSecretLen {
		return fmt.Errorf("download token secret must be at least %d bytes", minTokenSecretLen)
	}
	if c.Download.MemoryCapacity <= 0 {
		return fmt.Errorf("download token capacity must be positive")
	}
	if c.RateLimit.Distributed && c.Storage.RedisURL == "" {
		return fmt.Errorf("redis URL is required for distributed rate limiting")
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if c.Observability.OTel.Enabled {
		if c.Observability.OTel.Endpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTel.ServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if r := c.Observability.OTel.SampleRatio; r < 0 || r > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1, got %g", r)
		}
	}
	return nil
}

// Policy loads the configured retention policy, or the defaults
func (c *Config) Policy() (*retention.Policy, error) {
	if c.Retention.PolicyFile == "" {
		return retention.DefaultPolicy(), nil
	}
	return retention.LoadPolicyFile(c.Retention.PolicyFile)
}

// getEnv returns AUDITKEEP_<key> or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(envPrefix + key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(envPrefix + key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(envPrefix + key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(envPrefix + key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(envPrefix + key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
