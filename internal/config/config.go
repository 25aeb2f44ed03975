// Package config provides application configuration management.
// Configuration is loaded from environment variables following 12-factor principles.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration.
// All fields are populated from environment variables.
type Config struct {
	// Application settings
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	AppPort int    `env:"APP_PORT" envDefault:"8080"`

	// Database (PostgreSQL)
	DatabaseURL     string        `env:"DATABASE_URL,required"`
	RunMigrations   bool          `env:"RUN_MIGRATIONS" envDefault:"true"`
	DBMaxConns      int           `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns      int           `env:"DB_MIN_CONNS" envDefault:"2"`
	DBConnectWait   time.Duration `env:"DB_CONNECT_WAIT" envDefault:"30s"`

	// Cache and streams (Redis)
	RedisURL string `env:"REDIS_URL,required"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Server timeouts
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Rate limiting
	RateLimitAPIEnabled  bool `env:"RATE_LIMIT_API_ENABLED" envDefault:"true"`
	RateLimitEventsRPS   int  `env:"RATE_LIMIT_EVENTS_RPS" envDefault:"200"`
	RateLimitEventsBurst int  `env:"RATE_LIMIT_EVENTS_BURST" envDefault:"50"`

	// CORS configuration
	// Comma-separated list of allowed origins (e.g., "https://ops.example.org,https://map.example.org")
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:""`

	// Request body size limit in bytes (default 1MB)
	MaxRequestBodySize int64 `env:"MAX_REQUEST_BODY_SIZE" envDefault:"1048576"`

	// Movement module
	MovementBaseURL  string        `env:"MOVEMENT_BASE_URL" envDefault:""`
	MovementTimeout  time.Duration `env:"MOVEMENT_TIMEOUT" envDefault:"15s"`
	MovementPageSize int           `env:"MOVEMENT_PAGE_SIZE" envDefault:"1000"`
	MovementMaxPages int           `env:"MOVEMENT_MAX_PAGES" envDefault:"100"`

	// Asset module
	AssetBaseURL       string        `env:"ASSET_BASE_URL" envDefault:""`
	AssetTimeout       time.Duration `env:"ASSET_TIMEOUT" envDefault:"10s"`
	AssetGroupCacheTTL time.Duration `env:"ASSET_GROUP_CACHE_TTL" envDefault:"10m"`

	// Outgoing mail. An empty host logs messages instead of sending them.
	SMTPHost     string `env:"SMTP_HOST" envDefault:""`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"SMTP_USERNAME" envDefault:""`
	SMTPPassword string `env:"SMTP_PASSWORD" envDefault:""`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"subscriptions@seawatch.local"`

	// Extract archive (S3 compatible). An empty bucket disables archiving.
	S3Endpoint  string `env:"S3_ENDPOINT" envDefault:""`
	S3Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Bucket    string `env:"S3_BUCKET" envDefault:""`
	S3AccessKey string `env:"S3_ACCESS_KEY" envDefault:""`
	S3SecretKey string `env:"S3_SECRET_KEY" envDefault:""`

	// Background workers
	SchedulerEnabled     bool          `env:"SCHEDULER_ENABLED" envDefault:"true"`
	SchedulerInterval    time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1m"`
	ExecutorPollInterval time.Duration `env:"EXECUTOR_POLL_INTERVAL" envDefault:"5s"`
	ExecutorBatchSize    int           `env:"EXECUTOR_BATCH_SIZE" envDefault:"20"`
	IngestEnabled        bool          `env:"INGEST_ENABLED" envDefault:"true"`
	IngestBatchSize      int           `env:"INGEST_BATCH_SIZE" envDefault:"100"`
	IngestEvalAttempts   int           `env:"INGEST_EVAL_ATTEMPTS" envDefault:"3"`
	WebhookWorkerEnabled bool          `env:"WEBHOOK_WORKER_ENABLED" envDefault:"true"`
	WebhookConcurrency   int           `env:"WEBHOOK_CONCURRENCY" envDefault:"4"`
	WebhookTimeout       time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"30s"`
	// Terminal deliveries older than this are deleted. Zero keeps them.
	WebhookRetention time.Duration `env:"WEBHOOK_RETENTION" envDefault:"720h"`

	// Allows http:// and private hosts as webhook targets (local development only)
	WebhookAllowInsecure bool `env:"WEBHOOK_ALLOW_INSECURE" envDefault:"false"`
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// MailEnabled reports whether an SMTP relay is configured.
func (c *Config) MailEnabled() bool {
	return c.SMTPHost != ""
}

// ArchiveEnabled reports whether extracts are copied to object storage.
func (c *Config) ArchiveEnabled() bool {
	return c.S3Bucket != ""
}

// GetCORSAllowedOrigins parses the comma-separated origins string into a slice.
func (c *Config) GetCORSAllowedOrigins() []string {
	if c.CORSAllowedOrigins == "" {
		return nil
	}

	origins := strings.Split(c.CORSAllowedOrigins, ",")
	result := make([]string, 0, len(origins))

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c *Config) Validate() error {
	if c.MovementPageSize <= 0 {
		return fmt.Errorf("MOVEMENT_PAGE_SIZE must be positive, got %d", c.MovementPageSize)
	}
	if c.MovementMaxPages <= 0 {
		return fmt.Errorf("MOVEMENT_MAX_PAGES must be positive, got %d", c.MovementMaxPages)
	}
	if c.IsProduction() && c.MovementBaseURL == "" {
		return fmt.Errorf("MOVEMENT_BASE_URL is required in production")
	}
	if c.IsProduction() && c.AssetBaseURL == "" {
		return fmt.Errorf("ASSET_BASE_URL is required in production")
	}
	if c.WebhookConcurrency <= 0 {
		return fmt.Errorf("WEBHOOK_CONCURRENCY must be positive, got %d", c.WebhookConcurrency)
	}
	if c.IsProduction() && c.WebhookAllowInsecure {
		return fmt.Errorf("WEBHOOK_ALLOW_INSECURE cannot be enabled in production")
	}
	if c.ArchiveEnabled() && (c.S3AccessKey == "") != (c.S3SecretKey == "") {
		return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
	}
	return nil
}

// Load parses environment variables and returns a Config.
// Returns an error if required variables are missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
