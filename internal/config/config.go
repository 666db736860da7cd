// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"dev"`
	Port        int    `env:"PORT" envDefault:"8080"`

	// Fact-store / job-store connection
	DBHost     string `env:"DB_HOST"`
	DBName     string `env:"DB_NAME" envDefault:"graph_db"`
	DBUser     string `env:"DB_USER" envDefault:"graph_admin"`
	DBPassword string `env:"DB_PASSWORD"`
	DBPort     int    `env:"DB_PORT" envDefault:"5432"`

	// AWS identity and region; AWSRoleARN triggers assume-role for workers
	// running outside the account (e.g. Raspberry Pi fleet members).
	AWSRegion  string `env:"AWS_REGION" envDefault:"us-east-1"`
	AWSProfile string `env:"AWS_PROFILE"`
	AWSRoleARN string `env:"AWS_ROLE_ARN"`

	CoordinatorURL string `env:"COORDINATOR_URL" envDefault:"http://localhost:8080"`
	WorkerID       string `env:"WORKER_ID"`
	// Capabilities: job types this worker can execute.
	Capabilities []string `env:"WORKER_CAPABILITIES" envSeparator:"," envDefault:"iowa_business,iowa_asbestos,medical_facilities"`

	// Worker loop tuning
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"60s"`
	HeartbeatDeadline time.Duration `env:"HEARTBEAT_DEADLINE" envDefault:"5m"`
	ClaimTimeout      time.Duration `env:"CLAIM_TIMEOUT" envDefault:"10s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"5s"`

	// Coordinator HTTP tuning
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Reaper: requeue jobs whose claimer stopped heartbeating.
	ReaperInterval time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`
	MaxRequeues    int           `env:"MAX_REQUEUES" envDefault:"3"`

	// Retry / circuit breaker defaults for loaders
	RetryMaxRetries         int           `env:"RETRY_MAX_RETRIES" envDefault:"3"`
	RetryInitialDelay       time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"1s"`
	RetryMaxDelay           time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	RetryMultiplier         float64       `env:"RETRY_MULTIPLIER" envDefault:"2.0"`
	CircuitBreakerThreshold int           `env:"CIRCUIT_BREAKER_THRESHOLD" envDefault:"10"`
	CircuitBreakerTimeout   time.Duration `env:"CIRCUIT_BREAKER_TIMEOUT" envDefault:"60s"`

	// DLQ tuning
	DLQMaxRetries      int           `env:"DLQ_MAX_RETRIES" envDefault:"3"`
	DLQCooldown        time.Duration `env:"DLQ_COOLDOWN" envDefault:"5m"`
	DLQBaseDelay       time.Duration `env:"DLQ_BASE_DELAY" envDefault:"60s"`
	DLQRetentionDays   int           `env:"DLQ_RETENTION_DAYS" envDefault:"30"`
	DLQCleanupInterval time.Duration `env:"DLQ_CLEANUP_INTERVAL" envDefault:"24h"`

	// Telemetry sink (CloudWatch Logs)
	LogGroup          string        `env:"LOG_GROUP" envDefault:"/lexara/distributed-loaders"`
	TelemetryBatch    int           `env:"TELEMETRY_BATCH_SIZE" envDefault:"25"`
	TelemetryInterval time.Duration `env:"TELEMETRY_FLUSH_INTERVAL" envDefault:"5s"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"six-worker"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// Validate checks that credentials required for store access are present.
// Missing credentials are a startup error, not a per-job one.
func (c Config) Validate() error {
	if c.DBHost == "" || c.DBPassword == "" {
		return fmt.Errorf("op=config.Validate: %w: DB_HOST and DB_PASSWORD are required", errMissingCredentials)
	}
	return nil
}

var errMissingCredentials = fmt.Errorf("missing database credentials")

// DatabaseURL composes a pgx DSN from the discrete DB_* variables.
func (c Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=prefer",
		url.QueryEscape(c.DBUser), url.QueryEscape(c.DBPassword), c.DBHost, c.DBPort, c.DBName)
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.Environment) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.Environment) == "production" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.Environment) == "test" }

// RetryConfig is the retry/DLQ tuning view handed to loaders.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// GetRetryConfig returns the retry configuration.
func (c Config) GetRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   c.RetryMaxRetries,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Multiplier:   c.RetryMultiplier,
	}
}
