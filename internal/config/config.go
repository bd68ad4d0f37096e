package config

import "time"

// Config holds all application configuration loaded from environment
// variables via github.com/caarlos0/env.
type Config struct {
	// Server configuration
	MetricsPort int    `env:"METRICS_PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"dev"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"autoguard"`

	// Redis configuration (health records, checkpoints, escalations)
	RedisHost         string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort         string `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword     string `env:"REDIS_PASSWORD"`
	RedisMaxRetries   int    `env:"REDIS_MAX_RETRIES" envDefault:"5"`
	RedisRetryDelayMs int    `env:"REDIS_RETRY_DELAY_MS" envDefault:"1000"`

	// Activity store: sqlite file path or postgres DSN
	ActivityDSN string `env:"ACTIVITY_DSN" envDefault:"data/autoguard.db"`

	// Policy configuration
	PolicyPath string `env:"POLICY_PATH" envDefault:"config/policy.yaml"`

	// Session pool configuration
	PoolCapacity         int           `env:"POOL_CAPACITY" envDefault:"3"`
	SessionIdleTimeout   time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"10m"`
	SessionSweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"60s"`

	// Health monitor configuration
	HealthSweepInterval time.Duration `env:"HEALTH_SWEEP_INTERVAL" envDefault:"15m"`
	ClaimReapInterval   time.Duration `env:"CLAIM_REAP_INTERVAL" envDefault:"5m"`

	// Telemetry configuration
	OtelEnabled     bool   `env:"OTEL_ENABLED" envDefault:"true"`
	OtelServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"autoguard"`
}
