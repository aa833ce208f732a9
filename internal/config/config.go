// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the server configuration. Empty DATABASE_URL selects the
// in-memory store; empty REDIS_URL disables the cache; empty KAFKA_BROKERS
// disables the Kafka event feed.
type Config struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	Env             string        `env:"ENV" envDefault:"dev"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`

	DatabaseURL   string        `env:"DATABASE_URL"`
	RunMigrations bool          `env:"RUN_MIGRATIONS" envDefault:"true"`
	StoreTimeout  time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`

	RedisURL string        `env:"REDIS_URL"`
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"30s"`

	Kafka Kafka

	LifecycleInterval time.Duration `env:"LIFECYCLE_INTERVAL" envDefault:"30s"`
}

type Kafka struct {
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `env:"KAFKA_TOPIC" envDefault:"dpc.trade-events"`
}

// Load reads .env if present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.StoreTimeout <= 0 {
		return nil, fmt.Errorf("STORE_TIMEOUT must be positive, got %s", cfg.StoreTimeout)
	}
	if cfg.LifecycleInterval <= 0 {
		return nil, fmt.Errorf("LIFECYCLE_INTERVAL must be positive, got %s", cfg.LifecycleInterval)
	}
	return cfg, nil
}
