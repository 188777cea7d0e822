package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	AppEnv      string `envconfig:"APP_ENV" default:"development"`
	Port        string `envconfig:"PORT" default:"8080"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding string `envconfig:"LOG_ENCODING"`

	DatabaseURL string `envconfig:"DATABASE_URL"`

	RedisAddr      string        `envconfig:"REDIS_ADDR"`
	RedisPassword  string        `envconfig:"REDIS_PASSWORD"`
	RedisDB        int           `envconfig:"REDIS_DB" default:"0"`
	RecipeCacheTTL time.Duration `envconfig:"RECIPE_CACHE_TTL" default:"5m"`

	AllowNegativeStock bool `envconfig:"ALLOW_NEGATIVE_STOCK" default:"false"`
	MaxConflictRetries int  `envconfig:"MAX_CONFLICT_RETRIES" default:"3"`

	KafkaBrokers   []string      `envconfig:"KAFKA_BROKERS"`
	KafkaTopic     string        `envconfig:"KAFKA_TOPIC" default:"pos.inventory.events"`
	KafkaGroupID   string        `envconfig:"KAFKA_GROUP_ID" default:"stockledger"`
	EventDedupeTTL time.Duration `envconfig:"EVENT_DEDUPE_TTL" default:"24h"`

	WorkerConcurrency int    `envconfig:"WORKER_CONCURRENCY" default:"4"`
	ReconcileCron     string `envconfig:"RECONCILE_CRON" default:"@every 1h"`
	LowStockCron      string `envconfig:"LOW_STOCK_CRON" default:"0 6 * * *"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"8s"`
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.RedisAddr = strings.TrimSpace(cfg.RedisAddr)
	return cfg, nil
}

// Validate rejects combinations the process cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Port) == "" {
		errs = append(errs, errors.New("PORT must not be empty"))
	}
	if c.MaxConflictRetries < 0 {
		errs = append(errs, errors.New("MAX_CONFLICT_RETRIES must not be negative"))
	}
	if c.RecipeCacheTTL < 0 {
		errs = append(errs, errors.New("RECIPE_CACHE_TTL must not be negative"))
	}
	if c.RedisDB < 0 {
		errs = append(errs, errors.New("REDIS_DB must not be negative"))
	}
	if len(c.KafkaBrokers) > 0 {
		if strings.TrimSpace(c.KafkaTopic) == "" {
			errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
		}
		if strings.TrimSpace(c.KafkaGroupID) == "" {
			errs = append(errs, errors.New("KAFKA_GROUP_ID is required when KAFKA_BROKERS is set"))
		}
		if c.EventDedupeTTL <= 0 {
			errs = append(errs, errors.New("EVENT_DEDUPE_TTL must be positive when consuming events"))
		}
		if strings.TrimSpace(c.RedisAddr) == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required when KAFKA_BROKERS is set"))
		}
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be at least 1"))
	}
	if c.IsProduction() && c.AllowNegativeStock {
		errs = append(errs, errors.New("ALLOW_NEGATIVE_STOCK may not be enabled in production"))
	}
	return errors.Join(errs...)
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// EventsEnabled reports whether the Kafka listener should run.
func (c Config) EventsEnabled() bool {
	return len(c.KafkaBrokers) > 0
}
