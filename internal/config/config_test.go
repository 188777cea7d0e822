package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("KAFKA_BROKERS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("expected default address :8080, got %q", cfg.Address())
	}
	if cfg.RecipeCacheTTL != 5*time.Minute {
		t.Fatalf("expected 5m recipe cache ttl, got %s", cfg.RecipeCacheTTL)
	}
	if cfg.MaxConflictRetries != 3 {
		t.Fatalf("expected 3 conflict retries, got %d", cfg.MaxConflictRetries)
	}
	if cfg.AllowNegativeStock {
		t.Fatalf("negative stock must be off by default")
	}
	if cfg.EventsEnabled() {
		t.Fatalf("events must be off without brokers")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestLoadParsesBrokerList(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("ALLOW_NEGATIVE_STOCK", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if !cfg.AllowNegativeStock {
		t.Fatalf("expected ALLOW_NEGATIVE_STOCK to be parsed")
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("MAX_CONFLICT_RETRIES", "many")

	if _, err := Load(); err == nil {
		t.Fatalf("expected malformed MAX_CONFLICT_RETRIES to fail")
	}
}

func TestValidateRejectsInconsistentValues(t *testing.T) {
	cases := map[string]Config{
		"negative retries":     {Port: "8080", MaxConflictRetries: -1, WorkerConcurrency: 1},
		"missing topic":        {Port: "8080", KafkaBrokers: []string{"k:9092"}, KafkaGroupID: "g", EventDedupeTTL: time.Hour, WorkerConcurrency: 1},
		"no dedupe window":     {Port: "8080", KafkaBrokers: []string{"k:9092"}, KafkaTopic: "t", KafkaGroupID: "g", WorkerConcurrency: 1},
		"negative in prod":     {Port: "8080", AppEnv: "production", AllowNegativeStock: true, WorkerConcurrency: 1},
		"empty port":           {WorkerConcurrency: 1},
		"no worker goroutines": {Port: "8080"},
		"events without redis": {Port: "8080", KafkaBrokers: []string{"k:9092"}, KafkaTopic: "t", KafkaGroupID: "g", EventDedupeTTL: time.Hour, WorkerConcurrency: 1},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestValidateAcceptsEventsWithRedis(t *testing.T) {
	cfg := Config{
		Port:              "8080",
		KafkaBrokers:      []string{"k:9092"},
		KafkaTopic:        "t",
		KafkaGroupID:      "g",
		EventDedupeTTL:    time.Hour,
		RedisAddr:         "localhost:6379",
		WorkerConcurrency: 1,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}
