package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Saga.TTL != time.Hour {
		t.Fatalf("expected saga ttl 1h, got %s", cfg.Saga.TTL)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelay != time.Second || cfg.Retry.MaxDelay != 5*time.Minute {
		t.Fatalf("unexpected retry defaults %+v", cfg.Retry)
	}
	if cfg.Retry.MaxRequeueAttempts != 3 {
		t.Fatalf("expected 3 requeue attempts, got %d", cfg.Retry.MaxRequeueAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SAGA_TTL", "30m")
	t.Setenv("RETRY_BASE_DELAY", "250")
	t.Setenv("SCHEDULER_SPEC", "*/10 * * * *")
	t.Setenv("DB_SSLMODE", "require")

	cfg := Load()
	if cfg.Saga.TTL != 30*time.Minute {
		t.Fatalf("expected 30m, got %s", cfg.Saga.TTL)
	}
	if cfg.Retry.BaseDelay != 250*time.Millisecond {
		t.Fatalf("expected bare int as milliseconds, got %s", cfg.Retry.BaseDelay)
	}
	if !strings.Contains(cfg.DSN(), "sslmode=require") {
		t.Fatalf("unexpected DSN %q", cfg.DSN())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateAcceptsZeroRequeueBudget(t *testing.T) {
	t.Setenv("RETRY_MAX_REQUEUE_ATTEMPTS", "0")

	cfg := Load()
	if cfg.Retry.MaxRequeueAttempts != 0 {
		t.Fatalf("expected 0 requeue attempts, got %d", cfg.Retry.MaxRequeueAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty prefix", func(c *Config) { c.StreamPrefix = " " }, "BROKER_STREAM_PREFIX"},
		{"zero ttl", func(c *Config) { c.Saga.TTL = 0 }, "SAGA_TTL"},
		{"max below base", func(c *Config) { c.Retry.MaxDelay = time.Millisecond }, "RETRY_MAX_DELAY"},
		{"bad cron", func(c *Config) { c.Scheduler.Spec = "every now and then" }, "SCHEDULER_SPEC"},
		{"bad port", func(c *Config) { c.HTTPPort = 0 }, "HTTP_PORT"},
		{"no regions", func(c *Config) { c.Scheduler.Regions = nil }, "SCHEDULER_REGIONS"},
		{"negative requeue", func(c *Config) { c.Retry.MaxRequeueAttempts = -1 }, "RETRY_MAX_REQUEUE_ATTEMPTS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want mention of %s", err, tt.want)
			}
		})
	}
}
