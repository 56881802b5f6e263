package config

import "testing"

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "s3cret")
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.ListenAddr != ":8080" || cfg.LogLevel != "info" {
			t.Fatalf("defaults = %q/%q", cfg.ListenAddr, cfg.LogLevel)
		}
		if cfg.RateLimitPerSecond != 20 || cfg.RateLimitBurst != 40 {
			t.Fatalf("rate limits = %d/%d", cfg.RateLimitPerSecond, cfg.RateLimitBurst)
		}
	})

	t.Run("missing secret", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "")
		t.Setenv("SANDBOX_MODE", "")
		if _, err := Load(); err == nil {
			t.Fatal("Load() expected error without JWT_SECRET")
		}
	})

	t.Run("sandbox mode supplies a secret", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "")
		t.Setenv("SANDBOX_MODE", "true")
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if !cfg.SandboxMode || cfg.JWTSecret == "" {
			t.Fatalf("sandbox config = %+v", cfg)
		}
	})

	t.Run("schedule requires balance source", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "s3cret")
		t.Setenv("RECONCILE_SCHEDULE", "*/10 * * * *")
		if _, err := Load(); err == nil {
			t.Fatal("Load() expected error without EXTERNAL_BALANCE_URL")
		}
	})

	t.Run("broker list parsing", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "s3cret")
		t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
			t.Fatalf("brokers = %v", cfg.KafkaBrokers)
		}
	})
}
