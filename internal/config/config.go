// Package config loads the treasury layer's runtime configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the full runtime configuration. Zero values fall back to the
// defaults set in Load.
type Config struct {
	ListenAddr string
	LogLevel   string

	// PostgresDSN empty selects the in-memory store.
	PostgresDSN string

	JWTSecret string

	// KafkaBrokers empty disables event publishing.
	KafkaBrokers []string

	// ReconcileSchedule is a five-field cron spec; empty disables the
	// scheduler. ExternalBalanceURL is the custody balance endpoint the
	// scheduler polls.
	ReconcileSchedule  string
	ExternalBalanceURL string

	RateLimitPerSecond int
	RateLimitBurst     int
	CORSOrigins        []string

	SandboxMode bool
}

// Load reads configuration from the environment. JWT_SECRET is required
// outside sandbox mode.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:         envOr("LISTEN_ADDR", ":8080"),
		LogLevel:           envOr("LOG_LEVEL", "info"),
		PostgresDSN:        os.Getenv("POSTGRES_DSN"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		ReconcileSchedule:  os.Getenv("RECONCILE_SCHEDULE"),
		ExternalBalanceURL: os.Getenv("EXTERNAL_BALANCE_URL"),
		RateLimitPerSecond: envIntOr("RATE_LIMIT_RPS", 20),
		RateLimitBurst:     envIntOr("RATE_LIMIT_BURST", 40),
		SandboxMode:        os.Getenv("SANDBOX_MODE") == "true",
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitAndTrim(v)
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitAndTrim(v)
	}

	if cfg.JWTSecret == "" {
		if !cfg.SandboxMode {
			return Config{}, fmt.Errorf("JWT_SECRET is required")
		}
		cfg.JWTSecret = "sandbox-secret"
	}
	if cfg.ReconcileSchedule != "" && cfg.ExternalBalanceURL == "" {
		return Config{}, fmt.Errorf("RECONCILE_SCHEDULE set without EXTERNAL_BALANCE_URL")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func splitAndTrim(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
