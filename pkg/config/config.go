// Package config loads server configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the full server configuration.
type Config struct {
	Port        string
	Environment string // "development", "staging", "production"
	DataDir     string
	LogLevel    string

	BatchSize        int
	EnableEncryption bool
	AutoAnalyze      bool

	JWTSecret     string
	JWTExpiration time.Duration

	// GlobalRateRPS and GlobalRateBurst configure the per-IP token bucket
	// over the whole HTTP surface. RPS <= 0 disables it; the fixed
	// 15-minute auth window on login/register is always on.
	GlobalRateRPS   int
	GlobalRateBurst int

	AdminUsername string
	AdminPassword string

	CORSOrigins string

	OTLPEndpoint string
	OTelEnabled  bool
}

// devSecret keeps local development working without configuration.
// Load rejects it outside development.
const devSecret = "tokyo-predictor-development-secret-0001"

// Load reads configuration from the environment, applying defaults.
// A missing or short JWT_SECRET outside development is a startup error.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             envOr("PORT", "8080"),
		Environment:      envOr("APP_ENV", "development"),
		DataDir:          envOr("DATA_DIR", "./data"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		BatchSize:        envInt("BATCH_SIZE", 10),
		EnableEncryption: envBool("ENABLE_ENCRYPTION", true),
		AutoAnalyze:      envBool("AUTO_ANALYZE", true),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		JWTExpiration:    envDuration("JWT_EXPIRATION", 24*time.Hour),
		GlobalRateRPS:    envInt("GLOBAL_RATE_RPS", 50),
		GlobalRateBurst:  envInt("GLOBAL_RATE_BURST", 100),
		AdminUsername:    envOr("ADMIN_USERNAME", "admin"),
		AdminPassword:    envOr("ADMIN_PASSWORD", "ChangeMe123!"),
		CORSOrigins:      os.Getenv("CORS_ORIGINS"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTelEnabled:      envBool("OTEL_ENABLED", false),
	}

	if cfg.JWTSecret == "" {
		if cfg.Environment != "development" {
			return nil, fmt.Errorf("JWT_SECRET is required when APP_ENV=%s", cfg.Environment)
		}
		cfg.JWTSecret = devSecret
	}
	if len(cfg.JWTSecret) < 32 && cfg.Environment != "development" {
		return nil, fmt.Errorf("JWT_SECRET must be at least 32 bytes, got %d", len(cfg.JWTSecret))
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 10
	}
	if cfg.GlobalRateBurst < 1 {
		cfg.GlobalRateBurst = cfg.GlobalRateRPS
	}
	return cfg, nil
}

// IsProduction reports whether the server runs with production hardening.
func (c *Config) IsProduction() bool {
	return c.Environment != "development"
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
