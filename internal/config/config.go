// Package config loads the index engine configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// HTTP
	Port string

	// Storage
	DatabaseURL string        // PostgreSQL; empty selects the in-memory store
	RedisURL    string        // optional read-through cache in front of PostgreSQL
	CacheTTL    time.Duration // cache entry lifetime

	// Upstream index source
	MongoURI      string
	MongoDatabase string

	// Markets
	MarketsFile string // JSON cities file; empty uses the built-in markets

	// Resolver
	ResolverEnabled      bool
	ResolverPollInterval time.Duration
	SourceConcurrency    int
	AdminAddress         string // account the contracts are published under; empty means dry run
	AptosBin             string
	AptosProfile         string

	// Risk
	MaxLeverage       float64
	MaxMarketExposure float64 // 0 disables the per-market cap

	// Logging
	LogLevel slog.Level
}

// DryRun reports whether oracle submissions should only be logged.
func (c *Config) DryRun() bool {
	return c.AdminAddress == ""
}

// Load loads configuration from environment variables (.env file).
func Load() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	cfg.Port = getEnv("PORT", "8080")
	if _, err := strconv.Atoi(cfg.Port); err != nil {
		errs = append(errs, fmt.Sprintf("invalid PORT %q", cfg.Port))
	}

	// Storage
	cfg.DatabaseURL = getEnv("DATABASE_URL", "")
	cfg.RedisURL = getEnv("REDIS_URL", "")
	cfg.CacheTTL, err = getEnvAsDurationRequired("CACHE_TTL", 30*time.Second)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid CACHE_TTL: %v", err))
	} else if cfg.CacheTTL <= 0 {
		errs = append(errs, "CACHE_TTL must be positive")
	}

	// Upstream index source
	cfg.MongoURI = getEnv("MONGODB_CONNECTION_URI", "")
	cfg.MongoDatabase = getEnv("MONGODB_DATABASE", "indexes2")

	cfg.MarketsFile = getEnv("MARKETS_FILE", "")

	// Resolver
	cfg.ResolverEnabled = getEnvAsBool("RESOLVER_ENABLED", false)
	if cfg.ResolverEnabled && cfg.MongoURI == "" {
		errs = append(errs, "MONGODB_CONNECTION_URI must be set when RESOLVER_ENABLED is true")
	}

	cfg.ResolverPollInterval, err = getEnvAsDurationRequired("RESOLVER_POLL_INTERVAL", 10*time.Second)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RESOLVER_POLL_INTERVAL: %v", err))
	} else if cfg.ResolverPollInterval <= 0 {
		errs = append(errs, "RESOLVER_POLL_INTERVAL must be positive")
	}

	cfg.SourceConcurrency, err = getEnvAsIntRequired("SOURCE_CONCURRENCY", 4)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid SOURCE_CONCURRENCY: %v", err))
	} else if cfg.SourceConcurrency <= 0 {
		errs = append(errs, "SOURCE_CONCURRENCY must be positive")
	}

	cfg.AdminAddress = getEnv("ADMIN_ADDRESS", "")
	cfg.AptosBin = getEnv("APTOS_BIN", "aptos")
	cfg.AptosProfile = getEnv("APTOS_PROFILE", "default")

	// Risk
	cfg.MaxLeverage, err = getEnvAsFloatRequired("MAX_LEVERAGE", 20)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_LEVERAGE: %v", err))
	} else if cfg.MaxLeverage < 1 {
		errs = append(errs, "MAX_LEVERAGE must be at least 1")
	}

	cfg.MaxMarketExposure, err = getEnvAsFloatRequired("MAX_MARKET_EXPOSURE", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_MARKET_EXPOSURE: %v", err))
	} else if cfg.MaxMarketExposure < 0 {
		errs = append(errs, "MAX_MARKET_EXPOSURE cannot be negative")
	}

	// Logging
	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "INFO"))); err != nil {
		errs = append(errs, fmt.Sprintf("invalid LOG_LEVEL: %v", err))
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsDurationRequired(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid duration value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
