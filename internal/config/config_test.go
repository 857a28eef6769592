package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	"PORT", "DATABASE_URL", "REDIS_URL", "CACHE_TTL",
	"MONGODB_CONNECTION_URI", "MONGODB_DATABASE", "MARKETS_FILE",
	"ADMIN_ADDRESS", "APTOS_BIN", "APTOS_PROFILE",
	"RESOLVER_ENABLED", "RESOLVER_POLL_INTERVAL", "SOURCE_CONCURRENCY",
	"MAX_LEVERAGE", "MAX_MARKET_EXPOSURE", "LOG_LEVEL",
}

// clearEnv blanks every key so values from the host do not leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Equal(t, "indexes2", cfg.MongoDatabase)
	assert.False(t, cfg.ResolverEnabled)
	assert.Equal(t, 10*time.Second, cfg.ResolverPollInterval)
	assert.Equal(t, 4, cfg.SourceConcurrency)
	assert.Equal(t, "aptos", cfg.AptosBin)
	assert.Equal(t, "default", cfg.AptosProfile)
	assert.Equal(t, 20.0, cfg.MaxLeverage)
	assert.Zero(t, cfg.MaxMarketExposure)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.True(t, cfg.DryRun())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/zona")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("CACHE_TTL", "1m")
	t.Setenv("MONGODB_CONNECTION_URI", "mongodb://localhost:27017")
	t.Setenv("RESOLVER_ENABLED", "true")
	t.Setenv("RESOLVER_POLL_INTERVAL", "2s")
	t.Setenv("ADMIN_ADDRESS", "0xadmin")
	t.Setenv("MAX_LEVERAGE", "10")
	t.Setenv("MAX_MARKET_EXPOSURE", "50000")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, time.Minute, cfg.CacheTTL)
	assert.True(t, cfg.ResolverEnabled)
	assert.Equal(t, 2*time.Second, cfg.ResolverPollInterval)
	assert.Equal(t, 10.0, cfg.MaxLeverage)
	assert.Equal(t, 50000.0, cfg.MaxMarketExposure)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.False(t, cfg.DryRun())
}

func TestLoad_ResolverNeedsMongo(t *testing.T) {
	clearEnv(t)
	t.Setenv("RESOLVER_ENABLED", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MONGODB_CONNECTION_URI")
}

func TestLoad_CollectsAllErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "http")
	t.Setenv("CACHE_TTL", "soon")
	t.Setenv("SOURCE_CONCURRENCY", "0")
	t.Setenv("MAX_LEVERAGE", "0.5")
	t.Setenv("MAX_MARKET_EXPOSURE", "-1")
	t.Setenv("LOG_LEVEL", "chatty")

	_, err := Load()
	require.Error(t, err)
	for _, key := range []string{"PORT", "CACHE_TTL", "SOURCE_CONCURRENCY", "MAX_LEVERAGE", "MAX_MARKET_EXPOSURE", "LOG_LEVEL"} {
		assert.Contains(t, err.Error(), key)
	}
}
