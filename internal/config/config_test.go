package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("SECRETS_KMS_KEY", "unit-test-master-key")
	t.Setenv("INTERNAL_KEY", "unit-test-internal-key")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 24, cfg.Engine.DedupWindowHours)
	assert.Equal(t, 30, cfg.Queue.LeaseSeconds)
	assert.Equal(t, 10, cfg.Queue.HeartbeatIntervalSeconds)
	assert.Equal(t, 15, cfg.Queue.ReaperIntervalSeconds)
	assert.Equal(t, 2, cfg.Workers.Min)
	assert.Equal(t, 16, cfg.Workers.Max)
	assert.Equal(t, 1000, cfg.Catalog.CacheSize)
	assert.Equal(t, 300, cfg.Catalog.CacheTTLSeconds)
	assert.Equal(t, 128, cfg.Assets.CacheSize)
	assert.Equal(t, 120, cfg.Assets.CacheTTLSeconds)
	assert.InDelta(t, 0.08, cfg.Selector.AmbiguityEpsilon, 1e-9)
	assert.Equal(t, 800, cfg.Selector.LLMTimeoutMS)
	assert.Equal(t, 20, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5, cfg.Database.MaxIdleConns)
}

func TestLoad_MissingRequiredKeys(t *testing.T) {
	t.Setenv("SECRETS_KMS_KEY", "")
	t.Setenv("INTERNAL_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SECRETS_KMS_KEY")
	assert.Contains(t, err.Error(), "INTERNAL_KEY")
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("DEDUP_WINDOW_HOURS", "48")
	t.Setenv("WORKERS_MAX", "8")
	t.Setenv("SELECTOR_AMBIGUITY_EPSILON", "0.15")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 48, cfg.Engine.DedupWindowHours)
	assert.Equal(t, 8, cfg.Workers.Max)
	assert.InDelta(t, 0.15, cfg.Selector.AmbiguityEpsilon, 1e-9)
}

func TestLoad_RejectsHeartbeatOverHalfLease(t *testing.T) {
	setRequired(t)
	t.Setenv("QUEUE_LEASE_SECONDS", "30")
	t.Setenv("HEARTBEAT_INTERVAL_SECONDS", "20")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HEARTBEAT_INTERVAL_SECONDS")
}

func TestLoad_RejectsBadWorkerBounds(t *testing.T) {
	setRequired(t)
	t.Setenv("WORKERS_MIN", "10")
	t.Setenv("WORKERS_MAX", "4")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker bounds")
}

func TestLoad_MalformedNumbersFallBack(t *testing.T) {
	setRequired(t)
	t.Setenv("CATALOG_CACHE_SIZE", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Catalog.CacheSize)
}

func TestIsProduction(t *testing.T) {
	setRequired(t)
	t.Setenv("ENVIRONMENT", "Production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}
