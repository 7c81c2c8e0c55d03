package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, int32(16), cfg.Postgres.MaxConns)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, 8000, cfg.Chunker.MaxChunkSize)
	assert.Equal(t, "encyclopedia", cfg.Classifier.FallbackDomain)
	assert.Equal(t, 0.90, cfg.Consolidation.AutoMergeThreshold)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("CHUNK_MAX_SIZE", "1000")
	t.Setenv("CHUNK_OVERLAP_SIZE", "100")
	t.Setenv("PROJECTION_POLL_INTERVAL", "2s")
	t.Setenv("CONSOLIDATION_ENABLE_EMBEDDING", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 1000, cfg.Chunker.MaxChunkSize)
	assert.Equal(t, 100, cfg.Chunker.OverlapSize)
	assert.Equal(t, 2*time.Second, cfg.Projection.PollInterval)
	assert.True(t, cfg.Consolidation.EnableEmbedding)
}

func TestLoadConfig_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("PROJECTION_BATCH_SIZE", "not-a-number")
	t.Setenv("SCHEMA_HOT_RELOAD", "not-a-bool")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Projection.BatchSize)
	assert.False(t, cfg.Schema.HotReload)
}

func TestValidate_ThresholdOrdering(t *testing.T) {
	t.Setenv("CONSOLIDATION_REVIEW_THRESHOLD", "0.95") // above auto-merge default 0.90

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestValidate_OverlapMustBeBelowChunkSize(t *testing.T) {
	t.Setenv("CHUNK_MAX_SIZE", "100")
	t.Setenv("CHUNK_OVERLAP_SIZE", "100")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestValidate_ProductionRequirements(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("NEO4J_PASSWORD", "secret")

	_, err := LoadConfig()
	require.Error(t, err, "missing ANTHROPIC_API_KEY must fail in production")

	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())

	t.Setenv("SCHEMA_HOT_RELOAD", "true")
	_, err = LoadConfig()
	require.Error(t, err, "hot reload must be rejected in production")
}
