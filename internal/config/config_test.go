package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "frontdoor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0.92, cfg.SemanticCache.SimilarityThreshold)
	assert.Equal(t, 0.90, cfg.RouterCache.SimilarityThreshold)
	assert.Equal(t, 3600, cfg.SemanticCache.TTLSeconds)
	assert.Equal(t, 3072, cfg.SemanticCache.EmbeddingDim)
	assert.Equal(t, 300, cfg.ToolCache.DefaultTTLSeconds)
	assert.Equal(t, 50, cfg.Memory.MaxTurnsPerUser)
	assert.Equal(t, 60000, cfg.Dispatcher.RequestDeadlineMs)
	assert.Equal(t, 128, cfg.Dispatcher.ConcurrencyCap)
	assert.Equal(t, 20000, cfg.Orchestration.AgentTimeoutMs)
	assert.Equal(t, 45000, cfg.Orchestration.ConcurrentCapMs)
	assert.Equal(t, 6, cfg.Orchestration.HandoffMaxHops)
	assert.Equal(t, 2000, cfg.Targets.LatencyMs)
	assert.Equal(t, 0.02, cfg.Targets.CostUSD)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
semantic_cache:
  similarity_threshold: 0.88
  ttl_seconds: 120
  embedding_dim: 1536
dispatcher:
  concurrency_cap: 16
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.88, cfg.SemanticCache.SimilarityThreshold)
	assert.Equal(t, 120, cfg.SemanticCache.TTLSeconds)
	assert.Equal(t, 1536, cfg.SemanticCache.EmbeddingDim)
	assert.Equal(t, 16, cfg.Dispatcher.ConcurrencyCap)
	// Untouched sections keep defaults.
	assert.Equal(t, 0.90, cfg.RouterCache.SimilarityThreshold)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
semantic_cache:
  similarity_treshold: 0.5
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRanges(t *testing.T) {
	cfg := Default()
	cfg.SemanticCache.SimilarityThreshold = 1.2
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.SemanticCache.EmbeddingDim = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Dispatcher.ConcurrencyCap = -1
	assert.Error(t, cfg.Validate())

	assert.NoError(t, Default().Validate())
}
