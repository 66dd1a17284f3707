package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "vigilo.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Gateway.DefaultModel)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Gateway.AnalysisModel)
	assert.Equal(t, int64(4000), cfg.Gateway.MaxTokens)
	assert.Equal(t, 2.0, cfg.Gateway.RequestsPerSecond)
	assert.Equal(t, 15, cfg.Selector.MaxListing)
	assert.Equal(t, []string{"trade", "tax"}, cfg.Selector.AlwaysSelectCategories)
	assert.Equal(t, 2, cfg.Pipeline.AnalyzePartitions)
	assert.Equal(t, 5, cfg.Pipeline.MaxAmendments)
	assert.Equal(t, 5, cfg.Pipeline.TopN)
	assert.Equal(t, "data/metadata", cfg.Ingest.MetadataDir)
	assert.Empty(t, cfg.Gateway.Key)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("VIGILO_STORE_DRIVER", "postgres")
	t.Setenv("VIGILO_GATEWAY_DEFAULT_MODEL", "test-model")
	t.Setenv("VIGILO_SERVER_PORT", "9090")
	t.Setenv("VIGILO_PIPELINE_TOP_N", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "test-model", cfg.Gateway.DefaultModel)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Pipeline.TopN)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := `
store:
  driver: postgres
  database_url: postgres://localhost/vigilo
gateway:
  analysis_model: custom-analysis
selector:
  always_select_categories:
    - trade
pipeline:
  analyze_partitions: 4
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))
	t.Chdir(dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/vigilo", cfg.Store.DatabaseURL)
	assert.Equal(t, "custom-analysis", cfg.Gateway.AnalysisModel)
	assert.Equal(t, []string{"trade"}, cfg.Selector.AlwaysSelectCategories)
	assert.Equal(t, 4, cfg.Pipeline.AnalyzePartitions)

	// Untouched sections keep their defaults.
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Gateway.DefaultModel)
}

func TestLoadMalformedConfigFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: ["), 0o644))
	t.Chdir(dir)

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerBadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "nope", Format: "json"})
	assert.Error(t, err)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	require.NoError(t, InitLogger(LogConfig{Level: "warn", Format: "json"}))
}
