package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 10, cfg.Engine.Workers)
	assert.Equal(t, []string{"https"}, cfg.Policy.AllowedSchemes)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_url: postgres://file/db
log:
  level: debug
policy:
  allowed_hosts: ["api.example.com"]
`), 0o600))

	t.Setenv("ARAZZO_DATABASE_URL", "postgres://env/db")
	t.Setenv("ARAZZO_WEBHOOK_URL", "https://hooks.example.com/done")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/db", cfg.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"api.example.com"}, cfg.Policy.AllowedHosts)
	assert.Equal(t, "https://hooks.example.com/done", cfg.Events.WebhookURL)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Retry.MaxAttempts, cfg.Retry.MaxAttempts)
}
