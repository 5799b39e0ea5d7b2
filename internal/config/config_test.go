package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 15*time.Second, cfg.Scan.PollInterval)
	assert.Equal(t, 3, cfg.Scan.MaxConsecutiveSameProbe)
	assert.Empty(t, cfg.Probes)
	assert.Error(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := `
probes:
  - name: probe-a
    host: 10.0.0.1
    port: 9390
    username: admin
    password: secret
scan:
  poll_interval: 5s
  max_consecutive_same_probe: 2
source:
  url: https://inventory.example.com/targets
logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Len(t, cfg.Probes, 1)
	assert.Equal(t, "probe-a", cfg.Probes[0].Name)
	assert.Equal(t, 5*time.Second, cfg.Scan.PollInterval)
	assert.Equal(t, 2, cfg.Scan.MaxConsecutiveSameProbe)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	// unspecified keys keep defaults
	assert.Equal(t, 4*time.Hour, cfg.Scan.MaxDuration)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv("SCANBROKER_API_PORT", "9999")
	t.Setenv("SCANBROKER_LOGGING_LEVEL", "warn")
	t.Setenv("SCANBROKER_SCAN_CLEANUP_AFTER_REPORT", "true")

	LoadFromEnv(cfg)

	assert.Equal(t, 9999, cfg.API.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.Scan.CleanupAfterReport)
}

func TestValidate_DuplicateProbeNames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Probes = []ProbeConfig{
		{Name: "a", Host: "h1", Port: 9390},
		{Name: "a", Host: "h2", Port: 9390},
	}
	assert.Error(t, cfg.Validate())
}
