package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	// An explicit path must exist.
	require.Error(t, err)

	t.Chdir(t.TempDir())
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "builtin.", cfg.Prefix)
	assert.Equal(t, 30*time.Second, cfg.Worker.CallTimeout)
	assert.Contains(t, cfg.Worker.Servers, "calculator")
	assert.Equal(t, ":8420", cfg.HTTP.Addr)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
prefix: "ext."
log_level: debug
worker:
  servers: [calculator]
  call_timeout: 5s
http:
  enabled: true
  addr: ":9000"
cache:
  enabled: true
  max_size: 16
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ext.", cfg.Prefix)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"calculator"}, cfg.Worker.Servers)
	assert.Equal(t, 5*time.Second, cfg.Worker.CallTimeout)
	assert.True(t, cfg.HTTP.Enabled)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 16, cfg.Cache.MaxSize)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\n"), 0o644))
	t.Setenv("TOOLHUB_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestWriteDefaultRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolhub.yaml")
	require.NoError(t, WriteDefault(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "builtin.")

	assert.Error(t, WriteDefault(path))
}
