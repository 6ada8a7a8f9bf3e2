package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lattice.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6460", cfg.HTTPAddr)
	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, "lattice.db", cfg.SQLitePath)
	assert.Equal(t, 500*time.Millisecond, cfg.DebounceWindow)
	assert.Equal(t, 10*time.Second, cfg.DependencyTimeout)
	assert.Equal(t, 4, cfg.MaxConcurrent)
	assert.False(t, cfg.TestMode)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LATTICE_BACKEND", "badger")
	t.Setenv("LATTICE_BADGER_PATH", "/tmp/lattice-data")
	t.Setenv("LATTICE_DEBOUNCE_WINDOW", "750ms")
	t.Setenv("LATTICE_MAX_CONCURRENT", "8")
	t.Setenv("LATTICE_TEST_MODE", "true")
	t.Setenv("LATTICE_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendBadger, cfg.Backend)
	assert.Equal(t, "/tmp/lattice-data", cfg.BadgerPath)
	assert.Equal(t, 750*time.Millisecond, cfg.DebounceWindow)
	assert.Equal(t, 8, cfg.MaxConcurrent)
	assert.True(t, cfg.TestMode)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadFileOverlay(t *testing.T) {
	path := writeConfigFile(t, `
backend:
  driver: memory
sync:
  debounceMs: 200
  maxConcurrent: 2
logging:
  level: warn
`)
	t.Setenv("LATTICE_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, 200*time.Millisecond, cfg.DebounceWindow)
	assert.Equal(t, 2, cfg.MaxConcurrent)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, path, cfg.FilePath)

	// Fields the file does not mention keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.DependencyTimeout)
}

func TestEnvironmentBeatsFile(t *testing.T) {
	path := writeConfigFile(t, `
sync:
  debounceMs: 200
`)
	t.Setenv("LATTICE_CONFIG_FILE", path)
	t.Setenv("LATTICE_DEBOUNCE_WINDOW", "900ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 900*time.Millisecond, cfg.DebounceWindow)
}

func TestLoadMissingFileIsFine(t *testing.T) {
	t.Setenv("LATTICE_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.Backend)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeConfigFile(t, "::: not yaml {{{")
	t.Setenv("LATTICE_CONFIG_FILE", path)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	t.Setenv("LATTICE_BACKEND", "postgres")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend")
}

func TestValidateRejectsBadBreakerThreshold(t *testing.T) {
	t.Setenv("LATTICE_BREAKER_THRESHOLD", "1.5")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "threshold")
}

func TestValidateRejectsUnknownLogFormat(t *testing.T) {
	t.Setenv("LATTICE_LOG_FORMAT", "xml")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log format")
}
