package userconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromPathMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8632", cfg.Listen)
	assert.Equal(t, 4, cfg.ExecutorPoolSize)
}

func TestLoadFromPathParsesValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
listen = "0.0.0.0:9000"
executor_pool_size = 8
step_timeout_seconds = 120
allowed_origins = ["http://localhost:3000"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, 8, cfg.ExecutorPoolSize)
	assert.Equal(t, 120, cfg.StepTimeoutSeconds)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
}

func TestLoadFromPathRejectsBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("listen = [broken"), 0o644))

	_, err := LoadFromPath(path)
	assert.Error(t, err)
}

func TestLoadClampsInvalidNumbers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("executor_pool_size = 0\nstep_timeout_seconds = -5\n"), 0o644))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.ExecutorPoolSize)
	assert.Equal(t, 300, cfg.StepTimeoutSeconds)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:7777"
	require.NoError(t, cfg.SaveToPath(path))

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7777", loaded.Listen)
}

func TestGetSet(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Set("executor_pool_size", "6"))
	got, ok := cfg.Get("executor_pool_size")
	assert.True(t, ok)
	assert.Equal(t, "6", got)

	assert.Error(t, cfg.Set("executor_pool_size", "zero"))
	assert.Error(t, cfg.Set("nonexistent", "x"))

	_, ok = cfg.Get("nonexistent")
	assert.False(t, ok)
}
