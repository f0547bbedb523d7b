package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigHonorsEnvHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvHome, dir)

	cfg, err := DefaultConfig()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.Home)
	assert.Equal(t, filepath.Join(dir, "recipes"), cfg.RecipesDir)
	assert.Equal(t, filepath.Join(dir, ".state", "devops_cache.json"), cfg.CacheFile)
	assert.Equal(t, filepath.Join(dir, ".state", "audit.ndjson"), cfg.AuditFile)
	assert.Equal(t, filepath.Join(dir, "config.toml"), cfg.ConfigFile)
}

func TestEnsureDirs(t *testing.T) {
	dir := t.TempDir()
	cfg := NewConfig(filepath.Join(dir, "home"))

	require.NoError(t, cfg.EnsureDirs())

	for _, p := range []string{cfg.Home, cfg.RecipesDir, cfg.StateDir, cfg.BinDir} {
		assert.DirExists(t, p)
	}
}

func TestGetStepTimeout(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{name: "unset uses default", value: "", want: DefaultStepTimeout},
		{name: "valid duration", value: "90s", want: 90 * time.Second},
		{name: "invalid falls back", value: "not-a-duration", want: DefaultStepTimeout},
		{name: "below minimum clamps", value: "10ms", want: 1 * time.Second},
		{name: "above maximum clamps", value: "100h", want: 2 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvStepTimeout, tt.value)
			assert.Equal(t, tt.want, GetStepTimeout())
		})
	}
}

func TestGetProbeTimeout(t *testing.T) {
	t.Setenv(EnvProbeTimeout, "250ms")
	assert.Equal(t, 250*time.Millisecond, GetProbeTimeout())

	t.Setenv(EnvProbeTimeout, "")
	assert.Equal(t, DefaultProbeTimeout, GetProbeTimeout())
}
