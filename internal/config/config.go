// Package config resolves deckhand's home directory, state paths, and
// environment-tunable timeouts.
//
// The home directory defaults to ~/.deckhand and can be overridden with
// DEVOPS_HOME. All persisted state lives under <home>/.state; operator
// recipes live under <home>/recipes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// EnvHome overrides the default deckhand home directory.
	EnvHome = "DEVOPS_HOME"

	// EnvLogLevel configures logging verbosity (debug|info|warn|error).
	EnvLogLevel = "DEVOPS_LOG_LEVEL"

	// EnvStepTimeout overrides the default per-step execution timeout.
	EnvStepTimeout = "DEVOPS_STEP_TIMEOUT"

	// EnvProbeTimeout overrides the per-probe timeout used during
	// system profile detection.
	EnvProbeTimeout = "DEVOPS_PROBE_TIMEOUT"

	// DefaultStepTimeout is the default timeout for one install step.
	DefaultStepTimeout = 300 * time.Second

	// DefaultProbeTimeout bounds each detection probe.
	DefaultProbeTimeout = 1 * time.Second

	// DefaultProfileTTL is how long a detected system profile is served
	// before re-detection.
	DefaultProfileTTL = 5 * time.Second

	// DefaultExecutorPoolSize bounds concurrent plan executions.
	DefaultExecutorPoolSize = 4

	// DefaultExecutorQueueSize bounds queued plan executions beyond the
	// pool; excess requests are rejected with 503.
	DefaultExecutorQueueSize = 16

	// DefaultChainInactivity is the cutoff after which an idle escalation
	// chain is garbage-collected.
	DefaultChainInactivity = 1 * time.Hour

	// DefaultTerminalRetention is how long terminal stream events are kept
	// for client reconnects.
	DefaultTerminalRetention = 15 * time.Minute
)

// Config holds resolved filesystem paths for a deckhand home.
type Config struct {
	Home       string // Root directory (~/.deckhand)
	RecipesDir string // Operator recipe catalog (<home>/recipes)
	StateDir   string // Persisted state (<home>/.state)
	BinDir     string // Binary-method install target (<home>/bin)
	CacheFile  string // Devops cache document
	AuditFile  string // Append-only audit log
	ConfigFile string // Operator settings (config.toml)
}

// DefaultConfig resolves the deckhand home directory and derived paths.
// Honors DEVOPS_HOME; otherwise uses ~/.deckhand.
func DefaultConfig() (*Config, error) {
	home := os.Getenv(EnvHome)
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to determine home directory: %w", err)
		}
		home = filepath.Join(userHome, ".deckhand")
	}
	return NewConfig(home), nil
}

// NewConfig builds a Config rooted at the given directory.
func NewConfig(home string) *Config {
	stateDir := filepath.Join(home, ".state")
	return &Config{
		Home:       home,
		RecipesDir: filepath.Join(home, "recipes"),
		StateDir:   stateDir,
		BinDir:     filepath.Join(home, "bin"),
		CacheFile:  filepath.Join(stateDir, "devops_cache.json"),
		AuditFile:  filepath.Join(stateDir, "audit.ndjson"),
		ConfigFile: filepath.Join(home, "config.toml"),
	}
}

// EnsureDirs creates the home directory tree if missing.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Home, c.RecipesDir, c.StateDir, c.BinDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// GetStepTimeout returns the default per-step timeout, honoring
// DEVOPS_STEP_TIMEOUT. Accepts duration strings like "300s" or "5m".
// Out-of-range or unparsable values fall back to the default with a
// warning on stderr.
func GetStepTimeout() time.Duration {
	return durationFromEnv(EnvStepTimeout, DefaultStepTimeout, 1*time.Second, 2*time.Hour)
}

// GetProbeTimeout returns the per-probe detection timeout, honoring
// DEVOPS_PROBE_TIMEOUT.
func GetProbeTimeout() time.Duration {
	return durationFromEnv(EnvProbeTimeout, DefaultProbeTimeout, 100*time.Millisecond, 30*time.Second)
}

func durationFromEnv(env string, def, min, max time.Duration) time.Duration {
	envValue := os.Getenv(env)
	if envValue == "" {
		return def
	}

	duration, err := time.ParseDuration(envValue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q, using default %v\n", env, envValue, def)
		return def
	}

	if duration < min {
		fmt.Fprintf(os.Stderr, "Warning: %s too low (%v), using minimum %v\n", env, duration, min)
		return min
	}
	if duration > max {
		fmt.Fprintf(os.Stderr, "Warning: %s too high (%v), using maximum %v\n", env, duration, max)
		return max
	}
	return duration
}
