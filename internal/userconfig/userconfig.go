// Package userconfig provides operator configuration for deckhand.
// Settings are stored in <DEVOPS_HOME>/config.toml and can be modified
// via the `deckhand config` command.
package userconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/deckhand-dev/deckhand/internal/config"
)

// Config represents operator-configurable settings.
type Config struct {
	// Listen is the HTTP server bind address.
	Listen string `toml:"listen"`

	// ExecutorPoolSize bounds concurrent plan executions.
	ExecutorPoolSize int `toml:"executor_pool_size"`

	// ExecutorQueueSize bounds queued executions beyond the pool.
	ExecutorQueueSize int `toml:"executor_queue_size"`

	// StepTimeoutSeconds is the default per-step timeout, overridable
	// per recipe.
	StepTimeoutSeconds int `toml:"step_timeout_seconds"`

	// AllowedOrigins lists CORS origins permitted to call the API.
	// The server trusts its local operator; this only matters when the
	// web UI is served from a different port during development.
	AllowedOrigins []string `toml:"allowed_origins"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Listen:             "127.0.0.1:8632",
		ExecutorPoolSize:   config.DefaultExecutorPoolSize,
		ExecutorQueueSize:  config.DefaultExecutorQueueSize,
		StepTimeoutSeconds: int(config.DefaultStepTimeout.Seconds()),
		AllowedOrigins:     []string{"http://localhost:8632"},
	}
}

// Load reads the config file and returns the configuration.
// Returns default values if the file doesn't exist.
// Returns an error only for file parsing issues, not missing files.
func Load() (*Config, error) {
	cfg, err := config.DefaultConfig()
	if err != nil {
		return DefaultConfig(), nil // Silently use defaults
	}
	return LoadFromPath(cfg.ConfigFile)
}

// LoadFromPath reads config from a specific file path.
func LoadFromPath(path string) (*Config, error) {
	userCfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return userCfg, nil // File doesn't exist, use defaults
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if _, err := toml.Decode(string(data), userCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if userCfg.ExecutorPoolSize < 1 {
		userCfg.ExecutorPoolSize = config.DefaultExecutorPoolSize
	}
	if userCfg.ExecutorQueueSize < 0 {
		userCfg.ExecutorQueueSize = config.DefaultExecutorQueueSize
	}
	if userCfg.StepTimeoutSeconds < 1 {
		userCfg.StepTimeoutSeconds = int(config.DefaultStepTimeout.Seconds())
	}

	return userCfg, nil
}

// Save writes the configuration to the config file.
func (c *Config) Save() error {
	cfg, err := config.DefaultConfig()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	return c.SaveToPath(cfg.ConfigFile)
}

// SaveToPath writes config to a specific file path.
func (c *Config) SaveToPath(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Get returns the value of a config key as a string.
// Returns empty string and false if the key doesn't exist.
func (c *Config) Get(key string) (string, bool) {
	switch strings.ToLower(key) {
	case "listen":
		return c.Listen, true
	case "executor_pool_size":
		return strconv.Itoa(c.ExecutorPoolSize), true
	case "executor_queue_size":
		return strconv.Itoa(c.ExecutorQueueSize), true
	case "step_timeout_seconds":
		return strconv.Itoa(c.StepTimeoutSeconds), true
	case "allowed_origins":
		return strings.Join(c.AllowedOrigins, ","), true
	default:
		return "", false
	}
}

// Set updates a config value from a string.
// Returns an error if the key doesn't exist or the value is invalid.
func (c *Config) Set(key, value string) error {
	switch strings.ToLower(key) {
	case "listen":
		if value == "" {
			return fmt.Errorf("listen address cannot be empty")
		}
		c.Listen = value
		return nil
	case "executor_pool_size":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid value for executor_pool_size: must be a positive integer")
		}
		c.ExecutorPoolSize = n
		return nil
	case "executor_queue_size":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid value for executor_queue_size: must be a non-negative integer")
		}
		c.ExecutorQueueSize = n
		return nil
	case "step_timeout_seconds":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid value for step_timeout_seconds: must be a positive integer")
		}
		c.StepTimeoutSeconds = n
		return nil
	case "allowed_origins":
		c.AllowedOrigins = strings.Split(value, ",")
		return nil
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
}

// AvailableKeys returns all configurable keys with descriptions.
func AvailableKeys() map[string]string {
	return map[string]string{
		"listen":               "HTTP server bind address",
		"executor_pool_size":   "Maximum concurrent plan executions",
		"executor_queue_size":  "Maximum queued executions beyond the pool",
		"step_timeout_seconds": "Default per-step timeout in seconds",
		"allowed_origins":      "Comma-separated CORS origins",
	}
}
