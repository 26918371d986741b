// Package config provides configuration for procwrap.
// Configuration is loaded from a JSON file at /etc/procwrap/config.json
// (overridable via the PROCWRAP_CONFIG environment variable). Without a file
// the defaults apply.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/containerd/log"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/procwrap/config.json"

	// ConfigEnvVar is the environment variable to override config file location
	ConfigEnvVar = "PROCWRAP_CONFIG"
)

// Config is the root configuration structure
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Process ProcessConfig `json:"process"`
}

// LoggingConfig controls the containerd/log (logrus) output of the library.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text or json
}

// ProcessConfig defines process handle behaviour.
type ProcessConfig struct {
	// KillTimeout is how long Close waits for a killed child before logging
	// a warning. Duration string, e.g. "5s". Default: 5s.
	KillTimeout string `json:"kill_timeout"`
}

// GetKillTimeout returns the kill timeout as a time.Duration.
// Panics if the configuration is invalid (should be caught by validation).
func (p *ProcessConfig) GetKillTimeout() time.Duration {
	return mustParseDuration(p.KillTimeout)
}

// mustParseDuration parses a duration string, panicking on error.
// This is safe because validation should have already verified the format.
func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q: %v (config validation should have caught this)", s, err))
	}
	return d
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.Mutex
	errConfig    error
)

// Reset clears the cached global config, forcing the next Get() call to reload.
// This is intended for testing only. Callers must ensure no concurrent Get() calls
// are in progress when calling Reset().
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = nil
	errConfig = nil
	configOnce = sync.Once{}
}

// Get returns the global config, loading it on first call.
func Get() (*Config, error) {
	configMu.Lock()
	defer configMu.Unlock()
	configOnce.Do(func() {
		globalConfig, errConfig = Load()
	})
	return globalConfig, errConfig
}

// Load loads configuration from PROCWRAP_CONFIG or /etc/procwrap/config.json.
// A missing file at the default path yields the defaults; a missing file named
// by PROCWRAP_CONFIG is an error.
func Load() (*Config, error) {
	configPath := os.Getenv(ConfigEnvVar)
	if configPath == "" {
		if _, err := os.Stat(DefaultConfigPath); errors.Is(err, fs.ErrNotExist) {
			return DefaultConfig(), nil
		}
		configPath = DefaultConfigPath
	}

	return LoadFrom(configPath)
}

// LoadFrom loads configuration from a specific path.
// Returns error if file doesn't exist or is invalid.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s (unset %s to use defaults)", path, ConfigEnvVar)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w (ensure it's valid JSON)", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "warn",
			Format: string(log.TextFormat),
		},
		Process: ProcessConfig{
			KillTimeout: "5s",
		},
	}
}

// applyDefaults fills in default values for any empty fields
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaults.Logging.Format
	}
	if c.Process.KillTimeout == "" {
		c.Process.KillTimeout = defaults.Process.KillTimeout
	}
}

// ApplyLogging configures the global containerd/log logger from c.
func (c *Config) ApplyLogging() error {
	if err := log.SetLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("set log level %q: %w", c.Logging.Level, err)
	}
	if err := log.SetFormat(log.OutputFormat(c.Logging.Format)); err != nil {
		return fmt.Errorf("set log format %q: %w", c.Logging.Format, err)
	}
	return nil
}
