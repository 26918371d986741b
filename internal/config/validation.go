package config

import (
	"fmt"
	"time"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
)

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.validateProcess(); err != nil {
		return fmt.Errorf("process: %w", err)
	}
	return nil
}

func (c *Config) validateLogging() error {
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid level %q: %w", c.Logging.Level, err)
	}
	switch log.OutputFormat(c.Logging.Format) {
	case log.TextFormat, log.JSONFormat:
	default:
		return fmt.Errorf("invalid format %q (must be %q or %q)", c.Logging.Format, log.TextFormat, log.JSONFormat)
	}
	return nil
}

func (c *Config) validateProcess() error {
	return validateDuration("kill_timeout", c.Process.KillTimeout, 100*time.Millisecond, 10*time.Minute)
}

func validateDuration(name, value string, minVal, maxVal time.Duration) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", name, value, err)
	}
	if d < minVal || d > maxVal {
		return fmt.Errorf("%s must be between %s and %s, got %s", name, minVal, maxVal, d)
	}
	return nil
}
