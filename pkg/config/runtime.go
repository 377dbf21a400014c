package config

import (
	"fmt"
	"strings"
	"time"
)

type LogConfig struct {
	Level string `koanf:"level"`
}

// String returns a string representation of the log configuration.
func (c *LogConfig) String() string {
	return fmt.Sprintf("\n--- Log ---\n  level: %s\n", c.Level)
}

func (c *LogConfig) Validate() error {
	switch c.Level {
	case "", "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("unknown log level %q, expected one of debug, info, warn, error", c.Level)
	}
}

type PProfConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// String returns a string representation of the pprof configuration.
func (c *PProfConfig) String() string {
	var b strings.Builder
	b.WriteString("\n--- PProf ---\n")
	b.WriteString(fmt.Sprintf("  enabled: %t\n", c.Enabled))
	b.WriteString(fmt.Sprintf("  address: %s\n", c.Addr))
	return b.String()
}

func (c *PProfConfig) Validate() error {
	if c.Enabled && c.Addr == "" {
		return fmt.Errorf("pprof is enabled but address is not configured")
	}
	return nil
}

type ShutdownConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

// String returns a string representation of the ShutdownConfig.
func (c *ShutdownConfig) String() string {
	return fmt.Sprintf("\n--- Shutdown ---\n  timeout: %s\n", c.Timeout)
}

func (c *ShutdownConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("shutdown timeout is not configured")
	}
	return nil
}
