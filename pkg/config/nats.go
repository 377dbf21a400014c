package config

import (
	"fmt"
	"strings"
	"time"
)

type NATSConfig struct {
	Enabled bool          `koanf:"enabled"`
	Url     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
	// Stream captures the inventory events published by this service.
	Stream     string           `koanf:"stream"`
	Subscriber SubscriberConfig `koanf:"subscriber"`
}

// String returns a string representation of the NATS configuration.
func (c *NATSConfig) String() string {
	var b strings.Builder
	b.WriteString("\n--- NATS ---\n")
	b.WriteString(fmt.Sprintf("  enabled: %t\n", c.Enabled))
	b.WriteString(fmt.Sprintf("  url: %s\n", c.Url))
	b.WriteString(fmt.Sprintf("  timeout: %s\n", c.Timeout))
	b.WriteString(fmt.Sprintf("  stream: %s\n", c.Stream))
	b.WriteString(c.Subscriber.String())
	return b.String()
}

func (c *NATSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Url == "" {
		return fmt.Errorf("NATS URL is not configured")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("nats dial timeout is not configured")
	}
	if c.Stream == "" {
		return fmt.Errorf("nats stream is not configured")
	}
	return c.Subscriber.Validate()
}
