package config

import (
	"fmt"
	"strings"
	"time"
)

type TelemetryConfig struct {
	Traces  TracesConfig  `koanf:"traces"`
	Metrics MetricsConfig `koanf:"metrics"`
}

type TracesConfig struct {
	Enabled    bool           `koanf:"enabled"`
	SampleRate float64        `koanf:"samplerate"`
	OtlpHttp   OtlpHttpConfig `koanf:"otlphttp"`
}

type OtlpHttpConfig struct {
	Endpoint string        `koanf:"endpoint"`
	Insecure bool          `koanf:"insecure"`
	Timeout  time.Duration `koanf:"timeout"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// String returns a string representation of the TelemetryConfig.
func (c *TelemetryConfig) String() string {
	var b strings.Builder
	b.WriteString("\n--- Telemetry ---\n")
	b.WriteString(fmt.Sprintf("  traces.enabled: %t\n", c.Traces.Enabled))
	b.WriteString(fmt.Sprintf("  traces.samplerate: %v\n", c.Traces.SampleRate))
	b.WriteString(fmt.Sprintf("  traces.otlphttp.endpoint: %s\n", c.Traces.OtlpHttp.Endpoint))
	b.WriteString(fmt.Sprintf("  traces.otlphttp.insecure: %v\n", c.Traces.OtlpHttp.Insecure))
	b.WriteString(fmt.Sprintf("  traces.otlphttp.timeout: %v\n", c.Traces.OtlpHttp.Timeout))
	b.WriteString(fmt.Sprintf("  metrics.enabled: %t\n", c.Metrics.Enabled))
	b.WriteString(fmt.Sprintf("  metrics.path: %s\n", c.Metrics.Path))
	return b.String()
}

func (c *TelemetryConfig) Validate() error {
	if c.Traces.Enabled {
		if c.Traces.OtlpHttp.Endpoint == "" {
			return fmt.Errorf("OTel endpoint is not configured")
		}
		if c.Traces.OtlpHttp.Timeout <= 0 {
			return fmt.Errorf("telemetry timeout must be greater than 0")
		}
		if c.Traces.SampleRate < 0 || c.Traces.SampleRate > 1 {
			return fmt.Errorf("telemetry sample rate must be between 0 and 1")
		}
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with '/': %q", c.Metrics.Path)
	}
	return nil
}
