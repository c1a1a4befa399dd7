// Package observability wires OpenTelemetry tracing and metrics for
// buildboard.
package observability

import (
	"fmt"
	"strconv"
	"time"
)

// Config holds OpenTelemetry configuration.
type Config struct {
	// Exporter type: "none", "stdout", or "otlp"
	Exporter string

	// OTLP gRPC endpoint (for otlp exporter)
	Endpoint string

	// Service name and version attached to every signal
	ServiceName    string
	ServiceVersion string

	// Trace sampling rate (0.0 to 1.0)
	SampleRate float64

	// How often metrics are pushed to the exporter
	ExportInterval time.Duration

	MetricsEnabled bool
	TracesEnabled  bool
}

// Environment variables read by ApplyEnv.
const (
	EnvExporter   = "BUILDBOARD_OTEL_EXPORTER"
	EnvEndpoint   = "BUILDBOARD_OTEL_ENDPOINT"
	EnvSampleRate = "BUILDBOARD_OTEL_SAMPLE_RATE"
)

// NewConfig returns default configuration.
func NewConfig() *Config {
	return &Config{
		Exporter:       "none",
		Endpoint:       "localhost:4317",
		ServiceName:    "buildboard",
		ServiceVersion: "dev",
		SampleRate:     0.1,
		ExportInterval: 30 * time.Second,
		MetricsEnabled: true,
		TracesEnabled:  false,
	}
}

// ApplyEnv overrides exporter settings from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv(EnvExporter); v != "" {
		c.Exporter = v
	}
	if v := getenv(EnvEndpoint); v != "" {
		c.Endpoint = v
	}
	if v := getenv(EnvSampleRate); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSampleRate, err)
		}
		c.SampleRate = rate
	}
	return nil
}

// Validate checks exporter and sampling settings.
func (c *Config) Validate() error {
	switch c.Exporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("unknown exporter: %s", c.Exporter)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample rate must be within [0, 1], got %g", c.SampleRate)
	}
	if c.Exporter == "otlp" && c.Endpoint == "" {
		return fmt.Errorf("otlp exporter needs an endpoint")
	}
	return nil
}

// ShouldEnable returns true if OTel should be initialized.
func (c *Config) ShouldEnable() bool {
	return c.Exporter != "none" && (c.MetricsEnabled || c.TracesEnabled)
}
