// cmd/config.go
package cmd

import (
	"fmt"
	"strings"

	"github.com/markb/buildboard/internal/log"
	"github.com/markb/buildboard/internal/observability"
	"github.com/markb/buildboard/internal/realtime"
	"github.com/spf13/cobra"
)

// Environment variables for the backend connection.
const (
	envRealtimeURL = "BUILDBOARD_REALTIME_URL"
	envAPIKey      = "BUILDBOARD_API_KEY"
	envAccessToken = "BUILDBOARD_ACCESS_TOKEN"
)

func addLogFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (default: info)")
	cmd.PersistentFlags().String("log-format", "", "Log format: text or json (default: text)")
}

func addWatchFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("url", "", "Realtime endpoint, e.g. ws://localhost:8080/realtime/v1")
	f.String("api-key", "", "API key sent as the apikey query parameter")
	f.String("schema", "public", "Database schema of the watched resources")
	f.StringArrayP("filter", "f", nil, "Equality filter field=value (repeatable)")
	f.StringP("event", "e", "any", "Event class: insert, update, delete or any")
	f.String("health-addr", "", "Serve health endpoints on this address, e.g. :9090")
	f.Duration("grace-period", 0, "Teardown grace period (default: 300ms)")
	f.Int("max-attempts", 0, "Reconnect attempts before a channel gives up (default: 10)")
	f.String("otel-exporter", "", "Telemetry exporter: none, stdout or otlp (default: none)")
	f.String("otel-endpoint", "", "OTLP gRPC endpoint (default: localhost:4317)")
}

// buildLogConfig creates a log.Config from environment variables and CLI flags.
// Priority: CLI flags > environment variables > defaults
func buildLogConfig(cmd *cobra.Command) *log.Config {
	cfg := log.DefaultConfig()
	cfg.ApplyEnv(getenv)

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Level = level
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Format = format
	}
	return cfg
}

// buildRealtimeConfig creates the registry configuration.
// Priority: CLI flags > environment variables > defaults
func buildRealtimeConfig(cmd *cobra.Command) (realtime.Config, error) {
	cfg := realtime.DefaultConfig()
	if err := cfg.ApplyEnv(getenv); err != nil {
		return cfg, err
	}

	if cmd.Flags().Changed("grace-period") {
		cfg.GracePeriod, _ = cmd.Flags().GetDuration("grace-period")
	}
	if cmd.Flags().Changed("max-attempts") {
		cfg.MaxAttempts, _ = cmd.Flags().GetInt("max-attempts")
	}
	return cfg, cfg.Validate()
}

// buildWebSocketConfig creates the provider configuration.
// Priority: CLI flags > environment variables
func buildWebSocketConfig(cmd *cobra.Command) (realtime.WebSocketConfig, error) {
	cfg := realtime.WebSocketConfig{
		URL:         getenv(envRealtimeURL),
		APIKey:      getenv(envAPIKey),
		AccessToken: getenv(envAccessToken),
	}
	if url, _ := cmd.Flags().GetString("url"); url != "" {
		cfg.URL = url
	}
	if key, _ := cmd.Flags().GetString("api-key"); key != "" {
		cfg.APIKey = key
	}
	cfg.Schema, _ = cmd.Flags().GetString("schema")

	if cfg.URL == "" {
		return cfg, fmt.Errorf("no realtime endpoint: set --url or %s", envRealtimeURL)
	}
	return cfg, nil
}

// buildTelemetryConfig creates the OpenTelemetry configuration.
// Priority: CLI flags > environment variables > defaults
func buildTelemetryConfig(cmd *cobra.Command) (*observability.Config, error) {
	cfg := observability.NewConfig()
	cfg.ServiceVersion = Version
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	if exporter, _ := cmd.Flags().GetString("otel-exporter"); exporter != "" {
		cfg.Exporter = exporter
	}
	if endpoint, _ := cmd.Flags().GetString("otel-endpoint"); endpoint != "" {
		cfg.Endpoint = endpoint
	}
	return cfg, cfg.Validate()
}

// parseFilters turns repeated field=value flags into a filter map. A
// field given twice keeps the last value.
func parseFilters(specs []string) (map[string]any, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	filter := make(map[string]any, len(specs))
	for _, spec := range specs {
		field, value, ok := strings.Cut(spec, "=")
		field = strings.TrimSpace(field)
		if !ok || field == "" {
			return nil, fmt.Errorf("invalid filter %q: want field=value", spec)
		}
		filter[field] = value
	}
	return filter, nil
}
