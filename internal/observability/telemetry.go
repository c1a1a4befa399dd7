package observability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// shutdownTimeout is the maximum time Cleanup waits for a flush.
const shutdownTimeout = 5 * time.Second

// Telemetry holds OTel providers and configuration.
type Telemetry struct {
	config         *Config
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	metrics        *Metrics
	shutdowns      []func(context.Context) error
	shutdownOnce   sync.Once
}

// Init initializes OpenTelemetry with the given configuration and installs
// the providers globally. Returns the manager and a cleanup function.
func Init(ctx context.Context, cfg *Config) (*Telemetry, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if !cfg.ShouldEnable() {
		return &Telemetry{config: cfg}, func() {}, nil
	}

	tel := &Telemetry{config: cfg}
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	var conn *grpc.ClientConn
	if cfg.Exporter == "otlp" {
		conn, err = grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OTLP client: %w", err)
		}
	}

	if cfg.TracesEnabled {
		tp, err := initTracerProvider(ctx, cfg, res, conn)
		if err != nil {
			tel.abort(conn)
			return nil, nil, err
		}
		tel.tracerProvider = tp
		tel.shutdowns = append(tel.shutdowns, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if cfg.MetricsEnabled {
		mp, err := initMeterProvider(ctx, cfg, res, conn)
		if err != nil {
			tel.abort(conn)
			return nil, nil, err
		}
		tel.meterProvider = mp
		tel.shutdowns = append(tel.shutdowns, mp.Shutdown)
		otel.SetMeterProvider(mp)

		metrics, err := InitMetrics(mp, cfg.ServiceName)
		if err != nil {
			tel.abort(conn)
			return nil, nil, err
		}
		tel.metrics = metrics
	}

	if conn != nil {
		tel.shutdowns = append(tel.shutdowns, func(context.Context) error { return conn.Close() })
	}
	return tel, tel.Cleanup, nil
}

func (t *Telemetry) abort(conn *grpc.ClientConn) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = t.Shutdown(ctx)
	if conn != nil {
		_ = conn.Close()
	}
}

func newResource(ctx context.Context, cfg *Config) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// TracerProvider returns the tracer provider (or noop if disabled).
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	if t.tracerProvider != nil {
		return t.tracerProvider
	}
	return tracenoop.NewTracerProvider()
}

// MeterProvider returns the meter provider (or noop if disabled).
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	if t.meterProvider != nil {
		return t.meterProvider
	}
	return noop.NewMeterProvider()
}

// Meter is a shorthand for MeterProvider().Meter(name).
func (t *Telemetry) Meter(name string) metric.Meter {
	return t.MeterProvider().Meter(name)
}

// Metrics returns the HTTP instruments (or nil if disabled).
func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

// Shutdown flushes and closes all providers, in creation order.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	t.shutdownOnce.Do(func() {
		var errs []error
		for _, fn := range t.shutdowns {
			if e := fn(ctx); e != nil {
				errs = append(errs, e)
			}
		}
		err = errors.Join(errs...)
	})
	return err
}

// Cleanup is a convenience function for defer cleanup.
func (t *Telemetry) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = t.Shutdown(ctx)
}

// Config returns the telemetry configuration.
func (t *Telemetry) Config() *Config {
	return t.config
}
