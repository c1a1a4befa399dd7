package realtime

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// RegisterMetrics publishes registry health as observable OpenTelemetry
// instruments. Values are read from Snapshot on each collection.
func RegisterMetrics(meter metric.Meter, r *Registry) (metric.Registration, error) {
	active, err := meter.Int64ObservableGauge(
		"realtime.channels.active",
		metric.WithDescription("Channels with at least one subscriber"),
		metric.WithUnit("{channel}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active channels gauge: %w", err)
	}

	subs, err := meter.Int64ObservableGauge(
		"realtime.subscriptions",
		metric.WithDescription("Registered subscribers across all channels"),
		metric.WithUnit("{subscriber}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptions gauge: %w", err)
	}

	counters := []struct {
		name string
		desc string
		read func(HealthSnapshot) int64
	}{
		{"realtime.reconnection_attempts", "Retries started by the reconnect supervisor", func(s HealthSnapshot) int64 { return s.ReconnectionAttempts }},
		{"realtime.connection_errors", "Failed opens and unexpected disconnects", func(s HealthSnapshot) int64 { return s.ConnectionErrors }},
		{"realtime.connections_opened", "Channel open attempts", func(s HealthSnapshot) int64 { return s.ConnectionsOpened }},
		{"realtime.callback_failures", "Subscriber callbacks that panicked", func(s HealthSnapshot) int64 { return s.CallbackFailures }},
		{"realtime.deliveries_dropped", "Deliveries dropped on full subscriber queues", func(s HealthSnapshot) int64 { return s.DroppedDeliveries }},
	}

	instruments := []metric.Observable{active, subs}
	observed := make([]metric.Int64ObservableCounter, len(counters))
	for i, c := range counters {
		observed[i], err = meter.Int64ObservableCounter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		instruments = append(instruments, observed[i])
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		snap := r.Snapshot()
		o.ObserveInt64(active, int64(snap.ActiveChannels))
		o.ObserveInt64(subs, int64(snap.TotalSubscriptions))
		for i, c := range counters {
			o.ObserveInt64(observed[i], c.read(snap))
		}
		return nil
	}, instruments...)
}
