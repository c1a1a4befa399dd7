// cmd/watch.go
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/markb/buildboard/internal/log"
	"github.com/markb/buildboard/internal/observability"
	"github.com/markb/buildboard/internal/realtime"
	"github.com/markb/buildboard/internal/server"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch <resource>...",
	Short: "Stream changes of one or more resources",
	Long: `Subscribes to each resource through the shared realtime multiplexer and
prints every change as one JSON line on stdout until interrupted.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runWatch(ctx, cmd, args)
	},
}

func init() {
	addWatchFlags(watchCmd)
}

func runWatch(ctx context.Context, cmd *cobra.Command, resources []string) error {
	rtCfg, err := buildRealtimeConfig(cmd)
	if err != nil {
		return fmt.Errorf("realtime config: %w", err)
	}
	wsCfg, err := buildWebSocketConfig(cmd)
	if err != nil {
		return err
	}
	telCfg, err := buildTelemetryConfig(cmd)
	if err != nil {
		return fmt.Errorf("telemetry config: %w", err)
	}
	filterSpecs, _ := cmd.Flags().GetStringArray("filter")
	filter, err := parseFilters(filterSpecs)
	if err != nil {
		return err
	}
	event, _ := cmd.Flags().GetString("event")
	healthAddr, _ := cmd.Flags().GetString("health-addr")

	tel, cleanup, err := observability.Init(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}
	defer cleanup()

	provider, err := realtime.NewWebSocketProvider(wsCfg)
	if err != nil {
		return err
	}
	return watch(ctx, watchOptions{
		provider:   provider,
		config:     rtCfg,
		telemetry:  tel,
		resources:  resources,
		filter:     filter,
		event:      event,
		healthAddr: healthAddr,
		out:        cmd.OutOrStdout(),
	})
}

type watchOptions struct {
	provider   realtime.Provider
	config     realtime.Config
	telemetry  *observability.Telemetry
	resources  []string
	filter     map[string]any
	event      string
	healthAddr string
	out        io.Writer
	ready      func(*realtime.Registry) // test hook
}

// changeLine is one line of watch output.
type changeLine struct {
	ReceivedAt time.Time      `json:"received_at"`
	Channel    string         `json:"channel"`
	Type       string         `json:"type,omitempty"`
	Table      string         `json:"table,omitempty"`
	New        map[string]any `json:"new,omitempty"`
	Old        map[string]any `json:"old,omitempty"`
	Raw        string         `json:"raw,omitempty"`
}

func watch(ctx context.Context, opts watchOptions) error {
	reg, err := realtime.NewRegistry(opts.provider, opts.config)
	if err != nil {
		return err
	}
	defer reg.Close()

	cfg := reg.Config()
	log.Info("watch: starting",
		"resources", opts.resources,
		"event", opts.event,
		"grace_period", cfg.GracePeriod.String(),
		"max_attempts", cfg.MaxAttempts,
		"backoff_max", cfg.BackoffMax.String())

	if opts.telemetry != nil {
		registration, err := realtime.RegisterMetrics(opts.telemetry.Meter("github.com/markb/buildboard/internal/realtime"), reg)
		if err != nil {
			return err
		}
		defer registration.Unregister()
	}

	var outMu sync.Mutex
	enc := json.NewEncoder(opts.out)
	handler := func(ev realtime.Event) {
		line := changeLine{ReceivedAt: ev.ReceivedAt, Channel: ev.Key.String()}
		if change, err := realtime.DecodeChange(ev.Payload); err == nil {
			line.Type, line.Table, line.New, line.Old = change.EventType, change.Table, change.New, change.Old
		} else {
			line.Raw = string(ev.Payload)
		}
		outMu.Lock()
		defer outMu.Unlock()
		if err := enc.Encode(line); err != nil {
			log.Warn("watch: write failed", "error", err.Error())
		}
	}

	client := realtime.NewClient(reg)
	for _, resource := range opts.resources {
		unsub, err := client.Subscribe(resource, handler, realtime.SubscribeOptions{
			Filter: opts.filter,
			Event:  opts.event,
			OnStateChange: func(state realtime.State, err error) {
				attrs := []any{"resource", resource, "state", state.String()}
				if err != nil {
					attrs = append(attrs, "error", err.Error())
					log.Warn("watch: channel state", attrs...)
					return
				}
				log.Info("watch: channel state", attrs...)
			},
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", resource, err)
		}
		defer unsub()
	}

	errCh := make(chan error, 1)
	var srv *server.Server
	if opts.healthAddr != "" {
		cfg := server.DefaultConfig()
		cfg.Addr = opts.healthAddr
		srv = server.New(cfg, reg, opts.telemetry)
		go func() { errCh <- srv.ListenAndServe() }()
	}
	if opts.ready != nil {
		opts.ready(reg)
	}

	select {
	case <-ctx.Done():
		log.Info("watch: shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("health server: %w", err)
		}
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("watch: health server shutdown", "error", err.Error())
		}
	}
	return nil
}
