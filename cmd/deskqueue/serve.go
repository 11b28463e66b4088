package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cache "github.com/Code-Hex/go-generics-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"github.com/castaneai/deskqueue"
	"github.com/castaneai/deskqueue/pkg/broadcast"
	"github.com/castaneai/deskqueue/pkg/dqlog"
	"github.com/castaneai/deskqueue/pkg/frontend"
	"github.com/castaneai/deskqueue/pkg/statestore"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and WebSocket API",
		Long: `Serve the kiosk, clerk and display API.

Environment:
  PORT                 HTTP port (default 8000)
  METRICS_ADDR         Prometheus /metrics listen address (default :2112)
  STORE                file or redis (default file)
  DATA_FILE            state file of the file store (default queue_data.json)
  REDIS_ADDR           Redis address of the redis store
  USE_MINIREDIS        run an in-process Redis instead
  REDIS_KEY            key holding the state
  REDIS_CHANNEL        pub/sub channel carrying events between processes
  DESKS                desks to configure at startup, e.g. deposit=3,withdraw=2
  STATE_CACHE_TTL      how long /state and /clerk_state may be stale (default 500ms)
  LOG_FORMAT           console or json
  WS_ORIGIN_PATTERNS   hosts allowed to open the event WebSocket cross-origin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig()
			if err != nil {
				return err
			}
			if err := setupLogger(conf); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, conf)
		},
	}
}

func serve(ctx context.Context, conf *config) error {
	provider, err := newMeterProvider()
	if err != nil {
		return err
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	be, err := openBackend(ctx, conf)
	if err != nil {
		return err
	}
	defer be.close()

	if conf.Desks != "" {
		layout, err := statestore.ParseLayout(conf.Desks)
		if err != nil {
			return err
		}
		added, err := statestore.EnsureDesks(ctx, be.store, layout)
		if err != nil {
			return err
		}
		for _, service := range added {
			dqlog.Infof("configured %d desks for service %s", layout[service], service)
		}
	}

	hub := broadcast.NewHub()
	var publisher broadcast.Publisher = hub
	var relay *broadcast.RedisRelay
	if be.redis != nil {
		// every process relays the shared channel into its own hub
		publisher = broadcast.NewRedisPublisher(be.redis, conf.RedisChannel)
		relay = broadcast.NewRedisRelay(be.redis, conf.RedisChannel, hub)
	}

	dq, err := deskqueue.NewDeskQueue(ctx, be.store, publisher, deskqueue.WithMeterProvider(provider))
	if err != nil {
		return err
	}
	readStore := statestore.NewStoreWithSnapshotCache(be.store, cache.New[string, *statestore.Snapshot](),
		statestore.WithSnapshotCacheTTL(conf.StateCacheTTL))
	fs := frontend.NewFrontendService(dq, hub,
		frontend.WithReadStore(readStore),
		frontend.WithWebSocketOriginPatterns(conf.WSOriginPatterns...))

	eg, ctx := errgroup.WithContext(ctx)
	if relay != nil {
		eg.Go(func() error {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("event relay stopped: %w", err)
			}
			return nil
		})
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	eg.Go(func() error {
		dqlog.Infof("prometheus endpoint (/metrics) is listening on %s...", conf.MetricsAddr)
		return runHTTPServer(ctx, conf.MetricsAddr, metricsMux)
	})
	eg.Go(func() error {
		addr := fmt.Sprintf(":%s", conf.Port)
		dqlog.Infof("deskqueue listening on %s...", addr)
		return runHTTPServer(ctx, addr, fs.Handler())
	})
	return eg.Wait()
}

func newMeterProvider() (*sdkmetric.MeterProvider, error) {
	exporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	return provider, nil
}

// runHTTPServer serves until ctx is done and then shuts down gracefully.
func runHTTPServer(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("failed to serve on %s: %w", addr, err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server on %s: %w", addr, err)
	}
	return nil
}
