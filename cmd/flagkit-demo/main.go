// Package main is a demo driver for the flagkit SDK.
//
// The sequence is:
//  1. Load configuration from environment variables.
//  2. Open local state (PostgreSQL or SQLite) and pick a transport.
//  3. Initialize the client and wait for it to become ready.
//  4. Evaluate a flag, track an event and set an attribute.
//  5. With FLAGKIT_METRICS_ADDR or polling enabled, keep serving until
//     SIGINT/SIGTERM, then close the client.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matt-riley/flagkit"
	"github.com/matt-riley/flagkit/internal/config"
	"github.com/matt-riley/flagkit/internal/logging"
	"github.com/matt-riley/flagkit/internal/metrics"
	"github.com/matt-riley/flagkit/internal/tracing"
)

const (
	version = "dev"

	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background(), tracing.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	client, cleanup, err := buildClient(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	defer cleanup()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := client.Close(closeCtx); err != nil && !errors.Is(err, flagkit.ErrClosed) {
			log.Error("client close error", "error", err)
		}
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer, err = serveMetrics(cfg.MetricsAddr, client, log)
		if err != nil {
			return err
		}
	}

	if _, err := runDemo(ctx, client, cfg, log); err != nil {
		return err
	}

	if metricsServer != nil || cfg.PollInterval > 0 {
		log.Info("demo complete; waiting for shutdown signal")
		<-ctx.Done()
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
	}
	return nil
}

func newMetricsHandler(client *flagkit.Client) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", client.MetricsHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		if client.Status().State != flagkit.StateReady {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func serveMetrics(addr string, client *flagkit.Client, log *slog.Logger) (*http.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           newMetricsHandler(client),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
	}
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()
	log.Info("metrics listening", "addr", lis.Addr().String())
	return srv, nil
}
