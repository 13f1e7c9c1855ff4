// Package main runs the flagkit development backend.
//
// The startup sequence is:
//  1. Load configuration from FLAGKIT_BACKEND_* environment variables.
//  2. Open the SQLite state store, plus PostgreSQL when a database URL is set.
//  3. Load the settings file and start watching it for changes.
//  4. Start the HTTP server (:8080) and gRPC server (:9090) concurrently.
//  5. Wait for SIGINT/SIGTERM, then gracefully shut down both servers.
//
// "flagkit-backend hash-key <sdk-key>" prints a bcrypt hash suitable for
// FLAGKIT_BACKEND_SDK_KEY_HASHES and exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matt-riley/flagkit/internal/config"
	"github.com/matt-riley/flagkit/internal/logging"
	"github.com/matt-riley/flagkit/internal/metrics"
	"github.com/matt-riley/flagkit/internal/middleware"
	"github.com/matt-riley/flagkit/internal/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	version = "dev"

	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-key" {
		if err := hashKey(os.Stdout, os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		return
	}
	if err := run(); err != nil {
		slog.Error("backend failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadBackend()
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

	m := metrics.NewServer()
	b, err := buildBackend(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	defer b.close()

	go b.service.Run(ctx, cfg.ReloadInterval)

	// No streaming RPCs are served; SSE carries HTTP pushes.
	// WriteTimeout stays unset so /v1/stream can stay open.
	httpServer := &http.Server{
		Handler:           otelhttp.NewHandler(b.httpHandler, "flagkit-backend-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
	}
	grpcServer := b.newGRPCServer()

	serveErrCh := make(chan error, 2)
	if cfg.HTTPAddr != "" {
		lis, err := net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
		}
		defer lis.Close()
		go func() {
			if err := httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
			}
		}()
	}
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
		}
		defer lis.Close()
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				serveErrCh <- fmt.Errorf("serve gRPC: %w", err)
			}
		}()
	}

	log.Info("backend started",
		"http_addr", cfg.HTTPAddr,
		"grpc_addr", cfg.GRPCAddr,
		"settings_file", cfg.SettingsFile,
		"account_id", b.service.AccountID(),
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("backend shutting down")

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}

	return serveErr
}

func hashKey(w io.Writer, args []string) error {
	if len(args) != 1 || args[0] == "" {
		return errors.New("usage: flagkit-backend hash-key <sdk-key>")
	}
	hash, err := middleware.HashSDKKey(args[0])
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, hash)
	return err
}
