package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/matt-riley/flagkit/internal/config"
	"github.com/matt-riley/flagkit/internal/metrics"
	"github.com/matt-riley/flagkit/internal/middleware"
	"github.com/matt-riley/flagkit/internal/repository"
	"github.com/matt-riley/flagkit/internal/server"
	"github.com/matt-riley/flagkit/internal/service"
	"github.com/matt-riley/flagkit/internal/store"
	"github.com/matt-riley/flagkit/transport/fanout"
	"github.com/matt-riley/flagkit/transport/mqtt"
)

// backend is everything run needs to serve.
type backend struct {
	service     *service.Service
	httpHandler http.Handler
	grpcOptions []grpc.ServerOption
	closers     []func()
}

func (b *backend) onClose(fn func()) {
	b.closers = append(b.closers, fn)
}

// close releases what buildBackend opened, in reverse.
func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

func (b *backend) newGRPCServer() *grpc.Server {
	srv := grpc.NewServer(b.grpcOptions...)
	server.RegisterBackendServer(srv, server.NewGRPCServer(b.service))
	return srv
}

// buildBackend opens state, loads the settings file and assembles both
// transports. On error everything already opened is released.
func buildBackend(ctx context.Context, cfg config.Backend, log *slog.Logger, m *metrics.ServerMetrics) (*backend, error) {
	b := &backend{}
	built := false
	defer func() {
		if !built {
			b.close()
		}
	}()

	state, err := store.Open(ctx, store.Config{Path: cfg.StatePath, WALMode: true, Logger: log})
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	b.onClose(func() {
		if err := state.Close(); err != nil {
			log.Warn("state store close failed", "error", err)
		}
	})

	// The journal is PostgreSQL when configured and the state store otherwise.
	var journal fanout.Sink = state
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.onClose(pool.Close)

		if err := repository.Migrate(ctx, pool, log); err != nil {
			return nil, err
		}
		metrics.RegisterPoolMetrics(m.Registry, pool, metrics.PoolRoleBackend)
		journal = repository.NewPostgresRepository(pool)
	}

	sinks := []fanout.Option{fanout.WithLogger(log), fanout.WithSink(journal)}
	if cfg.MQTTBroker != "" {
		sink, err := mqtt.Connect(ctx, mqtt.Config{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.ServiceName,
			TopicPrefix: cfg.MQTTTopicPrefix,
			QoS:         1,
			Logger:      log,
		})
		if err != nil {
			return nil, fmt.Errorf("connect mqtt: %w", err)
		}
		b.onClose(sink.Close)
		sinks = append(sinks, fanout.WithSink(sink))
	}

	svc, err := service.New(ctx, cfg.SettingsFile,
		service.WithLogger(log),
		service.WithAttributeStore(state),
		service.WithEventPublisher(fanout.New(nil, sinks...)),
		service.WithReloadObserver(m.RecordReload),
	)
	if err != nil {
		return nil, fmt.Errorf("init service: %w", err)
	}
	b.service = svc

	validator, err := middleware.NewKeyring(cfg.SDKKeys, cfg.SDKKeyHashes, b.service.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load sdk keys: %w", err)
	}

	authLimiter := middleware.NewRateLimiter(ctx, cfg.AuthFailuresPerMinute)
	b.onClose(authLimiter.Stop)
	var requestLimiter *middleware.RateLimiter
	if cfg.RequestsPerMinute > 0 {
		requestLimiter = middleware.NewRateLimiter(ctx, cfg.RequestsPerMinute)
		b.onClose(requestLimiter.Stop)
	}

	authOpts := []middleware.AuthOption{
		middleware.WithOnAuthFailure(m.IncAuthFailures),
		middleware.WithRateLimiter(authLimiter),
	}
	b.httpHandler = newHTTPHandler(b.service, validator, cfg, log, m, requestLimiter, authOpts)
	b.grpcOptions = grpcServerOptions(validator, log, m, requestLimiter, authOpts)
	built = true
	return b, nil
}

// newHTTPHandler wraps the /v1 routes in logging, authentication and, when
// configured, per-account throttling.
func newHTTPHandler(svc server.Service, validator middleware.TokenValidator, cfg config.Backend, log *slog.Logger, m *metrics.ServerMetrics, requestLimiter *middleware.RateLimiter, authOpts []middleware.AuthOption) http.Handler {
	chain := []func(http.Handler) http.Handler{
		middleware.HTTPRequestLogging(log),
		middleware.HTTPBearerAuthMiddleware(validator, authOpts...),
	}
	if requestLimiter != nil {
		chain = append(chain, middleware.HTTPRateLimit(requestLimiter))
	}

	return server.NewHTTPHandler(svc,
		server.WithStreamPollInterval(cfg.StreamPollInterval),
		server.WithHTTPLogger(log),
		server.WithServerMetrics(m),
		server.WithAPIMiddleware(chain...),
	)
}

func grpcServerOptions(validator middleware.TokenValidator, log *slog.Logger, m *metrics.ServerMetrics, requestLimiter *middleware.RateLimiter, authOpts []middleware.AuthOption) []grpc.ServerOption {
	unary := []grpc.UnaryServerInterceptor{
		middleware.UnaryRequestLoggingInterceptor(log),
		middleware.UnaryBearerAuthInterceptor(validator, authOpts...),
	}
	if requestLimiter != nil {
		unary = append(unary, middleware.UnaryRateLimitInterceptor(requestLimiter))
	}
	unary = append(unary, m.UnaryServerInterceptor())

	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(middleware.StreamBearerAuthInterceptor(validator, authOpts...)),
	}
}
