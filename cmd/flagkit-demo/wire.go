package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matt-riley/flagkit"
	"github.com/matt-riley/flagkit/internal/batch"
	"github.com/matt-riley/flagkit/internal/config"
	"github.com/matt-riley/flagkit/internal/core"
	"github.com/matt-riley/flagkit/internal/identity"
	"github.com/matt-riley/flagkit/internal/metrics"
	"github.com/matt-riley/flagkit/internal/repository"
	"github.com/matt-riley/flagkit/internal/settings"
	"github.com/matt-riley/flagkit/internal/store"
	"github.com/matt-riley/flagkit/transport/fanout"
	flagkitgrpc "github.com/matt-riley/flagkit/transport/grpc"
	flagkithttp "github.com/matt-riley/flagkit/transport/http"
	"github.com/matt-riley/flagkit/transport/mqtt"
)

// remote is what the http and grpc transports both provide.
type remote interface {
	settings.Source
	core.DecisionEngine
	core.BackendClient
}

// persistence is the local state behind the client.
type persistence struct {
	identity identity.Store
	cache    settings.Cache
	// offline stands in for a backend when no remote transport is used.
	offline core.BackendClient
	// journal receives a copy of every tracked event.
	journal fanout.Sink
	// queue holds events that could not be sent until they are uploaded.
	queue         batch.Queue
	invalidations flagkit.InvalidationSource
}

// deps collects what buildClient opened so it can be released in reverse.
type deps struct {
	closers []func()
}

func (d *deps) onClose(fn func()) {
	d.closers = append(d.closers, fn)
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// buildClient wires a client from cfg. The returned cleanup releases stores
// and connections and must run after the client is closed.
func buildClient(ctx context.Context, cfg config.Config, log *slog.Logger, m *metrics.Metrics) (*flagkit.Client, func(), error) {
	d := &deps{}
	fail := func(err error) (*flagkit.Client, func(), error) {
		d.close()
		return nil, nil, err
	}

	state, err := openPersistence(ctx, cfg, log, m, d)
	if err != nil {
		return fail(err)
	}

	opts := []flagkit.Option{
		flagkit.WithLogger(log),
		flagkit.WithMetrics(m),
		flagkit.WithInitTimeout(cfg.InitTimeout),
		flagkit.WithDeviceIdentity(identity.NewStoreProvider(state.identity), cfg.DeviceScope),
	}
	if state.invalidations != nil {
		opts = append(opts, flagkit.WithInvalidations(state.invalidations))
	}

	var (
		primary  core.BackendClient
		uploader batch.Uploader
	)
	switch cfg.Transport {
	case config.TransportHTTP:
		c := flagkithttp.NewHTTPClient(flagkithttp.Config{
			BaseURL:   cfg.BaseURL,
			SDKKey:    cfg.SDKKey,
			AccountID: cfg.AccountID,
			Metrics:   m,
		})
		primary = c
		uploader = c
		if cfg.Decisions == config.DecisionsLocal {
			opts = append(opts, flagkit.WithInvalidations(func(ctx context.Context) (<-chan struct{}, error) {
				return c.Invalidations(ctx, log), nil
			}))
		}
		opts = append(opts, decisions(cfg, c, m, log, state.cache)...)
	case config.TransportGRPC:
		c, err := flagkitgrpc.NewGRPCClient(flagkitgrpc.Config{
			Address:   cfg.GRPCAddr,
			SDKKey:    cfg.SDKKey,
			AccountID: cfg.AccountID,
			Metrics:   m,
		})
		if err != nil {
			return fail(fmt.Errorf("create grpc client: %w", err))
		}
		d.onClose(func() { _ = c.Close() })
		primary = c
		opts = append(opts, decisions(cfg, c, m, log, state.cache)...)
	case config.TransportFile:
		primary = state.offline
		source := settings.FileSource{Path: cfg.SettingsFile}
		opts = append(opts, flagkit.WithSettingsManager(newManager(cfg, source, m, log, state.cache)))
	default:
		return fail(fmt.Errorf("%w: unknown transport %q", core.ErrConfiguration, cfg.Transport))
	}
	log.Debug("transport selected", "transport", cfg.Transport, "decisions", cfg.Decisions)

	if uploader != nil && state.queue != nil {
		b, err := batch.New(primary, state.queue, uploader,
			batch.WithMinSize(cfg.BatchMinSize),
			batch.WithInterval(cfg.BatchInterval),
			batch.WithLogger(log),
			batch.WithRecorder(m),
		)
		if err != nil {
			return fail(fmt.Errorf("create event batcher: %w", err))
		}
		primary = b
		opts = append(opts, flagkit.WithEventBatcher(b))
	}

	fanoutOpts := []fanout.Option{fanout.WithLogger(log), fanout.WithSink(state.journal)}
	if cfg.MQTTBroker != "" {
		sink, err := mqtt.Connect(ctx, mqtt.Config{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.DeviceScope,
			TopicPrefix: cfg.MQTTTopicPrefix,
			QoS:         1,
			Logger:      log,
		})
		if err != nil {
			return fail(fmt.Errorf("connect mqtt: %w", err))
		}
		d.onClose(sink.Close)
		fanoutOpts = append(fanoutOpts, fanout.WithSink(sink))
	}
	opts = append(opts, flagkit.WithBackend(fanout.New(primary, fanoutOpts...)))

	return flagkit.New(opts...), d.close, nil
}

// decisions selects local evaluation over downloaded settings or per-call
// remote decisions for a network transport.
func decisions(cfg config.Config, r remote, m *metrics.Metrics, log *slog.Logger, cache settings.Cache) []flagkit.Option {
	if cfg.Decisions == config.DecisionsRemote {
		return []flagkit.Option{
			flagkit.WithDecisionEngine(r),
			// Fetching settings once verifies the credentials.
			flagkit.WithBootstrapper(func(ctx context.Context, creds flagkit.Credentials) error {
				_, err := r.FetchSettings(ctx, creds.SDKKey, creds.AccountID)
				return err
			}),
		}
	}
	return []flagkit.Option{flagkit.WithSettingsManager(newManager(cfg, r, m, log, cache))}
}

func newManager(cfg config.Config, source settings.Source, m *metrics.Metrics, log *slog.Logger, cache settings.Cache) *settings.Manager {
	return settings.NewManager(source,
		settings.WithCache(cache, cfg.SettingsCacheTTL),
		settings.WithPollInterval(cfg.PollInterval),
		settings.WithLogger(log),
		settings.WithRecorder(m),
	)
}

// openPersistence opens PostgreSQL when a database URL is configured and the
// SQLite state file otherwise.
func openPersistence(ctx context.Context, cfg config.Config, log *slog.Logger, m *metrics.Metrics, d *deps) (persistence, error) {
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return persistence{}, fmt.Errorf("connect postgres: %w", err)
		}
		d.onClose(pool.Close)

		if err := repository.Migrate(ctx, pool, log); err != nil {
			return persistence{}, err
		}
		metrics.RegisterPoolMetrics(m.Registry, pool, metrics.PoolRoleClient)

		repo := repository.NewPostgresRepository(pool)
		return persistence{
			identity:      repo,
			cache:         repo,
			journal:       repo,
			invalidations: repo.SubscribeSettingsInvalidation,
		}, nil
	}

	s, err := store.Open(ctx, store.Config{Path: cfg.StatePath, WALMode: true, Logger: log})
	if err != nil {
		return persistence{}, fmt.Errorf("open state store: %w", err)
	}
	d.onClose(func() {
		if err := s.Close(); err != nil {
			log.Warn("state store close failed", "error", err)
		}
	})
	return persistence{identity: s, cache: s, offline: s, queue: s}, nil
}
