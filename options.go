package flagkit

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/matt-riley/flagkit/internal/batch"
	"github.com/matt-riley/flagkit/internal/core"
	"github.com/matt-riley/flagkit/internal/metrics"
	"github.com/matt-riley/flagkit/internal/settings"
)

// Option configures a [Client].
type Option func(*Client)

// Integration observes every successful evaluation. data carries the keys
// "featureKey", "userId", "enabled" and "variables".
type Integration func(ctx context.Context, data map[string]any)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithLogWriter sets where a logger built from [Config].LoggerConfig writes.
// Defaults to os.Stderr.
func WithLogWriter(w io.Writer) Option {
	return func(c *Client) {
		if w != nil {
			c.logWriter = w
		}
	}
}

func WithDecisionEngine(engine DecisionEngine) Option {
	return func(c *Client) { c.engine = engine }
}

func WithBackend(backend BackendClient) Option {
	return func(c *Client) { c.backend = backend }
}

// WithEventBatcher queues events b could not deliver under the client's
// credentials and uploads them in the background once the client is ready.
// b should be the backend, or sit inside it; see [NewEventBatcher].
func WithEventBatcher(b *EventBatcher) Option {
	return func(c *Client) { c.batcher = b }
}

// WithBootstrapper sets the request issued once per initialization attempt.
// Without one, initialization only validates the configuration.
func WithBootstrapper(fn BootstrapFunc) Option {
	return func(c *Client) { c.bootstrap = fn }
}

// WithSettingsManager uses m as the decision engine and bootstraps it during
// initialization. Once ready, the client runs m's polling loop and any
// sources passed to [WithInvalidations].
func WithSettingsManager(m *SettingsManager) Option {
	return func(c *Client) {
		if m == nil {
			return
		}
		c.manager = m
		c.engine = m
		c.bootstrap = func(ctx context.Context, creds Credentials) error {
			_, err := m.Bootstrap(ctx, creds)
			return err
		}
	}
}

// WithInvalidations refreshes the settings manager whenever a source
// signals.
func WithInvalidations(sources ...InvalidationSource) Option {
	return func(c *Client) {
		for _, source := range sources {
			if source != nil {
				c.invalidations = append(c.invalidations, source)
			}
		}
	}
}

// WithDeviceIdentity enables the device id fallback for contexts created
// with WithDeviceIDFallback. scope namespaces the stored id.
func WithDeviceIdentity(provider DeviceIdentityProvider, scope string) Option {
	return func(c *Client) {
		c.identity = provider
		c.identityScope = scope
	}
}

func WithIntegration(fn Integration) Option {
	return func(c *Client) {
		if fn != nil {
			c.integrations = append(c.integrations, fn)
		}
	}
}

// WithInitTimeout bounds the bootstrap request. Defaults to 15s.
func WithInitTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.initTimeout = timeout
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func integrationHook(fn Integration) func(context.Context, core.FlagDecision) {
	return func(ctx context.Context, decision core.FlagDecision) {
		variables := make(map[string]any, len(decision.Variables))
		for _, variable := range decision.Variables {
			variables[variable.Name] = variable.Value.Any()
		}
		fn(ctx, map[string]any{
			"featureKey": decision.Key,
			"userId":     decision.SourceContextID,
			"enabled":    decision.Enabled,
			"variables":  variables,
		})
	}
}

type (
	EventBatcher  = batch.Batcher
	EventQueue    = batch.Queue
	QueuedEvent   = batch.Entry
	BatchUploader = batch.Uploader
	BatchOption   = batch.Option
)

// NewEventBatcher wraps primary so events it fails to deliver for lack of a
// network are kept in queue and later sent through uploader.
func NewEventBatcher(primary BackendClient, queue EventQueue, uploader BatchUploader, opts ...BatchOption) (*EventBatcher, error) {
	return batch.New(primary, queue, uploader, opts...)
}

// BatchMinSize uploads as soon as size events are queued.
func BatchMinSize(size int) BatchOption {
	return batch.WithMinSize(size)
}

// BatchInterval sets how often queued events are uploaded.
func BatchInterval(interval time.Duration) BatchOption {
	return batch.WithInterval(interval)
}

type (
	SettingsManager = settings.Manager
	SettingsSource  = settings.Source
	SettingsCache   = settings.Cache
	SettingsOption  = settings.Option
)

// NewSettingsManager returns a manager that loads settings from source. Pass
// it to [WithSettingsManager].
func NewSettingsManager(source SettingsSource, opts ...SettingsOption) *SettingsManager {
	return settings.NewManager(source, opts...)
}

// SettingsCacheTTL persists fetched settings in cache for ttl.
func SettingsCacheTTL(cache SettingsCache, ttl time.Duration) SettingsOption {
	return settings.WithCache(cache, ttl)
}

// SettingsPollInterval refetches settings on interval once the client is
// ready. Zero disables polling.
func SettingsPollInterval(interval time.Duration) SettingsOption {
	return settings.WithPollInterval(interval)
}
