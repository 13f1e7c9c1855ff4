package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/matt-riley/flagkit/internal/core"
)

const (
	LoadRemote     = "remote"
	LoadCache      = "cache"
	LoadStaleCache = "stale_cache"

	refreshTimeout = 10 * time.Second
)

// ErrStaleSettings reports a fetched document older than the installed one.
var ErrStaleSettings = errors.New("settings older than installed version")

// Source fetches the raw settings document for an account.
type Source interface {
	FetchSettings(ctx context.Context, sdkKey string, accountID int64) ([]byte, error)
}

// Cache persists raw settings documents between runs.
type Cache interface {
	// LoadSettings returns an error matching core.ErrNotFound when key has
	// never been saved. Expired entries are still returned.
	LoadSettings(ctx context.Context, key string) (payload []byte, expiresAt time.Time, err error)
	SaveSettings(ctx context.Context, key string, payload []byte, expiresAt time.Time) error
}

// Recorder receives settings load metrics.
type Recorder interface {
	RecordSettingsLoad(source string)
}

type snapshot struct {
	settings Settings
	flags    map[string]FlagDefinition
}

// Manager owns the current settings snapshot. It implements
// [core.DecisionEngine] over that snapshot.
type Manager struct {
	source       Source
	cache        Cache
	ttl          time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	recorder     Recorder
	now          func() time.Time

	// loadMu serializes Bootstrap and Refresh so fetches install in order.
	loadMu sync.Mutex

	mu      sync.RWMutex
	creds   Credentials
	current *snapshot
}

type Option func(*Manager)

// WithCache enables persisted settings. A fresh cache entry younger than
// ttl is used instead of fetching, and any cached entry is used when the
// fetch fails.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(m *Manager) {
		m.cache = cache
		m.ttl = ttl
	}
}

// WithPollInterval sets how often [Manager.Run] refetches settings.
func WithPollInterval(interval time.Duration) Option {
	return func(m *Manager) { m.pollInterval = interval }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithRecorder(recorder Recorder) Option {
	return func(m *Manager) { m.recorder = recorder }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(source Source, opts ...Option) *Manager {
	m := &Manager{
		source: source,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Bootstrap loads the settings for creds, preferring a fresh cache entry,
// then the source, then any cached entry.
func (m *Manager) Bootstrap(ctx context.Context, creds Credentials) (Settings, error) {
	if err := creds.Validate(); err != nil {
		return Settings{}, err
	}
	if m.source == nil && m.cache == nil {
		return Settings{}, fmt.Errorf("%w: no settings source configured", core.ErrConfiguration)
	}

	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	var (
		cached    []byte
		expiresAt time.Time
	)
	if m.cache != nil {
		payload, exp, err := m.cache.LoadSettings(ctx, creds.CacheKey())
		switch {
		case err == nil:
			cached, expiresAt = payload, exp
		case errors.Is(err, core.ErrNotFound):
		default:
			m.logger.Warn("settings cache unavailable", "error", err)
		}
	}

	if cached != nil && m.ttl > 0 && m.now().Before(expiresAt) {
		s, err := m.install(cached, creds, false)
		if err == nil {
			m.record(LoadCache)
			m.logger.Info("settings loaded", "source", LoadCache, "version", s.Version, "flags", len(s.Flags))
			return s, nil
		}
		m.logger.Warn("discarding cached settings", "error", err)
	}

	s, fetchErr := m.fetch(ctx, creds, false)
	if fetchErr == nil {
		m.logger.Info("settings loaded", "source", LoadRemote, "version", s.Version, "flags", len(s.Flags))
		return s, nil
	}

	if cached != nil && !errors.Is(fetchErr, core.ErrInvalidCredentials) {
		if s, err := m.install(cached, creds, false); err == nil {
			m.record(LoadStaleCache)
			m.logger.Warn("serving cached settings after fetch failure", "error", fetchErr, "version", s.Version)
			return s, nil
		}
	}

	return Settings{}, fetchErr
}

// Refresh refetches settings with the bootstrapped credentials. On failure
// the current snapshot is kept. A document whose version is lower than the
// installed one is rejected with [ErrStaleSettings].
func (m *Manager) Refresh(ctx context.Context) error {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	m.mu.RLock()
	creds := m.creds
	m.mu.RUnlock()

	if err := creds.Validate(); err != nil {
		return fmt.Errorf("refresh before bootstrap: %w", err)
	}
	_, err := m.fetch(ctx, creds, true)
	return err
}

// Run refetches settings on the poll interval until ctx is done. It returns
// immediately when polling is disabled.
func (m *Manager) Run(ctx context.Context) {
	if m.pollInterval <= 0 || m.source == nil {
		return
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
			if err := m.Refresh(refreshCtx); err != nil && ctx.Err() == nil {
				m.logger.Warn("settings refresh failed", "error", err)
			}
			cancel()
		}
	}
}

// Watch refetches settings each time signals delivers, until ctx is done or
// signals is closed. Signals that arrive during a refresh coalesce.
func (m *Manager) Watch(ctx context.Context, signals <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-signals:
			if !ok {
				return
			}
			refreshCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
			if err := m.Refresh(refreshCtx); err != nil && ctx.Err() == nil {
				m.logger.Warn("settings refresh after invalidation failed", "error", err)
			}
			cancel()
		}
	}
}

func (m *Manager) fetch(ctx context.Context, creds Credentials, monotonic bool) (Settings, error) {
	if m.source == nil {
		return Settings{}, fmt.Errorf("%w: no settings source configured", core.ErrConfiguration)
	}

	raw, err := m.source.FetchSettings(ctx, creds.SDKKey, creds.AccountID)
	if err != nil {
		return Settings{}, fmt.Errorf("fetch settings: %w", err)
	}

	s, err := m.install(raw, creds, monotonic)
	if err != nil {
		return Settings{}, err
	}
	m.record(LoadRemote)

	if m.cache != nil {
		if err := m.cache.SaveSettings(ctx, creds.CacheKey(), raw, m.now().Add(m.ttl)); err != nil {
			m.logger.Warn("settings cache write failed", "error", err)
		}
	}

	return s, nil
}

// install swaps in the parsed document and the credentials it was loaded
// with. With monotonic set, a non-zero version below the installed one is
// refused.
func (m *Manager) install(raw []byte, creds Credentials, monotonic bool) (Settings, error) {
	s, err := Parse(raw)
	if err != nil {
		return Settings{}, err
	}
	if s.AccountID != 0 && s.AccountID != creds.AccountID {
		return Settings{}, fmt.Errorf("%w: settings belong to account %d, want %d", core.ErrMalformedConfiguration, s.AccountID, creds.AccountID)
	}

	next := &snapshot{settings: s, flags: make(map[string]FlagDefinition, len(s.Flags))}
	for _, flag := range s.Flags {
		next.flags[flag.Key] = flag
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if monotonic && m.current != nil && s.Version != 0 && s.Version < m.current.settings.Version {
		return Settings{}, fmt.Errorf("%w: got %d, have %d", ErrStaleSettings, s.Version, m.current.settings.Version)
	}
	m.creds = creds
	m.current = next

	return s, nil
}

// Settings returns the installed settings.
func (m *Manager) Settings() (Settings, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Settings{}, false
	}
	return m.current.settings, true
}

// Decide evaluates flagKey against the installed settings. The user id is
// exposed to rules as the "id" attribute. Disabled flags still report their
// declared variables.
func (m *Manager) Decide(_ context.Context, flagKey, userID string, variables map[string]core.Value) (core.Decision, error) {
	m.mu.RLock()
	current := m.current
	m.mu.RUnlock()

	if current == nil {
		return core.Decision{}, fmt.Errorf("%w: settings not loaded", core.ErrPrecondition)
	}
	flag, ok := current.flags[flagKey]
	if !ok {
		return core.Decision{}, fmt.Errorf("%w: %s", core.ErrUnknownFlag, flagKey)
	}

	attributes := maps.Clone(variables)
	if attributes == nil {
		attributes = make(map[string]core.Value, 1)
	}
	attributes[core.AttributeID] = core.String(userID)

	enabled := core.EvaluateTargeting(core.Targeting{
		Disabled:     !flag.Enabled,
		DefaultValue: flag.DefaultValue,
		Rules:        flag.Rules,
	}, attributes)

	decision := core.Decision{Enabled: enabled, Variables: make([]core.Variable, 0, len(flag.Variables))}
	for _, definition := range flag.Variables {
		value, err := definition.Resolve()
		if err != nil {
			return core.Decision{}, err
		}
		decision.Variables = append(decision.Variables, core.Variable{Name: definition.Key, Value: value})
	}

	return decision, nil
}

func (m *Manager) record(source string) {
	if m.recorder != nil {
		m.recorder.RecordSettingsLoad(source)
	}
}
