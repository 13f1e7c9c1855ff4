// Package identity supplies stable installation identifiers for user
// contexts that opt into the device id fallback.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/matt-riley/flagkit/internal/core"
)

// Fallback resolves empty user context ids from a [core.DeviceIdentityProvider].
// It never substitutes a random id when the provider fails.
type Fallback struct {
	provider core.DeviceIdentityProvider
	scope    string
	logger   *slog.Logger
}

func NewFallback(provider core.DeviceIdentityProvider, scope string, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{provider: provider, scope: scope, logger: logger}
}

// StableID returns the installation id for the configured scope.
func (f *Fallback) StableID(ctx context.Context) (string, error) {
	if f == nil || f.provider == nil {
		return "", fmt.Errorf("%w: no device identity provider configured", core.ErrIdentityUnavailable)
	}

	id, err := f.provider.StableID(ctx, f.scope)
	if err != nil {
		f.logger.Warn("device id lookup failed", "scope", f.scope, "error", err)
		if errors.Is(err, core.ErrIdentityUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", core.ErrIdentityUnavailable, err)
	}
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("%w: provider returned an empty id", core.ErrIdentityUnavailable)
	}

	return id, nil
}

// Resolve returns the id of uc, filling it from the device id when the
// context allows it. Contexts without an id and without the fallback fail
// with [core.ErrUnresolvedContext] before the provider is consulted.
func (f *Fallback) Resolve(ctx context.Context, uc *core.UserContext) (string, error) {
	if uc == nil {
		return "", core.ErrUnresolvedContext
	}
	return uc.Resolve(ctx, f.StableID)
}

// Store persists one device id per scope.
type Store interface {
	// LoadDeviceID returns an error matching core.ErrNotFound when no id
	// has been saved for scope.
	LoadDeviceID(ctx context.Context, scope string) (string, error)
	// SaveDeviceID stores id unless scope already has one, and returns the
	// id that ends up stored.
	SaveDeviceID(ctx context.Context, scope, id string) (string, error)
}

// StoreProvider implements [core.DeviceIdentityProvider] on top of a [Store],
// generating a UUID the first time a scope is seen.
type StoreProvider struct {
	store Store
	newID func() string

	mu    sync.Mutex
	known map[string]string
}

func NewStoreProvider(store Store) *StoreProvider {
	return &StoreProvider{
		store: store,
		newID: uuid.NewString,
		known: make(map[string]string),
	}
}

func (p *StoreProvider) StableID(ctx context.Context, scope string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.known[scope]; ok {
		return id, nil
	}

	id, err := p.store.LoadDeviceID(ctx, scope)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrNotFound):
		id, err = p.store.SaveDeviceID(ctx, scope, p.newID())
		if err != nil {
			return "", fmt.Errorf("save device id: %w", err)
		}
	default:
		return "", fmt.Errorf("load device id: %w", err)
	}

	p.known[scope] = id
	return id, nil
}

// MemoryStore is a process-local [Store]. Ids do not survive restarts.
type MemoryStore struct {
	mu  sync.Mutex
	ids map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]string)}
}

func (s *MemoryStore) LoadDeviceID(_ context.Context, scope string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[scope]
	if !ok {
		return "", core.ErrNotFound
	}
	return id, nil
}

func (s *MemoryStore) SaveDeviceID(_ context.Context, scope, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.ids[scope]; ok {
		return existing, nil
	}
	s.ids[scope] = id
	return id, nil
}
