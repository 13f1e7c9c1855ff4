// Package service holds the state of the flagkit development backend: the
// settings document read from disk, stored user attributes, event delivery
// and the feed of settings changes that streaming clients follow.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"sync"
	"time"

	"github.com/matt-riley/flagkit/internal/core"
	"github.com/matt-riley/flagkit/internal/settings"
)

const (
	bestEffortTimeout     = 2 * time.Second
	defaultReloadInterval = 2 * time.Second
	maxChanges            = 256

	// managerKey authenticates the service against its own embedded manager.
	managerKey = "flagkit-backend"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrReservedAttribute = errors.New("reserved attribute")
)

// AttributeStore persists user attributes.
type AttributeStore interface {
	SendAttributes(ctx context.Context, userID string, attributes map[string]core.Value) (map[string]error, error)
	Attributes(ctx context.Context, userID string) (map[string]core.Value, error)
}

// EventPublisher delivers tracked events and reports per-target results.
type EventPublisher interface {
	SendEvent(ctx context.Context, event core.TrackingEvent) (map[string]bool, error)
}

// Change announces that a new settings document was loaded.
type Change struct {
	EventID int64 `json:"event_id"`
	Version int64 `json:"version"`
	Flags   int   `json:"flags"`
}

type Service struct {
	path       string
	manager    *settings.Manager
	attributes AttributeStore
	events     EventPublisher
	logger     *slog.Logger
	onReload   func(changed bool, err error)

	reloadMu sync.Mutex

	mu          sync.RWMutex
	raw         []byte
	accountID   int64
	changes     []Change
	nextEventID int64
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAttributeStore persists attributes in store instead of memory.
func WithAttributeStore(store AttributeStore) Option {
	return func(s *Service) {
		if store != nil {
			s.attributes = store
		}
	}
}

// WithEventPublisher delivers tracked events to publisher. Without one,
// events are accepted and dropped.
func WithEventPublisher(publisher EventPublisher) Option {
	return func(s *Service) { s.events = publisher }
}

// WithReloadObserver is told the outcome of every periodic reload.
func WithReloadObserver(fn func(changed bool, err error)) Option {
	return func(s *Service) { s.onReload = fn }
}

// New loads the settings file at path and returns a ready service.
func New(ctx context.Context, path string, opts ...Option) (*Service, error) {
	s := &Service{
		path:       path,
		attributes: newMemoryAttributes(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.manager = settings.NewManager(s, settings.WithLogger(s.logger))

	if _, err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// FetchSettings serves the loaded document to the embedded manager.
func (s *Service) FetchSettings(ctx context.Context, _ string, _ int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return bytes.Clone(s.raw), nil
}

// Reload rereads the settings file. It reports whether the document changed.
// An invalid document is rejected and the previous one keeps serving.
func (s *Service) Reload(ctx context.Context) (bool, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("read settings file: %w", err)
	}

	s.mu.RLock()
	unchanged := bytes.Equal(raw, s.raw)
	previous, previousAccount := s.raw, s.accountID
	s.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	parsed, err := settings.Parse(raw)
	if err != nil {
		return false, err
	}
	if parsed.AccountID <= 0 {
		return false, fmt.Errorf("%w: settings file has no account_id", core.ErrMalformedConfiguration)
	}

	s.mu.Lock()
	s.raw, s.accountID = raw, parsed.AccountID
	s.mu.Unlock()

	creds := settings.Credentials{SDKKey: managerKey, AccountID: parsed.AccountID}
	if _, err := s.manager.Bootstrap(ctx, creds); err != nil {
		s.mu.Lock()
		s.raw, s.accountID = previous, previousAccount
		s.mu.Unlock()
		return false, fmt.Errorf("install settings: %w", err)
	}

	s.mu.Lock()
	s.nextEventID++
	s.changes = append(s.changes, Change{EventID: s.nextEventID, Version: parsed.Version, Flags: len(parsed.Flags)})
	if len(s.changes) > maxChanges {
		s.changes = s.changes[len(s.changes)-maxChanges:]
	}
	s.mu.Unlock()

	return true, nil
}

// Run reloads the settings file on interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultReloadInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := s.Reload(ctx)
			switch {
			case err != nil && ctx.Err() == nil:
				s.logger.Warn("settings reload failed", "path", s.path, "error", err)
			case changed:
				s.logger.Info("settings reloaded", "path", s.path)
			}
		}
	}
}

// AccountID returns the account the loaded settings belong to.
func (s *Service) AccountID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accountID
}

// Settings returns the raw settings document for accountID.
func (s *Service) Settings(ctx context.Context, accountID int64) ([]byte, error) {
	if err := s.checkAccount(accountID); err != nil {
		return nil, err
	}
	return s.FetchSettings(ctx, "", accountID)
}

// Decide evaluates flagKey for userID. Stored attributes are merged under
// the request's variables, so a request value wins over a stored one.
func (s *Service) Decide(ctx context.Context, accountID int64, flagKey, userID string, variables map[string]core.Value) (core.Decision, error) {
	if err := s.checkAccount(accountID); err != nil {
		return core.Decision{}, err
	}

	merged := make(map[string]core.Value, len(variables))
	if userID != "" {
		stored, err := s.attributes.Attributes(ctx, userID)
		if err != nil {
			s.logger.Warn("stored attributes unavailable", "user_id", userID, "error", err)
		}
		maps.Copy(merged, stored)
	}
	maps.Copy(merged, variables)

	return s.manager.Decide(ctx, flagKey, userID, merged)
}

// Track delivers event. The result maps each delivery target to whether it
// accepted the event.
func (s *Service) Track(ctx context.Context, accountID int64, event core.TrackingEvent) (map[string]bool, error) {
	if err := s.checkAccount(accountID); err != nil {
		return nil, err
	}
	if event.Name == "" {
		return nil, fmt.Errorf("%w: event name is required", core.ErrPrecondition)
	}
	if s.events == nil {
		s.logger.Debug("dropping event without publisher", "event", event.Name)
		return nil, nil
	}

	// Delivery outlives a client that hangs up after sending.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	return s.events.SendEvent(sendCtx, event)
}

// SetAttributes stores attributes for userID and returns the keys it
// refused. The "id" attribute is reserved for the user id.
func (s *Service) SetAttributes(ctx context.Context, accountID int64, userID string, attributes map[string]core.Value) (map[string]error, error) {
	if err := s.checkAccount(accountID); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", core.ErrPrecondition)
	}

	rejected := make(map[string]error)
	accepted := make(map[string]core.Value, len(attributes))
	for key, value := range attributes {
		switch {
		case key == core.AttributeID:
			rejected[key] = fmt.Errorf("%w: %q", ErrReservedAttribute, key)
		case !value.IsValid():
			rejected[key] = fmt.Errorf("%w: attribute %q has no value", core.ErrTypeMismatch, key)
		default:
			accepted[key] = value
		}
	}
	if len(accepted) == 0 {
		return rejected, nil
	}

	refused, err := s.attributes.SendAttributes(ctx, userID, accepted)
	if err != nil {
		return nil, fmt.Errorf("store attributes: %w", err)
	}
	maps.Copy(rejected, refused)
	return rejected, nil
}

// ListChangesSince returns the settings changes after eventID, oldest first.
func (s *Service) ListChangesSince(_ context.Context, eventID int64) ([]Change, error) {
	if eventID < 0 {
		return nil, fmt.Errorf("%w: event id must be >= 0", core.ErrPrecondition)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	changes := make([]Change, 0)
	for _, change := range s.changes {
		if change.EventID > eventID {
			changes = append(changes, change)
		}
	}
	return changes, nil
}

// checkAccount accepts zero as the loaded account.
func (s *Service) checkAccount(accountID int64) error {
	current := s.AccountID()
	if accountID != 0 && accountID != current {
		return fmt.Errorf("%w: %d", ErrAccountNotFound, accountID)
	}
	return nil
}

type memoryAttributes struct {
	mu    sync.Mutex
	users map[string]map[string]core.Value
}

func newMemoryAttributes() *memoryAttributes {
	return &memoryAttributes{users: make(map[string]map[string]core.Value)}
}

func (m *memoryAttributes) SendAttributes(_ context.Context, userID string, attributes map[string]core.Value) (map[string]error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.users[userID]
	if !ok {
		stored = make(map[string]core.Value, len(attributes))
		m.users[userID] = stored
	}
	maps.Copy(stored, attributes)
	return nil, nil
}

func (m *memoryAttributes) Attributes(_ context.Context, userID string) (map[string]core.Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.users[userID]), nil
}
