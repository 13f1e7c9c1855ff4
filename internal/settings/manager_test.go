package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matt-riley/flagkit/internal/core"
)

type fakeSource struct {
	mu    sync.Mutex
	raw   []byte
	err   error
	calls atomic.Int32
}

func (s *fakeSource) FetchSettings(context.Context, string, int64) ([]byte, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raw, s.err
}

func (s *fakeSource) set(raw []byte, err error) {
	s.mu.Lock()
	s.raw, s.err = raw, err
	s.mu.Unlock()
}

type loadRecorder struct {
	mu      sync.Mutex
	sources []string
}

func (r *loadRecorder) RecordSettingsLoad(source string) {
	r.mu.Lock()
	r.sources = append(r.sources, source)
	r.mu.Unlock()
}

var testCreds = Credentials{SDKKey: "K", AccountID: 123}

func TestBootstrapFetchesAndCaches(t *testing.T) {
	source := &fakeSource{raw: []byte(jsonSettings)}
	cache := NewMemoryCache()
	recorder := &loadRecorder{}
	m := NewManager(source, WithCache(cache, time.Hour), WithRecorder(recorder))

	s, err := m.Bootstrap(context.Background(), testCreds)
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if s.Version != 7 {
		t.Fatalf("Bootstrap() version = %d, want 7", s.Version)
	}
	if _, _, err := cache.LoadSettings(context.Background(), testCreds.CacheKey()); err != nil {
		t.Fatalf("cache not populated: %v", err)
	}

	// A second manager over the same cache does not hit the source.
	second := NewManager(source, WithCache(cache, time.Hour), WithRecorder(recorder))
	if _, err := second.Bootstrap(context.Background(), testCreds); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if got := source.calls.Load(); got != 1 {
		t.Fatalf("source calls = %d, want 1", got)
	}
	if len(recorder.sources) != 2 || recorder.sources[0] != LoadRemote || recorder.sources[1] != LoadCache {
		t.Fatalf("recorded loads = %v", recorder.sources)
	}
}

func TestBootstrapServesStaleCacheOnFetchFailure(t *testing.T) {
	cache := NewMemoryCache()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := cache.SaveSettings(context.Background(), testCreds.CacheKey(), []byte(jsonSettings), now.Add(-time.Minute)); err != nil {
		t.Fatalf("SaveSettings() error = %v", err)
	}
	source := &fakeSource{err: fmt.Errorf("%w: dial tcp", core.ErrNetwork)}
	m := NewManager(source, WithCache(cache, time.Hour), WithClock(func() time.Time { return now }))

	s, err := m.Bootstrap(context.Background(), testCreds)
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if s.Version != 7 || source.calls.Load() != 1 {
		t.Fatalf("Bootstrap() version = %d, source calls = %d", s.Version, source.calls.Load())
	}
}

func TestBootstrapFailures(t *testing.T) {
	tests := []struct {
		name   string
		source *fakeSource
		creds  Credentials
		cached []byte
		want   error
	}{
		{name: "invalid credentials config", source: &fakeSource{raw: []byte(jsonSettings)}, creds: Credentials{AccountID: 1}, want: core.ErrConfiguration},
		{name: "network", source: &fakeSource{err: core.ErrNetwork}, creds: testCreds, want: core.ErrNetwork},
		{name: "rejected key ignores cache", source: &fakeSource{err: core.ErrInvalidCredentials}, creds: testCreds, cached: []byte(jsonSettings), want: core.ErrInvalidCredentials},
		{name: "malformed", source: &fakeSource{raw: []byte(`{"flags":`)}, creds: testCreds, want: core.ErrMalformedConfiguration},
		{name: "other account", source: &fakeSource{raw: []byte(jsonSettings)}, creds: Credentials{SDKKey: "K", AccountID: 999}, want: core.ErrMalformedConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := NewMemoryCache()
			if tt.cached != nil {
				_ = cache.SaveSettings(context.Background(), tt.creds.CacheKey(), tt.cached, time.Time{})
			}
			m := NewManager(tt.source, WithCache(cache, time.Hour))

			if _, err := m.Bootstrap(context.Background(), tt.creds); !errors.Is(err, tt.want) {
				t.Fatalf("Bootstrap() error = %v, want %v", err, tt.want)
			}
			if _, ok := m.Settings(); ok {
				t.Fatal("settings installed after failed bootstrap")
			}
		})
	}

	if _, err := NewManager(nil).Bootstrap(context.Background(), testCreds); !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("Bootstrap() without source error = %v, want %v", err, core.ErrConfiguration)
	}
}

func TestDecide(t *testing.T) {
	m := NewManager(&fakeSource{raw: []byte(jsonSettings)})
	ctx := context.Background()

	if _, err := m.Decide(ctx, "feature-key", "u1", nil); !errors.Is(err, core.ErrPrecondition) {
		t.Fatalf("Decide() before bootstrap error = %v, want %v", err, core.ErrPrecondition)
	}
	if _, err := m.Bootstrap(ctx, testCreds); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	decision, err := m.Decide(ctx, "feature-key", "u1", nil)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if !decision.Enabled || len(decision.Variables) != 1 || decision.Variables[0].Name != "variable_key" {
		t.Fatalf("Decide(feature-key) = %+v", decision)
	}

	paid, err := m.Decide(ctx, "beta-pricing", "u1", map[string]core.Value{"userType": core.String("paid")})
	if err != nil || !paid.Enabled {
		t.Fatalf("Decide(beta-pricing, paid) = %+v, %v", paid, err)
	}
	free, err := m.Decide(ctx, "beta-pricing", "u2", map[string]core.Value{"userType": core.String("free")})
	if err != nil || free.Enabled {
		t.Fatalf("Decide(beta-pricing, free) = %+v, %v", free, err)
	}

	dark, err := m.Decide(ctx, "dark-launch", "u1", nil)
	if err != nil || dark.Enabled || len(dark.Variables) != 1 {
		t.Fatalf("Decide(dark-launch) = %+v, %v, want disabled with variables", dark, err)
	}

	if _, err := m.Decide(ctx, "unknown-key", "u1", nil); !errors.Is(err, core.ErrUnknownFlag) {
		t.Fatalf("Decide(unknown) error = %v, want %v", err, core.ErrUnknownFlag)
	}
}

func TestDecideMatchesUserID(t *testing.T) {
	m := NewManager(&fakeSource{raw: []byte(yamlSettings)})
	if _, err := m.Bootstrap(context.Background(), testCreds); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	vars := map[string]core.Value{core.AttributeID: core.String("u1")}
	outsider, err := m.Decide(context.Background(), "vip", "u9", vars)
	if err != nil || outsider.Enabled {
		t.Fatalf("Decide(vip, u9) = %+v, %v, want disabled", outsider, err)
	}
	if !vars[core.AttributeID].Equal(core.String("u1")) {
		t.Fatal("Decide() mutated caller variables")
	}
	member, err := m.Decide(context.Background(), "vip", "u2", nil)
	if err != nil || !member.Enabled {
		t.Fatalf("Decide(vip, u2) = %+v, %v, want enabled", member, err)
	}
}

func TestRefreshKeepsSnapshotOnFailure(t *testing.T) {
	source := &fakeSource{raw: []byte(jsonSettings)}
	m := NewManager(source)

	if err := m.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh() before Bootstrap error = nil")
	}
	if _, err := m.Bootstrap(context.Background(), testCreds); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	source.set([]byte(`not: [valid`), nil)
	if err := m.Refresh(context.Background()); !errors.Is(err, core.ErrMalformedConfiguration) {
		t.Fatalf("Refresh() error = %v, want %v", err, core.ErrMalformedConfiguration)
	}
	if s, _ := m.Settings(); s.Version != 7 {
		t.Fatalf("Settings().Version = %d after failed refresh, want 7", s.Version)
	}

	source.set([]byte(yamlSettings), nil)
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if s, _ := m.Settings(); s.Version != 8 {
		t.Fatalf("Settings().Version = %d, want 8", s.Version)
	}
}

// scriptedSource answers each fetch with the next queued response. A response
// with a gate blocks until the gate is closed.
type scriptedSource struct {
	mu        sync.Mutex
	responses []scriptedResponse
	entered   chan int
	calls     int
}

type scriptedResponse struct {
	raw  []byte
	gate chan struct{}
}

func (s *scriptedSource) FetchSettings(ctx context.Context, _ string, _ int64) ([]byte, error) {
	s.mu.Lock()
	call := s.calls
	s.calls++
	next := s.responses[call]
	s.mu.Unlock()

	if s.entered != nil {
		s.entered <- call
	}
	if next.gate != nil {
		select {
		case <-next.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return next.raw, nil
}

func versionedSettings(version int64) []byte {
	return []byte(fmt.Sprintf(`{"account_id": 123, "version": %d, "flags": [{"key": "feature-key", "enabled": true}]}`, version))
}

func TestOverlappingRefreshesKeepNewestVersion(t *testing.T) {
	slow := make(chan struct{})
	source := &scriptedSource{
		responses: []scriptedResponse{
			{raw: versionedSettings(2)},
			{raw: versionedSettings(1), gate: slow},
			{raw: versionedSettings(2)},
		},
		entered: make(chan int, 3),
	}
	m := NewManager(source)
	if _, err := m.Bootstrap(context.Background(), testCreds); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	<-source.entered

	errs := make(chan error, 2)
	go func() { errs <- m.Refresh(context.Background()) }()
	<-source.entered

	go func() { errs <- m.Refresh(context.Background()) }()
	// Give the second refresh time to overtake the first if nothing stops it.
	time.Sleep(20 * time.Millisecond)
	close(slow)

	var stale int
	for range 2 {
		err := <-errs
		switch {
		case err == nil:
		case errors.Is(err, ErrStaleSettings):
			stale++
		default:
			t.Fatalf("Refresh() error = %v", err)
		}
	}
	if stale != 1 {
		t.Fatalf("stale refreshes = %d, want 1", stale)
	}
	if s, _ := m.Settings(); s.Version != 2 {
		t.Fatalf("Settings().Version = %d, want 2", s.Version)
	}
}

func TestRefreshVersionOrdering(t *testing.T) {
	tests := []struct {
		name        string
		next        []byte
		wantErr     error
		wantVersion int64
	}{
		{name: "newer", next: versionedSettings(6), wantVersion: 6},
		{name: "same", next: versionedSettings(5), wantVersion: 5},
		{name: "older", next: versionedSettings(4), wantErr: ErrStaleSettings, wantVersion: 5},
		{name: "unversioned", next: versionedSettings(0), wantVersion: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &fakeSource{raw: versionedSettings(5)}
			cache := NewMemoryCache()
			m := NewManager(source, WithCache(cache, time.Hour))
			if _, err := m.Bootstrap(context.Background(), testCreds); err != nil {
				t.Fatalf("Bootstrap() error = %v", err)
			}

			source.set(tt.next, nil)
			if err := m.Refresh(context.Background()); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Refresh() error = %v, want %v", err, tt.wantErr)
			}
			if s, _ := m.Settings(); s.Version != tt.wantVersion {
				t.Fatalf("Settings().Version = %d, want %d", s.Version, tt.wantVersion)
			}
			cached, _, err := cache.LoadSettings(context.Background(), testCreds.CacheKey())
			if err != nil {
				t.Fatalf("LoadSettings() error = %v", err)
			}
			parsed, err := Parse(cached)
			if err != nil {
				t.Fatalf("Parse(cached) error = %v", err)
			}
			if parsed.Version != tt.wantVersion {
				t.Fatalf("cached version = %d, want %d", parsed.Version, tt.wantVersion)
			}
		})
	}
}

func TestFailedBootstrapKeepsNoCredentials(t *testing.T) {
	source := &fakeSource{err: core.ErrNetwork}
	m := NewManager(source)

	if _, err := m.Bootstrap(context.Background(), testCreds); !errors.Is(err, core.ErrNetwork) {
		t.Fatalf("Bootstrap() error = %v, want %v", err, core.ErrNetwork)
	}

	source.set([]byte(jsonSettings), nil)
	if err := m.Refresh(context.Background()); !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("Refresh() after failed Bootstrap error = %v, want %v", err, core.ErrConfiguration)
	}
	if got := source.calls.Load(); got != 1 {
		t.Fatalf("source calls = %d, want 1", got)
	}
	if _, ok := m.Settings(); ok {
		t.Fatal("settings installed by refresh after failed bootstrap")
	}

	other := Credentials{SDKKey: "K", AccountID: 999}
	if _, err := m.Bootstrap(context.Background(), other); !errors.Is(err, core.ErrMalformedConfiguration) {
		t.Fatalf("Bootstrap() for other account error = %v, want %v", err, core.ErrMalformedConfiguration)
	}
	if err := m.Refresh(context.Background()); !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("Refresh() after rejected settings error = %v, want %v", err, core.ErrConfiguration)
	}
}

func TestRunPolls(t *testing.T) {
	source := &fakeSource{raw: []byte(jsonSettings)}
	m := NewManager(source, WithPollInterval(5*time.Millisecond))
	if _, err := m.Bootstrap(context.Background(), testCreds); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	source.set([]byte(yamlSettings), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if s, _ := m.Settings(); s.Version == 8 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Run() did not refresh settings")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	NewManager(source).Run(context.Background())
}

func TestWatchRefreshesOnSignal(t *testing.T) {
	source := &fakeSource{raw: []byte(jsonSettings)}
	m := NewManager(source)
	if _, err := m.Bootstrap(context.Background(), testCreds); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	source.set([]byte(yamlSettings), nil)

	signals := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		m.Watch(context.Background(), signals)
		close(done)
	}()

	signals <- struct{}{}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if s, _ := m.Settings(); s.Version == 8 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Watch() did not refresh settings")
		}
		time.Sleep(time.Millisecond)
	}

	close(signals)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch() did not return after signals closed")
	}
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte(yamlSettings), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	m := NewManager(FileSource{Path: path})
	s, err := m.Bootstrap(context.Background(), testCreds)
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if s.Version != 8 {
		t.Fatalf("Bootstrap() version = %d, want 8", s.Version)
	}

	missing := NewManager(FileSource{Path: filepath.Join(t.TempDir(), "absent.yaml")})
	if _, err := missing.Bootstrap(context.Background(), testCreds); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Bootstrap() error = %v, want %v", err, os.ErrNotExist)
	}
}
