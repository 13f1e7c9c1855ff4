package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/matt-riley/flagkit/internal/core"
)

type fakeProvider struct {
	id    string
	err   error
	calls int
}

func (p *fakeProvider) StableID(context.Context, string) (string, error) {
	p.calls++
	return p.id, p.err
}

type failingStore struct {
	loadErr error
	saveErr error
}

func (s failingStore) LoadDeviceID(context.Context, string) (string, error) {
	return "", s.loadErr
}

func (s failingStore) SaveDeviceID(context.Context, string, string) (string, error) {
	return "", s.saveErr
}

func TestFallbackResolve(t *testing.T) {
	t.Run("explicit id skips provider", func(t *testing.T) {
		provider := &fakeProvider{id: "device"}
		f := NewFallback(provider, "app", nil)
		id, err := f.Resolve(context.Background(), core.NewUserContext("u1", nil))
		if err != nil || id != "u1" {
			t.Fatalf("Resolve() = %q, %v, want u1", id, err)
		}
		if provider.calls != 0 {
			t.Fatalf("provider calls = %d, want 0", provider.calls)
		}
	})

	t.Run("fallback disabled fails fast", func(t *testing.T) {
		provider := &fakeProvider{id: "device"}
		f := NewFallback(provider, "app", nil)
		_, err := f.Resolve(context.Background(), core.NewUserContext("", nil))
		if !errors.Is(err, core.ErrPrecondition) {
			t.Fatalf("Resolve() error = %v, want %v", err, core.ErrPrecondition)
		}
		if provider.calls != 0 {
			t.Fatalf("provider calls = %d, want 0", provider.calls)
		}
	})

	t.Run("fallback memoizes provider id", func(t *testing.T) {
		provider := &fakeProvider{id: "device"}
		f := NewFallback(provider, "app", nil)
		uc := core.NewUserContext("", nil).WithDeviceIDFallback()
		for range 3 {
			id, err := f.Resolve(context.Background(), uc)
			if err != nil || id != "device" {
				t.Fatalf("Resolve() = %q, %v, want device", id, err)
			}
		}
		if provider.calls != 1 {
			t.Fatalf("provider calls = %d, want 1", provider.calls)
		}
	})

	t.Run("provider failure surfaces and never substitutes", func(t *testing.T) {
		storeErr := errors.New("store unavailable")
		f := NewFallback(&fakeProvider{err: storeErr}, "app", nil)
		uc := core.NewUserContext("", nil).WithDeviceIDFallback()
		_, err := f.Resolve(context.Background(), uc)
		if !errors.Is(err, core.ErrIdentityUnavailable) || !errors.Is(err, storeErr) {
			t.Fatalf("Resolve() error = %v, want identity unavailable wrapping %v", err, storeErr)
		}
		if uc.Resolved() {
			t.Fatalf("context resolved to %q after provider failure", uc.ID())
		}
	})

	t.Run("empty provider id is an error", func(t *testing.T) {
		f := NewFallback(&fakeProvider{id: " "}, "app", nil)
		_, err := f.Resolve(context.Background(), core.NewUserContext("", nil).WithDeviceIDFallback())
		if !errors.Is(err, core.ErrIdentityUnavailable) {
			t.Fatalf("Resolve() error = %v, want %v", err, core.ErrIdentityUnavailable)
		}
	})

	t.Run("missing provider is an error", func(t *testing.T) {
		f := NewFallback(nil, "app", nil)
		_, err := f.Resolve(context.Background(), core.NewUserContext("", nil).WithDeviceIDFallback())
		if !errors.Is(err, core.ErrIdentityUnavailable) {
			t.Fatalf("Resolve() error = %v, want %v", err, core.ErrIdentityUnavailable)
		}
	})
}

func TestStoreProviderIsStable(t *testing.T) {
	store := NewMemoryStore()

	first, err := NewStoreProvider(store).StableID(context.Background(), "app")
	if err != nil {
		t.Fatalf("StableID() error = %v", err)
	}
	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("StableID() = %q, want a UUID: %v", first, err)
	}

	// A new provider over the same store simulates a process restart.
	second, err := NewStoreProvider(store).StableID(context.Background(), "app")
	if err != nil {
		t.Fatalf("StableID() error = %v", err)
	}
	if first != second {
		t.Fatalf("StableID() = %q after restart, want %q", second, first)
	}

	other, err := NewStoreProvider(store).StableID(context.Background(), "other-app")
	if err != nil {
		t.Fatalf("StableID() error = %v", err)
	}
	if other == first {
		t.Fatal("StableID() returned the same id for different scopes")
	}
}

func TestStoreProviderKeepsWinningID(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.SaveDeviceID(context.Background(), "app", "winner"); err != nil {
		t.Fatalf("SaveDeviceID() error = %v", err)
	}
	got, err := store.SaveDeviceID(context.Background(), "app", "loser")
	if err != nil || got != "winner" {
		t.Fatalf("SaveDeviceID() = %q, %v, want winner", got, err)
	}
}

func TestStoreProviderErrors(t *testing.T) {
	loadErr := errors.New("disk io")
	if _, err := NewStoreProvider(failingStore{loadErr: loadErr}).StableID(context.Background(), "app"); !errors.Is(err, loadErr) {
		t.Fatalf("StableID() error = %v, want %v", err, loadErr)
	}

	saveErr := errors.New("read only")
	p := NewStoreProvider(failingStore{loadErr: core.ErrNotFound, saveErr: saveErr})
	if _, err := p.StableID(context.Background(), "app"); !errors.Is(err, saveErr) {
		t.Fatalf("StableID() error = %v, want %v", err, saveErr)
	}
}
