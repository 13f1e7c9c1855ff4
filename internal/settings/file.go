package settings

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/matt-riley/flagkit/internal/core"
)

// FileSource reads settings from a local JSON or YAML file. Credentials are
// not checked, which makes it suitable for offline development and tests.
type FileSource struct {
	Path string
}

func (f FileSource) FetchSettings(ctx context.Context, _ string, _ int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}
	return raw, nil
}

// MemoryCache is a process-local [Cache].
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) LoadSettings(_ context.Context, key string) ([]byte, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, time.Time{}, core.ErrNotFound
	}
	return append([]byte(nil), entry.payload...), entry.expiresAt, nil
}

func (c *MemoryCache) SaveSettings(_ context.Context, key string, payload []byte, expiresAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{payload: append([]byte(nil), payload...), expiresAt: expiresAt}
	return nil
}
