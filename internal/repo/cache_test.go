package repo

import (
	"context"
	"sync"
	"time"

	"github.com/miradorstack/mirador-insights/internal/cache"
)

// recordingCache is an in-memory cache.Provider that counts hits and misses.
type recordingCache struct {
	mu     sync.Mutex
	values map[string][]byte
	hits   int
	misses int
}

var _ cache.Provider = (*recordingCache)(nil)

func newRecordingCache() *recordingCache {
	return &recordingCache{values: make(map[string][]byte)}
}

func (c *recordingCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	if !ok {
		c.misses++
		return nil, cache.ErrCacheMiss
	}
	c.hits++
	return append([]byte(nil), v...), nil
}

func (c *recordingCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = append([]byte(nil), value...)
	return nil
}

func (c *recordingCache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	return nil
}

func (c *recordingCache) Close() error { return nil }

func (c *recordingCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.values[key]
	return ok
}

func (c *recordingCache) counts() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
