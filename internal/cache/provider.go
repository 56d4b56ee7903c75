package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Provider is the byte cache placed in front of the artifact store. Keys are namespaced by
// the implementation.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Close() error
}

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

// GetJSON decodes the cached value at key into out. A miss, a backend error or an undecodable
// entry all report false; callers fall through to the source of truth.
func GetJSON(ctx context.Context, p Provider, key string, out any) bool {
	data, err := p.Get(ctx, key)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

// SetJSON encodes v and stores it under key. A non-positive ttl disables caching.
func SetJSON(ctx context.Context, p Provider, key string, v any, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.Set(ctx, key, payload, ttl)
}

// NoopProvider never stores anything.
type NoopProvider struct{}

func (NoopProvider) Get(context.Context, string) ([]byte, error) { return nil, ErrCacheMiss }

func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (NoopProvider) Del(context.Context, string) error { return nil }

func (NoopProvider) Close() error { return nil }
