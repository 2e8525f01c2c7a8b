package redisx

import (
	"context"
	"sync"
	"time"
)

// MemCache is an in-process Cache with the same SETNX and TTL semantics as
// the Redis one. Used by tests and by `serve` when REDIS_ADDR is "none".
type MemCache struct {
	mu  sync.Mutex
	m   map[string]memEntry
	now func() time.Time
}

type memEntry struct {
	v   string
	exp time.Time // zero: no expiry
}

func NewMemCache() *MemCache {
	return &MemCache{m: map[string]memEntry{}, now: time.Now}
}

func (c *MemCache) getLocked(key string) (memEntry, bool) {
	e, ok := c.m[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.exp.IsZero() && !c.now().Before(e.exp) {
		delete(c.m, key)
		return memEntry{}, false
	}
	return e, true
}

func (c *MemCache) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

func (c *MemCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.getLocked(key)
	return e.v, ok, nil
}

func (c *MemCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = memEntry{v: value, exp: c.expiry(ttl)}
	return nil
}

func (c *MemCache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.getLocked(key); ok {
		return false, nil
	}
	c.m[key] = memEntry{v: value, exp: c.expiry(ttl)}
	return true, nil
}

func (c *MemCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.m, k)
	}
	return nil
}
