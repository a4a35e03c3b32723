// Package cache provides caching implementations for Cardwise.
package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUCache is a size-bounded in-process cache where every key carries its
// own TTL. It serves the Community tier and is L1 of the two-phase cache.
type LRUCache struct {
	mu      sync.Mutex
	maxSize int
	entries *lru.Cache[string, lruEntry]
	now     func() time.Time
}

type lruEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewLRUCache creates a cache holding at most maxSize keys; 0 means 10000.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	// lru.New only fails for a non-positive size.
	entries, _ := lru.New[string, lruEntry](maxSize)
	return &LRUCache{
		maxSize: maxSize,
		entries: entries,
		now:     time.Now,
	}
}

// Get returns the value for key, or nil, nil on a miss or expiry.
func (c *LRUCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Get(key)
	if !ok {
		return nil, nil
	}
	if c.now().After(e.expiresAt) {
		c.entries.Remove(key)
		return nil, nil
	}
	return e.value, nil
}

// Set stores value under key until ttl elapses, evicting the least recently
// used key when full.
func (c *LRUCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Add(key, lruEntry{value: value, expiresAt: c.now().Add(ttl)})
	return nil
}

func (c *LRUCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Remove(key)
	return nil
}

func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Purge()
	return nil
}

// Stats returns the current number of keys and the capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	return c.entries.Len(), c.maxSize
}
