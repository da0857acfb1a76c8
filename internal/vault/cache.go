package vault

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultCacheSize bounds the number of cached plaintexts.
	DefaultCacheSize = 500

	// DefaultCacheTTL is how long a decrypted value stays cached.
	DefaultCacheTTL = 5 * time.Minute
)

// Cache is a size-bounded LRU of decrypted values with per-entry expiry.
type Cache struct {
	lru *expirable.LRU[string, string]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCache creates a cache holding at most size entries for ttl each.
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{lru: expirable.NewLRU[string, string](size, nil, ttl)}
}

// Get returns the cached value for key.
func (c *Cache) Get(key string) (string, bool) {
	v, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return "", false
	}
	c.hits.Add(1)
	return v, true
}

// Set stores value under key, evicting the least recently used entry when full.
func (c *Cache) Set(key, value string) {
	c.lru.Add(key, value)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Stats returns hit and miss counts.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Clear drops every entry and resets counters.
func (c *Cache) Clear() {
	c.lru.Purge()
	c.hits.Store(0)
	c.misses.Store(0)
}
