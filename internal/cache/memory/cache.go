// Package memory implements an in-process image cache with per-entry expiry.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/picfetch/internal/imagefetch"
)

type entry struct {
	result  imagefetch.FetchResult
	expires time.Time
}

// Cache keeps fetched images in a map guarded by a mutex. Expired entries are
// dropped lazily on read and when MaxEntries is exceeded.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	maxEntries int
	now        func() time.Time
}

// New builds a cache holding at most maxEntries items. Zero means unbounded.
func New(maxEntries int) *Cache {
	return &Cache{
		entries:    make(map[string]entry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns a copy of the cached result for key.
func (c *Cache) Get(_ context.Context, key string) (imagefetch.FetchResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return imagefetch.FetchResult{}, false, nil
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.entries, key)
		return imagefetch.FetchResult{}, false, nil
	}
	res := e.result
	res.Body = append([]byte(nil), e.result.Body...)
	return res, true, nil
}

// Set stores result under key. A non-positive ttl never expires.
func (c *Cache) Set(_ context.Context, key string, result imagefetch.FetchResult, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = c.now().Add(ttl)
	}
	stored := result
	stored.Body = append([]byte(nil), result.Body...)
	stored.FromCache = false
	c.entries[key] = entry{result: stored, expires: expires}
	c.evict()
	return nil
}

// Len reports the number of stored entries, including expired ones not yet evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evict must be called with mu held.
func (c *Cache) evict() {
	if c.maxEntries <= 0 || len(c.entries) <= c.maxEntries {
		return
	}
	now := c.now()
	var oldestKey string
	var oldest time.Time
	for key, e := range c.entries {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(c.entries, key)
			continue
		}
		if oldestKey == "" || (!e.expires.IsZero() && e.expires.Before(oldest)) {
			oldestKey, oldest = key, e.expires
		}
	}
	if len(c.entries) > c.maxEntries && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
