package lock

import (
	"strings"
	"sync"
	"time"
)

// statusCache is a small TTL cache for Query responses. It is never
// consulted for conflict-detection decisions; only the store's atomic write
// is authoritative. Every successful mutation invalidates the pair.
type statusCache struct {
	ttl     time.Duration
	mu      sync.RWMutex
	entries map[string]statusCacheEntry
}

type statusCacheEntry struct {
	status    *Status
	expiresAt time.Time
}

func newStatusCache(ttl time.Duration) *statusCache {
	return &statusCache{
		ttl:     ttl,
		entries: make(map[string]statusCacheEntry),
	}
}

func cacheKey(resourceID string, scope Scope, caller string) string {
	return resourceID + "\x00" + string(scope) + "\x00" + caller
}

func (c *statusCache) get(resourceID string, scope Scope, caller string) *Status {
	if c == nil || c.ttl <= 0 {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey(resourceID, scope, caller)]
	if !ok || !e.expiresAt.After(time.Now()) {
		return nil
	}
	cp := *e.status
	return &cp
}

func (c *statusCache) set(resourceID string, scope Scope, caller string, status *Status) {
	if c == nil || c.ttl <= 0 {
		return
	}
	cp := *status
	c.mu.Lock()
	defer c.mu.Unlock()
	// Lazily drop whatever has lapsed; the cache stays small because
	// entries only live for one short TTL.
	now := time.Now()
	for k, e := range c.entries {
		if !e.expiresAt.After(now) {
			delete(c.entries, k)
		}
	}
	c.entries[cacheKey(resourceID, scope, caller)] = statusCacheEntry{
		status:    &cp,
		expiresAt: now.Add(c.ttl),
	}
}

// invalidatePair drops every cached status for a (resource, scope),
// regardless of which caller it was computed for.
func (c *statusCache) invalidatePair(resourceID string, scope Scope) {
	if c == nil || c.ttl <= 0 {
		return
	}
	prefix := resourceID + "\x00" + string(scope) + "\x00"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}
