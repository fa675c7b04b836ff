package dedupe

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	template  string
	phone     string
	firstSeen time.Time
	expiresAt time.Time
}

// MemoryCache is an in-process Cache backed by a mutex-guarded map. Suited
// for single-node deployments and tests; multi-node deployments use
// RedisCache so all engine instances share one suppression window.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

// NewMemoryCache creates a MemoryCache with the given TTL. A non-positive
// TTL falls back to DefaultTTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

// CheckAndRecord implements Cache. The whole check-then-insert runs under
// one lock, so two concurrent calls with the same fingerprint can never
// both observe Duplicate=false.
func (c *MemoryCache) CheckAndRecord(_ context.Context, ownerID, template, phone string, vars map[string]string) (Result, error) {
	fp := Fingerprint(ownerID, template, phone, vars)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[fp]; ok && now.Before(e.expiresAt) {
		return Result{Duplicate: true, Fingerprint: fp}, nil
	}

	c.entries[fp] = memoryEntry{
		template:  template,
		phone:     phone,
		firstSeen: now,
		expiresAt: now.Add(c.ttl),
	}
	c.sweepLocked(now)

	return Result{Duplicate: false, Fingerprint: fp}, nil
}

// sweepLocked drops expired entries so the map does not grow without bound.
// Expiry is lazy; an entry may linger past its TTL but is never reported
// as a duplicate once expired.
func (c *MemoryCache) sweepLocked(now time.Time) {
	if len(c.entries) < 4096 {
		return
	}
	for fp, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, fp)
		}
	}
}

// Len returns the number of live entries, expired ones included until the
// next sweep.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
