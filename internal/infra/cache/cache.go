// Package cache provides the bounded TTL result cache for expensive derived
// lookups. Hash map + doubly-linked list, all operations O(1). The cache
// never computes values: a miss always falls through to the caller's
// authoritative computation.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/pharmaq-ai/pharmaq/internal/domain"
)

// Config bounds the cache. Zero values fall back to defaults.
type Config struct {
	Capacity int           // max entries before LRU eviction (default 1024)
	TTL      time.Duration // default entry lifetime (default 30m)
}

func (c *Config) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 1024
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
}

type cacheEntry struct {
	key       string
	value     string
	expiresAt time.Time
	element   *list.Element
}

// Cache is a thread-safe LRU cache with per-entry expiry. Expiry is lazy: an
// expired entry is treated exactly like an absent one and removed on access.
// Eviction order is deterministic for a given access sequence (least
// recently used first).
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	clock   domain.Clock
	entries map[string]*cacheEntry
	lru     *list.List // Front = most recent, Back = least recent

	hits   int64
	misses int64
}

// New creates a cache with the given bounds.
func New(cfg Config, clock domain.Clock) *Cache {
	cfg.applyDefaults()
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Cache{
		cfg:     cfg,
		clock:   clock,
		entries: make(map[string]*cacheEntry),
		lru:     list.New(),
	}
}

// Get returns the cached value for key, or ok=false on miss. An entry is
// never served at or past its expiry.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return "", false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		c.removeLocked(e)
		c.misses++
		return "", false
	}

	c.lru.MoveToFront(e.element)
	c.hits++
	return e.value, true
}

// Put stores value under key for ttl (the configured default when ttl <= 0),
// evicting least-recently-used entries if the capacity bound is exceeded.
func (c *Cache) Put(key, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = c.clock.Now().Add(ttl)
		c.lru.MoveToFront(e.element)
		return
	}

	e := &cacheEntry{key: key, value: value, expiresAt: c.clock.Now().Add(ttl)}
	e.element = c.lru.PushFront(e)
	c.entries[key] = e

	for len(c.entries) > c.cfg.Capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*cacheEntry))
	}
}

// Len returns the current number of entries, expired ones included until
// they are touched or swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit/miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Sweep removes expired entries. Correctness never depends on it, since
// expiry is lazy; it only bounds memory held by cold expired entries. Run from a
// background ticker.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for _, e := range c.entries {
		if !now.Before(e.expiresAt) {
			c.removeLocked(e)
			removed++
		}
	}
	return removed
}

// Run sweeps on the given interval until ctx ends.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *Cache) removeLocked(e *cacheEntry) {
	c.lru.Remove(e.element)
	delete(c.entries, e.key)
}

// ─── Key Derivation ─────────────────────────────────────────────────────────

// Key derives the deterministic cache key for a role + query lookup. The
// query is normalized (lowercase, collapsed whitespace) before hashing to
// maximize the hit rate across trivially different phrasings.
func Key(role, query string) string {
	sum := sha256.Sum256([]byte(role + "\n" + Normalize(query)))
	return hex.EncodeToString(sum[:])
}

// Normalize lowercases the query and collapses runs of whitespace.
func Normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}
