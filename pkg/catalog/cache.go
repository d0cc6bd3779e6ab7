package catalog

import (
	"sync"
	"time"

	"github.com/anatoly-dev/lobby-sync/pkg/metrics"
	"github.com/anatoly-dev/lobby-sync/pkg/models"
)

// Entry is a resolved catalog page for one fingerprint.
type Entry struct {
	Fingerprint string
	Filter      models.CatalogFilter
	Page        *models.GamePage
	FetchedAt   time.Time
	ExpiresAt   time.Time
}

// Valid reports whether the entry can be served at now without a refetch.
func (e *Entry) Valid(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Cache is a TTL-bounded store of catalog pages keyed by filter fingerprint.
// Expired entries are evicted lazily on access; there is no background sweeper.
type Cache struct {
	mu           sync.RWMutex
	entries      map[string]*Entry
	defaultLimit int
	now          func() time.Time
	metrics      *metrics.CatalogMetrics
}

type CacheOption func(*Cache)

func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

func WithDefaultLimit(limit int) CacheOption {
	return func(c *Cache) {
		c.defaultLimit = limit
	}
}

func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		entries:      make(map[string]*Entry),
		defaultLimit: models.DefaultPageSize,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) SetMetrics(metrics *metrics.CatalogMetrics) {
	c.metrics = metrics
}

func (c *Cache) Fingerprint(filter models.CatalogFilter) string {
	return filter.Fingerprint(c.defaultLimit)
}

// Normalize applies the cache's page size default to filter.
func (c *Cache) Normalize(filter models.CatalogFilter) models.CatalogFilter {
	return filter.Normalize(c.defaultLimit)
}

// Get returns the unexpired entry for filter. An expired entry is evicted and reported as a miss.
func (c *Cache) Get(filter models.CatalogFilter) (*Entry, bool) {
	return c.GetByFingerprint(c.Fingerprint(filter))
}

func (c *Cache) GetByFingerprint(fp string) (*Entry, bool) {
	now := c.now()

	c.mu.RLock()
	entry, ok := c.entries[fp]
	c.mu.RUnlock()

	if ok && !entry.Valid(now) {
		entry, ok = c.evictExpired(fp, now)
	}

	if c.metrics != nil {
		if ok {
			c.metrics.CacheHits.Inc()
		} else {
			c.metrics.CacheMisses.Inc()
		}
	}
	return entry, ok
}

// evictExpired re-checks fp under the write lock, since a writer may have replaced
// the entry after the read lock was released.
func (c *Cache) evictExpired(fp string, now time.Time) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.entries[fp]
	if !ok {
		return nil, false
	}
	if current.Valid(now) {
		return current, true
	}

	delete(c.entries, fp)
	if c.metrics != nil {
		c.metrics.CacheEvictions.WithLabelValues("expired").Inc()
		c.metrics.CacheEntries.Set(float64(len(c.entries)))
	}
	return nil, false
}

// Put stores page under the canonical fingerprint of filter with expiresAt = now + ttl.
func (c *Cache) Put(filter models.CatalogFilter, page *models.GamePage, ttl time.Duration) *Entry {
	now := c.now()
	normalized := filter.Normalize(c.defaultLimit)
	entry := &Entry{
		Fingerprint: c.Fingerprint(filter),
		Filter:      normalized,
		Page:        page,
		FetchedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	c.mu.Lock()
	c.entries[entry.Fingerprint] = entry
	size := len(c.entries)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CacheEntries.Set(float64(size))
	}
	return entry
}

// Invalidate evicts the entry for filter and reports whether one existed.
func (c *Cache) Invalidate(filter models.CatalogFilter) bool {
	return c.InvalidateFingerprint(c.Fingerprint(filter))
}

func (c *Cache) InvalidateFingerprint(fp string) bool {
	c.mu.Lock()
	_, ok := c.entries[fp]
	delete(c.entries, fp)
	size := len(c.entries)
	c.mu.Unlock()

	if ok && c.metrics != nil {
		c.metrics.CacheEvictions.WithLabelValues("invalidated").Inc()
		c.metrics.CacheEntries.Set(float64(size))
	}
	return ok
}

// InvalidateMatching evicts every entry whose filter matches the fields set in partial
// and returns how many were dropped.
func (c *Cache) InvalidateMatching(partial models.CatalogFilter) int {
	c.mu.Lock()
	n := 0
	for fp, entry := range c.entries {
		if partial.Matches(entry.Filter, c.defaultLimit) {
			delete(c.entries, fp)
			n++
		}
	}
	size := len(c.entries)
	c.mu.Unlock()

	if n > 0 && c.metrics != nil {
		c.metrics.CacheEvictions.WithLabelValues("invalidated").Add(float64(n))
		c.metrics.CacheEntries.Set(float64(size))
	}
	return n
}

// Matches reports whether a page cached for filter falls under partial.
func (c *Cache) Matches(partial, filter models.CatalogFilter) bool {
	return partial.Matches(filter, c.defaultLimit)
}

// InvalidateAll evicts every entry and returns how many were dropped.
func (c *Cache) InvalidateAll() int {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CacheEvictions.WithLabelValues("invalidated").Add(float64(n))
		c.metrics.CacheEntries.Set(0)
	}
	return n
}

// Len counts stored entries, including expired ones not yet evicted.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
