package resolver

import (
	"context"
	"log/slog"
	"sync"

	"newsletter-digest/pkg/digest"
)

// DefaultCacheSize is the number of resolutions kept per run.
const DefaultCacheSize = 100

// URLResolver resolves a link's destination. Implementations never fail.
type URLResolver interface {
	Resolve(ctx context.Context, rawURL string, strategy digest.Strategy, selector string, maxDepth int) digest.ResolvedURL
}

var (
	_ URLResolver = (*Resolver)(nil)
	_ URLResolver = (*CachedResolver)(nil)
)

// Cache is a size-bounded, FIFO-evicting map of resolutions, safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	size    int
	entries map[string]digest.ResolvedURL
	order   []string // insertion order, oldest first
}

// NewCache creates a cache holding at most size entries (<=0 uses DefaultCacheSize).
func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &Cache{
		size:    size,
		entries: make(map[string]digest.ResolvedURL, size),
	}
}

// CacheKey identifies a resolution request.
func CacheKey(rawURL string, strategy digest.Strategy, selector string) string {
	return rawURL + ":" + string(strategy) + ":" + selector
}

// Get returns the cached resolution for key.
func (c *Cache) Get(key string) (digest.ResolvedURL, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

// Put stores v, evicting the oldest entry when full.
func (c *Cache) Put(key string, v digest.ResolvedURL) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.entries[key] = v
		return
	}
	for len(c.order) >= c.size {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = v
	c.order = append(c.order, key)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CachedResolver serves repeated resolutions from a Cache.
type CachedResolver struct {
	next   URLResolver
	cache  *Cache
	logger *slog.Logger
}

// NewCachedResolver wraps next with cache.
func NewCachedResolver(next URLResolver, cache *Cache, logger *slog.Logger) *CachedResolver {
	return &CachedResolver{
		next:   next,
		cache:  cache,
		logger: logger,
	}
}

// Resolve returns the cached result for (rawURL, strategy, selector) or resolves and caches it.
func (c *CachedResolver) Resolve(ctx context.Context, rawURL string, strategy digest.Strategy, selector string, maxDepth int) digest.ResolvedURL {
	key := CacheKey(rawURL, strategy, selector)
	if v, ok := c.cache.Get(key); ok {
		c.logger.Debug("Resolution cache hit", "url", rawURL, "strategy", strategy)
		return v
	}

	v := c.next.Resolve(ctx, rawURL, strategy, selector, maxDepth)
	// Results computed under a cancelled context are unreliable.
	if ctx.Err() == nil {
		c.cache.Put(key, v)
	}
	return v
}
