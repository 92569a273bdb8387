package resolver

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"newsletter-digest/pkg/digest"
)

type countingResolver struct {
	calls atomic.Int32
}

func (c *countingResolver) Resolve(_ context.Context, rawURL string, _ digest.Strategy, _ string, _ int) digest.ResolvedURL {
	c.calls.Add(1)
	return digest.ResolvedURL{OriginalURL: rawURL, FinalURL: rawURL + "/final", IsNested: true}
}

func TestCachedResolverServesRepeatsFromCache(t *testing.T) {
	next := &countingResolver{}
	cr := NewCachedResolver(next, NewCache(0), testLogger())
	ctx := context.Background()

	first := cr.Resolve(ctx, "https://a.example.com/x", digest.StrategyAuto, "", 2)
	second := cr.Resolve(ctx, "https://a.example.com/x", digest.StrategyAuto, "", 2)

	if n := next.calls.Load(); n != 1 {
		t.Errorf("expected 1 underlying resolution, got %d", n)
	}
	if first.FinalURL != second.FinalURL {
		t.Errorf("cached result differs: %q vs %q", first.FinalURL, second.FinalURL)
	}

	cr.Resolve(ctx, "https://a.example.com/x", digest.StrategyDOMSelector, "a.go", 2)
	if n := next.calls.Load(); n != 2 {
		t.Errorf("different strategy/selector must miss the cache, got %d calls", n)
	}
}

func TestCachedResolverSkipsCancelledResults(t *testing.T) {
	next := &countingResolver{}
	cache := NewCache(0)
	cr := NewCachedResolver(next, cache, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cr.Resolve(ctx, "https://a.example.com/x", digest.StrategyRedirect, "", 1)

	if cache.Len() != 0 {
		t.Errorf("expected nothing cached under a cancelled context, got %d entries", cache.Len())
	}
}

func TestCacheEvictsOldestFirst(t *testing.T) {
	c := NewCache(DefaultCacheSize)
	for i := 0; i <= DefaultCacheSize; i++ {
		key := CacheKey(fmt.Sprintf("https://example.com/%d", i), digest.StrategyAuto, "")
		c.Put(key, digest.Unresolved(key))
	}

	if c.Len() != DefaultCacheSize {
		t.Fatalf("Len() = %d, want %d", c.Len(), DefaultCacheSize)
	}
	if _, ok := c.Get(CacheKey("https://example.com/0", digest.StrategyAuto, "")); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := c.Get(CacheKey("https://example.com/1", digest.StrategyAuto, "")); !ok {
		t.Error("second entry should still be cached")
	}
	if _, ok := c.Get(CacheKey(fmt.Sprintf("https://example.com/%d", DefaultCacheSize), digest.StrategyAuto, "")); !ok {
		t.Error("newest entry should be cached")
	}
}

func TestCacheKey(t *testing.T) {
	if got := CacheKey("https://x.com/a", digest.StrategyDOMSelector, "a.go"); got != "https://x.com/a:dom-selector:a.go" {
		t.Errorf("CacheKey() = %q", got)
	}
}
