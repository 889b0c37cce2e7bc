package pseudonym

import (
	"context"
	"sync"
	"time"
)

type cacheKey struct {
	value  string
	domain string
}

type cacheEntry struct {
	value      string
	absolute   time.Time
	slides     time.Time
	slidingTTL time.Duration
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.After(e.slides) || now.After(e.absolute)
}

type inflightCall struct {
	done  chan struct{}
	value string
	err   error
}

// ttlCache is an in-memory (value, domain) cache with both sliding and
// absolute expiration, whichever fires first, and per-key coalescing of
// concurrent resolutions: many goroutines asking for the same missing key
// trigger exactly one backend call.
type ttlCache struct {
	mu       sync.Mutex
	entries  map[cacheKey]*cacheEntry
	inflight map[cacheKey]*inflightCall

	slidingTTL  time.Duration
	absoluteTTL time.Duration
	now         func() time.Time
}

func newTTLCache(slidingTTL, absoluteTTL time.Duration) *ttlCache {
	return &ttlCache{
		entries:     make(map[cacheKey]*cacheEntry),
		inflight:    make(map[cacheKey]*inflightCall),
		slidingTTL:  slidingTTL,
		absoluteTTL: absoluteTTL,
		now:         time.Now,
	}
}

// getOrResolve returns the cached value for the key, extending its sliding
// window, or resolves it once and caches the result. Expired entries are
// dropped lazily on access.
func (c *ttlCache) getOrResolve(ctx context.Context, key cacheKey, resolve func(ctx context.Context) (string, error)) (string, error) {
	for {
		c.mu.Lock()
		now := c.now()

		if entry, ok := c.entries[key]; ok {
			if !entry.expired(now) {
				entry.slides = now.Add(entry.slidingTTL)
				value := entry.value
				c.mu.Unlock()
				return value, nil
			}
			delete(c.entries, key)
		}

		if call, ok := c.inflight[key]; ok {
			c.mu.Unlock()
			select {
			case <-call.done:
			case <-ctx.Done():
				return "", ctx.Err()
			}
			if call.err == nil {
				return call.value, nil
			}
			// The winning call failed; retry with our own resolution.
			continue
		}

		call := &inflightCall{done: make(chan struct{})}
		c.inflight[key] = call
		c.mu.Unlock()

		value, err := resolve(ctx)

		c.mu.Lock()
		delete(c.inflight, key)
		if err == nil {
			now = c.now()
			c.entries[key] = &cacheEntry{
				value:      value,
				absolute:   now.Add(c.absoluteTTL),
				slides:     now.Add(c.slidingTTL),
				slidingTTL: c.slidingTTL,
			}
		}
		c.mu.Unlock()

		call.value, call.err = value, err
		close(call.done)
		return value, err
	}
}

// len reports the number of cached entries, expired ones included.
func (c *ttlCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CachedClient wraps a backend client with two ttlCaches, one per lookup
// direction, and an optional persistent store consulted between the cache
// and the backend. Only create-flow pseudonyms are persisted: backends
// degrade failed reverse lookups to returning the input, and writing such a
// fallback to disk would outlive both the TTL and the outage that caused
// it. Reverse lookups therefore live in the TTL cache only.
type CachedClient struct {
	backend Client
	store   Store

	pseudonyms     *ttlCache
	originalValues *ttlCache
}

// CacheConfig sets the expiration windows for cached resolutions.
type CacheConfig struct {
	SlidingExpiration  time.Duration
	AbsoluteExpiration time.Duration
}

// NewCachedClient layers caching over a backend client. store may be nil.
func NewCachedClient(backend Client, store Store, cfg CacheConfig) *CachedClient {
	return &CachedClient{
		backend:        backend,
		store:          store,
		pseudonyms:     newTTLCache(cfg.SlidingExpiration, cfg.AbsoluteExpiration),
		originalValues: newTTLCache(cfg.SlidingExpiration, cfg.AbsoluteExpiration),
	}
}

func (c *CachedClient) GetOrCreatePseudonymFor(ctx context.Context, value, domain string) (string, error) {
	return c.pseudonyms.getOrResolve(ctx, cacheKey{value, domain}, func(ctx context.Context) (string, error) {
		if c.store != nil {
			if cached, ok, err := c.store.Get(storeBucketPseudonyms, domain, value); err == nil && ok {
				return cached, nil
			}
		}
		resolved, err := c.backend.GetOrCreatePseudonymFor(ctx, value, domain)
		if err != nil {
			return "", err
		}
		if c.store != nil {
			// Persisting is best effort; the resolution already succeeded.
			_ = c.store.Put(storeBucketPseudonyms, domain, value, resolved)
		}
		return resolved, nil
	})
}

func (c *CachedClient) GetOriginalValueFor(ctx context.Context, pseudonym, domain string) (string, error) {
	return c.originalValues.getOrResolve(ctx, cacheKey{pseudonym, domain}, func(ctx context.Context) (string, error) {
		return c.backend.GetOriginalValueFor(ctx, pseudonym, domain)
	})
}
