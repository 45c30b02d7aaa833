package catalog

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"coursemedia/internal/observability/metrics"
)

// CacheConfig configures CachedCatalog.
type CacheConfig struct {
	Size    int
	TTL     time.Duration
	Metrics *metrics.Recorder
	Now     func() time.Time
}

type cacheEntry struct {
	file    MediaFile
	expires time.Time
}

// CachedCatalog keeps recently resolved records in an in-process LRU cache and
// coalesces concurrent lookups for the same ID into one backend call. Only
// successful lookups are cached. Purge starts a new generation so lookups
// already in flight when it runs cannot repopulate the cache.
type CachedCatalog struct {
	backend Catalog
	cache   *lru.Cache[string, cacheEntry]
	group   singleflight.Group
	ttl     time.Duration
	metrics *metrics.Recorder
	now     func() time.Time

	mu         sync.Mutex
	generation uint64
}

// NewCachedCatalog wraps backend. A non-positive size falls back to 1024
// entries; a non-positive TTL keeps entries until evicted.
func NewCachedCatalog(backend Catalog, cfg CacheConfig) (*CachedCatalog, error) {
	if backend == nil {
		return nil, errors.New("cached catalog requires a backend")
	}
	size := cfg.Size
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	c := &CachedCatalog{
		backend: backend,
		cache:   cache,
		ttl:     cfg.TTL,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
	if c.metrics == nil {
		c.metrics = metrics.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

func (c *CachedCatalog) Lookup(ctx context.Context, id string) (MediaFile, error) {
	if entry, ok := c.cache.Get(id); ok {
		if c.ttl <= 0 || c.now().Before(entry.expires) {
			c.metrics.ObserveCatalogLookup("lru", "hit")
			return entry.file, nil
		}
		c.cache.Remove(id)
	}
	c.metrics.ObserveCatalogLookup("lru", "miss")

	c.mu.Lock()
	generation := c.generation
	c.mu.Unlock()

	// The shared call ignores cancellation of whichever caller started it.
	shared := context.WithoutCancel(ctx)
	flightKey := strconv.FormatUint(generation, 10) + ":" + id
	result := c.group.DoChan(flightKey, func() (interface{}, error) {
		file, err := c.backend.Lookup(shared, id)
		if err != nil {
			return MediaFile{}, err
		}
		c.mu.Lock()
		if c.generation == generation {
			c.cache.Add(id, cacheEntry{file: file, expires: c.now().Add(c.ttl)})
		}
		c.mu.Unlock()
		return file, nil
	})

	select {
	case <-ctx.Done():
		return MediaFile{}, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return MediaFile{}, res.Err
		}
		return res.Val.(MediaFile), nil
	}
}

func (c *CachedCatalog) List(ctx context.Context, filter Filter) ([]MediaFile, error) {
	return c.backend.List(ctx, filter)
}

func (c *CachedCatalog) Ping(ctx context.Context) error {
	return c.backend.Ping(ctx)
}

// Invalidate drops id from the cache.
func (c *CachedCatalog) Invalidate(id string) {
	c.cache.Remove(id)
}

// Purge empties the cache and discards results of lookups still in flight.
func (c *CachedCatalog) Purge() {
	c.mu.Lock()
	c.generation++
	c.cache.Purge()
	c.mu.Unlock()
}

// Len reports how many records are cached.
func (c *CachedCatalog) Len() int {
	return c.cache.Len()
}
