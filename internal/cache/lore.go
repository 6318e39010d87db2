package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// DefaultLoreTTL is how long a lore lookup stays cached.
const DefaultLoreTTL = 5 * time.Minute

// LoreType classifies a cached lore result.
type LoreType string

const (
	LoreRace     LoreType = "Race"
	LoreLocation LoreType = "Location"
	LoreNPC      LoreType = "NPC"
	LoreHistory  LoreType = "History"
	LoreFaction  LoreType = "Faction"
	LoreRule     LoreType = "Rule"
	LoreOther    LoreType = "Other"
)

// LoreEntry is one cached lookup.
type LoreEntry struct {
	Query    string
	Results  string
	Type     LoreType
	CachedAt time.Time
}

// LoreStats is a point-in-time copy of the lore cache counters.
type LoreStats struct {
	Hits      uint64
	Misses    uint64
	Stores    uint64
	Evictions uint64
}

// LoreLoader fetches results for a query on a cache miss.
type LoreLoader func(ctx context.Context) (results string, typ LoreType, err error)

// LoreCache maps normalized queries to retrieved lore with a TTL. Concurrent
// misses for the same query share one load.
type LoreCache struct {
	items *gocache.Cache
	ttl   time.Duration
	group singleflight.Group

	hits      atomic.Uint64
	misses    atomic.Uint64
	stores    atomic.Uint64
	evictions atomic.Uint64
}

// NewLoreCache returns a lore cache whose entries expire after ttl. A
// non-positive ttl selects [DefaultLoreTTL].
func NewLoreCache(ttl time.Duration) *LoreCache {
	if ttl <= 0 {
		ttl = DefaultLoreTTL
	}
	c := &LoreCache{ttl: ttl, items: gocache.New(ttl, 2*ttl)}
	c.items.OnEvicted(func(string, any) { c.evictions.Add(1) })
	return c
}

// NormalizeQuery returns the cache key for q: trimmed and lower-cased.
func NormalizeQuery(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

// Get returns the cached entry for query. Expired entries count as misses and
// are removed.
func (c *LoreCache) Get(query string) (LoreEntry, bool) {
	key := NormalizeQuery(query)
	v, found := c.items.Get(key)
	if !found {
		c.misses.Add(1)
		// go-cache hides expired items from Get without deleting them; the
		// eviction hook only fires when an item was actually present.
		c.items.Delete(key)
		return LoreEntry{}, false
	}
	c.hits.Add(1)
	return v.(LoreEntry), true
}

// Set stores results for query.
func (c *LoreCache) Set(query, results string, typ LoreType) {
	c.SetWithTTL(query, results, typ, c.ttl)
}

// SetWithTTL stores results for query with a per-entry ttl.
func (c *LoreCache) SetWithTTL(query, results string, typ LoreType, ttl time.Duration) {
	if typ == "" {
		typ = LoreOther
	}
	c.items.Set(NormalizeQuery(query), LoreEntry{
		Query:    strings.TrimSpace(query),
		Results:  results,
		Type:     typ,
		CachedAt: time.Now(),
	}, ttl)
	c.stores.Add(1)
}

// GetOrLoad returns the cached entry for query or calls load once, even when
// several goroutines miss concurrently, and caches a successful result.
func (c *LoreCache) GetOrLoad(ctx context.Context, query string, load LoreLoader) (LoreEntry, error) {
	if e, ok := c.Get(query); ok {
		return e, nil
	}
	key := NormalizeQuery(query)
	v, err, shared := c.group.Do(key, func() (any, error) {
		results, typ, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(query, results, typ)
		e, _ := c.items.Get(key)
		return e, nil
	})
	if err != nil {
		return LoreEntry{}, fmt.Errorf("lore cache: load %q: %w", key, err)
	}
	if shared {
		slog.Debug("lore cache: coalesced load", "query", key)
	}
	e, _ := v.(LoreEntry)
	return e, nil
}

// Invalidate removes query from the cache.
func (c *LoreCache) Invalidate(query string) {
	c.items.Delete(NormalizeQuery(query))
}

// CleanExpired drops every expired entry.
func (c *LoreCache) CleanExpired() {
	c.items.DeleteExpired()
}

// Len returns the number of stored entries, expired ones included until they
// are cleaned.
func (c *LoreCache) Len() int { return c.items.ItemCount() }

// Stats returns a copy of the counters.
func (c *LoreCache) Stats() LoreStats {
	return LoreStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Stores:    c.stores.Load(),
		Evictions: c.evictions.Load(),
	}
}

// Clear drops every entry and resets the counters.
func (c *LoreCache) Clear() {
	c.items.Flush()
	c.hits.Store(0)
	c.misses.Store(0)
	c.stores.Store(0)
	c.evictions.Store(0)
}
