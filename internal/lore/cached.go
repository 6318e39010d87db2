package lore

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/MrWong99/dmcore/internal/cache"
	"github.com/MrWong99/dmcore/internal/observe"
)

// Cached serves searches from a [cache.LoreCache] and falls through to the
// wrapped [Searcher] on a miss. The cache stores rendered text, so a hit
// returns a single merged document instead of the original list; this is
// what prompt assembly consumes anyway.
type Cached struct {
	next    Searcher
	cache   *cache.LoreCache
	metrics *observe.Metrics
}

var _ Searcher = (*Cached)(nil)

// NewCached wraps next. m may be nil.
func NewCached(next Searcher, c *cache.LoreCache, m *observe.Metrics) *Cached {
	return &Cached{next: next, cache: c, metrics: m}
}

// CacheKey is the lore cache key for a search: the query followed by the
// limit and the sorted filters.
func CacheKey(query string, limit int, filters map[string]string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(query))
	if limit > 0 || len(filters) > 0 {
		b.WriteString(" (")
		parts := []string{}
		if limit > 0 {
			parts = append(parts, "limit="+strconv.Itoa(limit))
		}
		for _, k := range slices.Sorted(maps.Keys(filters)) {
			parts = append(parts, k+"="+filters[k])
		}
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(")")
	}
	return b.String()
}

// Search implements [Searcher].
func (c *Cached) Search(ctx context.Context, query string, limit int, filters map[string]string) ([]Document, error) {
	key := CacheKey(query, limit, filters)
	var (
		fresh  []Document
		loaded bool
	)
	entry, err := c.cache.GetOrLoad(ctx, key, func(ctx context.Context) (string, cache.LoreType, error) {
		docs, err := c.next.Search(ctx, query, limit, filters)
		if err != nil {
			return "", "", err
		}
		fresh, loaded = docs, true
		return Render(docs), loreType(filters, docs), nil
	})
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(ctx, "lore", !loaded)
	}
	if err != nil {
		return nil, err
	}
	if loaded {
		return fresh, nil
	}
	if entry.Results == "" {
		return []Document{}, nil
	}
	return []Document{{
		ID:       "cache:" + cache.NormalizeQuery(key),
		Content:  entry.Results,
		Metadata: map[string]string{FilterType: strings.ToLower(string(entry.Type))},
	}}, nil
}

// loreType picks the cache category for a result set.
func loreType(filters map[string]string, docs []Document) cache.LoreType {
	if strings.EqualFold(filters[FilterType], TypeRule) {
		return cache.LoreRule
	}
	for _, d := range docs {
		cat := d.Metadata["category"]
		for _, t := range []cache.LoreType{
			cache.LoreRace, cache.LoreLocation, cache.LoreNPC,
			cache.LoreHistory, cache.LoreFaction, cache.LoreRule,
		} {
			if strings.EqualFold(cat, string(t)) {
				return t
			}
		}
	}
	return cache.LoreOther
}
