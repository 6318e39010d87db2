package stage

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Tier names the model tier a cached result belongs to.
type Tier string

const (
	TierPrelude   Tier = "prelude"
	TierNarrative Tier = "narrative"
)

// DefaultResultTTL bounds how long a model result is reused.
const DefaultResultTTL = 10 * time.Minute

// ResultCache memoizes model outputs keyed by tier, persona, and prompt.
// Only model answers are stored; template fallbacks never are.
type ResultCache struct {
	items *gocache.Cache
}

// NewResultCache returns a cache whose entries live for ttl.
func NewResultCache(ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &ResultCache{items: gocache.New(ttl, 2*ttl)}
}

func resultKey(tier Tier, p Persona, prompt string) string {
	return string(tier) + "\x00" + p.String() + "\x00" + prompt
}

// Get returns a cached result.
func (c *ResultCache) Get(tier Tier, p Persona, prompt string) (string, bool) {
	v, ok := c.items.Get(resultKey(tier, p, prompt))
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Set stores a result with the default TTL.
func (c *ResultCache) Set(tier Tier, p Persona, prompt, result string) {
	c.items.SetDefault(resultKey(tier, p, prompt), result)
}

// Len returns the number of stored results, expired ones included until the
// janitor runs.
func (c *ResultCache) Len() int { return c.items.ItemCount() }

// Clear drops every result.
func (c *ResultCache) Clear() { c.items.Flush() }
