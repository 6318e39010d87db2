// Package cache holds the per-session in-memory stores the pipeline reads on
// its hot path: mechanical game state, recent scene events, and retrieved
// lore.
//
// Every store is the single owner of its data. Callers receive copies, never
// references into the store, so a value read under the lock cannot be mutated
// after the lock is released. All types are safe for concurrent use.
package cache

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ─────────────────────────────────────────────────────────────────────────────
// Entity identity
// ─────────────────────────────────────────────────────────────────────────────

// EntityKind classifies what an [EntityID] refers to.
type EntityKind int

const (
	KindPlayer EntityKind = iota
	KindNPC
	KindMonster
)

// String returns the lower-case name of the kind.
func (k EntityKind) String() string {
	switch k {
	case KindPlayer:
		return "player"
	case KindNPC:
		return "npc"
	case KindMonster:
		return "monster"
	default:
		return "unknown"
	}
}

// EntityID identifies a creature in the game-state cache.
type EntityID struct {
	Kind EntityKind
	ID   string
}

// Player, NPC and Monster are shorthand constructors for [EntityID].
func Player(id string) EntityID  { return EntityID{Kind: KindPlayer, ID: id} }
func NPC(id string) EntityID     { return EntityID{Kind: KindNPC, ID: id} }
func Monster(id string) EntityID { return EntityID{Kind: KindMonster, ID: id} }

// String renders the id as "kind:id".
func (e EntityID) String() string { return e.Kind.String() + ":" + e.ID }

// ─────────────────────────────────────────────────────────────────────────────
// Entries
// ─────────────────────────────────────────────────────────────────────────────

// Resource is a class resource tracked alongside HP.
type Resource string

const (
	ResourceRage            Resource = "Rage"
	ResourceKi              Resource = "Ki"
	ResourceSorceryPoints   Resource = "SorceryPoints"
	ResourceSmite           Resource = "Smite"
	ResourceChannelDivinity Resource = "ChannelDivinity"
)

// Status is a condition currently applied to a creature.
type Status string

const (
	StatusPoisoned   Status = "poisoned"
	StatusStealth    Status = "stealth"
	StatusProne      Status = "prone"
	StatusStunned    Status = "stunned"
	StatusCharmed    Status = "charmed"
	StatusFrightened Status = "frightened"
	StatusInvisible  Status = "invisible"
)

// Position is a grid location.
type Position struct {
	X, Y, Z int
}

// Entry is the cached mechanical state of one creature.
type Entry struct {
	HP    int
	MaxHP int
	AC    int

	// Resources holds remaining uses per class resource.
	Resources map[Resource]int

	// SpellSlots maps spell level (1–9) to remaining slots.
	SpellSlots map[int]int

	Statuses []Status
	Position Position

	// Initiative is nil outside combat.
	Initiative *int
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	out := e
	out.Resources = maps.Clone(e.Resources)
	out.SpellSlots = maps.Clone(e.SpellSlots)
	out.Statuses = slices.Clone(e.Statuses)
	if e.Initiative != nil {
		v := *e.Initiative
		out.Initiative = &v
	}
	return out
}

// Render produces the compact text snapshot fed to the pipeline as
// game-state text, e.g.
//
//	HP: 50/100, AC: 18, Slots: level1=2 level2=1, Position: (5, 3), Rage: 2
//
// The format is stable: the objective answerer reads it back.
func (e Entry) Render() string {
	parts := []string{
		fmt.Sprintf("HP: %d/%d", e.HP, e.MaxHP),
		fmt.Sprintf("AC: %d", e.AC),
	}
	if len(e.SpellSlots) > 0 {
		levels := slices.Sorted(maps.Keys(e.SpellSlots))
		slots := make([]string, 0, len(levels))
		for _, lvl := range levels {
			slots = append(slots, fmt.Sprintf("level%d=%d", lvl, e.SpellSlots[lvl]))
		}
		parts = append(parts, "Slots: "+strings.Join(slots, " "))
	}
	parts = append(parts, fmt.Sprintf("Position: (%d, %d)", e.Position.X, e.Position.Y))
	if len(e.Resources) > 0 {
		names := make([]string, 0, len(e.Resources))
		for r := range e.Resources {
			names = append(names, string(r))
		}
		sort.Strings(names)
		for _, n := range names {
			parts = append(parts, fmt.Sprintf("%s: %d", n, e.Resources[Resource(n)]))
		}
	}
	if len(e.Statuses) > 0 {
		st := make([]string, len(e.Statuses))
		for i, s := range e.Statuses {
			st[i] = string(s)
		}
		parts = append(parts, "Status: "+strings.Join(st, " "))
	}
	return strings.Join(parts, ", ")
}

// ─────────────────────────────────────────────────────────────────────────────
// GameStateCache
// ─────────────────────────────────────────────────────────────────────────────

// GameStateStats is a point-in-time copy of the cache counters.
type GameStateStats struct {
	Hits          uint64
	Misses        uint64
	Updates       uint64
	Invalidations uint64
}

// GameStateCache maps entity ids to their mechanical state.
type GameStateCache struct {
	mu   sync.RWMutex
	data map[EntityID]Entry

	hits          atomic.Uint64
	misses        atomic.Uint64
	updates       atomic.Uint64
	invalidations atomic.Uint64
}

// NewGameStateCache returns an empty cache.
func NewGameStateCache() *GameStateCache {
	return &GameStateCache{data: make(map[EntityID]Entry)}
}

// Set stores (or replaces) the entry for id.
func (c *GameStateCache) Set(id EntityID, e Entry) {
	c.mu.Lock()
	c.data[id] = e.Clone()
	c.mu.Unlock()
	c.updates.Add(1)
}

// Get returns a copy of the entry for id.
func (c *GameStateCache) Get(id EntityID) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.data[id]
	if ok {
		e = e.Clone()
	}
	c.mu.RUnlock()

	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return e, ok
}

// Update applies fn to the stored entry for id under the write lock. It
// returns false, without calling fn, when id is not cached.
func (c *GameStateCache) Update(id EntityID, fn func(*Entry)) bool {
	c.mu.Lock()
	e, ok := c.data[id]
	if ok {
		fn(&e)
		c.data[id] = e
	}
	c.mu.Unlock()

	if ok {
		c.updates.Add(1)
	}
	return ok
}

// UpdateHP sets the current HP of id, clamped to [0, MaxHP] when MaxHP is
// known.
func (c *GameStateCache) UpdateHP(id EntityID, hp int) bool {
	return c.Update(id, func(e *Entry) {
		hp = max(hp, 0)
		if e.MaxHP > 0 {
			hp = min(hp, e.MaxHP)
		}
		e.HP = hp
	})
}

// ApplyDamage lowers the HP of id by amount, never below zero, and returns
// the new HP.
func (c *GameStateCache) ApplyDamage(id EntityID, amount int) (int, bool) {
	hp := 0
	ok := c.Update(id, func(e *Entry) {
		e.HP = max(e.HP-amount, 0)
		hp = e.HP
	})
	return hp, ok
}

// Invalidate removes id from the cache.
func (c *GameStateCache) Invalidate(id EntityID) {
	c.mu.Lock()
	delete(c.data, id)
	c.mu.Unlock()
	c.invalidations.Add(1)
}

// Find looks up an entry by raw id regardless of kind. Players win over NPCs
// over monsters when the same raw id exists under several kinds.
func (c *GameStateCache) Find(rawID string) (EntityID, Entry, bool) {
	for _, k := range []EntityKind{KindPlayer, KindNPC, KindMonster} {
		id := EntityID{Kind: k, ID: rawID}
		c.mu.RLock()
		e, ok := c.data[id]
		if ok {
			e = e.Clone()
		}
		c.mu.RUnlock()
		if ok {
			c.hits.Add(1)
			return id, e, true
		}
	}
	c.misses.Add(1)
	return EntityID{}, Entry{}, false
}

// Has reports whether rawID is cached under any kind. It does not count as a
// hit or miss.
func (c *GameStateCache) Has(rawID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, k := range []EntityKind{KindPlayer, KindNPC, KindMonster} {
		if _, ok := c.data[EntityID{Kind: k, ID: rawID}]; ok {
			return true
		}
	}
	return false
}

// Render returns the text snapshot for id, or "" when id is not cached.
func (c *GameStateCache) Render(id EntityID) string {
	e, ok := c.Get(id)
	if !ok {
		return ""
	}
	return e.Render()
}

// Len returns the number of cached entities.
func (c *GameStateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Stats returns a copy of the counters.
func (c *GameStateCache) Stats() GameStateStats {
	return GameStateStats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Updates:       c.updates.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

// Clear drops every entry and resets the counters.
func (c *GameStateCache) Clear() {
	c.mu.Lock()
	clear(c.data)
	c.mu.Unlock()
	c.hits.Store(0)
	c.misses.Store(0)
	c.updates.Store(0)
	c.invalidations.Store(0)
}
