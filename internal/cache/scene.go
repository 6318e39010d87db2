package cache

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultSceneCapacity is the number of recent events kept per scene.
const DefaultSceneCapacity = 6

// EventType names the kind of a [ContextEvent].
type EventType string

const (
	EventAction      EventType = "action"
	EventRoll        EventType = "roll"
	EventDialogue    EventType = "dialogue"
	EventInteraction EventType = "interaction"
	EventCombat      EventType = "combat"
)

// ContextEvent is one rendered entry in the recent-event history.
type ContextEvent struct {
	Timestamp   time.Time
	Type        EventType
	Description string
}

// String renders the event the way it appears in the narrative context:
// "[type] description".
func (e ContextEvent) String() string {
	return fmt.Sprintf("[%s] %s", e.Type, e.Description)
}

// SceneEvent is implemented by the typed scene happenings that can be
// recorded. Each renders itself into a [ContextEvent].
type SceneEvent interface {
	contextEvent() ContextEvent
}

// ActionEvent records a creature doing something.
type ActionEvent struct {
	Actor  string
	Action string
	At     time.Time
}

// RollEvent records a die roll outcome.
type RollEvent struct {
	Actor    string
	RollType string
	Result   int
	At       time.Time
}

// DialogueEvent records something said aloud.
type DialogueEvent struct {
	Speaker string
	Message string
	At      time.Time
}

// InteractionEvent records one creature engaging another.
type InteractionEvent struct {
	From string
	To   string
	Kind string
	At   time.Time
}

func (e ActionEvent) contextEvent() ContextEvent {
	return ContextEvent{Timestamp: e.At, Type: EventAction, Description: e.Actor + ": " + e.Action}
}

func (e RollEvent) contextEvent() ContextEvent {
	return ContextEvent{
		Timestamp:   e.At,
		Type:        EventRoll,
		Description: fmt.Sprintf("%s rolled %d for %s", e.Actor, e.Result, e.RollType),
	}
}

func (e DialogueEvent) contextEvent() ContextEvent {
	return ContextEvent{Timestamp: e.At, Type: EventDialogue, Description: e.Speaker + ": " + e.Message}
}

func (e InteractionEvent) contextEvent() ContextEvent {
	return ContextEvent{
		Timestamp:   e.At,
		Type:        EventInteraction,
		Description: fmt.Sprintf("%s %s with %s", e.From, e.Kind, e.To),
	}
}

// SceneContextCache is an append-only, capacity-bounded history of scene
// events plus the set of NPCs currently present and who interacted with whom.
type SceneContextCache struct {
	mu           sync.RWMutex
	capacity     int
	events       []ContextEvent // oldest first
	activeNPCs   map[string]struct{}
	interactions map[string]map[string]struct{}
	now          func() time.Time
}

// SceneOption configures a [SceneContextCache].
type SceneOption func(*SceneContextCache)

// WithSceneCapacity overrides [DefaultSceneCapacity].
func WithSceneCapacity(n int) SceneOption {
	return func(c *SceneContextCache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithSceneClock sets the clock used to stamp events recorded with a zero
// timestamp.
func WithSceneClock(now func() time.Time) SceneOption {
	return func(c *SceneContextCache) { c.now = now }
}

// NewSceneContextCache returns an empty cache.
func NewSceneContextCache(opts ...SceneOption) *SceneContextCache {
	c := &SceneContextCache{
		capacity:     DefaultSceneCapacity,
		activeNPCs:   make(map[string]struct{}),
		interactions: make(map[string]map[string]struct{}),
		now:          time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Add records ev, evicting the oldest events beyond capacity. Interaction
// events also update the interaction graph.
func (c *SceneContextCache) Add(ev SceneEvent) {
	ce := ev.contextEvent()
	if ce.Timestamp.IsZero() {
		ce.Timestamp = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ce)
	if over := len(c.events) - c.capacity; over > 0 {
		c.events = slices.Delete(c.events, 0, over)
	}
	if ie, ok := ev.(InteractionEvent); ok {
		c.addInteractionLocked(ie.From, ie.To)
	}
}

// AddRaw records an already-rendered event.
func (c *SceneContextCache) AddRaw(typ EventType, description string) {
	c.Add(rawEvent{ContextEvent{Type: typ, Description: description}})
}

type rawEvent struct{ ev ContextEvent }

func (r rawEvent) contextEvent() ContextEvent { return r.ev }

// RecentEvents returns up to limit events, newest first.
func (c *SceneContextCache) RecentEvents(limit int) []ContextEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := min(limit, len(c.events))
	out := make([]ContextEvent, 0, n)
	for i := len(c.events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, c.events[i])
	}
	return out
}

// ContextSlice returns every retained event sorted by timestamp, newest
// first. Events with equal timestamps keep reverse insertion order.
func (c *SceneContextCache) ContextSlice() []ContextEvent {
	c.mu.RLock()
	out := slices.Clone(c.events)
	c.mu.RUnlock()
	slices.Reverse(out)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Render returns the scene-context text snapshot: active NPCs followed by
// the recent events.
func (c *SceneContextCache) Render() string {
	var sb strings.Builder
	if npcs := c.ActiveNPCs(); len(npcs) > 0 {
		sb.WriteString("Active NPCs: ")
		sb.WriteString(strings.Join(npcs, ", "))
	}
	for _, ev := range c.RecentEvents(c.capacity) {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(ev.String())
	}
	return sb.String()
}

// AddActiveNPC marks an NPC as present.
func (c *SceneContextCache) AddActiveNPC(id string) {
	c.mu.Lock()
	c.activeNPCs[id] = struct{}{}
	c.mu.Unlock()
}

// RemoveActiveNPC marks an NPC as gone.
func (c *SceneContextCache) RemoveActiveNPC(id string) {
	c.mu.Lock()
	delete(c.activeNPCs, id)
	c.mu.Unlock()
}

// ActiveNPCs returns the present NPC ids, sorted.
func (c *SceneContextCache) ActiveNPCs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.activeNPCs))
}

// AddInteraction records that from engaged to.
func (c *SceneContextCache) AddInteraction(from, to string) {
	c.mu.Lock()
	c.addInteractionLocked(from, to)
	c.mu.Unlock()
}

func (c *SceneContextCache) addInteractionLocked(from, to string) {
	set, ok := c.interactions[from]
	if !ok {
		set = make(map[string]struct{})
		c.interactions[from] = set
	}
	set[to] = struct{}{}
}

// Interactions returns who entity has engaged, sorted.
func (c *SceneContextCache) Interactions(entity string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.interactions[entity]))
}

// Len returns the number of retained events.
func (c *SceneContextCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.events)
}

// Clear drops all events, NPCs and interactions.
func (c *SceneContextCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
	clear(c.activeNPCs)
	clear(c.interactions)
}
