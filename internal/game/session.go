package game

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrActorNotFound is returned when no actor matches an id or name.
	ErrActorNotFound = errors.New("game: actor not found")

	// ErrNoScene is returned by operations that need a current scene.
	ErrNoScene = errors.New("game: no current scene")

	// ErrNoCombatants is returned by StartCombat when the current scene has
	// no active living actor.
	ErrNoCombatants = errors.New("game: no active actors in scene")
)

// Scene groups the actors present in one location.
type Scene struct {
	ID           string
	Name         string
	Description  string
	CombatActive bool
	actors       map[string]*Actor
}

// SceneInfo is a copy of a scene's metadata and actors.
type SceneInfo struct {
	ID           string
	Name         string
	Description  string
	CombatActive bool
	Actors       []Actor
}

// Session is one engine session. All methods are safe for concurrent use.
type Session struct {
	ID        string
	Name      string
	CreatedAt time.Time

	mu      sync.RWMutex
	scenes  map[string]*Scene
	current string
	matcher *NameMatcher

	// Turn order, valid while the current scene is in combat.
	order []string
	turn  int
	round int
}

// SessionOption configures a [Session].
type SessionOption func(*Session)

// WithNameMatcher replaces the default fuzzy name matcher.
func WithNameMatcher(m *NameMatcher) SessionOption {
	return func(s *Session) { s.matcher = m }
}

// NewSession returns an empty engine session.
func NewSession(name string, opts ...SessionOption) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now(),
		scenes:    make(map[string]*Scene),
		matcher:   NewNameMatcher(0, 0),
		round:     1,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ── Scenes ───────────────────────────────────────────────────────────────────

// CreateScene adds a scene and returns its id. The first scene created
// becomes the current one.
func (s *Session) CreateScene(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createSceneLocked(name)
}

func (s *Session) createSceneLocked(name string) string {
	sc := &Scene{ID: uuid.NewString(), Name: name, actors: make(map[string]*Actor)}
	s.scenes[sc.ID] = sc
	if s.current == "" {
		s.current = sc.ID
	}
	return sc.ID
}

// EnsureScene makes sure a current scene exists, creating one named name if
// needed, and returns the current scene id.
func (s *Session) EnsureScene(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == "" {
		return s.createSceneLocked(name)
	}
	return s.current
}

// SetCurrentScene switches the current scene.
func (s *Session) SetCurrentScene(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scenes[id]; !ok {
		return fmt.Errorf("game: scene %q not found", id)
	}
	s.current = id
	return nil
}

// CurrentScene returns a copy of the current scene.
func (s *Session) CurrentScene() (SceneInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc := s.scenes[s.current]
	if sc == nil {
		return SceneInfo{}, false
	}
	return SceneInfo{
		ID:           sc.ID,
		Name:         sc.Name,
		Description:  sc.Description,
		CombatActive: sc.CombatActive,
		Actors:       sortedActors(sc),
	}, true
}

// ── Actors ───────────────────────────────────────────────────────────────────

// AddActor places a into the current scene, creating a scene when none
// exists. An empty ID is assigned a fresh UUID. The stored actor is returned.
func (s *Session) AddActor(a Actor) Actor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == "" {
		s.createSceneLocked("Scene")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	stored := a.clone()
	s.scenes[s.current].actors[a.ID] = &stored
	return stored.clone()
}

// SyncActor applies fn to the actor with the exact id in the current scene,
// creating the scene and the actor (of kind) when missing. A non-empty name
// renames the actor. The stored actor is returned.
func (s *Session) SyncActor(id, name string, kind ActorKind, fn func(*Actor)) Actor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == "" {
		s.createSceneLocked("Scene")
	}
	sc := s.scenes[s.current]
	a, ok := sc.actors[id]
	if !ok {
		created := NewActor(name, kind)
		created.ID = id
		a = &created
		sc.actors[id] = a
	}
	if name != "" {
		a.Name = name
	}
	if fn != nil {
		fn(a)
	}
	return a.clone()
}

// RemoveActor removes an actor from the current scene.
func (s *Session) RemoveActor(idOrName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.findLocked(idOrName)
	if err != nil {
		return err
	}
	delete(s.scenes[s.current].actors, a.ID)
	s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == a.ID })
	if s.turn >= len(s.order) {
		s.turn = 0
	}
	return nil
}

// Actors returns copies of the actors in the current scene, sorted by name.
func (s *Session) Actors() []Actor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc := s.scenes[s.current]
	if sc == nil {
		return nil
	}
	return sortedActors(sc)
}

// FindActor resolves idOrName against the current scene: exact id, exact
// name, case-insensitive name, then fuzzy name match.
func (s *Session) FindActor(idOrName string) (Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, err := s.findLocked(idOrName)
	if err != nil {
		return Actor{}, err
	}
	return a.clone(), nil
}

func (s *Session) findLocked(idOrName string) (*Actor, error) {
	sc := s.scenes[s.current]
	if sc == nil {
		return nil, fmt.Errorf("%w: %q", ErrActorNotFound, idOrName)
	}
	if a, ok := sc.actors[idOrName]; ok {
		return a, nil
	}
	actors := sortedActorPtrs(sc)
	for _, a := range actors {
		if a.Name == idOrName {
			return a, nil
		}
	}
	for _, a := range actors {
		if strings.EqualFold(a.Name, strings.TrimSpace(idOrName)) {
			return a, nil
		}
	}
	names := make([]string, len(actors))
	for i, a := range actors {
		names[i] = a.Name
	}
	if i, _, ok := s.matcher.Best(idOrName, names); ok {
		return actors[i], nil
	}
	return nil, fmt.Errorf("%w: %q", ErrActorNotFound, idOrName)
}

// UpdateActor applies fn to the stored actor under the write lock and returns
// the updated copy.
func (s *Session) UpdateActor(idOrName string, fn func(*Actor)) (Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.findLocked(idOrName)
	if err != nil {
		return Actor{}, err
	}
	fn(a)
	return a.clone(), nil
}

// TakeDamage lowers an actor's HP by amount, never below zero.
func (s *Session) TakeDamage(idOrName string, amount int) (Actor, error) {
	return s.UpdateActor(idOrName, func(a *Actor) {
		a.HP = max(a.HP-max(amount, 0), 0)
	})
}

// Heal raises an actor's HP by amount, never above MaxHP.
func (s *Session) Heal(idOrName string, amount int) (Actor, error) {
	return s.UpdateActor(idOrName, func(a *Actor) {
		a.HP = min(a.HP+max(amount, 0), a.MaxHP)
	})
}

// ── Combat ───────────────────────────────────────────────────────────────────

// StartCombat marks the current scene as in combat and builds the turn order
// from its active living actors: highest initiative first, actors without
// initiative last, ties by name.
func (s *Session) StartCombat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := s.scenes[s.current]
	if sc == nil {
		return ErrNoScene
	}

	var fighters []*Actor
	for _, a := range sortedActorPtrs(sc) {
		if a.Active && a.Alive() {
			fighters = append(fighters, a)
		}
	}
	if len(fighters) == 0 {
		return ErrNoCombatants
	}
	slices.SortStableFunc(fighters, func(a, b *Actor) int {
		switch {
		case a.Initiative == nil && b.Initiative == nil:
			return 0
		case a.Initiative == nil:
			return 1
		case b.Initiative == nil:
			return -1
		default:
			return cmp.Compare(*b.Initiative, *a.Initiative)
		}
	})

	sc.CombatActive = true
	s.order = s.order[:0]
	for _, a := range fighters {
		s.order = append(s.order, a.ID)
	}
	s.turn = 0
	s.round = 1
	return nil
}

// EndCombat clears combat on the current scene. It is a no-op outside combat.
func (s *Session) EndCombat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc := s.scenes[s.current]; sc != nil {
		sc.CombatActive = false
	}
	s.order = nil
	s.turn = 0
	s.round = 1
}

// InCombat reports whether the current scene is in combat.
func (s *Session) InCombat() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc := s.scenes[s.current]
	return sc != nil && sc.CombatActive
}

// Round returns the current combat round, starting at 1.
func (s *Session) Round() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.round
}

// TurnOrder returns copies of the combatants in initiative order.
func (s *Session) TurnOrder() []Actor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc := s.scenes[s.current]
	if sc == nil {
		return nil
	}
	out := make([]Actor, 0, len(s.order))
	for _, id := range s.order {
		if a, ok := sc.actors[id]; ok {
			out = append(out, a.clone())
		}
	}
	return out
}

// CurrentTurn returns the actor whose turn it is.
func (s *Session) CurrentTurn() (Actor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentTurnLocked()
}

func (s *Session) currentTurnLocked() (Actor, bool) {
	if len(s.order) == 0 {
		return Actor{}, false
	}
	a, ok := s.scenes[s.current].actors[s.order[s.turn]]
	if !ok {
		return Actor{}, false
	}
	return a.clone(), true
}

// NextTurn advances the turn order, incrementing the round on wrap-around,
// and returns the actor whose turn it now is.
func (s *Session) NextTurn() (Actor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return Actor{}, false
	}
	s.turn = (s.turn + 1) % len(s.order)
	if s.turn == 0 {
		s.round++
	}
	return s.currentTurnLocked()
}

func sortedActorPtrs(sc *Scene) []*Actor {
	out := make([]*Actor, 0, len(sc.actors))
	for _, a := range sc.actors {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b *Actor) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out
}

func sortedActors(sc *Scene) []Actor {
	ptrs := sortedActorPtrs(sc)
	out := make([]Actor, len(ptrs))
	for i, a := range ptrs {
		out[i] = a.clone()
	}
	return out
}
