// Package scene holds the per-session narrative-mode state machine and the
// registry of live game sessions.
//
// A [Session] binds the scene [State] to its engine session and the
// per-session caches. Transitions carry their engine side effects: entering
// [CombatTurnBased] starts combat on the engine, leaving it ends combat.
package scene

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/dmcore/internal/cache"
	"github.com/MrWong99/dmcore/internal/game"
)

// State is the narrative mode of a session.
type State int

const (
	SocialFreeFlow State = iota
	Exploration
	CombatTurnBased
	DowntimePreparation
)

var stateNames = [...]string{"SocialFreeFlow", "Exploration", "CombatTurnBased", "DowntimePreparation"}

// String returns the state's canonical name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState parses a canonical state name.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("scene: unknown state %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// CanTransition reports whether from→to is legal. Every pair is legal except
// DowntimePreparation→CombatTurnBased; same-state transitions are no-ops.
func CanTransition(from, to State) bool {
	return !(from == DowntimePreparation && to == CombatTurnBased)
}

// ErrInvalidTransition is matched by every [*TransitionError].
var ErrInvalidTransition = errors.New("scene: invalid state transition")

// TransitionError reports a rejected transition.
type TransitionError struct {
	From, To State
	Err      error
}

func (e *TransitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scene: transition %s -> %s: %v", e.From, e.To, e.Err)
	}
	return fmt.Sprintf("scene: cannot transition from %s to %s", e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) hold for illegal edges.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition && e.Err == nil
}

func (e *TransitionError) Unwrap() error { return e.Err }

// Session is one live game session.
type Session struct {
	ID        string
	CreatedAt time.Time

	// Engine is the authoritative engine session.
	Engine *game.Session

	// GameState and Events are this session's hot-path caches.
	GameState *cache.GameStateCache
	Events    *cache.SceneContextCache

	mu        sync.RWMutex
	state     State
	updatedAt time.Time

	rolls atomic.Uint64
}

// NewSession returns a session in [SocialFreeFlow] with a fresh engine
// session and empty caches.
func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		CreatedAt: now,
		Engine:    game.NewSession(id),
		GameState: cache.NewGameStateCache(),
		Events:    cache.NewSceneContextCache(),
		updatedAt: now,
	}
}

// NextSeed returns the next roll seed of the session. Seeds are derived from
// the session id and a per-session counter, so a session replays the same
// dice sequence for the same sequence of rolls.
func (s *Session) NextSeed() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s.ID))
	return h.Sum64() ^ (s.rolls.Add(1) * 0x9e3779b97f4a7c15)
}

// State returns the current scene state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// UpdatedAt returns the time of the last successful transition.
func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// Transition moves the session to `to`. Entering combat ensures the engine
// has a scene and starts combat; with no combatants yet the scene still
// enters combat and the engine starts it in [Session.StartPendingCombat]
// once actors arrive. Leaving combat ends it. If the engine rejects the side
// effect, the state is unchanged and the error returned.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.state
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	if from == to {
		return nil
	}

	switch {
	case to == CombatTurnBased:
		s.Engine.EnsureScene("Combat Scene")
		switch err := s.Engine.StartCombat(); {
		case errors.Is(err, game.ErrNoCombatants):
			slog.Info("combat started without combatants; waiting for actors", "session_id", s.ID)
		case err != nil:
			return &TransitionError{From: from, To: to, Err: err}
		}
		s.Events.AddRaw(cache.EventCombat, "combat started")
	case from == CombatTurnBased:
		s.Engine.EndCombat()
		s.Events.AddRaw(cache.EventCombat, "combat ended")
	}

	s.state = to
	s.updatedAt = time.Now()
	slog.Info("scene transition", "session_id", s.ID, "from", from, "to", to)
	return nil
}

// StartPendingCombat starts engine combat for a session that entered
// [CombatTurnBased] before it had combatants. It reports whether combat was
// started by this call.
func (s *Session) StartPendingCombat() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != CombatTurnBased || s.Engine.InCombat() {
		return false
	}
	if err := s.Engine.StartCombat(); err != nil {
		return false
	}
	slog.Info("pending combat started", "session_id", s.ID, "combatants", len(s.Engine.TurnOrder()))
	return true
}

// Restore sets the state from a persisted snapshot without side effects. An
// unknown name or a state requiring engine setup that fails leaves the
// session at [SocialFreeFlow].
func (s *Session) Restore(name string) {
	st, err := ParseState(name)
	if err != nil {
		slog.Warn("scene restore: keeping initial state", "session_id", s.ID, "state", name, "err", err)
		return
	}
	if st == CombatTurnBased {
		if err := s.Transition(CombatTurnBased); err != nil {
			slog.Warn("scene restore: keeping initial state", "session_id", s.ID, "state", name, "err", err)
		}
		return
	}
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
