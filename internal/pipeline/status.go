package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Status is the position of a session's pipeline in the turn cycle.
type Status int

const (
	WaitingForInput Status = iota
	Processing1_5B
	WaitingForFinalASR
	Processing14B
	ReadyForTTS
)

var statusNames = [...]string{"WaitingForInput", "Processing1_5B", "WaitingForFinalASR", "Processing14B", "ReadyForTTS"}

// String returns the canonical status name.
func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus parses a canonical status name.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("pipeline: unknown status %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// next holds the single legal successor of every status.
var next = map[Status]Status{
	WaitingForInput:    Processing1_5B,
	Processing1_5B:     WaitingForFinalASR,
	WaitingForFinalASR: Processing14B,
	Processing14B:      ReadyForTTS,
	ReadyForTTS:        WaitingForInput,
}

// CanTransition reports whether from→to is one of the cycle's edges.
func CanTransition(from, to Status) bool {
	n, ok := next[from]
	return ok && n == to
}

// ErrInvalidTransition is matched by every [*InvalidTransitionError].
var ErrInvalidTransition = errors.New("pipeline: invalid status transition")

// InvalidTransitionError reports a rejected transition.
type InvalidTransitionError struct {
	From, To Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("pipeline: cannot transition from %s to %s", e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) hold.
func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// State is the per-session pipeline state: the status plus the opaque text
// snapshots fed to the narrative context.
type State struct {
	Status       Status `json:"status"`
	GameState    string `json:"game_state"`
	SceneContext string `json:"scene_context"`
	LoreCache    string `json:"lore_cache"`
}

// Machine owns one session's [State]. All methods are safe for concurrent
// use; the status only moves along the cycle.
type Machine struct {
	mu    sync.RWMutex
	state State
}

// NewMachine returns a machine at [WaitingForInput].
func NewMachine() *Machine { return &Machine{} }

// Status returns the current status.
func (m *Machine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Status
}

// Transition moves to `to`. Illegal edges leave the state unchanged.
func (m *Machine) Transition(to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !CanTransition(m.state.Status, to) {
		return &InvalidTransitionError{From: m.state.Status, To: to}
	}
	m.state.Status = to
	return nil
}

// Reset returns to [WaitingForInput] from any status. It is used after an
// aborted turn.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.state.Status = WaitingForInput
	m.mu.Unlock()
}

func (m *Machine) UpdateGameState(text string) {
	m.mu.Lock()
	m.state.GameState = text
	m.mu.Unlock()
}

func (m *Machine) UpdateSceneContext(text string) {
	m.mu.Lock()
	m.state.SceneContext = text
	m.mu.Unlock()
}

func (m *Machine) UpdateLoreCache(text string) {
	m.mu.Lock()
	m.state.LoreCache = text
	m.mu.Unlock()
}

// Snapshot returns a copy of the state.
func (m *Machine) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Restore loads a snapshot. The text fields are copied; the status is
// reached by attempting the recorded transition from [WaitingForInput]. When
// that is not a legal edge the machine stays at WaitingForInput.
func (m *Machine) Restore(snap State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = State{
		Status:       WaitingForInput,
		GameState:    snap.GameState,
		SceneContext: snap.SceneContext,
		LoreCache:    snap.LoreCache,
	}
	if snap.Status == WaitingForInput {
		return
	}
	if !CanTransition(WaitingForInput, snap.Status) {
		slog.Warn("pipeline restore: keeping initial status",
			"err", &InvalidTransitionError{From: WaitingForInput, To: snap.Status})
		return
	}
	m.state.Status = snap.Status
}
