package scene

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// ErrSessionNotFound is returned when a session id is unknown.
var ErrSessionNotFound = errors.New("scene: session not found")

// Registry is the single owner of live sessions. It is safe for concurrent
// use; sessions are created on first contact and removed on Delete.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	onCreate func(*Session)
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithOnCreate registers a hook run once on every new session before it is
// published, e.g. to seed actors.
func WithOnCreate(fn func(*Session)) RegistryOption {
	return func(r *Registry) { r.onCreate = fn }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{sessions: make(map[string]*Session)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// GetOrCreate returns the session for id, creating it if needed. created
// reports whether this call created it.
func (r *Registry) GetOrCreate(id string) (s *Session, created bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s = NewSession(id)
	if r.onCreate != nil {
		r.onCreate(s)
	}
	r.sessions[id] = s
	slog.Info("session created", "session_id", id)
	return s, true
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return s, nil
}

// Delete removes the session for id.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	delete(r.sessions, id)
	slog.Info("session deleted", "session_id", id)
	return nil
}

// List returns the ids of all live sessions, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
