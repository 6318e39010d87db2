// Package mock provides a test double for [lore.Store].
package mock

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/MrWong99/dmcore/internal/lore"
)

// SearchCall records one Search invocation.
type SearchCall struct {
	Query   string
	Limit   int
	Filters map[string]string
}

// Store is a configurable [lore.Store]. Search returns SearchResult (or
// the result of SearchFunc) and records every call. Put keeps documents in
// memory so Get can find them. Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	SearchResult []lore.Document
	SearchErr    error
	SearchFunc   func(query string, limit int, filters map[string]string) ([]lore.Document, error)

	PutErr error

	searches []SearchCall
	docs     map[string]lore.Document
}

var _ lore.Store = (*Store)(nil)

// Search implements [lore.Searcher].
func (s *Store) Search(_ context.Context, query string, limit int, filters map[string]string) ([]lore.Document, error) {
	s.mu.Lock()
	s.searches = append(s.searches, SearchCall{Query: query, Limit: limit, Filters: maps.Clone(filters)})
	fn, res, err := s.SearchFunc, s.SearchResult, s.SearchErr
	s.mu.Unlock()
	if fn != nil {
		return fn(query, limit, filters)
	}
	return res, err
}

// Put implements [lore.Store].
func (s *Store) Put(_ context.Context, content string, metadata map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PutErr != nil {
		return "", s.PutErr
	}
	if s.docs == nil {
		s.docs = make(map[string]lore.Document)
	}
	id := fmt.Sprintf("doc-%d", len(s.docs)+1)
	s.docs[id] = lore.Document{ID: id, Content: content, Metadata: maps.Clone(metadata)}
	return id, nil
}

// Get implements [lore.Store].
func (s *Store) Get(_ context.Context, id string) (lore.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return lore.Document{}, lore.ErrNotFound
	}
	return d, nil
}

// Searches returns a copy of the recorded Search calls.
func (s *Store) Searches() []SearchCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SearchCall, len(s.searches))
	copy(out, s.searches)
	return out
}

// SearchCount returns how often Search was called.
func (s *Store) SearchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.searches)
}
