// Package lore retrieves world knowledge and rules text for the narrator.
//
// A [Searcher] answers free-text queries with ranked [Document]s. The
// [Client] talks to the memory service over HTTP; the postgres subpackage
// is a self-hosted alternative backed by pgvector; [Cached] puts either
// behind the TTL lore cache so repeated questions in a scene do not hit the
// network.
package lore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by [Store.Get] for unknown ids.
var ErrNotFound = errors.New("lore: document not found")

// Filter keys understood by every implementation.
const (
	FilterType    = "type"
	FilterScope   = "scope"
	FilterContext = "context"
)

// Document types stored under [FilterType].
const (
	TypeLore = "lore"
	TypeRule = "rule"
)

// Document is one retrieved piece of lore or rules text.
type Document struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`

	// Score is the relevance reported by the backend, if any. Higher is
	// better.
	Score *float64 `json:"score,omitempty"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// Searcher finds documents relevant to a query. filters narrows results by
// metadata equality. Implementations must be safe for concurrent use.
type Searcher interface {
	Search(ctx context.Context, query string, limit int, filters map[string]string) ([]Document, error)
}

// Store is a [Searcher] that can also persist and fetch documents.
type Store interface {
	Searcher

	// Put stores content and returns its id.
	Put(ctx context.Context, content string, metadata map[string]string) (string, error)

	// Get returns the document with id, or [ErrNotFound].
	Get(ctx context.Context, id string) (Document, error)
}

// Render joins documents into prompt text, one per paragraph, prefixed with
// their type when known.
func Render(docs []Document) string {
	var b strings.Builder
	for i, d := range docs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if t := d.Metadata[FilterType]; t != "" {
			fmt.Fprintf(&b, "[%s] ", t)
		}
		b.WriteString(strings.TrimSpace(d.Content))
	}
	return b.String()
}
