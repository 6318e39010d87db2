// Package embeddings defines the Provider interface for text-embedding
// backends used by the lore store.
//
// Lore documents are embedded once when they are indexed; player and model
// queries ("what do the elves of Silverwood worship?") are embedded on the
// request path, so Embed sits on the latency-critical simple-rule and
// lore-query paths and must honour context deadlines.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by one Provider share the same dimensionality.
type Provider interface {
	// Embed computes the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embeddings for texts in one call. The i-th result
	// belongs to texts[i]. On error no partial result is returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length produced by this provider.
	Dimensions() int

	// ModelID returns the provider-specific model identifier.
	ModelID() string
}
