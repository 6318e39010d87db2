// Package mock provides a test double for the embeddings.Provider interface.
//
// When EmbedFunc is unset, Provider derives a small deterministic vector from
// the text so that different lore entries land at different points in vector
// space without a live model.
package mock

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/MrWong99/dmcore/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// EmbedFunc, if set, computes the vector for a text.
	EmbedFunc func(text string) []float32

	// Err, if non-nil, is returned by Embed and EmbedBatch.
	Err error

	// DimensionsValue is returned by Dimensions (default 8).
	DimensionsValue int

	// Texts records every text submitted, in order.
	Texts []string
}

// Embed records the call and returns the vector for text.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Texts = append(p.Texts, text)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.vector(text), nil
}

// EmbedBatch records the call and returns one vector per text.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Texts = append(p.Texts, texts...)
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimensions returns DimensionsValue, defaulting to 8.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.DimensionsValue <= 0 {
		return 8
	}
	return p.DimensionsValue
}

// ModelID returns "mock-embed".
func (p *Provider) ModelID() string { return "mock-embed" }

// vector must be called with p.mu held.
func (p *Provider) vector(text string) []float32 {
	if p.EmbedFunc != nil {
		return p.EmbedFunc(text)
	}
	dims := p.DimensionsValue
	if dims <= 0 {
		dims = 8
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = float32((seed>>(uint(i)%64))&0xff) / 255
	}
	return vec
}
