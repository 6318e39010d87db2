// Package mock provides a test double for the llm.Provider interface.
//
// Provider lets stage and pipeline tests feed controlled model output, inject
// failures, and simulate slow collaborators (Delay honours context
// cancellation, so timeout paths can be exercised deterministically).
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: "The door groans open."},
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/dmcore/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Call records a single invocation of Complete or StreamCompletion.
type Call struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider. Zero values make every
// method return zero values and nil errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// CompleteResponse is returned by Complete. May be nil.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// CompleteFunc, if set, overrides CompleteResponse/CompleteErr.
	CompleteFunc func(req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// StreamChunks is emitted in order by StreamCompletion before the channel closes.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned by StreamCompletion without opening a channel.
	StreamErr error

	// Delay is waited before any response is produced. If ctx ends first the
	// call returns ctx.Err() (Complete) or closes an empty stream.
	Delay time.Duration

	// TokenCount, if non-zero, is returned by CountTokens; otherwise len/4 is used.
	TokenCount int

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	// --- Call records ---

	CompleteCalls []Call
	StreamCalls   []Call
}

func (p *Provider) wait(ctx context.Context) error {
	p.mu.Lock()
	d := p.Delay
	p.mu.Unlock()
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Complete records the call and returns the configured response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, Call{Ctx: ctx, Req: req})
	fn, resp, err := p.CompleteFunc, p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()

	if werr := p.wait(ctx); werr != nil {
		return nil, werr
	}
	if fn != nil {
		return fn(req)
	}
	return resp, err
}

// StreamCompletion records the call and emits StreamChunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, Call{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		if err := p.wait(ctx); err != nil {
			return
		}
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// CountTokens returns TokenCount, or the len/4 estimate when unset.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.TokenCount != 0 {
		return p.TokenCount, nil
	}
	total := 0
	for _, m := range messages {
		total += llm.EstimateTokens(m.Content)
	}
	return total, nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// CompleteCallCount returns the number of Complete invocations. Thread-safe.
func (p *Provider) CompleteCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

// StreamCallCount returns the number of StreamCompletion invocations. Thread-safe.
func (p *Provider) StreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}

// LastRequest returns the most recent request seen by either method.
func (p *Provider) LastRequest() (llm.CompletionRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var last []Call
	switch {
	case len(p.CompleteCalls) > 0 && len(p.StreamCalls) == 0:
		last = p.CompleteCalls
	case len(p.StreamCalls) > 0 && len(p.CompleteCalls) == 0:
		last = p.StreamCalls
	case len(p.CompleteCalls) > 0:
		last = p.CompleteCalls
	default:
		return llm.CompletionRequest{}, false
	}
	return last[len(last)-1].Req, true
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.StreamCalls = nil
}
