// Package llm defines the Provider interface for the language-model
// collaborators of the dmcore pipeline.
//
// Two model tiers talk through this interface: the small, low-latency
// "prelude" model that produces an immediate emotional reaction, and the larger
// "narrative" model that produces prose plus INTENT DSL blocks. A provider
// wraps a remote or local model API (an OpenAI-compatible server, Ollama,
// Anthropic, a bespoke inference service, …) so that the stage executors never
// couple to a specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// Usage holds token accounting information returned by the model backend.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the system prompt and
	// input messages.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is normally the
	// "user" turn that drives the response.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// leaves the provider default in place.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider
	// default. The prelude tier always sets this (40 by default).
	MaxTokens int

	// SystemPrompt is injected before Messages with the provider's native
	// system-role mechanism.
	SystemPrompt string
}

// Chunk is one incremental piece of a streamed completion.
type Chunk struct {
	// Text is the incremental content delta. May be empty on the final chunk.
	Text string

	// FinishReason is non-empty on the last chunk ("stop", "length", "error").
	// When it is "error", Text carries the error message.
	FinishReason string
}

// CompletionResponse is the result of a non-streaming completion.
type CompletionResponse struct {
	// Content is the full generated text.
	Content string

	// Usage carries the token accounting for the request.
	Usage Usage
}

// Provider is the abstraction over any model backend.
type Provider interface {
	// StreamCompletion starts a streaming completion and returns a channel of
	// chunks. The channel is closed when generation ends or ctx is cancelled.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete performs a blocking completion and returns the whole response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens messages would consume.
	// Implementations without a tokenizer approximate with len/4.
	CountTokens(messages []Message) (int, error)

	// Capabilities reports static properties of the configured model.
	Capabilities() ModelCapabilities
}

// EstimateTokens is the shared len/4 approximation used when no tokenizer is
// available.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// TextCounter returns a counter for single texts backed by p.CountTokens. It
// falls back to [EstimateTokens] when p cannot count.
func TextCounter(p Provider) func(string) int {
	return func(text string) int {
		n, err := p.CountTokens([]Message{{Role: RoleUser, Content: text}})
		if err != nil || n < 0 {
			return EstimateTokens(text)
		}
		return n
	}
}
