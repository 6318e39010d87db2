package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/dmcore/pkg/provider/llm"
	llmmock "github.com/MrWong99/dmcore/pkg/provider/llm/mock"
)

func TestLLMFallback_Complete(t *testing.T) {
	t.Parallel()
	local := &llmmock.Provider{CompleteErr: errors.New("vllm unreachable")}
	hosted := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "A cold wind answers."}}

	fb := NewLLMFallback(local, "vllm", FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2}})
	fb.AddFallback("hosted", hosted)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{MaxTokens: 40})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "A cold wind answers." {
		t.Errorf("content = %q", resp.Content)
	}
	if local.CompleteCallCount() != 1 || hosted.CompleteCallCount() != 1 {
		t.Errorf("calls local=%d hosted=%d", local.CompleteCallCount(), hosted.CompleteCallCount())
	}
	if req, _ := hosted.LastRequest(); req.MaxTokens != 40 {
		t.Errorf("request not forwarded: %+v", req)
	}
	if len(fb.Breakers()) != 2 {
		t.Errorf("Breakers = %d", len(fb.Breakers()))
	}
}

func TestLLMFallback_StreamAndMetadata(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{
		StreamChunks:      []llm.Chunk{{Text: "Hmm"}, {FinishReason: "stop"}},
		TokenCount:        7,
		ModelCapabilities: llm.ModelCapabilities{ContextWindow: 8192},
	}
	fb := NewLLMFallback(primary, "primary", FallbackConfig{})

	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	var text string
	for c := range ch {
		text += c.Text
	}
	if text != "Hmm" {
		t.Errorf("stream = %q", text)
	}
	if n, _ := fb.CountTokens(nil); n != 7 {
		t.Errorf("CountTokens = %d", n)
	}
	if fb.Capabilities().ContextWindow != 8192 {
		t.Errorf("Capabilities = %+v", fb.Capabilities())
	}
}

func TestLLMFallback_AllFail(t *testing.T) {
	t.Parallel()
	fb := NewLLMFallback(&llmmock.Provider{CompleteErr: errBoom}, "only", FallbackConfig{})
	if _, err := fb.Complete(context.Background(), llm.CompletionRequest{}); !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}
