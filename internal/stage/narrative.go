package stage

import (
	"context"
	"time"

	"github.com/MrWong99/dmcore/internal/observe"
	"github.com/MrWong99/dmcore/pkg/provider/llm"
	"go.opentelemetry.io/otel/attribute"
)

// Narrative is the raw output of the narrative tier, INTENT blocks included.
type Narrative struct {
	Text     string
	Persona  Persona
	Fallback bool
	Reason   string
	Cached   bool
	Latency  time.Duration
}

// NarrativeStage runs the full narration tier.
type NarrativeStage struct {
	provider llm.Provider
	opts     options
}

// NewNarrativeStage wraps provider with the narrative defaults.
func NewNarrativeStage(provider llm.Provider, opts ...Option) *NarrativeStage {
	return &NarrativeStage{
		provider: provider,
		opts: buildOptions("narrative", options{
			timeout:     DefaultNarrativeTimeout,
			maxTokens:   DefaultNarrativeMaxTokens,
			temperature: 0.7,
		}, opts),
	}
}

// Run narrates prompt, which is the assembled turn context. The call is
// bounded by the stage timeout and by any deadline already on ctx. Failures
// produce the persona's narrative template.
func (s *NarrativeStage) Run(ctx context.Context, persona Persona, prompt string) Narrative {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "stage.narrative")
	defer span.End()

	out := Narrative{Persona: persona}
	if cached, ok := s.opts.cache.Get(TierNarrative, persona, prompt); ok {
		out.Text, out.Cached = cached, true
	} else {
		text, err := complete(ctx, s.provider, s.opts, llm.CompletionRequest{
			SystemPrompt: persona.NarrativeSystemPrompt(),
			Messages:     []llm.Message{{Role: llm.RoleUser, Content: prompt}},
			MaxTokens:    s.opts.maxTokens,
			Temperature:  s.opts.temperature,
		})
		switch {
		case err != nil:
			out.Reason = failureReason(err)
		case isGarbage(text):
			out.Reason = ReasonEmpty
		default:
			out.Text = text
			s.opts.cache.Set(TierNarrative, persona, prompt, text)
		}
		if out.Reason != "" {
			out.Text, out.Fallback = persona.NarrativeTemplate(), true
			observe.Logger(ctx).Warn("narrative fell back to template",
				"persona", persona.String(), "reason", out.Reason)
		}
	}

	out.Latency = time.Since(start)
	span.SetAttributes(attribute.Bool("fallback", out.Fallback), attribute.String("reason", out.Reason))
	if m := s.opts.metrics; m != nil {
		m.RecordStage(ctx, string(TierNarrative), out.Latency)
		if out.Fallback {
			m.RecordFallback(ctx, string(TierNarrative), out.Reason)
		}
	}
	return out
}
