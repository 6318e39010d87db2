package stage

import (
	"context"
	"strings"
	"time"

	"github.com/MrWong99/dmcore/internal/bridge"
	"github.com/MrWong99/dmcore/internal/observe"
	"github.com/MrWong99/dmcore/pkg/provider/llm"
	"go.opentelemetry.io/otel/attribute"
)

// Prelude is the output of the prelude tier. Its fields are unexported so
// only [PreludeStage] can produce one; the narrative context builder requires
// it, which makes skipping the prelude a compile-time error.
type Prelude struct {
	text         string
	persona      Persona
	bridgePhrase string
	fallback     bool
	reason       string
	overBudget   bool
	cached       bool
	latency      time.Duration
}

// Text is the spoken reaction.
func (p Prelude) Text() string { return p.text }

// Persona is the voice the reaction was produced for.
func (p Prelude) Persona() Persona { return p.persona }

// BridgePhrase is the phrase offered to the model, if any.
func (p Prelude) BridgePhrase() string { return p.bridgePhrase }

// Fallback reports whether the persona template was used.
func (p Prelude) Fallback() bool { return p.fallback }

// Reason explains a fallback.
func (p Prelude) Reason() string { return p.reason }

// OverBudget reports whether the model exceeded the token or word budget.
func (p Prelude) OverBudget() bool { return p.overBudget }

// Cached reports whether the result came from the result cache.
func (p Prelude) Cached() bool { return p.cached }

// Latency is the time spent producing the prelude.
func (p Prelude) Latency() time.Duration { return p.latency }

// PreludeStage runs the fast reaction tier.
type PreludeStage struct {
	provider llm.Provider
	opts     options
}

// NewPreludeStage wraps provider with the prelude defaults.
func NewPreludeStage(provider llm.Provider, opts ...Option) *PreludeStage {
	return &PreludeStage{
		provider: provider,
		opts: buildOptions("prelude", options{
			timeout:     DefaultPreludeTimeout,
			maxTokens:   DefaultPreludeMaxTokens,
			maxWords:    DefaultPreludeMaxWords,
			maxChars:    DefaultPreludeMaxChars,
			temperature: 0.8,
		}, opts),
	}
}

// Run produces a reaction to utterance. It never fails: on timeout, provider
// error, empty output, or output that resolves the action, the persona
// template is returned instead.
func (s *PreludeStage) Run(ctx context.Context, persona Persona, utterance string) Prelude {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "stage.prelude")
	defer span.End()
	log := observe.Logger(ctx)

	out := Prelude{persona: persona}
	finish := func() Prelude {
		out.latency = time.Since(start)
		span.SetAttributes(
			attribute.Bool("fallback", out.fallback),
			attribute.String("reason", out.reason),
		)
		if m := s.opts.metrics; m != nil {
			m.RecordStage(ctx, string(TierPrelude), out.latency)
			if out.fallback {
				m.RecordFallback(ctx, string(TierPrelude), out.reason)
			}
		}
		return out
	}
	fallback := func(reason string) Prelude {
		out.text, out.fallback, out.reason = Truncate(persona.PreludeTemplate(), s.opts.maxChars), true, reason
		log.Warn("prelude fell back to template", "persona", persona.String(), "reason", reason)
		return finish()
	}

	if cached, ok := s.opts.cache.Get(TierPrelude, persona, utterance); ok {
		out.text, out.cached = cached, true
		return finish()
	}

	if s.opts.bridge != nil {
		if phrase, ok := s.opts.bridge.SelectWithRotation(bridge.Neutral); ok {
			out.bridgePhrase = phrase
		}
	}

	text, err := complete(ctx, s.provider, s.opts, llm.CompletionRequest{
		SystemPrompt: persona.PreludeSystemPrompt(out.bridgePhrase),
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: utterance}},
		MaxTokens:    s.opts.maxTokens,
		Temperature:  s.opts.temperature,
	})
	switch {
	case err != nil:
		return fallback(failureReason(err))
	case isGarbage(text):
		return fallback(ReasonEmpty)
	case strings.Contains(text, "[INTENTS]"):
		return fallback(ReasonIntents)
	case ContainsResolution(text):
		return fallback(ReasonResolution)
	}

	tokens := llm.EstimateTokens(text)
	words := len(strings.Fields(text))
	if tokens > s.opts.maxTokens || words > s.opts.maxWords {
		out.overBudget = true
		log.Warn("prelude exceeded budget", "tokens", tokens, "max_tokens", s.opts.maxTokens,
			"words", words, "max_words", s.opts.maxWords)
		if m := s.opts.metrics; m != nil {
			m.PreludeOverBudget.Add(ctx, 1)
		}
	}

	out.text = Truncate(text, s.opts.maxChars)
	s.opts.cache.Set(TierPrelude, persona, utterance, out.text)
	return finish()
}

// Phrase asks the prelude model to word a short answer, e.g. a rules answer
// built from retrieved snippets. It returns ok=false instead of
// a template so callers can pick their own fallback.
func (s *PreludeStage) Phrase(ctx context.Context, system, user string, maxTokens int) (string, bool) {
	if maxTokens <= 0 {
		maxTokens = s.opts.maxTokens
	}
	text, err := complete(ctx, s.provider, s.opts, llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: user}},
		MaxTokens:    maxTokens,
		Temperature:  0.3,
	})
	if err != nil || isGarbage(text) {
		if err != nil {
			observe.Logger(ctx).Warn("prelude phrasing failed", "reason", failureReason(err), "err", err)
		}
		return "", false
	}
	return text, true
}
