package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/MrWong99/dmcore/internal/lore"
	"github.com/MrWong99/dmcore/internal/observe"
	"github.com/MrWong99/dmcore/internal/stage"
)

const (
	ruleSnippetLimit   = 3
	ruleAnswerMaxToken = 80

	// GenericRuleAnswer is spoken when no rule text could be found.
	GenericRuleAnswer = "Não encontrei essa regra agora. Vamos seguir e eu confirmo assim que possível."

	ruleSystemPrompt = "You are a tabletop RPG rules assistant. Answer the player's rules question " +
		"in one or two short sentences, in the player's language, using only the rule text provided. " +
		"Do not narrate and do not resolve actions."
)

// RuleAnswer is the result of a simple rules question.
type RuleAnswer struct {
	Answer        string
	Snippets      []string
	UsedPrelude   bool
	UsedNarrative bool
	Fallback      bool
	Latency       time.Duration
}

// RulePhraser words an answer with the prelude-tier model.
// [*stage.PreludeStage] implements it.
type RulePhraser interface {
	Phrase(ctx context.Context, system, user string, maxTokens int) (string, bool)
}

var _ RulePhraser = (*stage.PreludeStage)(nil)

// SimpleRuleAnswerer answers short rules questions from retrieved rule text
// and the prelude-tier model. The narrative tier is never used.
type SimpleRuleAnswerer struct {
	searcher lore.Searcher
	phraser  RulePhraser
	timeout  time.Duration
}

// NewSimpleRuleAnswerer returns an answerer. searcher may be nil, in which
// case answers are generic. timeout <= 0 selects 1.5s.
func NewSimpleRuleAnswerer(searcher lore.Searcher, phraser RulePhraser, timeout time.Duration) *SimpleRuleAnswerer {
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	return &SimpleRuleAnswerer{searcher: searcher, phraser: phraser, timeout: timeout}
}

// Answer retrieves up to three rule snippets for question and asks the
// prelude model to phrase them. When the model fails the first snippet is
// returned verbatim; without snippets a generic answer is returned.
func (a *SimpleRuleAnswerer) Answer(ctx context.Context, question string) RuleAnswer {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "pipeline.simple_rule")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	log := observe.Logger(ctx)

	out := RuleAnswer{UsedPrelude: true}
	if a.searcher != nil {
		docs, err := a.searcher.Search(ctx, question, ruleSnippetLimit, map[string]string{lore.FilterType: lore.TypeRule})
		if err != nil {
			log.Warn("rule retrieval failed", "err", err)
		}
		for _, d := range docs {
			if s := strings.TrimSpace(d.Content); s != "" {
				out.Snippets = append(out.Snippets, s)
			}
		}
	}

	if len(out.Snippets) == 0 {
		out.Answer, out.Fallback = GenericRuleAnswer, true
		out.Latency = time.Since(start)
		return out
	}

	var user strings.Builder
	user.WriteString("Question: ")
	user.WriteString(question)
	user.WriteString("\n\nRule text:\n")
	user.WriteString(strings.Join(out.Snippets, "\n---\n"))

	if a.phraser != nil {
		if text, ok := a.phraser.Phrase(ctx, ruleSystemPrompt, user.String(), ruleAnswerMaxToken); ok {
			out.Answer = strings.TrimSpace(text)
			out.Latency = time.Since(start)
			return out
		}
	}
	out.Answer, out.Fallback = out.Snippets[0], true
	out.Latency = time.Since(start)
	return out
}
