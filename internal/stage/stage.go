// Package stage runs the two model tiers of a turn.
//
// The prelude tier produces an immediate, emotional one- or two-sentence
// reaction within a tight deadline. The narrative tier produces the full
// narration, including INTENT DSL blocks for the game engine. Both stages wrap
// an [llm.Provider] with a timeout, a circuit breaker, and a result cache,
// and both fall back to deterministic persona templates instead of returning
// errors: a turn always has something to say.
package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/MrWong99/dmcore/internal/bridge"
	"github.com/MrWong99/dmcore/internal/observe"
	"github.com/MrWong99/dmcore/internal/resilience"
	"github.com/MrWong99/dmcore/pkg/provider/llm"
)

// Defaults for the prelude tier.
const (
	DefaultPreludeTimeout   = 1200 * time.Millisecond
	DefaultPreludeMaxTokens = 40
	DefaultPreludeMaxWords  = 45
	DefaultPreludeMaxChars  = 150
)

// Defaults for the narrative tier.
const (
	DefaultNarrativeTimeout   = 6 * time.Second
	DefaultNarrativeMaxTokens = 512
)

// Fallback reasons reported on results and in metrics.
const (
	ReasonTimeout     = "timeout"
	ReasonCancelled   = "cancelled"
	ReasonCircuitOpen = "circuit_open"
	ReasonProvider    = "provider_error"
	ReasonEmpty       = "empty"
	ReasonResolution  = "resolution"
	ReasonIntents     = "intents"
)

type options struct {
	tier        string
	provider    string
	timeout     time.Duration
	maxTokens   int
	maxWords    int
	maxChars    int
	temperature float64
	breaker     *resilience.CircuitBreaker
	cache       *ResultCache
	metrics     *observe.Metrics
	bridge      *bridge.Selector
	stream      bool
}

// Option configures a stage.
type Option func(*options)

// WithTimeout sets the hard deadline of one model call.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithMaxTokens caps completion tokens.
func WithMaxTokens(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxTokens = n
		}
	}
}

// WithMaxWords sets the prelude word budget above which output is flagged.
func WithMaxWords(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxWords = n
		}
	}
}

// WithMaxChars sets the prelude truncation length.
func WithMaxChars(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxChars = n
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *options) { o.temperature = t }
}

// WithBreaker replaces the stage's own circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(o *options) { o.breaker = cb }
}

// WithCache shares a result cache between stages.
func WithCache(c *ResultCache) Option {
	return func(o *options) { o.cache = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithProviderName labels provider metrics, e.g. with the configured
// provider name. Default "llm".
func WithProviderName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.provider = name
		}
	}
}

// WithBridge sets the bridge-phrase selector used by the prelude.
func WithBridge(s *bridge.Selector) Option {
	return func(o *options) { o.bridge = s }
}

// WithStreaming reads model output through StreamCompletion instead of
// Complete. Enable it for providers whose capabilities report streaming.
func WithStreaming(on bool) Option {
	return func(o *options) { o.stream = on }
}

func buildOptions(name string, d options, opts []Option) options {
	d.tier, d.provider = name, "llm"
	for _, fn := range opts {
		fn(&d)
	}
	if d.breaker == nil {
		d.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: name})
	}
	if d.cache == nil {
		d.cache = NewResultCache(DefaultResultTTL)
	}
	return d
}

// complete performs one guarded model call and returns the trimmed content.
func complete(ctx context.Context, p llm.Provider, o options, req llm.CompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var content string
	err := o.breaker.Do(ctx, func(ctx context.Context) error {
		text, err := call(ctx, p, o.stream, req)
		if o.metrics != nil {
			status := "ok"
			if err != nil {
				status = "error"
				o.metrics.RecordProviderError(ctx, o.provider, o.tier)
			}
			o.metrics.RecordProviderRequest(ctx, o.provider, o.tier, status)
		}
		if err != nil {
			return err
		}
		content = strings.TrimSpace(text)
		return nil
	})
	return content, err
}

// call returns the raw model output, concatenating chunks when streaming.
// A stream cut short by ctx is an error, never partial text.
func call(ctx context.Context, p llm.Provider, stream bool, req llm.CompletionRequest) (string, error) {
	if !stream {
		resp, err := p.Complete(ctx, req)
		if err != nil || resp == nil {
			return "", err
		}
		return resp.Content, nil
	}
	chunks, err := p.StreamCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for c := range chunks {
		if c.FinishReason == "error" {
			return "", fmt.Errorf("stage: stream failed: %s", c.Text)
		}
		b.WriteString(c.Text)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return b.String(), nil
}

// failureReason maps a model call error to a fallback reason.
func failureReason(err error) string {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return ReasonCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	default:
		return ReasonProvider
	}
}

// isGarbage reports whether s carries no speakable text.
func isGarbage(s string) bool {
	return !strings.ContainsFunc(s, unicode.IsLetter)
}

// resolutionTerms are lower-case fragments that give away a mechanical
// outcome. The prelude must never contain them.
var resolutionTerms = []string{
	"dano", "damage", "você acerta", "voce acerta", "you hit", "você erra", "you miss",
	"resultado", "result", "sucesso", "success", "falha", "failure", "fail",
	"crítico", "critico", "critical", "role um", "role o", "roll a", "roll for",
	"teste de", "classe de dificuldade", "pontos de vida", "hit points",
}

// ContainsResolution reports whether text resolves an action instead of
// reacting to it: outcome vocabulary, roll requests, or a number followed by
// HP or damage.
func ContainsResolution(text string) bool {
	lower := strings.ToLower(text)
	for _, t := range resolutionTerms {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return numberWithUnit(lower)
}

// numberWithUnit finds a digit run followed (after optional spaces) by hp,
// pv, or d followed by a digit.
func numberWithUnit(lower string) bool {
	for i := 0; i < len(lower); i++ {
		if lower[i] < '0' || lower[i] > '9' {
			continue
		}
		j := i
		for j < len(lower) && lower[j] >= '0' && lower[j] <= '9' {
			j++
		}
		k := j
		for k < len(lower) && lower[k] == ' ' {
			k++
		}
		rest := lower[k:]
		if strings.HasPrefix(rest, "hp") || strings.HasPrefix(rest, "pv") {
			return true
		}
		if k == j && len(rest) > 1 && rest[0] == 'd' && rest[1] >= '0' && rest[1] <= '9' {
			return true
		}
		i = j
	}
	return false
}

// Truncate shortens s to at most n runes, cutting at the last word boundary.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	cut := string(r[:n])
	if i := strings.LastIndexFunc(cut, unicode.IsSpace); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,;:-")
}
