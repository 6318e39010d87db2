// Package classifier maps a player utterance to the execution path that
// should answer it.
//
// Classification is a pure regex pass over an ordered priority list of
// categories; the first category with a matching pattern wins. Results are
// cached by normalized text so repeated utterances are answered from memory.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/dmcore/internal/observe"
	"go.opentelemetry.io/otel/metric"
)

// Category is an execution-path category.
type Category int

const (
	Uncertain Category = iota
	FactQuery
	SimpleRuleQuery
	MetaQuery
	WorldAction
	CombatAction
	SpellCast
	Move
	RollRequest
)

var categoryNames = map[Category]string{
	Uncertain:       "Uncertain",
	FactQuery:       "FactQuery",
	SimpleRuleQuery: "SimpleRuleQuery",
	MetaQuery:       "MetaQuery",
	WorldAction:     "WorldAction",
	CombatAction:    "CombatAction",
	SpellCast:       "SpellCast",
	Move:            "Move",
	RollRequest:     "RollRequest",
}

// String returns the category name.
func (c Category) String() string {
	if n, ok := categoryNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// ParseCategory parses a category name, case-insensitively.
func ParseCategory(name string) (Category, error) {
	for c, n := range categoryNames {
		if strings.EqualFold(n, name) {
			return c, nil
		}
	}
	return Uncertain, fmt.Errorf("classifier: unknown category %q", name)
}

// IsAction reports whether c describes the player doing something in the
// world, as opposed to asking a question.
func (c Category) IsAction() bool {
	switch c {
	case WorldAction, CombatAction, SpellCast, Move, RollRequest:
		return true
	}
	return false
}

// Method names how a result was produced.
type Method string

const (
	MethodRegex     Method = "regex"
	MethodUncertain Method = "uncertain"
)

// Confidence values assigned to results.
const (
	RegexConfidence     = 0.95
	UncertainConfidence = 0.5
)

// Result is a classification outcome.
type Result struct {
	Category   Category
	Confidence float64
	Method     Method
}

// Rule binds a category to the patterns that select it.
type Rule struct {
	Category Category
	Patterns []*regexp.Regexp
}

// DefaultPriority is the tie-break order used when several categories match.
var DefaultPriority = []Category{
	FactQuery, SimpleRuleQuery, CombatAction, SpellCast, RollRequest, Move, WorldAction, MetaQuery,
}

// defaultPatterns holds the Portuguese/English patterns per category.
var defaultPatterns = map[Category][]string{
	FactQuery: {
		`(?i)(quantos|qual|quais).*(hp|vida|health)`,
		`(?i)(qual|quais).*(\bac\b|classe.*armadura|armadura)`,
		`(?i)(quantos|qual).*(slot|slots).*(nível|level|nivel)`,
		`(?i)(qual|quais).*(posição|position|posicao)`,
		`(?i)(quantos|qual).*(recurso|recursos)`,
		`(?i)(tenho|tenho.*ainda).*(hp|vida|\bac\b|slot)`,
	},
	SimpleRuleQuery: {
		`(?i)(stealth|furtividade).*(usa|usa.*destreza|dexterity)`,
		`(?i)(investigation|investigação).*(usa|usa.*inteligência|intelligence|é.*inteligência)`,
		`(?i)(acrobatics|acrobacia).*(usa|usa.*destreza|dexterity)`,
		`(?i)(skill|perícia).*(usa|usa.*qual.*atributo)`,
		`(?i)(ability.*check|teste.*habilidade)`,
	},
	MetaQuery: {
		`(?i)(como.*funciona|como.*sistema|help|ajuda)`,
		`(?i)(o.*que.*é|what.*is|quem.*é)`,
	},
	WorldAction: {
		`(?i)(eu.*quero|vou|vou.*fazer).*(abrir|fechar|interagir|examinar)`,
		`(?i)(eu.*quero|vou).*(conversar|falar|dizer)`,
		`(?i)(eu.*quero|vou).*(procurar|buscar|investigar)`,
	},
	CombatAction: {
		`(?i)(eu.*ataco|atacar|atacar.*com).*(goblin|inimigo|alvo)`,
		`(?i)(eu.*quero|vou).*(atacar|atacar.*com)`,
		`(?i)(ataque|attack).*(corpo.*corpo|melee)`,
	},
	SpellCast: {
		`(?i)(eu.*lanço|lançar|cast|lançar.*magia).*(fireball|magic|spell)`,
		`(?i)(eu.*uso|usar).*(magia|spell|feitiço)`,
		`(?i)(cast|lançar).*(spell|magia)`,
	},
	Move: {
		`(?i)(eu.*me.*movo|mover|movimento).*(para|até|em.*direção)`,
		`(?i)(eu.*vou|ir).*(para|até|em.*direção)`,
	},
	RollRequest: {
		`(?i)(eu.*rolo|rolar|roll).*(d20|dado|dice)`,
		`(?i)(rolar|roll).*(dado|dice)`,
	},
}

// DefaultRules compiles the built-in patterns in the given priority order.
// Categories missing from priority are appended in [DefaultPriority] order.
func DefaultRules(priority []Category) []Rule {
	order := make([]Category, 0, len(DefaultPriority))
	seen := make(map[Category]bool)
	for _, c := range append(append([]Category{}, priority...), DefaultPriority...) {
		if seen[c] || c == Uncertain {
			continue
		}
		seen[c] = true
		order = append(order, c)
	}
	rules := make([]Rule, 0, len(order))
	for _, c := range order {
		r := Rule{Category: c}
		for _, p := range defaultPatterns[c] {
			r.Patterns = append(r.Patterns, regexp.MustCompile(p))
		}
		rules = append(rules, r)
	}
	return rules
}

// DefaultSlowThreshold triggers a warning when one classification takes
// longer.
const DefaultSlowThreshold = 10 * time.Millisecond

// DefaultMaxCacheEntries bounds the result cache.
const DefaultMaxCacheEntries = 4096

// Option configures a [Classifier].
type Option func(*Classifier)

// WithRules replaces the rule list. Order is priority.
func WithRules(rules []Rule) Option {
	return func(c *Classifier) { c.rules = rules }
}

// WithSlowThreshold overrides [DefaultSlowThreshold].
func WithSlowThreshold(d time.Duration) Option {
	return func(c *Classifier) {
		if d > 0 {
			c.slow = d
		}
	}
}

// WithMaxCacheEntries overrides [DefaultMaxCacheEntries]. When the cache is
// full it is reset.
func WithMaxCacheEntries(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Classifier) { c.metrics = m }
}

// Classifier is safe for concurrent use.
type Classifier struct {
	rules      []Rule
	slow       time.Duration
	maxEntries int
	metrics    *observe.Metrics

	mu    sync.RWMutex
	cache map[string]Result
}

// New returns a classifier with the default rules in [DefaultPriority] order
// unless overridden.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		slow:       DefaultSlowThreshold,
		maxEntries: DefaultMaxCacheEntries,
		cache:      make(map[string]Result),
	}
	for _, o := range opts {
		o(c)
	}
	if c.rules == nil {
		c.rules = DefaultRules(DefaultPriority)
	}
	return c
}

// NormalizeKey returns the cache key for text.
func NormalizeKey(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Classify returns the category of text.
func (c *Classifier) Classify(ctx context.Context, text string) Result {
	start := time.Now()
	key := NormalizeKey(text)

	c.mu.RLock()
	res, ok := c.cache[key]
	c.mu.RUnlock()
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(ctx, "classifier", ok)
	}
	if ok {
		return res
	}

	res = c.match(key)

	c.mu.Lock()
	if len(c.cache) >= c.maxEntries {
		clear(c.cache)
	}
	c.cache[key] = res
	c.mu.Unlock()

	elapsed := time.Since(start)
	if c.metrics != nil {
		c.metrics.ClassifyDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(observe.Attr("category", res.Category.String())))
	}
	if elapsed >= c.slow {
		slog.Warn("classification slower than expected", "elapsed", elapsed, "category", res.Category)
	}
	return res
}

func (c *Classifier) match(text string) Result {
	for _, r := range c.rules {
		for _, p := range r.Patterns {
			if p.MatchString(text) {
				return Result{Category: r.Category, Confidence: RegexConfidence, Method: MethodRegex}
			}
		}
	}
	return Result{Category: Uncertain, Confidence: UncertainConfidence, Method: MethodUncertain}
}

// ClearCache empties the result cache.
func (c *Classifier) ClearCache() {
	c.mu.Lock()
	clear(c.cache)
	c.mu.Unlock()
}

// CacheSize returns the number of cached results.
func (c *Classifier) CacheSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
