// Package bridge picks short spoken filler phrases ("bridge phrases") that the
// prelude stage may borrow while the narrative stage is still thinking.
//
// A [Selector] rotates through categories and phrases so the same filler is
// not heard twice in a short window. Phrases that keep coming back despite the
// rotation accumulate a repetition score; above the freeze threshold they are
// skipped, above the removal threshold they are reported for removal from the
// phrase set.
//
// The selector is a self-contained utility guarded by its own mutex. It holds
// no pipeline state and is safe for concurrent use.
package bridge

import (
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

// Category groups phrases by the mood they convey.
type Category string

const (
	Neutral            Category = "neutral"
	GentlePrompt       Category = "gentle_prompt"
	Anticipation       Category = "anticipation"
	TensionLow         Category = "tension_low"
	TensionHigh        Category = "tension_high"
	CinematicLow       Category = "cinematic_low"
	CinematicHigh      Category = "cinematic_high"
	Empowering         Category = "empowering"
	Empathetic         Category = "empathetic"
	RoleplayPositive   Category = "roleplay_positive"
	RoleplayMysterious Category = "roleplay_mysterious"
	Validation         Category = "validation"
	Momentum           Category = "momentum"
)

// Categories lists every category in declaration order.
var Categories = []Category{
	Neutral, GentlePrompt, Anticipation, TensionLow, TensionHigh,
	CinematicLow, CinematicHigh, Empowering, Empathetic,
	RoleplayPositive, RoleplayMysterious, Validation, Momentum,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return slices.Contains(Categories, c)
}

// Phrases maps each category to its phrase list.
type Phrases map[Category][]string

//go:embed phrases.yaml
var defaultPhrasesYAML []byte

// DefaultPhrases returns the built-in phrase set.
func DefaultPhrases() Phrases {
	p, err := decodePhrases(defaultPhrasesYAML)
	if err != nil {
		panic("bridge: embedded phrases are invalid: " + err.Error())
	}
	return p
}

// LoadPhrases decodes a YAML phrase file shaped like the built-in one
// (category key to list of phrases). Unknown categories are rejected.
func LoadPhrases(r io.Reader) (Phrases, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("bridge: read phrases: %w", err)
	}
	return decodePhrases(data)
}

func decodePhrases(data []byte) (Phrases, error) {
	var raw map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("bridge: decode phrases: %w", err)
	}
	p := make(Phrases, len(raw))
	for k, list := range raw {
		c := Category(k)
		if !c.Valid() {
			return nil, fmt.Errorf("bridge: unknown category %q", k)
		}
		p[c] = list
	}
	return p, nil
}

// Config holds the rotation thresholds.
type Config struct {
	// MaxRecentPhrases is how many recent picks are excluded from selection.
	MaxRecentPhrases int
	// MaxRecentCategories is the length of the category history.
	MaxRecentCategories int
	// MinCategoryRotation is how many recent category picks are avoided.
	MinCategoryRotation int
	// FreezeThreshold excludes phrases whose repetition score exceeds it.
	FreezeThreshold int
	// RemovalThreshold flags phrases for removal once exceeded.
	RemovalThreshold int
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		MaxRecentPhrases:    10,
		MaxRecentCategories: 20,
		MinCategoryRotation: 5,
		FreezeThreshold:     3,
		RemovalThreshold:    6,
	}
}

// Stats is a point-in-time view of selector bookkeeping.
type Stats struct {
	TotalPhrases          int
	RecentPhrasesCount    int
	RecentCategoriesCount int
	CategoryUsage         map[Category]int
	FrozenPhrasesCount    int
	// HighScorePhrases are phrases above the removal threshold.
	HighScorePhrases []string
}

// Option configures a [Selector].
type Option func(*Selector)

// WithConfig overrides [DefaultConfig]. Non-positive fields keep defaults.
func WithConfig(cfg Config) Option {
	return func(s *Selector) {
		d := &s.cfg
		if cfg.MaxRecentPhrases > 0 {
			d.MaxRecentPhrases = cfg.MaxRecentPhrases
		}
		if cfg.MaxRecentCategories > 0 {
			d.MaxRecentCategories = cfg.MaxRecentCategories
		}
		if cfg.MinCategoryRotation > 0 {
			d.MinCategoryRotation = cfg.MinCategoryRotation
		}
		if cfg.FreezeThreshold > 0 {
			d.FreezeThreshold = cfg.FreezeThreshold
		}
		if cfg.RemovalThreshold > 0 {
			d.RemovalThreshold = cfg.RemovalThreshold
		}
	}
}

// WithPhrases replaces the phrase set.
func WithPhrases(p Phrases) Option {
	return func(s *Selector) { s.phrases = p }
}

// WithRand sets the random source. Tests pass a seeded generator.
func WithRand(r *rand.Rand) Option {
	return func(s *Selector) { s.rng = r }
}

// Selector picks bridge phrases with rotation.
type Selector struct {
	cfg     Config
	phrases Phrases

	mu               sync.Mutex
	rng              *rand.Rand
	recentPhrases    []string
	recentCategories []Category
	scores           map[string]int
	frozen           map[string]bool
	usage            map[Category]int
}

// New returns a selector over [DefaultPhrases] unless overridden.
func New(opts ...Option) *Selector {
	s := &Selector{
		cfg:    DefaultConfig(),
		scores: make(map[string]int),
		frozen: make(map[string]bool),
		usage:  make(map[Category]int),
	}
	for _, o := range opts {
		o(s)
	}
	if s.phrases == nil {
		s.phrases = DefaultPhrases()
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return s
}

// Select returns a phrase from category, or false when every phrase in it is
// recent, frozen, or the category itself was used too recently.
func (s *Selector) Select(category Category) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectLocked(category)
}

// SelectAny tries categories from least to most used and returns the first
// phrase found.
func (s *Selector) SelectAny() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectAnyLocked()
}

// SelectWithRotation prefers category but moves on to less used categories
// when it was picked too recently.
func (s *Selector) SelectWithRotation(preferred Category) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tooRecentLocked(preferred) {
		for _, c := range s.byUsageLocked() {
			if c == preferred {
				continue
			}
			if p, ok := s.selectLocked(c); ok {
				return p, true
			}
		}
	}
	if p, ok := s.selectLocked(preferred); ok {
		return p, true
	}
	return s.selectAnyLocked()
}

func (s *Selector) selectLocked(category Category) (string, bool) {
	list := s.phrases[category]
	if len(list) == 0 {
		return "", false
	}

	var available []string
	for _, p := range list {
		if slices.Contains(s.recentPhrases, p) || s.frozen[p] || s.scores[p] > s.cfg.RemovalThreshold {
			continue
		}
		available = append(available, p)
	}

	if len(available) == 0 {
		if s.tooRecentLocked(category) {
			return "", false
		}
		for _, p := range list {
			if !s.frozen[p] && s.scores[p] <= s.cfg.RemovalThreshold {
				available = append(available, p)
			}
		}
		if len(available) == 0 {
			return "", false
		}
	}

	p := available[s.rng.IntN(len(available))]
	s.recordLocked(p, category)
	return p, true
}

func (s *Selector) selectAnyLocked() (string, bool) {
	for _, c := range s.byUsageLocked() {
		if p, ok := s.selectLocked(c); ok {
			return p, true
		}
	}
	return "", false
}

func (s *Selector) recordLocked(phrase string, category Category) {
	if slices.Contains(s.recentPhrases, phrase) {
		s.scores[phrase]++
		score := s.scores[phrase]
		if score > s.cfg.FreezeThreshold {
			s.frozen[phrase] = true
		}
		if score > s.cfg.RemovalThreshold {
			slog.Warn("bridge phrase repeated too often, should be removed",
				"phrase", phrase, "category", category, "score", score)
		}
	} else {
		delete(s.scores, phrase)
		delete(s.frozen, phrase)
	}

	s.recentPhrases = append(s.recentPhrases, phrase)
	if len(s.recentPhrases) > s.cfg.MaxRecentPhrases {
		old := s.recentPhrases[0]
		s.recentPhrases = s.recentPhrases[1:]
		if s.scores[old] <= 2 {
			delete(s.scores, old)
		}
	}

	s.recentCategories = append(s.recentCategories, category)
	if len(s.recentCategories) > s.cfg.MaxRecentCategories {
		s.recentCategories = s.recentCategories[1:]
	}
	s.usage[category]++
}

// tooRecentLocked reports whether category is among the last
// MinCategoryRotation picks. Until that many picks exist nothing is too
// recent.
func (s *Selector) tooRecentLocked(category Category) bool {
	n := s.cfg.MinCategoryRotation
	if len(s.recentCategories) < n {
		return false
	}
	return slices.Contains(s.recentCategories[len(s.recentCategories)-n:], category)
}

// byUsageLocked returns the categories that have phrases, least used first.
// Ties keep declaration order.
func (s *Selector) byUsageLocked() []Category {
	out := make([]Category, 0, len(Categories))
	for _, c := range Categories {
		if len(s.phrases[c]) > 0 {
			out = append(out, c)
		}
	}
	slices.SortStableFunc(out, func(a, b Category) int {
		return s.usage[a] - s.usage[b]
	})
	return out
}

// Stats returns a snapshot of the selector bookkeeping.
func (s *Selector) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		RecentPhrasesCount:    len(s.recentPhrases),
		RecentCategoriesCount: len(s.recentCategories),
		CategoryUsage:         make(map[Category]int, len(s.usage)),
		FrozenPhrasesCount:    len(s.frozen),
	}
	for _, list := range s.phrases {
		st.TotalPhrases += len(list)
	}
	for c, n := range s.usage {
		st.CategoryUsage[c] = n
	}
	for p, score := range s.scores {
		if score > s.cfg.RemovalThreshold {
			st.HighScorePhrases = append(st.HighScorePhrases, p)
		}
	}
	slices.Sort(st.HighScorePhrases)
	return st
}

// ClearHistory forgets all picks, scores, and usage counts.
func (s *Selector) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentPhrases = nil
	s.recentCategories = nil
	clear(s.scores)
	clear(s.frozen)
	clear(s.usage)
}
