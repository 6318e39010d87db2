package intent

import (
	"cmp"
	"slices"
	"strings"
)

// DefaultDC applies when no keyword matches.
const DefaultDC = 15

// DCRule maps a difficulty keyword to a DC.
type DCRule struct {
	Keyword string `yaml:"keyword"`
	DC      int    `yaml:"dc"`
}

// DCTable resolves difficulty words to DCs. Rules are matched longest
// keyword first so "very hard" wins over "hard". A DCTable is immutable.
type DCTable struct {
	rules []DCRule
	def   int
}

// NewDCTable returns a table over rules. Keywords are lower-cased and empty
// ones dropped. def <= 0 selects [DefaultDC].
func NewDCTable(rules []DCRule, def int) *DCTable {
	if def <= 0 {
		def = DefaultDC
	}
	t := &DCTable{def: def}
	for _, r := range rules {
		kw := strings.ToLower(strings.TrimSpace(r.Keyword))
		if kw == "" {
			continue
		}
		t.rules = append(t.rules, DCRule{Keyword: kw, DC: r.DC})
	}
	slices.SortStableFunc(t.rules, func(a, b DCRule) int {
		return cmp.Compare(len(b.Keyword), len(a.Keyword))
	})
	return t
}

// DefaultDCRules is the built-in keyword list in English and Portuguese.
var DefaultDCRules = []DCRule{
	{Keyword: "nearly impossible", DC: 25},
	{Keyword: "quase impossível", DC: 25},
	{Keyword: "very hard", DC: 25},
	{Keyword: "very_hard", DC: 25},
	{Keyword: "muito difícil", DC: 25},
	{Keyword: "difficult", DC: 20},
	{Keyword: "hard", DC: 20},
	{Keyword: "difícil", DC: 20},
	{Keyword: "trivial", DC: 10},
	{Keyword: "easy", DC: 10},
	{Keyword: "fácil", DC: 10},
}

// DefaultDCTable returns a table over [DefaultDCRules].
func DefaultDCTable() *DCTable { return NewDCTable(DefaultDCRules, DefaultDC) }

// Match returns the DC of the longest keyword occurring in text.
func (t *DCTable) Match(text string) (int, bool) {
	text = strings.ToLower(text)
	for _, r := range t.rules {
		if strings.Contains(text, r.Keyword) {
			return r.DC, true
		}
	}
	return 0, false
}

// Lookup tries texts in order and returns the first match, or the default.
func (t *DCTable) Lookup(texts ...string) int {
	for _, s := range texts {
		if dc, ok := t.Match(s); ok {
			return dc
		}
	}
	return t.def
}

// Default returns the DC used when nothing matches.
func (t *DCTable) Default() int { return t.def }

// Rules returns the rules in match order.
func (t *DCTable) Rules() []DCRule { return slices.Clone(t.rules) }
