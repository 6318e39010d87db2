package game

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Fuzzy name thresholds. A phonetic candidate (its Double Metaphone codes
// overlap the query's) is accepted at a lower Jaro-Winkler score than a
// purely string-similar one.
const (
	DefaultPhoneticThreshold = 0.80
	DefaultFuzzyThreshold    = 0.90
)

// NameMatcher resolves misheard or misspelt actor names ("Torin" for
// "Thorin") against the names in a scene. It is read-only after
// construction and safe for concurrent use.
type NameMatcher struct {
	phonetic float64
	fuzzy    float64
}

// NewNameMatcher returns a matcher with the given thresholds. Non-positive
// values select the defaults.
func NewNameMatcher(phonetic, fuzzy float64) *NameMatcher {
	if phonetic <= 0 {
		phonetic = DefaultPhoneticThreshold
	}
	if fuzzy <= 0 {
		fuzzy = DefaultFuzzyThreshold
	}
	return &NameMatcher{phonetic: phonetic, fuzzy: fuzzy}
}

// Best returns the index into names of the best match for query, with its
// score. ok is false when nothing clears the thresholds.
func (m *NameMatcher) Best(query string, names []string) (idx int, score float64, ok bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return -1, 0, false
	}
	qTokens := strings.Fields(q)
	qCodes := metaphoneCodes(qTokens)

	idx = -1
	bestPhonetic := false
	for i, name := range names {
		n := strings.ToLower(strings.TrimSpace(name))
		if n == "" {
			continue
		}
		nTokens := strings.Fields(n)
		s := similarity(q, n, qTokens, nTokens)
		phon := sharesCode(qCodes, metaphoneCodes(nTokens))

		switch {
		case phon && s >= m.phonetic:
			if !bestPhonetic || s > score {
				idx, score, bestPhonetic = i, s, true
			}
		case !phon && !bestPhonetic && s >= m.fuzzy && s > score:
			idx, score = i, s
		}
	}
	return idx, score, idx >= 0
}

func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, 2*len(tokens))
	for _, t := range tokens {
		primary, secondary := matchr.DoubleMetaphone(t)
		for _, c := range []string{primary, secondary} {
			if c != "" {
				codes[c] = struct{}{}
			}
		}
	}
	return codes
}

func sharesCode(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score over the whole strings, the
// strings with spaces removed, and every token pair.
func similarity(q, n string, qTokens, nTokens []string) float64 {
	best := matchr.JaroWinkler(q, n, false)
	if len(qTokens) > 1 || len(nTokens) > 1 {
		best = max(best, matchr.JaroWinkler(strings.Join(qTokens, ""), strings.Join(nTokens, ""), false))
	}
	for _, a := range qTokens {
		for _, b := range nTokens {
			best = max(best, matchr.JaroWinkler(a, b, false))
		}
	}
	return best
}
