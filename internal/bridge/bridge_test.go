package bridge

import (
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"testing"
)

func seeded() Option { return WithRand(rand.New(rand.NewPCG(1, 2))) }

func TestDefaultPhrases_CoverEveryCategory(t *testing.T) {
	t.Parallel()
	p := DefaultPhrases()
	for _, c := range Categories {
		if len(p[c]) < 5 {
			t.Errorf("category %s has %d phrases, want at least 5", c, len(p[c]))
		}
	}
}

func TestSelect_NoRepeatWithinWindow(t *testing.T) {
	t.Parallel()
	s := New(seeded())
	n := len(s.phrases[Neutral])

	seen := make(map[string]bool)
	for i := range n {
		p, ok := s.Select(Neutral)
		if !ok {
			t.Fatalf("pick %d: no phrase", i)
		}
		if seen[p] {
			t.Fatalf("pick %d repeated %q", i, p)
		}
		seen[p] = true
	}

	// Every phrase is recent and the category dominates the history.
	if p, ok := s.Select(Neutral); ok {
		t.Errorf("exhausted category returned %q", p)
	}
}

func TestSelect_FreezesRepeatedPhrase(t *testing.T) {
	t.Parallel()
	s := New(seeded(),
		WithPhrases(Phrases{Neutral: {"a"}}),
		WithConfig(Config{MinCategoryRotation: 100}),
	)

	picks := 0
	for range 10 {
		if _, ok := s.Select(Neutral); ok {
			picks++
		}
	}
	// First pick is fresh; repeats score 1..4 and the fourth repeat freezes.
	if picks != 5 {
		t.Errorf("picks = %d, want 5", picks)
	}
	if st := s.Stats(); st.FrozenPhrasesCount != 1 {
		t.Errorf("FrozenPhrasesCount = %d, want 1", st.FrozenPhrasesCount)
	}
}

func TestSelect_FlagsPhraseForRemoval(t *testing.T) {
	t.Parallel()
	s := New(seeded(),
		WithPhrases(Phrases{Neutral: {"a"}}),
		WithConfig(Config{MinCategoryRotation: 100, FreezeThreshold: 10}),
	)

	picks := 0
	for range 12 {
		if _, ok := s.Select(Neutral); ok {
			picks++
		}
	}
	if picks != 8 {
		t.Errorf("picks = %d, want 8", picks)
	}
	st := s.Stats()
	if !slices.Equal(st.HighScorePhrases, []string{"a"}) {
		t.Errorf("HighScorePhrases = %v, want [a]", st.HighScorePhrases)
	}
}

func TestSelectWithRotation_AvoidsRecentCategory(t *testing.T) {
	t.Parallel()
	s := New(seeded())
	for range 5 {
		if _, ok := s.Select(Neutral); !ok {
			t.Fatal("warm-up pick failed")
		}
	}

	p, ok := s.SelectWithRotation(Neutral)
	if !ok {
		t.Fatal("rotation returned nothing")
	}
	if !slices.Contains(s.phrases[GentlePrompt], p) {
		t.Errorf("got %q, want a gentle_prompt phrase (least used, first declared)", p)
	}
}

func TestSelectWithRotation_UsesPreferredWhenFresh(t *testing.T) {
	t.Parallel()
	s := New(seeded())
	p, ok := s.SelectWithRotation(TensionHigh)
	if !ok || !slices.Contains(s.phrases[TensionHigh], p) {
		t.Errorf("got %q, %v; want a tension_high phrase", p, ok)
	}
}

func TestSelectAny_LeastUsedFirst(t *testing.T) {
	t.Parallel()
	s := New(seeded())

	first, _ := s.SelectAny()
	if !slices.Contains(s.phrases[Neutral], first) {
		t.Errorf("first pick %q not neutral", first)
	}
	second, _ := s.SelectAny()
	if !slices.Contains(s.phrases[GentlePrompt], second) {
		t.Errorf("second pick %q not gentle_prompt", second)
	}
}

func TestStatsAndClearHistory(t *testing.T) {
	t.Parallel()
	s := New(seeded())
	s.Select(Momentum)
	s.Select(Momentum)
	s.Select(Validation)

	st := s.Stats()
	total := 0
	for _, list := range DefaultPhrases() {
		total += len(list)
	}
	if st.TotalPhrases != total {
		t.Errorf("TotalPhrases = %d, want %d", st.TotalPhrases, total)
	}
	if st.RecentPhrasesCount != 3 || st.RecentCategoriesCount != 3 {
		t.Errorf("recent = %d/%d, want 3/3", st.RecentPhrasesCount, st.RecentCategoriesCount)
	}
	if st.CategoryUsage[Momentum] != 2 || st.CategoryUsage[Validation] != 1 {
		t.Errorf("CategoryUsage = %v", st.CategoryUsage)
	}

	s.ClearHistory()
	st = s.Stats()
	if st.RecentPhrasesCount != 0 || st.RecentCategoriesCount != 0 || len(st.CategoryUsage) != 0 {
		t.Errorf("after clear: %+v", st)
	}
}

func TestLoadPhrases(t *testing.T) {
	t.Parallel()
	p, err := LoadPhrases(strings.NewReader("neutral:\n  - \"Hmm.\"\nmomentum:\n  - \"Go on.\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(p[Neutral]) != 1 || p[Momentum][0] != "Go on." {
		t.Errorf("phrases = %v", p)
	}

	if _, err := LoadPhrases(strings.NewReader("grumpy:\n  - \"no\"\n")); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestSelector_Concurrent(t *testing.T) {
	t.Parallel()
	s := New()
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				s.SelectWithRotation(Categories[i%len(Categories)])
			}
		}()
	}
	wg.Wait()
	if st := s.Stats(); st.RecentPhrasesCount > DefaultConfig().MaxRecentPhrases {
		t.Errorf("recent phrases = %d exceeds cap", st.RecentPhrasesCount)
	}
}
