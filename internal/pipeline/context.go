package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/dmcore/internal/cache"
	"github.com/MrWong99/dmcore/internal/lore"
	"github.com/MrWong99/dmcore/internal/observe"
	"github.com/MrWong99/dmcore/internal/stage"
	"github.com/MrWong99/dmcore/pkg/provider/llm"
)

// Assembler defaults.
const (
	DefaultMaxContextTokens = 8192
	DefaultMaxEvents        = 6
	DefaultLoreLimit        = 3
	DefaultLoreTimeout      = 500 * time.Millisecond
)

// Section markers of the narrative context.
const (
	SectionPrelude      = "FAST_PRELUDE"
	SectionTranscript   = "ASR_FINAL"
	SectionGameState    = "GAME_STATE"
	SectionSceneContext = "SCENE_CONTEXT"
	SectionEvents       = "CONTEXT_SLICE"
	SectionLore         = "LORE_RESULTS"
)

// LoreResult is a retrieval made for the current turn.
type LoreResult struct {
	Query   string
	Results []string
}

// ContextInput is the optional material of a narrative context. Events are
// expected newest first.
type ContextInput struct {
	GameState    string
	SceneContext string
	Events       []cache.ContextEvent
	Lore         *LoreResult
}

// Context is the assembled narrative prompt.
type Context struct {
	Text            string
	EstimatedTokens int

	Prelude      string
	Transcript   string
	GameState    string
	SceneContext string
	EventsCount  int
	HasLore      bool

	// Dropped lists the sections removed to fit the token ceiling, in the
	// order they were removed. Each dropped event counts as one
	// SectionEvents entry.
	Dropped []string
}

// ─────────────────────────────────────────────────────────────────────────────
// Assembler
// ─────────────────────────────────────────────────────────────────────────────

// Assembler builds narrative contexts and gathers their inputs.
type Assembler struct {
	maxTokens   int
	maxEvents   int
	loreLimit   int
	loreTimeout time.Duration
	searcher    lore.Searcher
	countTokens func(string) int
}

// AssemblerOption configures an [Assembler].
type AssemblerOption func(*Assembler)

// WithMaxContextTokens sets the token ceiling. Defaults to 8192.
func WithMaxContextTokens(n int) AssemblerOption {
	return func(a *Assembler) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

// WithTokenCounter replaces the len/4 estimate used against the token
// ceiling, e.g. with [llm.TextCounter] over the narrative model.
func WithTokenCounter(count func(string) int) AssemblerOption {
	return func(a *Assembler) {
		if count != nil {
			a.countTokens = count
		}
	}
}

// WithMaxEvents caps the events section. Defaults to 6.
func WithMaxEvents(n int) AssemblerOption {
	return func(a *Assembler) {
		if n > 0 {
			a.maxEvents = n
		}
	}
}

// WithLoreSearcher enables lore retrieval in [Assembler.Gather].
func WithLoreSearcher(s lore.Searcher) AssemblerOption {
	return func(a *Assembler) { a.searcher = s }
}

// WithLoreLimit caps the lore results fetched per turn. Defaults to 3.
func WithLoreLimit(n int) AssemblerOption {
	return func(a *Assembler) {
		if n > 0 {
			a.loreLimit = n
		}
	}
}

// WithLoreTimeout bounds the lore retrieval. Defaults to 500ms.
func WithLoreTimeout(d time.Duration) AssemblerOption {
	return func(a *Assembler) {
		if d > 0 {
			a.loreTimeout = d
		}
	}
}

// NewAssembler returns an assembler with the defaults.
func NewAssembler(opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		maxTokens:   DefaultMaxContextTokens,
		maxEvents:   DefaultMaxEvents,
		loreLimit:   DefaultLoreLimit,
		loreTimeout: DefaultLoreTimeout,
		countTokens: llm.EstimateTokens,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func section(name, body string) string {
	return fmt.Sprintf("[%s]\n%s\n[/%s]", name, body, name)
}

// Build assembles the narrative context. The prelude is a required argument:
// a narrative prompt cannot exist without a prelude having run.
//
// Over the token ceiling, sections are dropped in this order until the
// context fits: events from oldest to newest, lore results, scene context,
// game state. The prelude and transcript are always kept, even if they alone
// exceed the ceiling.
func (a *Assembler) Build(prelude stage.Prelude, transcript string, in ContextInput) Context {
	events := in.Events
	if len(events) > a.maxEvents {
		events = events[:a.maxEvents]
	}
	c := Context{
		Prelude:      prelude.Text(),
		Transcript:   transcript,
		GameState:    in.GameState,
		SceneContext: in.SceneContext,
		HasLore:      in.Lore != nil,
	}

	render := func() string {
		parts := []string{
			section(SectionPrelude, c.Prelude),
			section(SectionTranscript, c.Transcript),
		}
		if c.GameState != "" {
			parts = append(parts, section(SectionGameState, c.GameState))
		}
		if c.SceneContext != "" {
			parts = append(parts, section(SectionSceneContext, c.SceneContext))
		}
		if len(events) > 0 {
			lines := make([]string, len(events))
			for i, ev := range events {
				lines[i] = ev.String()
			}
			parts = append(parts, section(SectionEvents, strings.Join(lines, "\n")))
		}
		if c.HasLore {
			body := "Query: " + in.Lore.Query
			if len(in.Lore.Results) > 0 {
				body += "\n" + strings.Join(in.Lore.Results, "\n")
			}
			parts = append(parts, section(SectionLore, body))
		}
		return strings.Join(parts, "\n\n")
	}

	text := render()
	for a.countTokens(text) > a.maxTokens {
		switch {
		case len(events) > 0:
			events = events[:len(events)-1]
			c.Dropped = append(c.Dropped, SectionEvents)
		case c.HasLore:
			c.HasLore = false
			c.Dropped = append(c.Dropped, SectionLore)
		case c.SceneContext != "":
			c.SceneContext = ""
			c.Dropped = append(c.Dropped, SectionSceneContext)
		case c.GameState != "":
			c.GameState = ""
			c.Dropped = append(c.Dropped, SectionGameState)
		default:
			c.Text = text
			c.EstimatedTokens = a.countTokens(text)
			c.EventsCount = len(events)
			return c
		}
		text = render()
	}
	c.Text = text
	c.EstimatedTokens = a.countTokens(text)
	c.EventsCount = len(events)
	return c
}

// Sources names where [Assembler.Gather] reads from.
type Sources struct {
	GameState *cache.GameStateCache
	Events    *cache.SceneContextCache

	// ActorID selects the game-state entry. Empty skips game state.
	ActorID string

	// LoreQuery is searched when a lore searcher is configured. Empty skips
	// retrieval.
	LoreQuery string
}

// Gather concurrently reads the game state, the scene events, and the lore
// results for one turn. Lore failures degrade to no lore; only the
// cancellation of ctx aborts gathering.
func (a *Assembler) Gather(ctx context.Context, src Sources) (ContextInput, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.gather")
	defer span.End()

	var in ContextInput
	eg, egCtx := errgroup.WithContext(ctx)

	// ── game state ───────────────────────────────────────────────────────────
	eg.Go(func() error {
		if src.GameState == nil || src.ActorID == "" {
			return nil
		}
		if _, e, ok := src.GameState.Find(src.ActorID); ok {
			in.GameState = e.Render()
		}
		return nil
	})

	// ── scene events ─────────────────────────────────────────────────────────
	eg.Go(func() error {
		if src.Events == nil {
			return nil
		}
		in.SceneContext = strings.Join(src.Events.ActiveNPCs(), ", ")
		if in.SceneContext != "" {
			in.SceneContext = "Active NPCs: " + in.SceneContext
		}
		in.Events = src.Events.ContextSlice()
		return nil
	})

	// ── lore ─────────────────────────────────────────────────────────────────
	eg.Go(func() error {
		if a.searcher == nil || strings.TrimSpace(src.LoreQuery) == "" {
			return nil
		}
		lctx, cancel := context.WithTimeout(egCtx, a.loreTimeout)
		defer cancel()
		docs, err := a.searcher.Search(lctx, src.LoreQuery, a.loreLimit, nil)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("pipeline: gather lore: %w", ctx.Err())
			}
			observe.Logger(ctx).Warn("lore retrieval failed, continuing without lore", "err", err)
			return nil
		}
		if len(docs) == 0 {
			return nil
		}
		res := &LoreResult{Query: src.LoreQuery}
		for _, d := range docs {
			res.Results = append(res.Results, strings.TrimSpace(d.Content))
		}
		in.Lore = res
		return nil
	})

	if err := eg.Wait(); err != nil {
		return ContextInput{}, err
	}
	if err := ctx.Err(); err != nil {
		return ContextInput{}, fmt.Errorf("pipeline: gather: %w", err)
	}
	return in, nil
}
