// Package pipeline runs one conversational turn of a game session.
//
// A turn is classified first. Factual questions about a character are
// answered straight from the game-state cache and short rules questions from
// rule retrieval plus the prelude model; neither path touches the narrative
// model. Everything else walks the status cycle of a per-session [Machine]:
// the prelude reaction is produced, the final transcript awaited, the
// narrative context assembled, the narrative model called, and the INTENT
// DSL in its output parsed and executed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/dmcore/internal/classifier"
	"github.com/MrWong99/dmcore/internal/intent"
	"github.com/MrWong99/dmcore/internal/observe"
	"github.com/MrWong99/dmcore/internal/scene"
	"github.com/MrWong99/dmcore/internal/stage"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultTotalBudget bounds the narrative path of one turn.
	DefaultTotalBudget = 6 * time.Second

	// DefaultObjectiveBudget is the expected ceiling of an objective answer.
	DefaultObjectiveBudget = 50 * time.Millisecond
)

// ErrNoSession is returned when a request carries no session.
var ErrNoSession = errors.New("pipeline: request has no session")

// Path names the execution path a turn took.
type Path string

const (
	PathObjective  Path = "objective"
	PathSimpleRule Path = "simple_rule"
	PathNarrative  Path = "narrative"
)

// Request is one player utterance.
type Request struct {
	Session *scene.Session
	State   *Machine

	// Text is the transcript available when the request is made. It may be
	// a partial transcript when AwaitFinal is set.
	Text string

	// ActorID is the speaking player's id in the game-state cache.
	ActorID string

	// Persona defaults to the Dungeon Master.
	Persona stage.Persona

	Signals Signals

	// AwaitFinal, if set, blocks until the finalized transcript is
	// available. It is bounded by the remaining turn budget; on error or an
	// empty result Text is used. Callers whose Text is already final, such
	// as player actions, leave it nil.
	AwaitFinal func(ctx context.Context) (string, error)
}

// Response is the outcome of a turn.
type Response struct {
	Path           Path
	Classification classifier.Result

	// Triggered reports whether the prelude started before the final
	// transcript was known.
	Triggered     bool
	TriggerReason TriggerReason

	// FastPrelude is empty on the bypass paths.
	FastPrelude string

	// Narrative is the spoken text: the bypass answer or the narrative
	// without its DSL blocks.
	Narrative    string
	RawNarrative string
	Transcript   string

	Intents         []intent.Intent
	IntentErrors    []*intent.ParseError
	ExecutionReport intent.Report

	// SynthesizedIntent reports whether Intents holds the fallback check
	// added for an action the model left without intents.
	SynthesizedIntent bool

	Context Context

	UsedPrelude   bool
	UsedNarrative bool
	TotalLatency  time.Duration
}

// ─────────────────────────────────────────────────────────────────────────────
// Pipeline
// ─────────────────────────────────────────────────────────────────────────────

// Pipeline holds the shared collaborators of every session's turns. It is
// safe for concurrent use; per-session state lives in the request's
// [Machine] and [scene.Session]. Turns of one session must be serialized by
// the caller.
type Pipeline struct {
	classifier *classifier.Classifier
	prelude    *stage.PreludeStage
	narrative  *stage.NarrativeStage
	assembler  *Assembler
	executor   *intent.Executor
	objective  *ObjectiveAnswerer
	rules      *SimpleRuleAnswerer
	metrics    *observe.Metrics

	trigger   atomic.Pointer[TriggerConfig]
	budget    atomic.Int64
	objBudget atomic.Int64
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithAssembler replaces the default context assembler.
func WithAssembler(a *Assembler) Option { return func(p *Pipeline) { p.assembler = a } }

// WithExecutor replaces the default intent executor.
func WithExecutor(e *intent.Executor) Option { return func(p *Pipeline) { p.executor = e } }

// WithRuleAnswerer sets the simple rules answerer. Without one, rules
// questions are answered with the prelude stage and no retrieval.
func WithRuleAnswerer(r *SimpleRuleAnswerer) Option { return func(p *Pipeline) { p.rules = r } }

// WithMetrics records path latencies and parse errors.
func WithMetrics(m *observe.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// WithTrigger sets the prelude trigger thresholds.
func WithTrigger(c TriggerConfig) Option {
	return func(p *Pipeline) { p.SetTrigger(c) }
}

// WithTotalBudget bounds the narrative path. Defaults to 6s.
func WithTotalBudget(d time.Duration) Option {
	return func(p *Pipeline) { p.SetTotalBudget(d) }
}

// WithObjectiveBudget sets the latency above which an objective answer is
// logged as slow. Defaults to 50ms.
func WithObjectiveBudget(d time.Duration) Option {
	return func(p *Pipeline) { p.SetObjectiveBudget(d) }
}

// New returns a pipeline over the given classifier and stages.
func New(c *classifier.Classifier, prelude *stage.PreludeStage, narrative *stage.NarrativeStage, opts ...Option) *Pipeline {
	p := &Pipeline{
		classifier: c,
		prelude:    prelude,
		narrative:  narrative,
		objective:  NewObjectiveAnswerer(),
	}
	p.SetTrigger(DefaultTriggerConfig())
	p.SetTotalBudget(DefaultTotalBudget)
	p.SetObjectiveBudget(DefaultObjectiveBudget)
	for _, o := range opts {
		o(p)
	}
	if p.assembler == nil {
		p.assembler = NewAssembler()
	}
	if p.executor == nil {
		p.executor = intent.NewExecutor(intent.WithMetrics(p.metrics))
	}
	if p.rules == nil {
		p.rules = NewSimpleRuleAnswerer(nil, prelude, 0)
	}
	return p
}

// SetTrigger replaces the trigger thresholds.
func (p *Pipeline) SetTrigger(c TriggerConfig) {
	c = c.withDefaults()
	p.trigger.Store(&c)
}

// SetTotalBudget replaces the narrative-path budget. d <= 0 is ignored.
func (p *Pipeline) SetTotalBudget(d time.Duration) {
	if d > 0 {
		p.budget.Store(int64(d))
	}
}

// SetObjectiveBudget replaces the objective-path budget. d <= 0 is ignored.
func (p *Pipeline) SetObjectiveBudget(d time.Duration) {
	if d > 0 {
		p.objBudget.Store(int64(d))
	}
}

// Executor returns the intent executor, e.g. to swap its DC table.
func (p *Pipeline) Executor() *intent.Executor { return p.executor }

// Process runs one turn. It returns an error only for a missing session, an
// illegal status transition, or the cancellation of ctx. On cancellation the
// machine is reset to [WaitingForInput].
func (p *Pipeline) Process(ctx context.Context, req Request) (*Response, error) {
	if req.Session == nil {
		return nil, ErrNoSession
	}
	if req.State == nil {
		req.State = NewMachine()
	}
	start := time.Now()
	ctx = observe.WithSessionID(ctx, req.Session.ID)
	ctx, span := observe.StartSpan(ctx, "pipeline.process")
	defer span.End()
	log := observe.Logger(ctx)

	cls := p.classifier.Classify(ctx, req.Text)
	span.SetAttributes(attribute.String("category", cls.Category.String()))
	log.Debug("utterance classified", "category", cls.Category.String(), "confidence", cls.Confidence)

	resp := &Response{Classification: cls, Transcript: req.Text}
	finish := func() (*Response, error) {
		resp.TotalLatency = time.Since(start)
		span.SetAttributes(attribute.String("path", string(resp.Path)))
		if p.metrics != nil {
			p.metrics.RecordPath(ctx, string(resp.Path), resp.TotalLatency)
		}
		log.Info("turn complete", "path", resp.Path, "latency", resp.TotalLatency)
		return resp, nil
	}

	switch cls.Category {
	case classifier.FactQuery:
		resp.Path = PathObjective
		resp.Narrative = p.answerObjective(req)
		if d, budget := time.Since(start), time.Duration(p.objBudget.Load()); d > budget {
			log.Warn("objective answer over budget", "latency", d, "budget", budget)
		}
		return finish()

	case classifier.SimpleRuleQuery:
		resp.Path = PathSimpleRule
		ans := p.rules.Answer(ctx, req.Text)
		resp.Narrative = ans.Answer
		resp.UsedPrelude, resp.UsedNarrative = ans.UsedPrelude, ans.UsedNarrative
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("pipeline: simple rule: %w", err)
		}
		return finish()
	}

	resp.Path = PathNarrative
	if err := p.narrate(ctx, req, resp); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return finish()
}

func (p *Pipeline) answerObjective(req Request) string {
	if req.ActorID != "" && req.Session.GameState.Has(req.ActorID) {
		return p.objective.AnswerFromCache(req.Text, req.ActorID, req.Session.GameState)
	}
	return p.objective.Answer(req.Text, req.State.Snapshot().GameState)
}

// narrate walks the full status cycle.
func (p *Pipeline) narrate(ctx context.Context, req Request, resp *Response) (err error) {
	m := req.State
	if err := m.Transition(Processing1_5B); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			m.Reset()
		}
	}()
	log := observe.Logger(ctx)

	budget := time.Duration(p.budget.Load())
	turnCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	trig := *p.trigger.Load()
	resp.Triggered, resp.TriggerReason = trig.ShouldTrigger(req.Signals, resp.Classification.Confidence)

	// Triggered: the prelude reacts to the partial transcript while the final
	// one is awaited. Otherwise it reacts to the final transcript.
	var prelude stage.Prelude
	finalCh := p.awaitFinal(turnCtx, req)
	if resp.Triggered {
		prelude = p.prelude.Run(turnCtx, req.Persona, req.Text)
		if err := m.Transition(WaitingForFinalASR); err != nil {
			return err
		}
		if resp.Transcript, err = p.waitFinal(ctx, turnCtx, finalCh, req.Text); err != nil {
			return err
		}
	} else {
		if resp.Transcript, err = p.waitFinal(ctx, turnCtx, finalCh, req.Text); err != nil {
			return err
		}
		prelude = p.prelude.Run(turnCtx, req.Persona, resp.Transcript)
		if err := m.Transition(WaitingForFinalASR); err != nil {
			return err
		}
	}
	resp.FastPrelude, resp.UsedPrelude = prelude.Text(), true
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("pipeline: after prelude: %w", err)
	}

	in, err := p.assembler.Gather(turnCtx, Sources{
		GameState: req.Session.GameState,
		Events:    req.Session.Events,
		ActorID:   req.ActorID,
		LoreQuery: resp.Transcript,
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("pipeline: gather: %w", ctx.Err())
		}
		log.Warn("context gathering failed, using stored state", "err", err)
	}
	if in.GameState == "" && in.SceneContext == "" {
		snap := m.Snapshot()
		in.GameState, in.SceneContext = snap.GameState, snap.SceneContext
	} else {
		m.UpdateGameState(in.GameState)
		m.UpdateSceneContext(in.SceneContext)
	}
	if in.Lore != nil {
		m.UpdateLoreCache("Query: " + in.Lore.Query + "\n" + strings.Join(in.Lore.Results, "\n"))
	}
	resp.Context = p.assembler.Build(prelude, resp.Transcript, in)
	if len(resp.Context.Dropped) > 0 {
		log.Warn("narrative context trimmed", "dropped", resp.Context.Dropped, "tokens", resp.Context.EstimatedTokens)
	}

	if err := m.Transition(Processing14B); err != nil {
		return err
	}
	nar := p.narrative.Run(turnCtx, req.Persona, resp.Context.Text)
	resp.UsedNarrative = true
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("pipeline: after narrative: %w", err)
	}
	resp.RawNarrative = nar.Text

	parsed := intent.Parse(nar.Text)
	resp.Narrative = parsed.Narrative
	resp.Intents, resp.IntentErrors = parsed.Intents, parsed.Errors
	for _, pe := range parsed.Errors {
		log.Warn("intent parse error", "err", pe)
		if p.metrics != nil {
			p.metrics.RecordParseError(ctx, pe.Kind.String())
		}
	}
	if len(resp.Intents) == 0 && resp.Classification.Category.IsAction() {
		resp.Intents = []intent.Intent{fallbackCheck(req.ActorID, resp.Transcript)}
		resp.SynthesizedIntent = true
		log.Info("no intents for action, synthesized perception check")
	}
	resp.ExecutionReport = p.executor.ExecuteAll(ctx, req.Session, resp.Intents)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("pipeline: execute intents: %w", err)
	}

	if err := m.Transition(ReadyForTTS); err != nil {
		return err
	}
	return m.Transition(WaitingForInput)
}

// awaitFinal starts waiting for the finalized transcript. The channel
// receives req.Text when no final transcript is available.
func (p *Pipeline) awaitFinal(ctx context.Context, req Request) <-chan string {
	ch := make(chan string, 1)
	if req.AwaitFinal == nil {
		ch <- req.Text
		return ch
	}
	go func() {
		text, err := req.AwaitFinal(ctx)
		if err != nil || text == "" {
			if err != nil {
				observe.Logger(ctx).Warn("final transcript unavailable, using partial", "err", err)
			}
			text = req.Text
		}
		ch <- text
	}()
	return ch
}

// waitFinal receives the final transcript, bounded by the turn budget. When
// the budget runs out first the partial transcript is used; only the
// cancellation of ctx is an error.
func (p *Pipeline) waitFinal(ctx, turnCtx context.Context, ch <-chan string, partial string) (string, error) {
	select {
	case text := <-ch:
		return text, nil
	case <-turnCtx.Done():
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("pipeline: await final transcript: %w", err)
		}
		observe.Logger(ctx).Warn("final transcript not ready within the turn budget, using partial")
		return partial, nil
	}
}

// fallbackCheck is the perception check run for an action the narrative
// model did not turn into intents.
func fallbackCheck(actorID, utterance string) intent.SkillCheck {
	if actorID == "" {
		actorID = "player"
	}
	return intent.SkillCheck{
		Actor:     actorID,
		Skill:     "perception",
		Context:   utterance,
		SuggestDC: true,
	}
}
