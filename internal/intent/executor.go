package intent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/dmcore/internal/cache"
	"github.com/MrWong99/dmcore/internal/game"
	"github.com/MrWong99/dmcore/internal/lore"
	"github.com/MrWong99/dmcore/internal/observe"
	"github.com/MrWong99/dmcore/internal/rules"
	"github.com/MrWong99/dmcore/internal/scene"
)

const (
	loreLimit = 5
	ruleLimit = 3

	fallbackAttackBonus = 5
	fallbackArmorClass  = 15
)

// ErrNoSpellSlot is returned when a caster has no slot left at the level.
var ErrNoSpellSlot = errors.New("intent: no spell slot left")

// Status is the result class of one execution.
type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Outcome is the result of executing one intent. Only the fields relevant to
// the intent's kind are set.
type Outcome struct {
	Intent  Intent
	Status  Status
	Summary string
	Err     error

	Check     *rules.SkillCheckResult
	Attack    *rules.AttackResult
	Damage    *rules.DamageResult
	Documents []lore.Document

	// Target is the actor affected by an attack, after damage.
	Target *game.Actor

	Duration time.Duration
}

// Report collects the outcomes of a batch in execution order.
type Report struct {
	Outcomes []Outcome
}

// Succeeded counts outcomes with [StatusOK].
func (r Report) Succeeded() int { return r.count(StatusOK) }

// Failed counts outcomes with [StatusFailed].
func (r Report) Failed() int { return r.count(StatusFailed) }

func (r Report) count(s Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

// Err joins the errors of every failed outcome, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}

// Hook is called after every execution, e.g. to publish updates.
type Hook func(ctx context.Context, sess *scene.Session, o Outcome)

// handler executes one intent kind. The intent passed is always of the
// handler's variant.
type handler func(ctx context.Context, sess *scene.Session, in Intent) Outcome

// Executor runs intents against a scene session. It is safe for concurrent
// use; the DC table can be swapped at any time.
type Executor struct {
	oracle   rules.Oracle
	searcher lore.Searcher
	metrics  *observe.Metrics
	hooks    []Hook
	dc       atomic.Pointer[DCTable]
	handlers map[Kind]handler
}

// Option configures an [Executor].
type Option func(*Executor)

// WithOracle sets the rules oracle. The default is [rules.NewLocal].
func WithOracle(o rules.Oracle) Option { return func(e *Executor) { e.oracle = o } }

// WithSearcher sets the lore searcher used by lore and rule queries.
func WithSearcher(s lore.Searcher) Option { return func(e *Executor) { e.searcher = s } }

// WithMetrics records per-intent executions.
func WithMetrics(m *observe.Metrics) Option { return func(e *Executor) { e.metrics = m } }

// WithDCTable sets the initial DC table.
func WithDCTable(t *DCTable) Option { return func(e *Executor) { e.dc.Store(t) } }

// WithHook adds a hook run after every execution.
func WithHook(h Hook) Option { return func(e *Executor) { e.hooks = append(e.hooks, h) } }

// NewExecutor builds an executor with its dispatch table.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{}
	for _, o := range opts {
		o(e)
	}
	if e.oracle == nil {
		e.oracle = rules.NewLocal()
	}
	if e.dc.Load() == nil {
		e.dc.Store(DefaultDCTable())
	}
	e.handlers = map[Kind]handler{
		KindSkillCheck:        typed(e.skillCheck),
		KindLoreQuery:         typed(e.loreQuery),
		KindRuleQuery:         typed(e.ruleQuery),
		KindNPCDialogue:       typed(e.npcDialogue),
		KindSceneEvent:        typed(e.sceneEvent),
		KindInvestigateArea:   typed(e.investigateArea),
		KindSearchItem:        typed(e.searchItem),
		KindInteractObject:    typed(e.interactObject),
		KindMeleeAttack:       typed(e.meleeAttack),
		KindRangedAttack:      typed(e.rangedAttack),
		KindSpellCast:         typed(e.spellCast),
		KindUseItem:           typed(e.useItem),
		KindReadyAction:       typed(e.readyAction),
		KindDash:              typed(e.dash),
		KindDisengage:         typed(e.disengage),
		KindHelp:              typed(e.help),
		KindCombatStart:       typed(e.combatStart),
		KindCombatEnd:         typed(e.combatEnd),
		KindGeneratePortrait:  typed(e.generatePortrait),
		KindGenerateScene:     typed(e.generateScene),
		KindGenerateBattlemap: typed(e.generateBattlemap),
	}
	return e
}

// typed adapts a variant-specific function to a [handler].
func typed[T Intent](fn func(context.Context, *scene.Session, T) Outcome) handler {
	return func(ctx context.Context, sess *scene.Session, in Intent) Outcome {
		v, ok := in.(T)
		if !ok {
			return failed(fmt.Errorf("intent: handler for %s got %T", in.Kind(), in))
		}
		return fn(ctx, sess, v)
	}
}

// SetDCTable replaces the DC table.
func (e *Executor) SetDCTable(t *DCTable) {
	if t != nil {
		e.dc.Store(t)
	}
}

// DCTable returns the current DC table.
func (e *Executor) DCTable() *DCTable { return e.dc.Load() }

// Execute runs one intent. It never panics on bad input; failures are
// reported in the outcome.
func (e *Executor) Execute(ctx context.Context, sess *scene.Session, in Intent) Outcome {
	ctx = observe.WithSessionID(ctx, sess.ID)
	ctx, span := observe.StartSpan(ctx, "intent.execute")
	defer span.End()
	start := time.Now()

	var out Outcome
	if h, ok := e.handlers[in.Kind()]; ok {
		out = h(ctx, sess, in)
	} else {
		out = failed(fmt.Errorf("intent: no handler for %s", in.Kind()))
	}
	out.Intent = in
	out.Duration = time.Since(start)

	log := observe.Logger(ctx).With("intent", in.Kind(), "locus", in.Locus())
	switch out.Status {
	case StatusFailed:
		span.RecordError(out.Err)
		log.Error("intent failed", "err", out.Err)
	default:
		log.Info("intent executed", "status", out.Status, "summary", out.Summary)
	}
	if e.metrics != nil {
		e.metrics.RecordIntent(ctx, string(in.Kind()), string(out.Status))
	}
	for _, h := range e.hooks {
		h(ctx, sess, out)
	}
	return out
}

// ExecuteAll runs intents in order. A failed intent does not stop the batch.
func (e *Executor) ExecuteAll(ctx context.Context, sess *scene.Session, intents []Intent) Report {
	rep := Report{Outcomes: make([]Outcome, 0, len(intents))}
	for _, in := range intents {
		rep.Outcomes = append(rep.Outcomes, e.Execute(ctx, sess, in))
	}
	return rep
}

func done(summary string) Outcome { return Outcome{Status: StatusOK, Summary: summary} }
func failed(err error) Outcome    { return Outcome{Status: StatusFailed, Err: err, Summary: err.Error()} }
func skipped(why string) Outcome  { return Outcome{Status: StatusSkipped, Summary: why} }

// ── Checks ───────────────────────────────────────────────────────────────────

type checkSpec struct {
	actor        string
	skill        string
	context      string
	suggestDC    bool
	dcHint       string
	advantage    bool
	disadvantage bool
}

func (e *Executor) skillCheck(ctx context.Context, sess *scene.Session, in SkillCheck) Outcome {
	return e.check(ctx, sess, checkSpec{
		actor:        in.Actor,
		skill:        in.Skill,
		context:      in.Context,
		suggestDC:    in.SuggestDC,
		dcHint:       in.DCHint,
		advantage:    in.Advantage,
		disadvantage: in.Disadvantage,
	})
}

func (e *Executor) investigateArea(ctx context.Context, sess *scene.Session, in InvestigateArea) Outcome {
	return e.check(ctx, sess, checkSpec{
		actor: in.Actor, skill: "investigation", context: "Investigating area: " + in.Area, suggestDC: true,
	})
}

func (e *Executor) searchItem(ctx context.Context, sess *scene.Session, in SearchItem) Outcome {
	what := in.Item
	if what == "" {
		what = "surroundings"
	}
	return e.check(ctx, sess, checkSpec{
		actor: in.Actor, skill: "perception", context: "Searching: " + what, suggestDC: true,
	})
}

func (e *Executor) interactObject(ctx context.Context, sess *scene.Session, in InteractObject) Outcome {
	return e.check(ctx, sess, checkSpec{
		actor: in.Actor, skill: "investigation", context: "Interacting with object: " + in.ObjectID, suggestDC: true,
	})
}

// dcFor resolves the DC of a check: a numeric hint wins, then keywords in
// the hint and context when suggestion is on, then the table default.
func (e *Executor) dcFor(c checkSpec) int {
	if n, err := strconv.Atoi(strings.TrimSpace(c.dcHint)); err == nil && n > 0 {
		return n
	}
	t := e.dc.Load()
	if c.suggestDC {
		return t.Lookup(c.dcHint, c.context)
	}
	return t.Default()
}

func (e *Executor) check(ctx context.Context, sess *scene.Session, c checkSpec) Outcome {
	req := rules.SkillCheckRequest{
		Skill:            game.NormalizeSkill(c.skill),
		ProficiencyBonus: game.DefaultProficiencyBonus,
		DC:               e.dcFor(c),
		Advantage:        c.advantage,
		Disadvantage:     c.disadvantage,
	}
	name := c.actor
	if a, err := sess.Engine.FindActor(c.actor); err == nil {
		name = a.Name
		req.AbilityModifier = a.SkillModifier(c.skill)
		req.ProficiencyBonus = a.ProficiencyBonusOrDefault()
		req.HasProficiency = a.HasProficiency(c.skill)
	} else {
		observe.Logger(ctx).Debug("skill check for unknown actor, using defaults", "actor", c.actor)
	}
	seed := sess.NextSeed()
	req.Seed = &seed

	res, err := e.oracle.SkillCheck(ctx, req)
	if err != nil {
		return failed(fmt.Errorf("intent: %s check for %s: %w", req.Skill, c.actor, err))
	}
	sess.Events.Add(cache.RollEvent{Actor: name, RollType: req.Skill + " check", Result: res.RollTotal, At: time.Now()})

	verdict := "failure"
	if res.Success {
		verdict = "success"
	}
	out := done(fmt.Sprintf("%s %s check: %d vs DC %d, %s", name, req.Skill, res.RollTotal, res.DC, verdict))
	out.Check = &res
	return out
}

// ── Queries ──────────────────────────────────────────────────────────────────

func (e *Executor) loreQuery(ctx context.Context, _ *scene.Session, in LoreQuery) Outcome {
	filters := map[string]string{lore.FilterType: lore.TypeLore}
	if in.Scope != "" {
		filters[lore.FilterScope] = in.Scope
	}
	return e.search(ctx, in.Query, loreLimit, filters)
}

func (e *Executor) ruleQuery(ctx context.Context, _ *scene.Session, in RuleQuery) Outcome {
	filters := map[string]string{lore.FilterType: lore.TypeRule}
	if in.Context != "" {
		filters[lore.FilterContext] = in.Context
	}
	return e.search(ctx, in.Query, ruleLimit, filters)
}

// search never fails the intent: an unavailable store is logged and the
// outcome carries no documents.
func (e *Executor) search(ctx context.Context, query string, limit int, filters map[string]string) Outcome {
	if e.searcher == nil {
		return skipped("no lore store configured")
	}
	docs, err := e.searcher.Search(ctx, query, limit, filters)
	if err != nil {
		observe.Logger(ctx).Warn("lore search failed", "query", query, "err", err)
		return done(fmt.Sprintf("lore unavailable for %q", query))
	}
	out := done(fmt.Sprintf("%d result(s) for %q", len(docs), query))
	out.Documents = docs
	return out
}

// ── Social and scene ─────────────────────────────────────────────────────────

func (e *Executor) npcDialogue(_ context.Context, sess *scene.Session, in NPCDialogue) Outcome {
	speaker := in.NPCID
	if a, err := sess.Engine.FindActor(in.NPCID); err == nil {
		speaker = a.Name
	}
	sess.Events.Add(cache.DialogueEvent{Speaker: speaker, Message: in.Text, At: time.Now()})
	sess.Events.AddActiveNPC(in.NPCID)
	return done(speaker + " speaks")
}

func (e *Executor) sceneEvent(_ context.Context, sess *scene.Session, in SceneEvent) Outcome {
	sess.Events.AddRaw(cache.EventType(strings.ToLower(in.EventType)), in.Description)
	return done(in.Description)
}

// ── Combat ───────────────────────────────────────────────────────────────────

func (e *Executor) meleeAttack(ctx context.Context, sess *scene.Session, in MeleeAttack) Outcome {
	return e.attack(ctx, sess, in.Attack, false)
}

func (e *Executor) rangedAttack(ctx context.Context, sess *scene.Session, in RangedAttack) Outcome {
	return e.attack(ctx, sess, in.Attack, true)
}

// weaponFor resolves the weapon used: the named one, else the actor's
// primary weapon, else a generic weapon for the attack's range.
func weaponFor(name string, actor *game.Actor, ranged bool) rules.Weapon {
	if w, ok := rules.LookupWeapon(name); ok {
		return w
	}
	if name == "" && actor != nil && len(actor.Weapons) > 0 {
		if w, ok := rules.LookupWeapon(actor.Weapons[0]); ok {
			return w
		}
	}
	if ranged {
		return rules.Weapon{Name: "ranged weapon", Category: rules.SimpleRanged, Damage: "1d6+3", DamageType: "piercing"}
	}
	return rules.Weapon{Name: "melee weapon", Category: rules.SimpleMelee, Damage: "1d8+3", DamageType: "slashing"}
}

func (e *Executor) attack(ctx context.Context, sess *scene.Session, in Attack, ranged bool) Outcome {
	log := observe.Logger(ctx)

	var actor, target *game.Actor
	if a, err := sess.Engine.FindActor(in.Actor); err == nil {
		actor = &a
	}
	if t, err := sess.Engine.FindActor(in.Target); err == nil {
		target = &t
	}
	if in.MoveRequired {
		log.Debug("attack requires movement", "actor", in.Actor, "target", in.Target)
	}

	w := weaponFor(in.Weapon, actor, ranged)
	useDex := ranged || w.UsesDex()
	bonus, dmgMod, known := fallbackAttackBonus, 0, false
	if actor != nil {
		bonus = actor.AttackBonus(useDex)
		ability := "str"
		if useDex {
			ability = "dex"
		}
		dmgMod = actor.Abilities.Modifier(ability)
		_, known = rules.LookupWeapon(w.Name)
	}
	ac := fallbackArmorClass
	if target != nil && target.AC > 0 {
		ac = target.AC
	}

	seed := sess.NextSeed()
	res, err := e.oracle.Attack(ctx, rules.AttackRequest{
		AttackBonus:  bonus,
		TargetAC:     ac,
		Advantage:    in.Advantage,
		Disadvantage: in.Disadvantage,
		Seed:         &seed,
	})
	if err != nil {
		return failed(fmt.Errorf("intent: attack by %s: %w", in.Actor, err))
	}

	attacker, defender := nameOr(actor, in.Actor), nameOr(target, in.Target)
	sess.Events.Add(cache.RollEvent{Actor: attacker, RollType: "attack", Result: res.AttackRoll, At: time.Now()})
	sess.Events.AddInteraction(attacker, defender)

	if !res.Hit {
		sess.Events.Add(cache.ActionEvent{Actor: attacker, Action: fmt.Sprintf("misses %s with %s", defender, w.Name), At: time.Now()})
		out := done(fmt.Sprintf("%s misses %s (%d vs AC %d)", attacker, defender, res.AttackRoll, ac))
		out.Attack = &res
		out.Target = target
		return out
	}

	expr := w.Damage
	if known && dmgMod != 0 {
		expr = fmt.Sprintf("%s%+d", w.Damage, dmgMod)
	}
	dseed := sess.NextSeed()
	dmg, err := e.oracle.Damage(ctx, rules.DamageRequest{
		Expression: expr,
		DamageType: w.DamageType,
		Critical:   res.Critical,
		Seed:       &dseed,
	})
	if err != nil {
		out := failed(fmt.Errorf("intent: damage by %s: %w", in.Actor, err))
		out.Attack = &res
		return out
	}

	if target != nil {
		updated, err := sess.Engine.TakeDamage(target.ID, dmg.TotalDamage)
		if err == nil {
			target = &updated
		}
		if id, _, found := sess.GameState.Find(target.ID); found {
			sess.GameState.ApplyDamage(id, dmg.TotalDamage)
		}
	}

	verb := "hits"
	if res.Critical {
		verb = "critically hits"
	}
	summary := fmt.Sprintf("%s %s %s with %s for %d %s", attacker, verb, defender, w.Name, dmg.TotalDamage, dmg.DamageType)
	sess.Events.Add(cache.ActionEvent{Actor: attacker, Action: strings.TrimPrefix(summary, attacker+" "), At: time.Now()})

	out := done(summary)
	out.Attack = &res
	out.Damage = &dmg
	out.Target = target
	return out
}

func nameOr(a *game.Actor, raw string) string {
	if a != nil {
		return a.Name
	}
	return raw
}

func (e *Executor) spellCast(_ context.Context, sess *scene.Session, in SpellCast) Outcome {
	if in.SlotLevel > 0 {
		if id, entry, found := sess.GameState.Find(in.Actor); found && entry.SpellSlots != nil {
			if entry.SpellSlots[in.SlotLevel] <= 0 {
				return failed(fmt.Errorf("%w: %s at level %d", ErrNoSpellSlot, in.Actor, in.SlotLevel))
			}
			sess.GameState.Update(id, func(en *cache.Entry) { en.SpellSlots[in.SlotLevel]-- })
		}
	}
	action := "casts " + in.Spell
	if in.SlotLevel > 0 {
		action += fmt.Sprintf(" at level %d", in.SlotLevel)
	}
	if len(in.Targets) > 0 {
		action += " on " + strings.Join(in.Targets, ", ")
	}
	if in.AreaCenter != nil {
		action += fmt.Sprintf(" centred on (%d, %d)", in.AreaCenter.X, in.AreaCenter.Y)
	}
	name := in.Actor
	if a, err := sess.Engine.FindActor(in.Actor); err == nil {
		name = a.Name
	}
	sess.Events.Add(cache.ActionEvent{Actor: name, Action: action, At: time.Now()})
	return done(name + " " + action)
}

func (e *Executor) useItem(_ context.Context, sess *scene.Session, in UseItem) Outcome {
	return e.act(sess, in.Actor, "uses "+in.ItemID, false)
}

func (e *Executor) readyAction(_ context.Context, sess *scene.Session, in ReadyAction) Outcome {
	return e.act(sess, in.Actor, "readies "+in.Action, false)
}

func (e *Executor) dash(_ context.Context, sess *scene.Session, in Dash) Outcome {
	return e.act(sess, in.Actor, "dashes", true)
}

func (e *Executor) disengage(_ context.Context, sess *scene.Session, in Disengage) Outcome {
	return e.act(sess, in.Actor, "disengages", true)
}

func (e *Executor) help(_ context.Context, sess *scene.Session, in Help) Outcome {
	if _, err := sess.Engine.FindActor(in.Target); err != nil {
		return failed(fmt.Errorf("intent: help target: %w", err))
	}
	return e.act(sess, in.Actor, "helps "+in.Target, true)
}

// act records a simple action. When strict, the actor must exist.
func (e *Executor) act(sess *scene.Session, actor, action string, strict bool) Outcome {
	name := actor
	a, err := sess.Engine.FindActor(actor)
	switch {
	case err == nil:
		name = a.Name
	case strict:
		return failed(fmt.Errorf("intent: %s: %w", action, err))
	}
	sess.Events.Add(cache.ActionEvent{Actor: name, Action: action, At: time.Now()})
	return done(name + " " + action)
}

func (e *Executor) combatStart(_ context.Context, sess *scene.Session, in CombatStart) Outcome {
	if err := sess.Transition(scene.CombatTurnBased); err != nil {
		return failed(fmt.Errorf("intent: start combat: %w", err))
	}
	return done(reasoned("combat started", in.Reason))
}

func (e *Executor) combatEnd(_ context.Context, sess *scene.Session, in CombatEnd) Outcome {
	if err := sess.Transition(scene.Exploration); err != nil {
		return failed(fmt.Errorf("intent: end combat: %w", err))
	}
	return done(reasoned("combat ended", in.Reason))
}

func reasoned(what, reason string) string {
	if reason == "" {
		return what
	}
	return what + ": " + reason
}

// ── Assets ───────────────────────────────────────────────────────────────────

// Asset generation happens outside the core; the request is recorded so
// hooks can forward it.

func (e *Executor) generatePortrait(_ context.Context, sess *scene.Session, in GeneratePortrait) Outcome {
	sess.Events.AddRaw(cache.EventAction, "portrait requested for "+in.CharacterID)
	return done("portrait requested for " + in.CharacterID)
}

func (e *Executor) generateScene(_ context.Context, sess *scene.Session, in GenerateScene) Outcome {
	sess.Events.AddRaw(cache.EventAction, "scene art requested for "+in.SceneID)
	return done("scene art requested for " + in.SceneID)
}

func (e *Executor) generateBattlemap(_ context.Context, sess *scene.Session, in GenerateBattlemap) Outcome {
	sess.Events.AddRaw(cache.EventAction, "battle map requested for "+in.MapID)
	return done("battle map requested for " + in.MapID)
}
