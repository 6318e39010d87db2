package intent_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/dmcore/internal/cache"
	"github.com/MrWong99/dmcore/internal/game"
	"github.com/MrWong99/dmcore/internal/intent"
	"github.com/MrWong99/dmcore/internal/lore"
	loremock "github.com/MrWong99/dmcore/internal/lore/mock"
	"github.com/MrWong99/dmcore/internal/rules"
	rulesmock "github.com/MrWong99/dmcore/internal/rules/mock"
	"github.com/MrWong99/dmcore/internal/scene"
)

// newTable returns a session with a fighter and a goblin in the current
// scene.
func newTable(t *testing.T) *scene.Session {
	t.Helper()
	sess := scene.NewSession("table-1")

	fighter := game.NewActor("Thorin", game.ActorPlayer)
	fighter.ID = "player_1"
	fighter.Abilities.Str = 16
	fighter.Abilities.Dex = 14
	fighter.Weapons = []string{"Longsword"}
	fighter.Proficiencies = []string{"Perception"}
	sess.Engine.AddActor(fighter)

	goblin := game.NewActor("Goblin", game.ActorMonster)
	goblin.ID = "npc_goblin"
	goblin.HP, goblin.MaxHP, goblin.AC = 7, 7, 13
	sess.Engine.AddActor(goblin)
	return sess
}

func TestExecutor_MeleeAttackAppliesDamage(t *testing.T) {
	t.Parallel()

	sess := newTable(t)
	sess.GameState.Set(cache.Monster("npc_goblin"), cache.Entry{HP: 7, MaxHP: 7, AC: 13})
	oracle := &rulesmock.Oracle{
		AttackResult: rules.AttackResult{Hit: true, AttackRoll: 18, NaturalRoll: 13},
		DamageResult: rules.DamageResult{TotalDamage: 5},
	}
	exec := intent.NewExecutor(intent.WithOracle(oracle))

	out := exec.Execute(context.Background(), sess, intent.MeleeAttack{Attack: intent.Attack{
		Actor: "player_1", Target: "npc_goblin", Weapon: "weapon_longsword",
	}})
	if out.Status != intent.StatusOK {
		t.Fatalf("status = %s (%v)", out.Status, out.Err)
	}

	req, _ := oracle.LastRequest("Attack")
	atk := req.(rules.AttackRequest)
	if atk.AttackBonus != 5 || atk.TargetAC != 13 || atk.Seed == nil {
		t.Errorf("attack request = %+v", atk)
	}
	req, _ = oracle.LastRequest("Damage")
	dmg := req.(rules.DamageRequest)
	if dmg.Expression != "1d8+3" || dmg.DamageType != "slashing" {
		t.Errorf("damage request = %+v", dmg)
	}

	goblin, err := sess.Engine.FindActor("npc_goblin")
	if err != nil || goblin.HP != 2 {
		t.Errorf("goblin HP = %d (%v), want 2", goblin.HP, err)
	}
	if out.Target == nil || out.Target.HP != 2 {
		t.Errorf("outcome target = %+v", out.Target)
	}
	if e, _ := sess.GameState.Get(cache.Monster("npc_goblin")); e.HP != 2 {
		t.Errorf("cached HP = %d, want 2", e.HP)
	}
	if sess.Events.Len() == 0 {
		t.Error("no scene events recorded")
	}
}

func TestExecutor_AttackVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		in        intent.Intent
		attack    rules.AttackResult
		wantBonus int
		wantAC    int
		wantExpr  string // "" means no damage roll
		wantCrit  bool
	}{
		{
			name:      "miss rolls no damage",
			in:        intent.MeleeAttack{Attack: intent.Attack{Actor: "player_1", Target: "npc_goblin"}},
			attack:    rules.AttackResult{AttackRoll: 6, NaturalRoll: 1},
			wantBonus: 5,
			wantAC:    13,
		},
		{
			name:      "primary weapon when none named",
			in:        intent.MeleeAttack{Attack: intent.Attack{Actor: "Thorin", Target: "Goblin"}},
			attack:    rules.AttackResult{Hit: true, Critical: true, AttackRoll: 25, NaturalRoll: 20},
			wantBonus: 5,
			wantAC:    13,
			wantExpr:  "1d8+3",
			wantCrit:  true,
		},
		{
			name:      "ranged uses dexterity",
			in:        intent.RangedAttack{Attack: intent.Attack{Actor: "player_1", Target: "npc_goblin", Weapon: "shortbow"}},
			attack:    rules.AttackResult{Hit: true, AttackRoll: 15},
			wantBonus: 4,
			wantAC:    13,
			wantExpr:  "1d6+2",
		},
		{
			name:      "unknown creatures use fallbacks",
			in:        intent.RangedAttack{Attack: intent.Attack{Actor: "ghost", Target: "shadow"}},
			attack:    rules.AttackResult{Hit: true, AttackRoll: 20},
			wantBonus: 5,
			wantAC:    15,
			wantExpr:  "1d6+3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sess := newTable(t)
			oracle := &rulesmock.Oracle{AttackResult: tt.attack, DamageResult: rules.DamageResult{TotalDamage: 3}}
			out := intent.NewExecutor(intent.WithOracle(oracle)).Execute(context.Background(), sess, tt.in)
			if out.Status != intent.StatusOK {
				t.Fatalf("status = %s (%v)", out.Status, out.Err)
			}

			req, _ := oracle.LastRequest("Attack")
			if atk := req.(rules.AttackRequest); atk.AttackBonus != tt.wantBonus || atk.TargetAC != tt.wantAC {
				t.Errorf("attack request = %+v", atk)
			}
			if tt.wantExpr == "" {
				if n := oracle.CallCount("Damage"); n != 0 {
					t.Errorf("Damage calls = %d, want 0", n)
				}
				return
			}
			req, _ = oracle.LastRequest("Damage")
			if dmg := req.(rules.DamageRequest); dmg.Expression != tt.wantExpr || dmg.Critical != tt.wantCrit {
				t.Errorf("damage request = %+v", dmg)
			}
		})
	}
}

func TestExecutor_SkillCheckDC(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     intent.Intent
		wantDC int
		skill  string
	}{
		{"keyword in context", intent.SkillCheck{Actor: "player_1", Skill: "Athletics", Context: "a very hard climb", SuggestDC: true}, 25, "athletics"},
		{"hint beats context", intent.SkillCheck{Actor: "player_1", Skill: "athletics", Context: "an easy wall", DCHint: "hard", SuggestDC: true}, 20, "athletics"},
		{"numeric hint", intent.SkillCheck{Actor: "player_1", Skill: "athletics", DCHint: "12"}, 12, "athletics"},
		{"portuguese keyword", intent.SkillCheck{Actor: "player_1", Skill: "stealth", Context: "uma tarefa muito difícil", SuggestDC: true}, 25, "stealth"},
		{"suggestion off", intent.SkillCheck{Actor: "player_1", Skill: "stealth", Context: "easy", SuggestDC: false}, 15, "stealth"},
		{"investigate area", intent.InvestigateArea{Actor: "player_1", Area: "the trivial shelf"}, 10, "investigation"},
		{"search item", intent.SearchItem{Actor: "player_1", Item: "hidden lever"}, 15, "perception"},
		{"interact object", intent.InteractObject{Actor: "player_1", ObjectID: "difficult_lock"}, 20, "investigation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			oracle := &rulesmock.Oracle{SkillCheckFunc: func(req rules.SkillCheckRequest) (rules.SkillCheckResult, error) {
				return rules.SkillCheckResult{Success: true, RollTotal: 30, DC: req.DC, Margin: 30 - req.DC}, nil
			}}
			out := intent.NewExecutor(intent.WithOracle(oracle)).Execute(context.Background(), newTable(t), tt.in)
			if out.Status != intent.StatusOK || out.Check == nil {
				t.Fatalf("outcome = %+v", out)
			}
			req, _ := oracle.LastRequest("SkillCheck")
			sc := req.(rules.SkillCheckRequest)
			if sc.DC != tt.wantDC || sc.Skill != tt.skill {
				t.Errorf("request = %+v, want DC %d skill %s", sc, tt.wantDC, tt.skill)
			}
		})
	}
}

func TestExecutor_SkillCheckUsesActorModifiers(t *testing.T) {
	t.Parallel()

	sess := newTable(t)
	oracle := &rulesmock.Oracle{SkillCheckResult: rules.SkillCheckResult{RollTotal: 9, DC: 15, Margin: -6}}
	out := intent.NewExecutor(intent.WithOracle(oracle)).Execute(context.Background(), sess,
		intent.SkillCheck{Actor: "Thorin", Skill: "athletics", SuggestDC: true, Advantage: true})
	if out.Status != intent.StatusOK {
		t.Fatalf("status = %s", out.Status)
	}
	req, _ := oracle.LastRequest("SkillCheck")
	sc := req.(rules.SkillCheckRequest)
	if sc.AbilityModifier != 3 || sc.HasProficiency || !sc.Advantage || sc.Seed == nil {
		t.Errorf("request = %+v", sc)
	}

	intent.NewExecutor(intent.WithOracle(oracle)).Execute(context.Background(), sess,
		intent.SkillCheck{Actor: "player_1", Skill: "perception"})
	req, _ = oracle.LastRequest("SkillCheck")
	if sc := req.(rules.SkillCheckRequest); !sc.HasProficiency || sc.ProficiencyBonus != 2 {
		t.Errorf("perception request = %+v", sc)
	}
}

func TestExecutor_CombatLifecycle(t *testing.T) {
	t.Parallel()

	sess := newTable(t)
	exec := intent.NewExecutor()
	ctx := context.Background()

	if out := exec.Execute(ctx, sess, intent.CombatStart{Reason: "ambush"}); out.Status != intent.StatusOK {
		t.Fatalf("combat start: %+v", out)
	}
	if sess.State() != scene.CombatTurnBased || !sess.Engine.InCombat() {
		t.Fatalf("state = %s, in combat = %v", sess.State(), sess.Engine.InCombat())
	}
	if out := exec.Execute(ctx, sess, intent.CombatEnd{}); out.Status != intent.StatusOK {
		t.Fatalf("combat end: %+v", out)
	}
	if sess.State() != scene.Exploration || sess.Engine.InCombat() {
		t.Errorf("state = %s, in combat = %v", sess.State(), sess.Engine.InCombat())
	}
}

func TestExecutor_CombatStartWithoutCombatants(t *testing.T) {
	t.Parallel()

	sess := scene.NewSession("empty")
	exec := intent.NewExecutor()
	ctx := context.Background()

	if out := exec.Execute(ctx, sess, intent.CombatStart{Reason: "ambush"}); out.Status != intent.StatusOK {
		t.Fatalf("combat start: %+v", out)
	}
	if sess.State() != scene.CombatTurnBased {
		t.Fatalf("state = %s, want CombatTurnBased", sess.State())
	}
	if out := exec.Execute(ctx, sess, intent.CombatEnd{}); out.Status != intent.StatusOK {
		t.Fatalf("combat end: %+v", out)
	}
	if sess.State() != scene.Exploration {
		t.Errorf("state = %s, want Exploration", sess.State())
	}
}

func TestExecutor_ExecuteAllContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	sess := newTable(t)
	rep := intent.NewExecutor().ExecuteAll(context.Background(), sess, []intent.Intent{
		intent.Dash{Actor: "zzzzqx"},
		intent.Disengage{Actor: "player_1"},
		intent.Help{Actor: "player_1", Target: "npc_goblin"},
	})

	if len(rep.Outcomes) != 3 || rep.Failed() != 1 || rep.Succeeded() != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Outcomes[0].Status != intent.StatusFailed {
		t.Errorf("first outcome = %+v", rep.Outcomes[0])
	}
	if !errors.Is(rep.Err(), game.ErrActorNotFound) {
		t.Errorf("Err = %v", rep.Err())
	}
}

func TestExecutor_Queries(t *testing.T) {
	t.Parallel()

	store := &loremock.Store{SearchResult: []lore.Document{{ID: "d1", Content: "The elves worship the moon."}}}
	exec := intent.NewExecutor(intent.WithSearcher(store))
	ctx := context.Background()
	sess := newTable(t)

	out := exec.Execute(ctx, sess, intent.LoreQuery{Query: "elves", Scope: "silverwood"})
	if out.Status != intent.StatusOK || len(out.Documents) != 1 {
		t.Fatalf("lore outcome = %+v", out)
	}
	out = exec.Execute(ctx, sess, intent.RuleQuery{Query: "grapple", Context: "combat"})
	if out.Status != intent.StatusOK {
		t.Fatalf("rule outcome = %+v", out)
	}

	calls := store.Searches()
	if len(calls) != 2 {
		t.Fatalf("searches = %+v", calls)
	}
	if c := calls[0]; c.Limit != 5 || c.Filters[lore.FilterType] != lore.TypeLore || c.Filters[lore.FilterScope] != "silverwood" {
		t.Errorf("lore search = %+v", c)
	}
	if c := calls[1]; c.Limit != 3 || c.Filters[lore.FilterType] != lore.TypeRule || c.Filters[lore.FilterContext] != "combat" {
		t.Errorf("rule search = %+v", c)
	}
}

func TestExecutor_QueryErrorsDoNotFail(t *testing.T) {
	t.Parallel()

	sess := newTable(t)
	store := &loremock.Store{SearchErr: errors.New("connection refused")}
	out := intent.NewExecutor(intent.WithSearcher(store)).Execute(context.Background(), sess, intent.LoreQuery{Query: "dragons"})
	if out.Status != intent.StatusOK || out.Err != nil {
		t.Errorf("outcome = %+v", out)
	}

	out = intent.NewExecutor().Execute(context.Background(), sess, intent.RuleQuery{Query: "grapple"})
	if out.Status != intent.StatusSkipped {
		t.Errorf("without store: %+v", out)
	}
}

func TestExecutor_SpellSlots(t *testing.T) {
	t.Parallel()

	sess := newTable(t)
	id := cache.Player("player_1")
	sess.GameState.Set(id, cache.Entry{HP: 20, MaxHP: 20, SpellSlots: map[int]int{1: 1}})
	exec := intent.NewExecutor()
	ctx := context.Background()
	cast := intent.SpellCast{Actor: "player_1", Spell: "magic missile", SlotLevel: 1, Targets: []string{"npc_goblin"}}

	if out := exec.Execute(ctx, sess, cast); out.Status != intent.StatusOK {
		t.Fatalf("first cast: %+v", out)
	}
	if e, _ := sess.GameState.Get(id); e.SpellSlots[1] != 0 {
		t.Errorf("slots = %v", e.SpellSlots)
	}
	out := exec.Execute(ctx, sess, cast)
	if out.Status != intent.StatusFailed || !errors.Is(out.Err, intent.ErrNoSpellSlot) {
		t.Errorf("second cast: %+v", out)
	}
}

func TestExecutor_SceneAndDialogue(t *testing.T) {
	t.Parallel()

	sess := newTable(t)
	exec := intent.NewExecutor()
	ctx := context.Background()

	exec.Execute(ctx, sess, intent.NPCDialogue{NPCID: "npc_goblin", Text: "Shinies!"})
	exec.Execute(ctx, sess, intent.SceneEvent{EventType: "WEATHER", Description: "Rain starts to fall."})
	exec.Execute(ctx, sess, intent.GeneratePortrait{CharacterID: "player_1"})

	events := sess.Events.RecentEvents(3)
	if len(events) != 3 {
		t.Fatalf("events = %v", events)
	}
	if got := events[2].String(); got != "[dialogue] Goblin: Shinies!" {
		t.Errorf("dialogue event = %q", got)
	}
	if got := events[1].String(); got != "[weather] Rain starts to fall." {
		t.Errorf("scene event = %q", got)
	}
	if npcs := sess.Events.ActiveNPCs(); len(npcs) != 1 || npcs[0] != "npc_goblin" {
		t.Errorf("active NPCs = %v", npcs)
	}
}

func TestExecutor_HooksAndDCTableSwap(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		seen []intent.Kind
	)
	oracle := &rulesmock.Oracle{SkillCheckFunc: func(req rules.SkillCheckRequest) (rules.SkillCheckResult, error) {
		return rules.SkillCheckResult{DC: req.DC}, nil
	}}
	exec := intent.NewExecutor(
		intent.WithOracle(oracle),
		intent.WithHook(func(_ context.Context, _ *scene.Session, o intent.Outcome) {
			mu.Lock()
			seen = append(seen, o.Intent.Kind())
			mu.Unlock()
		}),
	)
	exec.SetDCTable(intent.NewDCTable([]intent.DCRule{{Keyword: "tricky", DC: 17}}, 11))

	ctx := context.Background()
	sess := newTable(t)
	exec.Execute(ctx, sess, intent.SkillCheck{Actor: "player_1", Skill: "arcana", Context: "a tricky glyph", SuggestDC: true})
	exec.Execute(ctx, sess, intent.SkillCheck{Actor: "player_1", Skill: "arcana", Context: "a hard glyph", SuggestDC: true})

	var dcs []int
	for _, c := range oracle.Calls() {
		dcs = append(dcs, c.Request.(rules.SkillCheckRequest).DC)
	}
	if len(dcs) != 2 || dcs[0] != 17 || dcs[1] != 11 {
		t.Errorf("DCs = %v, want [17 11]", dcs)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != intent.KindSkillCheck {
		t.Errorf("hook saw %v", seen)
	}
}

func TestDCTable_Lookup(t *testing.T) {
	t.Parallel()

	table := intent.DefaultDCTable()
	tests := []struct {
		text string
		want int
	}{
		{"a very hard climb", 25},
		{"VERY_HARD", 25},
		{"nearly impossible leap", 25},
		{"quite hard", 20},
		{"difficult", 20},
		{"uma porta difícil", 20},
		{"easy", 10},
		{"fácil", 10},
		{"trivial", 10},
		{"ordinary", 15},
		{"", 15},
	}
	for _, tt := range tests {
		if got := table.Lookup(tt.text); got != tt.want {
			t.Errorf("Lookup(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}

	custom := intent.NewDCTable([]intent.DCRule{{Keyword: " Hard ", DC: 18}, {Keyword: "", DC: 99}}, 0)
	if got := custom.Lookup("HARD"); got != 18 {
		t.Errorf("custom Lookup = %d", got)
	}
	if custom.Default() != intent.DefaultDC || len(custom.Rules()) != 1 {
		t.Errorf("custom table = %v default %d", custom.Rules(), custom.Default())
	}
}
