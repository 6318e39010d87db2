package app

import (
	"context"
	"testing"

	"github.com/MrWong99/dmcore/internal/cache"
	"github.com/MrWong99/dmcore/internal/game"
	"github.com/MrWong99/dmcore/internal/ipc"
	"github.com/MrWong99/dmcore/internal/scene"
)

func TestSessionManager_SceneUpdateSeedsObjectiveAnswers(t *testing.T) {
	t.Parallel()

	bus := newBus(t)
	scenes := scene.NewRegistry()
	m := newManager(t, SessionManagerConfig{Pipeline: realPipeline("unused"), Scenes: scenes, Publisher: bus})
	updates := subscribe(t, bus, "table-1")
	ctx := context.Background()

	seed := ipc.SceneUpdate{
		SessionID:  "table-1",
		SceneState: "Exploration",
		Summary:    "Cripta de Valdren",
		Participants: []ipc.Participant{
			{ID: "player_1", Name: "Aria", Stats: &ipc.CreatureStats{Kind: "player", HP: 30, MaxHP: 44, AC: 16, SpellSlots: map[int]int{1: 2}}},
			{ID: "npc_guard_01", Name: "Capitão da Guarda", IsNPC: true},
		},
	}
	if err := m.Dispatch(ctx, ipc.New(seed)); err != nil {
		t.Fatalf("Dispatch scene update: %v", err)
	}

	sess, err := scenes.Get("table-1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.State() != scene.Exploration {
		t.Errorf("state = %s, want Exploration", sess.State())
	}
	info, ok := sess.Engine.CurrentScene()
	if !ok || info.Name != "Cripta de Valdren" || len(info.Actors) != 2 {
		t.Fatalf("scene = %+v", info)
	}
	aria, err := sess.Engine.FindActor("player_1")
	if err != nil || aria.HP != 30 || aria.MaxHP != 44 || aria.AC != 16 || aria.Kind != game.ActorPlayer {
		t.Errorf("actor = %+v (err %v)", aria, err)
	}
	if e, ok := sess.GameState.Get(cache.Player("player_1")); !ok || e.SpellSlots[1] != 2 {
		t.Errorf("game state entry = %+v, %v", e, ok)
	}
	if npcs := sess.Events.ActiveNPCs(); len(npcs) != 1 || npcs[0] != "npc_guard_01" {
		t.Errorf("active NPCs = %v", npcs)
	}

	if err := m.Dispatch(ctx, voice("table-1", "Quantos HP eu tenho?")); err != nil {
		t.Fatal(err)
	}
	n := nextOf(t, updates, ipc.TypeNarration).Payload.(ipc.Narration)
	if n.Text != "Você tem 30 HP de 44." {
		t.Errorf("narration = %q", n.Text)
	}
}

func TestSessionManager_CombatUpdateStartsPendingCombat(t *testing.T) {
	t.Parallel()

	bus := newBus(t)
	scenes := scene.NewRegistry()
	sess, _ := scenes.GetOrCreate("table-1")
	if err := sess.Transition(scene.CombatTurnBased); err != nil {
		t.Fatal(err)
	}
	if sess.Engine.InCombat() {
		t.Fatal("engine in combat without combatants")
	}
	m := newManager(t, SessionManagerConfig{Pipeline: newGateProcessor(), Scenes: scenes, Publisher: bus})
	updates := subscribe(t, bus, "table-1")
	ctx := context.Background()

	tracker := ipc.CombatUpdate{
		SessionID: "table-1",
		InCombat:  true,
		InitiativeOrder: []ipc.InitiativeSlot{
			{CreatureID: "goblin_1", Name: "Goblin", CurrentHP: 5, MaxHP: 7},
			{CreatureID: "wolf_1", Name: "Lobo", CurrentHP: 11, MaxHP: 11},
		},
	}
	if err := m.Dispatch(ctx, ipc.New(tracker)); err != nil {
		t.Fatalf("Dispatch combat update: %v", err)
	}

	n := nextOf(t, updates, ipc.TypeNarration).Payload.(ipc.Narration)
	if n.SpeakerID != SpeakerSystem || n.Text != "Combat begins with 2 combatants." {
		t.Errorf("narration = %+v", n)
	}
	u := nextOf(t, updates, ipc.TypeCombatUpdate).Payload.(ipc.CombatUpdate)
	if !u.InCombat || len(u.InitiativeOrder) != 2 {
		t.Fatalf("combat update = %+v", u)
	}
	if first := u.InitiativeOrder[0]; first.CreatureID != "goblin_1" || !first.IsActive || first.CurrentHP != 5 {
		t.Errorf("first slot = %+v, want the active goblin at 5 HP", first)
	}
	if e, ok := sess.GameState.Get(cache.Monster("wolf_1")); !ok || e.HP != 11 || e.Initiative == nil || *e.Initiative != 1 {
		t.Errorf("wolf entry = %+v, %v", e, ok)
	}

	if err := m.Dispatch(ctx, ipc.New(ipc.CombatUpdate{SessionID: "table-1"})); err != nil {
		t.Fatalf("Dispatch combat end: %v", err)
	}
	if sess.State() != scene.Exploration || sess.Engine.InCombat() {
		t.Errorf("after combat end: state %s, in combat %v", sess.State(), sess.Engine.InCombat())
	}
	if u := nextOf(t, updates, ipc.TypeCombatUpdate).Payload.(ipc.CombatUpdate); u.InCombat {
		t.Errorf("combat update = %+v, want combat over", u)
	}
}

func TestSessionManager_SceneUpdateEntersCombatWithSeededActors(t *testing.T) {
	t.Parallel()

	bus := newBus(t)
	scenes := scene.NewRegistry()
	m := newManager(t, SessionManagerConfig{Pipeline: newGateProcessor(), Scenes: scenes, Publisher: bus})
	updates := subscribe(t, bus, "table-1")

	roll := func(v int) *int { return &v }
	err := m.Dispatch(context.Background(), ipc.New(ipc.SceneUpdate{
		SessionID:  "table-1",
		SceneState: "CombatTurnBased",
		Participants: []ipc.Participant{
			{ID: "player_1", Name: "Aria", Stats: &ipc.CreatureStats{HP: 44, MaxHP: 44, Initiative: roll(9)}},
			{ID: "orc_1", Name: "Orc", Stats: &ipc.CreatureStats{Kind: "monster", HP: 15, MaxHP: 15, Initiative: roll(14)}},
		},
	}))
	if err != nil {
		t.Fatal(err)
	}

	u := nextOf(t, updates, ipc.TypeCombatUpdate).Payload.(ipc.CombatUpdate)
	if !u.InCombat || len(u.InitiativeOrder) != 2 || u.InitiativeOrder[0].CreatureID != "orc_1" {
		t.Errorf("combat update = %+v, want the orc first", u)
	}
	sess, _ := scenes.Get("table-1")
	if _, ok := sess.GameState.Get(cache.Monster("orc_1")); !ok {
		t.Error("orc missing from game state")
	}
}

func TestSessionManager_StateUpdateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		env  ipc.Envelope
	}{
		{name: "scene without session", env: ipc.New(ipc.SceneUpdate{})},
		{name: "unknown scene state", env: ipc.New(ipc.SceneUpdate{SessionID: "table-1", SceneState: "Sleeping"})},
		{name: "participant without id", env: ipc.New(ipc.SceneUpdate{SessionID: "table-1", Participants: []ipc.Participant{{Name: "Aria"}}})},
		{name: "slot without id", env: ipc.New(ipc.CombatUpdate{SessionID: "table-1", InitiativeOrder: []ipc.InitiativeSlot{{Name: "Goblin"}}})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			scenes := scene.NewRegistry()
			m := newManager(t, SessionManagerConfig{Pipeline: newGateProcessor(), Scenes: scenes, Publisher: newBus(t)})

			err := m.Dispatch(context.Background(), tt.env)
			if code := ipc.CodeOf(err); err == nil || code != ipc.CodeInvalidMessage {
				t.Fatalf("Dispatch = %v (code %q), want %s", err, code, ipc.CodeInvalidMessage)
			}
			if scenes.Len() != 0 {
				t.Errorf("sessions = %v, want none created", scenes.List())
			}
		})
	}
}
