package app

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/dmcore/internal/game"
	"github.com/MrWong99/dmcore/internal/intent"
	"github.com/MrWong99/dmcore/internal/ipc"
	"github.com/MrWong99/dmcore/internal/scene"
)

func combatSession(t *testing.T) *scene.Session {
	t.Helper()
	sess := scene.NewSession("table-1")
	hero := game.NewActor("Thorin", game.ActorPlayer)
	hero.ID = "player_1"
	sess.Engine.AddActor(hero)
	goblin := game.NewActor("Goblin", game.ActorMonster)
	goblin.ID = "npc_goblin"
	goblin.HP, goblin.MaxHP = 3, 7
	sess.Engine.AddActor(goblin)
	if err := sess.Transition(scene.CombatTurnBased); err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestSceneUpdate(t *testing.T) {
	t.Parallel()

	empty := sceneUpdate(scene.NewSession("s"), "")
	if empty.Summary != "Scene in SocialFreeFlow state" || empty.Participants == nil {
		t.Errorf("empty update = %+v", empty)
	}

	u := sceneUpdate(combatSession(t), "npc_goblin")
	if u.SceneState != "CombatTurnBased" || u.ActiveSpeakerID != "npc_goblin" || len(u.Participants) != 2 {
		t.Fatalf("update = %+v", u)
	}
	for _, p := range u.Participants {
		if p.IsNPC != (p.ID == "npc_goblin") {
			t.Errorf("participant %+v has wrong IsNPC", p)
		}
	}
}

func TestCombatUpdate(t *testing.T) {
	t.Parallel()

	if u := combatUpdate(scene.NewSession("s")); u.InCombat || len(u.InitiativeOrder) != 0 || u.InitiativeOrder == nil {
		t.Errorf("out of combat = %+v", u)
	}

	u := combatUpdate(combatSession(t))
	if !u.InCombat || u.Round != 1 || len(u.InitiativeOrder) != 2 {
		t.Fatalf("update = %+v", u)
	}
	active := 0
	for _, s := range u.InitiativeOrder {
		if s.IsActive {
			active++
			if s.CreatureID != u.ActiveCreatureID {
				t.Errorf("active slot %q, ActiveCreatureID %q", s.CreatureID, u.ActiveCreatureID)
			}
		}
		if s.CreatureID == "npc_goblin" && (s.CurrentHP != 3 || s.MaxHP != 7) {
			t.Errorf("goblin slot = %+v", s)
		}
	}
	if active != 1 {
		t.Errorf("%d active slots, want 1", active)
	}
}

func TestExecutionHook(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		outcome intent.Outcome
		want    []ipc.Type
	}{
		{
			name:    "skill check",
			outcome: intent.Outcome{Intent: intent.SkillCheck{Actor: "player_1", Skill: "stealth"}, Status: intent.StatusOK, Summary: "Thorin: stealth 14 vs DC 12, success"},
			want:    []ipc.Type{ipc.TypeNarration},
		},
		{
			name:    "combat start",
			outcome: intent.Outcome{Intent: intent.CombatStart{Reason: "ambush"}, Status: intent.StatusOK},
			want:    []ipc.Type{ipc.TypeCombatUpdate, ipc.TypeSceneUpdate},
		},
		{
			name:    "npc dialogue",
			outcome: intent.Outcome{Intent: intent.NPCDialogue{NPCID: "npc_goblin", Text: "Grr"}, Status: intent.StatusOK},
			want:    []ipc.Type{ipc.TypeSceneUpdate},
		},
		{
			name:    "failed intent",
			outcome: intent.Outcome{Intent: intent.CombatStart{}, Status: intent.StatusFailed},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			bus := newBus(t)
			updates := subscribe(t, bus, "table-1")
			sess := combatSession(t)

			ExecutionHook(bus)(context.Background(), sess, tt.outcome)
			// A trailing marker proves nothing else was published.
			publish(context.Background(), bus, ipc.Narration{SessionID: "table-1", SpeakerID: "marker"})

			var got []ipc.Type
			timeout := time.After(2 * time.Second)
			for done := false; !done; {
				select {
				case env := <-updates:
					if n, ok := env.Payload.(ipc.Narration); ok && n.SpeakerID == "marker" {
						done = true
						continue
					}
					got = append(got, env.Type)
				case <-timeout:
					t.Fatal("marker never arrived")
				}
			}
			if len(got) != len(tt.want) {
				t.Fatalf("published %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("published %v, want %v", got, tt.want)
				}
			}
		})
	}
}
