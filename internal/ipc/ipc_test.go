package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestEnvelope_MarshalFlattensType(t *testing.T) {
	t.Parallel()

	env := New(Narration{SessionID: "table-1", SpeakerID: "dm", Text: "The door creaks.", TaggedForTTS: true})
	got, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"type":"narration","session_id":"table-1","speaker_id":"dm","text":"The door creaks.","tagged_for_tts":true}`
	if string(got) != want {
		t.Errorf("Marshal =\n%s\nwant\n%s", got, want)
	}
}

func TestEnvelope_MarshalEmptyPayload(t *testing.T) {
	t.Parallel()

	for _, env := range []Envelope{New(Ping{}), New(Pong{}), {Type: TypePong}} {
		got, err := json.Marshal(env)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", env.Type, err)
		}
		if want := `{"type":"` + string(env.Type) + `"}`; string(got) != want {
			t.Errorf("Marshal = %s, want %s", got, want)
		}
	}
}

func TestEnvelope_MarshalWithoutType(t *testing.T) {
	t.Parallel()

	if _, err := json.Marshal(Envelope{Payload: Ping{}}); !errors.Is(err, ErrUnknownType) {
		t.Errorf("err = %v, want ErrUnknownType", err)
	}
}

func TestEnvelope_UnmarshalClientMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		check func(t *testing.T, env Envelope)
	}{
		{
			name:  "voice action",
			input: `{"type":"player-action","session_id":"s1","player_id":"p1","kind":"Voice","text":"Eu ataco o goblin","metadata":{"asr_confidence":0.93}}`,
			check: func(t *testing.T, env Envelope) {
				a, ok := env.Payload.(PlayerAction)
				if !ok {
					t.Fatalf("payload = %T", env.Payload)
				}
				if a.Kind != ActionVoice || a.Text != "Eu ataco o goblin" || a.PlayerID != "p1" {
					t.Errorf("action = %+v", a)
				}
				if string(a.Metadata) != `{"asr_confidence":0.93}` {
					t.Errorf("metadata = %s", a.Metadata)
				}
			},
		},
		{
			name:  "ui action",
			input: `{"type":"player-action","session_id":"s1","player_id":"p1","kind":"Ui","ui_intent":"end_turn"}`,
			check: func(t *testing.T, env Envelope) {
				if a := env.Payload.(PlayerAction); a.Kind != ActionUI || a.UIIntent != "end_turn" {
					t.Errorf("action = %+v", a)
				}
			},
		},
		{
			name:  "roll result",
			input: `{"type":"roll-result","session_id":"s1","request_id":"r1","actor_id":"player_1","total":17,"natural":14,"breakdown":{"d20":14,"mod":3},"timestamp":1700000000000}`,
			check: func(t *testing.T, env Envelope) {
				r := env.Payload.(RollResult)
				if r.Total != 17 || r.Natural != 14 || r.RequestID != "r1" || r.Timestamp != 1700000000000 {
					t.Errorf("roll = %+v", r)
				}
			},
		},
		{
			name:  "scene update with stats",
			input: `{"type":"scene-update","session_id":"s1","scene_state":"Exploration","summary":"Cripta","participants":[{"id":"player_1","name":"Aria","is_npc":false,"stats":{"kind":"player","hp":30,"max_hp":44,"ac":16,"spell_slots":{"1":2},"resources":{"Rage":2},"statuses":["prone"]}}]}`,
			check: func(t *testing.T, env Envelope) {
				u := env.Payload.(SceneUpdate)
				if len(u.Participants) != 1 || u.Participants[0].Stats == nil {
					t.Fatalf("participants = %+v", u.Participants)
				}
				st := u.Participants[0].Stats
				if st.HP != 30 || st.MaxHP != 44 || st.AC != 16 || st.SpellSlots[1] != 2 || st.Resources["Rage"] != 2 {
					t.Errorf("stats = %+v", st)
				}
			},
		},
		{
			name:  "combat update",
			input: `{"type":"combat-update","session_id":"s1","in_combat":true,"round":1,"initiative_order":[{"creature_id":"goblin_1","name":"Goblin","current_hp":7,"max_hp":7,"is_active":true}]}`,
			check: func(t *testing.T, env Envelope) {
				u := env.Payload.(CombatUpdate)
				if !u.InCombat || len(u.InitiativeOrder) != 1 || u.InitiativeOrder[0].CurrentHP != 7 {
					t.Errorf("update = %+v", u)
				}
			},
		},
		{
			name:  "ping",
			input: `{"type":"ping"}`,
			check: func(t *testing.T, env Envelope) {
				if _, ok := env.Payload.(Ping); !ok {
					t.Errorf("payload = %T", env.Payload)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var env Envelope
			if err := json.Unmarshal([]byte(tt.input), &env); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			tt.check(t, env)
		})
	}
}

func TestEnvelope_UnmarshalErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		unknown bool
	}{
		{name: "missing type", input: `{"session_id":"s1"}`, unknown: true},
		{name: "unknown type", input: `{"type":"teleport"}`, unknown: true},
		{name: "not an object", input: `[1,2]`},
		{name: "bad field type", input: `{"type":"roll-result","total":"seventeen"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var env Envelope
			err := json.Unmarshal([]byte(tt.input), &env)
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, ErrUnknownType) != tt.unknown {
				t.Errorf("err = %v, unknown type = %v", err, tt.unknown)
			}
		})
	}
}

func TestEnvelope_RoundTripKeepsOptionalFieldsOut(t *testing.T) {
	t.Parallel()

	dc := 15
	in := New(RollRequest{SessionID: "s1", RequestID: "r1", ActorID: "player_1", RollKind: "skill_check", Skill: "stealth", DC: &dc, Reason: "sneak past"})
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "ability") || strings.Contains(string(data), "formula_hint") {
		t.Errorf("optional fields leaked: %s", data)
	}

	var out Envelope
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	req := out.Payload.(RollRequest)
	if out.Type != TypeRollRequest || req.DC == nil || *req.DC != 15 || req.Skill != "stealth" {
		t.Errorf("decoded = %+v", req)
	}
}

func TestNew_PanicsOnForeignPayload(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("New did not panic")
		}
	}()
	New(struct{ X int }{1})
}

func TestEnvelope_SessionID(t *testing.T) {
	t.Parallel()

	if got := New(CombatUpdate{SessionID: "s9"}).SessionID(); got != "s9" {
		t.Errorf("SessionID = %q", got)
	}
	if got := NewError(CodeParseError, "bad", "").SessionID(); got != "" {
		t.Errorf("error SessionID = %q", got)
	}
}

func TestPlayerAction_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		action  PlayerAction
		wantErr string
	}{
		{name: "valid voice", action: PlayerAction{SessionID: "s", PlayerID: "p", Kind: ActionVoice, Text: "hi"}},
		{name: "valid ui", action: PlayerAction{SessionID: "s", PlayerID: "p", Kind: ActionUI, UIIntent: "end_turn"}},
		{name: "voice without text", action: PlayerAction{SessionID: "s", PlayerID: "p", Kind: ActionVoice}, wantErr: "requires text"},
		{name: "ui without intent", action: PlayerAction{SessionID: "s", PlayerID: "p", Kind: ActionUI}, wantErr: "ui_intent"},
		{name: "bad kind", action: PlayerAction{SessionID: "s", PlayerID: "p", Kind: "Gesture"}, wantErr: "kind"},
		{name: "missing ids", action: PlayerAction{Kind: ActionVoice, Text: "hi"}, wantErr: "session_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.action.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestStateUpdates_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		update  interface{ Validate() error }
		wantErr string
	}{
		{name: "scene without participants", update: SceneUpdate{SessionID: "s"}},
		{name: "scene with stats", update: SceneUpdate{SessionID: "s", Participants: []Participant{{ID: "p", Stats: &CreatureStats{Kind: "monster", HP: 3, MaxHP: 7}}}}},
		{name: "scene missing session", update: SceneUpdate{}, wantErr: "session_id"},
		{name: "participant missing id", update: SceneUpdate{SessionID: "s", Participants: []Participant{{Name: "Aria"}}}, wantErr: "participants[0]: id"},
		{name: "participant bad kind", update: SceneUpdate{SessionID: "s", Participants: []Participant{{ID: "p", Stats: &CreatureStats{Kind: "dragon"}}}}, wantErr: "kind"},
		{name: "participant hp above max", update: SceneUpdate{SessionID: "s", Participants: []Participant{{ID: "p", Stats: &CreatureStats{HP: 9, MaxHP: 7}}}}, wantErr: "out of range"},
		{name: "combat", update: CombatUpdate{SessionID: "s", InCombat: true, InitiativeOrder: []InitiativeSlot{{CreatureID: "g", CurrentHP: 7, MaxHP: 7}}}},
		{name: "combat slot missing id", update: CombatUpdate{SessionID: "s", InitiativeOrder: []InitiativeSlot{{Name: "Goblin"}}}, wantErr: "creature_id"},
		{name: "combat slot hp above max", update: CombatUpdate{SessionID: "s", InitiativeOrder: []InitiativeSlot{{CreatureID: "g", CurrentHP: 8, MaxHP: 7}}}, wantErr: "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.update.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	t.Parallel()

	base := errors.New("no such session")
	wrapped := fmt.Errorf("dispatch: %w", WithCode(CodeSessionNotFound, base))
	if got := CodeOf(wrapped); got != CodeSessionNotFound {
		t.Errorf("CodeOf = %q", got)
	}
	if !errors.Is(wrapped, base) {
		t.Error("WithCode hides the cause")
	}
	if got := CodeOf(base); got != CodeProcessingError {
		t.Errorf("CodeOf(plain) = %q", got)
	}
	if WithCode(CodeParseError, nil) != nil {
		t.Error("WithCode(nil) != nil")
	}
}
