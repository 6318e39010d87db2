package cache

import (
	"slices"
	"testing"
	"time"
)

func TestSceneContextCache_CapacityDropsOldest(t *testing.T) {
	t.Parallel()
	c := NewSceneContextCache()
	for i := range 8 {
		c.AddRaw(EventAction, string(rune('a'+i)))
	}
	if c.Len() != DefaultSceneCapacity {
		t.Fatalf("Len = %d, want %d", c.Len(), DefaultSceneCapacity)
	}
	recent := c.RecentEvents(10)
	if recent[0].Description != "h" || recent[len(recent)-1].Description != "c" {
		t.Errorf("RecentEvents order = %v, want h..c", recent)
	}
}

func TestSceneContextCache_RecentEventsLimit(t *testing.T) {
	t.Parallel()
	c := NewSceneContextCache()
	c.Add(ActionEvent{Actor: "Thorin", Action: "draws his axe"})
	c.Add(DialogueEvent{Speaker: "Guard", Message: "Halt!"})

	got := c.RecentEvents(1)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].String() != "[dialogue] Guard: Halt!" {
		t.Errorf("event = %q", got[0].String())
	}
}

func TestSceneEvent_Rendering(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ev   SceneEvent
		want string
	}{
		{"action", ActionEvent{Actor: "Lia", Action: "opens the door"}, "[action] Lia: opens the door"},
		{"roll", RollEvent{Actor: "Lia", RollType: "stealth", Result: 17}, "[roll] Lia rolled 17 for stealth"},
		{"interaction", InteractionEvent{From: "Lia", To: "Guard", Kind: "talks"}, "[interaction] Lia talks with Guard"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.ev.contextEvent().String(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSceneContextCache_ContextSliceNewestFirst(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewSceneContextCache()
	c.Add(ActionEvent{Actor: "a", Action: "late", At: base.Add(2 * time.Minute)})
	c.Add(ActionEvent{Actor: "a", Action: "early", At: base})
	c.Add(ActionEvent{Actor: "a", Action: "middle", At: base.Add(time.Minute)})

	var got []string
	for _, ev := range c.ContextSlice() {
		got = append(got, ev.Description)
	}
	want := []string{"a: late", "a: middle", "a: early"}
	if !slices.Equal(got, want) {
		t.Errorf("ContextSlice = %v, want %v", got, want)
	}
}

func TestSceneContextCache_NPCsAndInteractions(t *testing.T) {
	t.Parallel()
	c := NewSceneContextCache()
	c.AddActiveNPC("guard")
	c.AddActiveNPC("innkeeper")
	c.RemoveActiveNPC("guard")
	if got := c.ActiveNPCs(); !slices.Equal(got, []string{"innkeeper"}) {
		t.Errorf("ActiveNPCs = %v", got)
	}

	c.Add(InteractionEvent{From: "p1", To: "innkeeper", Kind: "trades"})
	c.AddInteraction("p1", "guard")
	if got := c.Interactions("p1"); !slices.Equal(got, []string{"guard", "innkeeper"}) {
		t.Errorf("Interactions = %v", got)
	}

	c.Clear()
	if c.Len() != 0 || len(c.ActiveNPCs()) != 0 || len(c.Interactions("p1")) != 0 {
		t.Error("Clear left data behind")
	}
}

func TestSceneContextCache_Render(t *testing.T) {
	t.Parallel()
	c := NewSceneContextCache(WithSceneCapacity(2))
	c.AddActiveNPC("guard")
	c.AddRaw(EventCombat, "initiative rolled")
	want := "Active NPCs: guard\n[combat] initiative rolled"
	if got := c.Render(); got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
}
