package stage

import (
	"fmt"
	"strings"
)

// PersonaKind identifies who is speaking.
type PersonaKind int

const (
	KindDungeonMaster PersonaKind = iota
	KindNPC
	KindPlayerAI
	KindMonster
	KindNarrator
)

// Persona is the voice a stage answers in. NPC, PlayerAI, and Monster
// personas carry a name.
type Persona struct {
	Kind PersonaKind
	Name string
}

func DungeonMaster() Persona       { return Persona{Kind: KindDungeonMaster} }
func Narrator() Persona            { return Persona{Kind: KindNarrator} }
func NPC(name string) Persona      { return Persona{Kind: KindNPC, Name: name} }
func PlayerAI(name string) Persona { return Persona{Kind: KindPlayerAI, Name: name} }
func Monster(name string) Persona  { return Persona{Kind: KindMonster, Name: name} }

// DisplayName is the name used in prompts and cache keys.
func (p Persona) DisplayName() string {
	switch p.Kind {
	case KindDungeonMaster:
		return "Dungeon Master"
	case KindNarrator:
		return "Narrator"
	default:
		return p.Name
	}
}

// String implements fmt.Stringer.
func (p Persona) String() string {
	switch p.Kind {
	case KindNPC:
		return "npc:" + p.Name
	case KindPlayerAI:
		return "player_ai:" + p.Name
	case KindMonster:
		return "monster:" + p.Name
	default:
		return strings.ToLower(strings.ReplaceAll(p.DisplayName(), " ", "_"))
	}
}

// ParsePersona accepts the forms produced by [Persona.String].
func ParsePersona(s string) (Persona, error) {
	kind, name, _ := strings.Cut(s, ":")
	switch strings.ToLower(kind) {
	case "dungeon_master", "dm":
		return DungeonMaster(), nil
	case "narrator":
		return Narrator(), nil
	case "npc":
		return NPC(name), nil
	case "player_ai":
		return PlayerAI(name), nil
	case "monster":
		return Monster(name), nil
	}
	return Persona{}, fmt.Errorf("stage: unknown persona %q", s)
}

// ── Prompts ─────────────────────────────────────────────────────────────────

const preludeRules = "You are a Dungeon Master providing a brief, emotional reaction to player actions. " +
	"Your role is to provide a human-like immediate response (1-2 sentences, max 40 tokens) " +
	"that acknowledges the action emotionally without resolving it. " +
	"You are NOT the narrator - you are the immediate human reaction. " +
	"Be perceptive, intimate, sensory. Open space, don't close it. " +
	"NEVER give numbers, calculate damage, request rolls, decide success/failure, " +
	"interpret spells, describe NPC reactions, resolve combat, narrate mechanical results, " +
	"resolve scenes, explain rules, cite causality, interpret death saves, or announce criticals/failures."

// PreludeSystemPrompt returns the system prompt for the prelude tier. A
// non-empty bridge phrase is offered as style inspiration.
func (p Persona) PreludeSystemPrompt(bridgePhrase string) string {
	var base string
	switch p.Kind {
	case KindDungeonMaster:
		base = preludeRules
	case KindNPC:
		base = fmt.Sprintf("You are %s, an NPC. Provide a brief emotional reaction (1-2 sentences, max 40 tokens).", p.Name)
	case KindPlayerAI:
		base = fmt.Sprintf("You are %s, a player character. Provide a brief emotional reaction (1-2 sentences, max 40 tokens).", p.Name)
	case KindMonster:
		base = fmt.Sprintf("You are a %s. Provide a brief emotional reaction (1-2 sentences, max 40 tokens).", p.Name)
	default:
		base = "You are a narrator. Provide a brief, atmospheric emotional reaction (1-2 sentences, max 40 tokens)."
	}
	if bridgePhrase == "" {
		return base
	}
	return fmt.Sprintf("%s\n\nUse this as inspiration for your response style: %q", base, bridgePhrase)
}

// intentInstructions teaches the narrative tier the INTENT DSL.
const intentInstructions = `IMPORTANT: When your response requires mechanical actions (combat, skill checks, etc.), include an INTENT DSL block using this format:

[INTENTS]
INTENT: <TYPE>
<KEY>: <VALUE>
...
END_INTENT
[/INTENTS]

Known types: SKILL_CHECK (ACTOR, SKILL, TARGET, CONTEXT, SUGGEST_DC, DC_HINT, ADVANTAGE, DISADVANTAGE), MELEE_ATTACK and RANGED_ATTACK (ACTOR, TARGET, WEAPON, MOVE_REQUIRED, ADVANTAGE, DISADVANTAGE), SPELL_CAST (ACTOR, SPELL, SLOT_LEVEL, TARGETS, AREA_CENTER as "x,y"), COMBAT_START (REASON), COMBAT_END (REASON), LORE_QUERY (QUERY, SCOPE), RULE_QUERY (QUERY, CONTEXT), INVESTIGATE_AREA (ACTOR, AREA), SEARCH_ITEM (ACTOR, ITEM), INTERACT_OBJECT (ACTOR, OBJECT_ID), NPC_DIALOGUE (NPC_ID, TEXT), SCENE_EVENT (EVENT_TYPE, DESCRIPTION), USE_ITEM (ACTOR, ITEM_ID), READY_ACTION (ACTOR, ACTION), DASH (ACTOR), DISENGAGE (ACTOR), HELP (ACTOR, TARGET), GENERATE_PORTRAIT (CHARACTER_ID, STYLE), GENERATE_SCENE (SCENE_ID, STYLE, PROMPTS), GENERATE_BATTLEMAP (MAP_ID, STYLE). Booleans are YES or NO.

The narrative text should come before or after the INTENT block. Only include INTENTs when mechanical actions are needed. Never state dice results yourself.`

// NarrativeSystemPrompt returns the system prompt for the narrative tier.
// Only the Dungeon Master is taught the INTENT DSL.
func (p Persona) NarrativeSystemPrompt() string {
	switch p.Kind {
	case KindDungeonMaster:
		return "You are a Dungeon Master for a tabletop RPG game. You narrate the story, control NPCs, and manage the game world. Be descriptive, immersive, and engaging.\n\n" + intentInstructions
	case KindNPC:
		return fmt.Sprintf("You are %s, an NPC in the game. Respond in character.", p.Name)
	case KindPlayerAI:
		return fmt.Sprintf("You are %s, a player character. Respond as this character would.", p.Name)
	case KindMonster:
		return fmt.Sprintf("You are a %s, a monster in the game. Respond appropriately.", p.Name)
	default:
		return "You are a narrator. Provide descriptive, atmospheric narration."
	}
}

// ── Fallback templates ──────────────────────────────────────────────────────

// PreludeTemplate is the deterministic reaction used when the prelude model
// cannot answer.
func (p Persona) PreludeTemplate() string {
	switch p.Kind {
	case KindDungeonMaster:
		return "A weight settles in the air as you move forward. The moment stretches."
	case KindNPC:
		return p.Name + "'s eyes flicker with recognition."
	case KindPlayerAI:
		return p.Name + " feels the tension build."
	case KindMonster:
		return "The " + p.Name + " shifts, sensing movement."
	default:
		return "The silence deepens, heavy with anticipation."
	}
}

// NarrativeTemplate is the deterministic narration used when the narrative
// model cannot answer. It never carries intents.
func (p Persona) NarrativeTemplate() string {
	switch p.Kind {
	case KindDungeonMaster:
		return "The world holds still for a heartbeat while fate weighs your choice. Tell me what you do next."
	case KindNPC:
		return p.Name + " studies you for a long moment before answering, choosing each word with care."
	case KindPlayerAI:
		return p.Name + " steadies their breath and waits for the right moment to act."
	case KindMonster:
		return "The " + p.Name + " circles slowly, its intent hidden behind a low growl."
	default:
		return "The scene lingers, every shadow waiting for what comes next."
	}
}
