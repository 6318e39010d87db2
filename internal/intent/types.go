// Package intent implements the INTENT DSL: the small text language the
// narrative model uses to request mechanical game actions.
//
// [Parse] turns model output into typed [Intent] values. Each intent block is
// parsed independently; a bad block produces a [*ParseError] and the others
// still come through. [Executor] runs intents against a scene session through
// a dispatch table keyed by [Kind], calling the rules oracle and the lore
// searcher as needed. A batch keeps going when one intent fails.
//
// Wire format:
//
//	[INTENTS]
//	INTENT: MELEE_ATTACK
//	ACTOR: player_1
//	TARGET: npc_goblin_02
//	WEAPON: weapon_longsword
//	MOVE_REQUIRED: YES
//	END_INTENT
//	[/INTENTS]
package intent

import "fmt"

// Kind is the DSL type name of an intent.
type Kind string

const (
	KindSkillCheck        Kind = "SKILL_CHECK"
	KindLoreQuery         Kind = "LORE_QUERY"
	KindRuleQuery         Kind = "RULE_QUERY"
	KindNPCDialogue       Kind = "NPC_DIALOGUE"
	KindSceneEvent        Kind = "SCENE_EVENT"
	KindInvestigateArea   Kind = "INVESTIGATE_AREA"
	KindSearchItem        Kind = "SEARCH_ITEM"
	KindInteractObject    Kind = "INTERACT_OBJECT"
	KindMeleeAttack       Kind = "MELEE_ATTACK"
	KindRangedAttack      Kind = "RANGED_ATTACK"
	KindSpellCast         Kind = "SPELL_CAST"
	KindUseItem           Kind = "USE_ITEM"
	KindReadyAction       Kind = "READY_ACTION"
	KindDash              Kind = "DASH"
	KindDisengage         Kind = "DISENGAGE"
	KindHelp              Kind = "HELP"
	KindCombatStart       Kind = "COMBAT_START"
	KindCombatEnd         Kind = "COMBAT_END"
	KindGeneratePortrait  Kind = "GENERATE_PORTRAIT"
	KindGenerateScene     Kind = "GENERATE_SCENE"
	KindGenerateBattlemap Kind = "GENERATE_BATTLEMAP"
)

// Kinds lists every intent kind in declaration order.
var Kinds = []Kind{
	KindSkillCheck, KindLoreQuery, KindRuleQuery, KindNPCDialogue, KindSceneEvent,
	KindInvestigateArea, KindSearchItem, KindInteractObject,
	KindMeleeAttack, KindRangedAttack, KindSpellCast, KindUseItem, KindReadyAction,
	KindDash, KindDisengage, KindHelp, KindCombatStart, KindCombatEnd,
	KindGeneratePortrait, KindGenerateScene, KindGenerateBattlemap,
}

// Intent is one parsed game action. The set of implementations is closed:
// only the variant types in this package satisfy it.
type Intent interface {
	// Kind returns the DSL type name.
	Kind() Kind

	// Locus returns the mandatory field the intent is about, usually the
	// acting creature. It is never empty for a parsed intent.
	Locus() string

	intent()
}

// ── Checks and queries ──────────────────────────────────────────────────────

// SkillCheck asks for an ability check.
type SkillCheck struct {
	Actor   string
	Skill   string
	Target  string
	Context string

	// SuggestDC derives the DC from DCHint or Context keywords.
	SuggestDC bool
	DCHint    string

	Advantage    bool
	Disadvantage bool
}

// LoreQuery asks the lore store about the world.
type LoreQuery struct {
	Query string
	Scope string
}

// RuleQuery asks the lore store for rules text.
type RuleQuery struct {
	Query   string
	Context string
}

// ── Social and scene ────────────────────────────────────────────────────────

// NPCDialogue is a line spoken by an NPC.
type NPCDialogue struct {
	NPCID string
	Text  string
}

// SceneEvent records something happening in the scene.
type SceneEvent struct {
	EventType   string
	Description string
}

// ── Exploration ─────────────────────────────────────────────────────────────

// InvestigateArea resolves as an investigation check.
type InvestigateArea struct {
	Actor string
	Area  string
}

// SearchItem resolves as a perception check.
type SearchItem struct {
	Actor string
	Item  string
}

// InteractObject resolves as an investigation check.
type InteractObject struct {
	Actor    string
	ObjectID string
}

// ── Combat ──────────────────────────────────────────────────────────────────

// Attack holds the fields shared by melee and ranged attacks.
type Attack struct {
	Actor        string
	Target       string
	Weapon       string
	MoveRequired bool
	Advantage    bool
	Disadvantage bool
}

// MeleeAttack is a weapon attack in reach.
type MeleeAttack struct{ Attack }

// RangedAttack is a ranged weapon attack.
type RangedAttack struct{ Attack }

// Point is a grid coordinate.
type Point struct{ X, Y int }

// SpellCast casts a spell.
type SpellCast struct {
	Actor     string
	Spell     string
	SlotLevel int

	// AreaCenter is nil for spells without an area.
	AreaCenter *Point
	Targets    []string
}

// UseItem uses an inventory item.
type UseItem struct {
	Actor  string
	ItemID string
}

// ReadyAction readies an action for a trigger.
type ReadyAction struct {
	Actor  string
	Action string
}

// Dash doubles movement.
type Dash struct{ Actor string }

// Disengage avoids opportunity attacks.
type Disengage struct{ Actor string }

// Help gives an ally advantage.
type Help struct {
	Actor  string
	Target string
}

// CombatStart enters turn-based combat.
type CombatStart struct{ Reason string }

// CombatEnd leaves turn-based combat.
type CombatEnd struct{ Reason string }

// ── Assets ──────────────────────────────────────────────────────────────────

// GeneratePortrait requests a character portrait.
type GeneratePortrait struct {
	CharacterID string
	Style       string
}

// GenerateScene requests scene art.
type GenerateScene struct {
	SceneID string
	Style   string
	Prompts []string
}

// GenerateBattlemap requests a battle map.
type GenerateBattlemap struct {
	MapID string
	Style string
}

// ── Kind / Locus ────────────────────────────────────────────────────────────

func (SkillCheck) Kind() Kind        { return KindSkillCheck }
func (LoreQuery) Kind() Kind         { return KindLoreQuery }
func (RuleQuery) Kind() Kind         { return KindRuleQuery }
func (NPCDialogue) Kind() Kind       { return KindNPCDialogue }
func (SceneEvent) Kind() Kind        { return KindSceneEvent }
func (InvestigateArea) Kind() Kind   { return KindInvestigateArea }
func (SearchItem) Kind() Kind        { return KindSearchItem }
func (InteractObject) Kind() Kind    { return KindInteractObject }
func (MeleeAttack) Kind() Kind       { return KindMeleeAttack }
func (RangedAttack) Kind() Kind      { return KindRangedAttack }
func (SpellCast) Kind() Kind         { return KindSpellCast }
func (UseItem) Kind() Kind           { return KindUseItem }
func (ReadyAction) Kind() Kind       { return KindReadyAction }
func (Dash) Kind() Kind              { return KindDash }
func (Disengage) Kind() Kind         { return KindDisengage }
func (Help) Kind() Kind              { return KindHelp }
func (CombatStart) Kind() Kind       { return KindCombatStart }
func (CombatEnd) Kind() Kind         { return KindCombatEnd }
func (GeneratePortrait) Kind() Kind  { return KindGeneratePortrait }
func (GenerateScene) Kind() Kind     { return KindGenerateScene }
func (GenerateBattlemap) Kind() Kind { return KindGenerateBattlemap }

func (i SkillCheck) Locus() string        { return i.Actor }
func (i LoreQuery) Locus() string         { return i.Query }
func (i RuleQuery) Locus() string         { return i.Query }
func (i NPCDialogue) Locus() string       { return i.NPCID }
func (i SceneEvent) Locus() string        { return i.EventType }
func (i InvestigateArea) Locus() string   { return i.Actor }
func (i SearchItem) Locus() string        { return i.Actor }
func (i InteractObject) Locus() string    { return i.Actor }
func (i MeleeAttack) Locus() string       { return i.Actor }
func (i RangedAttack) Locus() string      { return i.Actor }
func (i SpellCast) Locus() string         { return i.Actor }
func (i UseItem) Locus() string           { return i.Actor }
func (i ReadyAction) Locus() string       { return i.Actor }
func (i Dash) Locus() string              { return i.Actor }
func (i Disengage) Locus() string         { return i.Actor }
func (i Help) Locus() string              { return i.Actor }
func (CombatStart) Locus() string         { return "combat" }
func (CombatEnd) Locus() string           { return "combat" }
func (i GeneratePortrait) Locus() string  { return i.CharacterID }
func (i GenerateScene) Locus() string     { return i.SceneID }
func (i GenerateBattlemap) Locus() string { return i.MapID }

func (SkillCheck) intent()        {}
func (LoreQuery) intent()         {}
func (RuleQuery) intent()         {}
func (NPCDialogue) intent()       {}
func (SceneEvent) intent()        {}
func (InvestigateArea) intent()   {}
func (SearchItem) intent()        {}
func (InteractObject) intent()    {}
func (MeleeAttack) intent()       {}
func (RangedAttack) intent()      {}
func (SpellCast) intent()         {}
func (UseItem) intent()           {}
func (ReadyAction) intent()       {}
func (Dash) intent()              {}
func (Disengage) intent()         {}
func (Help) intent()              {}
func (CombatStart) intent()       {}
func (CombatEnd) intent()         {}
func (GeneratePortrait) intent()  {}
func (GenerateScene) intent()     {}
func (GenerateBattlemap) intent() {}

// Describe renders an intent for logs and scene history.
func Describe(in Intent) string {
	switch v := in.(type) {
	case SkillCheck:
		return fmt.Sprintf("%s makes a %s check", v.Actor, v.Skill)
	case MeleeAttack:
		return fmt.Sprintf("%s attacks %s", v.Actor, v.Target)
	case RangedAttack:
		return fmt.Sprintf("%s shoots at %s", v.Actor, v.Target)
	case SpellCast:
		return fmt.Sprintf("%s casts %s", v.Actor, v.Spell)
	default:
		return fmt.Sprintf("%s (%s)", in.Kind(), in.Locus())
	}
}
