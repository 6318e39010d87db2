// Package game is the authoritative in-memory engine session: scenes, the
// actors in them, HP, and turn order during combat.
//
// A [Session] guards its own state; every accessor returns copies so callers
// never hold references into engine data.
package game

import (
	"slices"
	"strings"
)

// ActorKind classifies an [Actor].
type ActorKind int

const (
	ActorPlayer ActorKind = iota
	ActorNPC
	ActorMonster
)

// String returns the lower-case kind name.
func (k ActorKind) String() string {
	switch k {
	case ActorPlayer:
		return "player"
	case ActorNPC:
		return "npc"
	case ActorMonster:
		return "monster"
	default:
		return "unknown"
	}
}

// Position is a grid location in feet.
type Position struct {
	X, Y, Z float64
}

// Abilities holds the six ability scores.
type Abilities struct {
	Str, Dex, Con, Int, Wis, Cha int
}

// DefaultAbilities has every score at 10 (+0).
var DefaultAbilities = Abilities{Str: 10, Dex: 10, Con: 10, Int: 10, Wis: 10, Cha: 10}

// Score returns the score for an ability given by full name or three-letter
// abbreviation. Unknown names score 10.
func (a Abilities) Score(ability string) int {
	switch strings.ToLower(ability) {
	case "strength", "str":
		return a.Str
	case "dexterity", "dex":
		return a.Dex
	case "constitution", "con":
		return a.Con
	case "intelligence", "int":
		return a.Int
	case "wisdom", "wis":
		return a.Wis
	case "charisma", "cha":
		return a.Cha
	default:
		return 10
	}
}

// Modifier returns the ability modifier, floor((score-10)/2).
func (a Abilities) Modifier(ability string) int {
	return modifier(a.Score(ability))
}

func modifier(score int) int {
	d := score - 10
	if d < 0 {
		return (d - 1) / 2
	}
	return d / 2
}

// DefaultProficiencyBonus applies to actors that do not set one (levels 1–4).
const DefaultProficiencyBonus = 2

// Actor is a creature in a scene.
type Actor struct {
	ID       string
	Name     string
	Kind     ActorKind
	Position Position

	HP    int
	MaxHP int
	AC    int

	// Initiative is nil until rolled.
	Initiative *int
	Active     bool

	Abilities        Abilities
	ProficiencyBonus int

	// Weapons lists the weapon names the actor wields, primary first.
	Weapons []string

	// Proficiencies lists skill names the actor adds its proficiency bonus to.
	Proficiencies []string
}

// NewActor returns an active actor with 100 HP, AC 10 and default abilities.
func NewActor(name string, kind ActorKind) Actor {
	return Actor{
		Name:             name,
		Kind:             kind,
		HP:               100,
		MaxHP:            100,
		AC:               10,
		Active:           true,
		Abilities:        DefaultAbilities,
		ProficiencyBonus: DefaultProficiencyBonus,
	}
}

// Alive reports whether the actor has HP left.
func (a Actor) Alive() bool { return a.HP > 0 }

// AttackBonus returns the ability modifier (DEX when useDex, otherwise STR)
// plus the proficiency bonus.
func (a Actor) AttackBonus(useDex bool) int {
	ability := "str"
	if useDex {
		ability = "dex"
	}
	return a.Abilities.Modifier(ability) + a.proficiency()
}

// HasProficiency reports whether the actor is proficient in skill.
func (a Actor) HasProficiency(skill string) bool {
	skill = NormalizeSkill(skill)
	return slices.ContainsFunc(a.Proficiencies, func(p string) bool {
		return NormalizeSkill(p) == skill
	})
}

// SkillModifier returns the ability modifier governing skill.
func (a Actor) SkillModifier(skill string) int {
	return a.Abilities.Modifier(SkillAbility(skill))
}

// ProficiencyBonusOrDefault returns the actor's proficiency bonus, or
// [DefaultProficiencyBonus] when unset.
func (a Actor) ProficiencyBonusOrDefault() int { return a.proficiency() }

func (a Actor) proficiency() int {
	if a.ProficiencyBonus <= 0 {
		return DefaultProficiencyBonus
	}
	return a.ProficiencyBonus
}

func (a Actor) clone() Actor {
	out := a
	out.Weapons = slices.Clone(a.Weapons)
	out.Proficiencies = slices.Clone(a.Proficiencies)
	if a.Initiative != nil {
		v := *a.Initiative
		out.Initiative = &v
	}
	return out
}

// ── Skills ───────────────────────────────────────────────────────────────────

var skillAbilities = map[string]string{
	"athletics":       "strength",
	"acrobatics":      "dexterity",
	"sleight_of_hand": "dexterity",
	"stealth":         "dexterity",
	"arcana":          "intelligence",
	"history":         "intelligence",
	"investigation":   "intelligence",
	"nature":          "intelligence",
	"religion":        "intelligence",
	"animal_handling": "wisdom",
	"insight":         "wisdom",
	"medicine":        "wisdom",
	"perception":      "wisdom",
	"survival":        "wisdom",
	"deception":       "charisma",
	"intimidation":    "charisma",
	"performance":     "charisma",
	"persuasion":      "charisma",
}

// NormalizeSkill lower-cases a skill name and joins words with underscores,
// so "Sleight of Hand" becomes "sleight_of_hand".
func NormalizeSkill(skill string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.ReplaceAll(skill, "_", " "))), "_")
}

// SkillAbility returns the ability governing skill. Unknown skills use
// intelligence.
func SkillAbility(skill string) string {
	if a, ok := skillAbilities[NormalizeSkill(skill)]; ok {
		return a
	}
	return "intelligence"
}
