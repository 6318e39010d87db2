// Package rules resolves game mechanics: dice rolls, attacks, damage, and
// skill checks.
//
// The [Oracle] interface is the only way the rest of the system touches
// randomness. Three implementations are provided:
//
//   - [Client] calls a remote rules service over HTTP.
//   - [Local] resolves everything in-process with a seeded PCG source.
//   - mcporacle.Client calls the same operations as MCP tools.
//
// [Guarded] puts a remote oracle and a local one behind per-entry circuit
// breakers so a dead rules service degrades to local dice instead of failing
// the turn.
package rules

import (
	"context"
	"errors"
)

// ErrInvalidExpression is returned for dice expressions that cannot be parsed.
var ErrInvalidExpression = errors.New("rules: invalid dice expression")

// Oracle resolves game mechanics. Implementations must be safe for concurrent
// use.
type Oracle interface {
	// Roll evaluates a dice expression such as "2d6+3".
	Roll(ctx context.Context, req RollRequest) (RollResult, error)

	// Attack resolves a d20 attack roll against an armour class.
	Attack(ctx context.Context, req AttackRequest) (AttackResult, error)

	// Damage rolls a damage expression.
	Damage(ctx context.Context, req DamageRequest) (DamageResult, error)

	// SkillCheck resolves a d20 ability check against a difficulty class.
	SkillCheck(ctx context.Context, req SkillCheckRequest) (SkillCheckResult, error)
}

// ── Wire types ───────────────────────────────────────────────────────────────

// RollRequest asks for a dice expression to be evaluated.
type RollRequest struct {
	Expression   string  `json:"expression"`
	Seed         *uint64 `json:"seed,omitempty"`
	Advantage    bool    `json:"advantage,omitempty"`
	Disadvantage bool    `json:"disadvantage,omitempty"`
}

// RollResult is the outcome of a [RollRequest].
type RollResult struct {
	Total   int `json:"total"`
	Natural int `json:"natural,omitempty"`

	// Breakdown is a human-readable trace, e.g. "1d20 (14) + 3".
	Breakdown        string `json:"breakdown"`
	AdvantageUsed    bool   `json:"advantage_used,omitempty"`
	DisadvantageUsed bool   `json:"disadvantage_used,omitempty"`
}

// AttackRequest resolves one attack roll.
type AttackRequest struct {
	AttackBonus  int     `json:"attack_bonus"`
	TargetAC     int     `json:"target_ac"`
	Advantage    bool    `json:"advantage,omitempty"`
	Disadvantage bool    `json:"disadvantage,omitempty"`
	Seed         *uint64 `json:"seed,omitempty"`
}

// AttackResult is the outcome of an [AttackRequest]. A natural 20 always
// hits and is critical; a natural 1 always misses.
type AttackResult struct {
	Hit         bool `json:"hit"`
	Critical    bool `json:"critical"`
	AttackRoll  int  `json:"attack_roll"`
	NaturalRoll int  `json:"natural_roll"`
}

// DamageRequest rolls damage of one type.
type DamageRequest struct {
	Expression string  `json:"damage_expression"`
	DamageType string  `json:"damage_type"`
	Critical   bool    `json:"critical,omitempty"`
	Seed       *uint64 `json:"seed,omitempty"`

	// Resistances, Vulnerabilities and Immunities list damage types of the
	// target. They are honoured by [Local]; remote services may ignore them.
	Resistances     []string `json:"resistances,omitempty"`
	Vulnerabilities []string `json:"vulnerabilities,omitempty"`
	Immunities      []string `json:"immunities,omitempty"`
}

// DamageResult is the outcome of a [DamageRequest].
type DamageResult struct {
	TotalDamage int    `json:"total_damage"`
	DamageType  string `json:"damage_type"`
	Breakdown   string `json:"breakdown"`
}

// SkillCheckRequest resolves one ability check.
type SkillCheckRequest struct {
	Skill            string  `json:"skill"`
	AbilityModifier  int     `json:"ability_modifier"`
	ProficiencyBonus int     `json:"proficiency_bonus"`
	HasProficiency   bool    `json:"has_proficiency"`
	DC               int     `json:"dc"`
	Advantage        bool    `json:"advantage,omitempty"`
	Disadvantage     bool    `json:"disadvantage,omitempty"`
	Seed             *uint64 `json:"seed,omitempty"`
}

// SkillCheckResult is the outcome of a [SkillCheckRequest].
type SkillCheckResult struct {
	Success     bool `json:"success"`
	RollTotal   int  `json:"roll_total"`
	NaturalRoll int  `json:"natural_roll"`
	DC          int  `json:"dc"`

	// Margin is RollTotal minus DC.
	Margin int `json:"margin"`
}

// Bonus returns the flat modifier applied to the d20.
func (r SkillCheckRequest) Bonus() int {
	if r.HasProficiency {
		return r.AbilityModifier + r.ProficiencyBonus
	}
	return r.AbilityModifier
}
