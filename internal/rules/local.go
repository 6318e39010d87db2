package rules

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
)

// Local resolves mechanics in-process. Requests carrying a seed are rolled
// on a fresh source derived from that seed and are therefore reproducible;
// all other requests share the oracle's source.
type Local struct {
	mu  sync.Mutex
	rng *rand.Rand
}

var _ Oracle = (*Local)(nil)

// LocalOption configures a [Local] oracle.
type LocalOption func(*Local)

// WithSource replaces the random source, e.g. with a fixed PCG for tests.
func WithSource(src rand.Source) LocalOption {
	return func(l *Local) { l.rng = rand.New(src) }
}

// NewLocal returns an oracle seeded from the runtime's entropy.
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
	for _, o := range opts {
		o(l)
	}
	return l
}

// with runs fn with the random source for a request.
func (l *Local) with(seed *uint64, fn func(*rand.Rand)) {
	if seed != nil {
		fn(rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15)))
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.rng)
}

// Roll implements [Oracle].
func (l *Local) Roll(ctx context.Context, req RollRequest) (RollResult, error) {
	if err := ctx.Err(); err != nil {
		return RollResult{}, err
	}
	expr, err := ParseExpression(req.Expression)
	if err != nil {
		return RollResult{}, fmt.Errorf("rules: roll: %w", err)
	}
	var out rollOutcome
	l.with(req.Seed, func(rng *rand.Rand) {
		out = rollExpression(rng, expr, false, req.Advantage, req.Disadvantage)
	})
	return RollResult{
		Total:            out.total,
		Natural:          out.natural,
		Breakdown:        out.breakdown,
		AdvantageUsed:    out.advUsed,
		DisadvantageUsed: out.disUsed,
	}, nil
}

// Attack implements [Oracle].
func (l *Local) Attack(ctx context.Context, req AttackRequest) (AttackResult, error) {
	if err := ctx.Err(); err != nil {
		return AttackResult{}, err
	}
	var nat int
	l.with(req.Seed, func(rng *rand.Rand) { nat = d20(rng, req.Advantage, req.Disadvantage) })

	res := AttackResult{NaturalRoll: nat, AttackRoll: nat + req.AttackBonus}
	switch nat {
	case 20:
		res.Hit, res.Critical = true, true
	case 1:
		res.Hit = false
	default:
		res.Hit = res.AttackRoll >= req.TargetAC
	}
	return res, nil
}

// Damage implements [Oracle]. Immunity zeroes the damage; resistance halves
// it rounding down; vulnerability doubles it; resistance and vulnerability
// together cancel out.
func (l *Local) Damage(ctx context.Context, req DamageRequest) (DamageResult, error) {
	if err := ctx.Err(); err != nil {
		return DamageResult{}, err
	}
	expr, err := ParseExpression(req.Expression)
	if err != nil {
		return DamageResult{}, fmt.Errorf("rules: damage: %w", err)
	}
	var out rollOutcome
	l.with(req.Seed, func(rng *rand.Rand) { out = rollExpression(rng, expr, req.Critical, false, false) })

	total := max(out.total, 0)
	breakdown := out.breakdown
	typ := strings.ToLower(req.DamageType)
	has := func(list []string) bool {
		return slices.ContainsFunc(list, func(s string) bool { return strings.EqualFold(s, typ) })
	}
	resist, vuln := has(req.Resistances), has(req.Vulnerabilities)
	switch {
	case has(req.Immunities):
		total, breakdown = 0, breakdown+" (immune)"
	case resist && vuln:
	case resist:
		total, breakdown = total/2, breakdown+" (resisted)"
	case vuln:
		total, breakdown = total*2, breakdown+" (vulnerable)"
	}
	return DamageResult{TotalDamage: total, DamageType: req.DamageType, Breakdown: breakdown}, nil
}

// SkillCheck implements [Oracle]. Success means the total meets the DC;
// natural rolls have no special meaning for ability checks.
func (l *Local) SkillCheck(ctx context.Context, req SkillCheckRequest) (SkillCheckResult, error) {
	if err := ctx.Err(); err != nil {
		return SkillCheckResult{}, err
	}
	var nat int
	l.with(req.Seed, func(rng *rand.Rand) { nat = d20(rng, req.Advantage, req.Disadvantage) })
	total := nat + req.Bonus()
	return SkillCheckResult{
		Success:     total >= req.DC,
		RollTotal:   total,
		NaturalRoll: nat,
		DC:          req.DC,
		Margin:      total - req.DC,
	}, nil
}
