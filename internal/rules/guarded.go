package rules

import (
	"context"
	"time"

	"github.com/MrWong99/dmcore/internal/observe"
	"github.com/MrWong99/dmcore/internal/resilience"
)

// Guarded tries a chain of oracles in order, each behind its own circuit
// breaker, and records call metrics. The usual chain is a remote oracle
// followed by [Local].
type Guarded struct {
	group   *resilience.FallbackGroup[Oracle]
	metrics *observe.Metrics
}

var _ Oracle = (*Guarded)(nil)

// NewGuarded returns a chain whose first entry is primary. Add further
// entries with [Guarded.AddFallback] before sharing it.
func NewGuarded(primary Oracle, name string, cfg resilience.FallbackConfig, m *observe.Metrics) *Guarded {
	return &Guarded{group: resilience.NewFallbackGroup(primary, name, cfg), metrics: m}
}

// AddFallback appends an oracle to the chain.
func (g *Guarded) AddFallback(name string, o Oracle) { g.group.AddFallback(name, o) }

// Breakers exposes the per-entry breakers for health reporting.
func (g *Guarded) Breakers() []*resilience.CircuitBreaker { return g.group.Breakers() }

// Roll implements [Oracle].
func (g *Guarded) Roll(ctx context.Context, req RollRequest) (RollResult, error) {
	return guard(ctx, g, "roll", func(o Oracle) (RollResult, error) { return o.Roll(ctx, req) })
}

// Attack implements [Oracle].
func (g *Guarded) Attack(ctx context.Context, req AttackRequest) (AttackResult, error) {
	return guard(ctx, g, "attack", func(o Oracle) (AttackResult, error) { return o.Attack(ctx, req) })
}

// Damage implements [Oracle].
func (g *Guarded) Damage(ctx context.Context, req DamageRequest) (DamageResult, error) {
	return guard(ctx, g, "damage", func(o Oracle) (DamageResult, error) { return o.Damage(ctx, req) })
}

// SkillCheck implements [Oracle].
func (g *Guarded) SkillCheck(ctx context.Context, req SkillCheckRequest) (SkillCheckResult, error) {
	return guard(ctx, g, "skill_check", func(o Oracle) (SkillCheckResult, error) { return o.SkillCheck(ctx, req) })
}

func guard[R any](ctx context.Context, g *Guarded, op string, fn func(Oracle) (R, error)) (R, error) {
	ctx, span := observe.StartSpan(ctx, "rules."+op)
	defer span.End()

	start := time.Now()
	res, err := resilience.ExecuteWithResult(g.group, fn)
	if g.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		g.metrics.RecordOracleCall(ctx, op, status, time.Since(start))
	}
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}
