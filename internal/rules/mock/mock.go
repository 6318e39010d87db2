// Package mock provides a configurable test double for [rules.Oracle].
//
// [Oracle] records every call and returns the configured results. Leave a
// result field zero and set the matching Func to compute one per request.
// It is safe for concurrent use.
//
//	o := &mock.Oracle{AttackResult: rules.AttackResult{Hit: true, AttackRoll: 18}}
//	o.DamageResult = rules.DamageResult{TotalDamage: 7, DamageType: "slashing"}
//	// inject o into the executor …
//	if o.CallCount("Attack") != 1 { … }
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/dmcore/internal/rules"
)

// Call records one method invocation.
type Call struct {
	Method  string
	Request any
}

// Oracle is a test double for [rules.Oracle].
type Oracle struct {
	mu    sync.Mutex
	calls []Call

	// ──── Roll ─────────────────────────────────────────────────────────────

	RollResult rules.RollResult
	RollErr    error

	// ──── Attack ───────────────────────────────────────────────────────────

	AttackResult rules.AttackResult
	AttackErr    error
	AttackFunc   func(rules.AttackRequest) (rules.AttackResult, error)

	// ──── Damage ───────────────────────────────────────────────────────────

	DamageResult rules.DamageResult
	DamageErr    error

	// ──── SkillCheck ───────────────────────────────────────────────────────

	SkillCheckResult rules.SkillCheckResult
	SkillCheckErr    error
	SkillCheckFunc   func(rules.SkillCheckRequest) (rules.SkillCheckResult, error)
}

var _ rules.Oracle = (*Oracle)(nil)

func (o *Oracle) record(method string, req any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, Call{Method: method, Request: req})
}

// Roll implements [rules.Oracle].
func (o *Oracle) Roll(_ context.Context, req rules.RollRequest) (rules.RollResult, error) {
	o.record("Roll", req)
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.RollResult, o.RollErr
}

// Attack implements [rules.Oracle].
func (o *Oracle) Attack(_ context.Context, req rules.AttackRequest) (rules.AttackResult, error) {
	o.record("Attack", req)
	o.mu.Lock()
	fn, res, err := o.AttackFunc, o.AttackResult, o.AttackErr
	o.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return res, err
}

// Damage implements [rules.Oracle].
func (o *Oracle) Damage(_ context.Context, req rules.DamageRequest) (rules.DamageResult, error) {
	o.record("Damage", req)
	o.mu.Lock()
	defer o.mu.Unlock()
	res := o.DamageResult
	if res.DamageType == "" {
		res.DamageType = req.DamageType
	}
	return res, o.DamageErr
}

// SkillCheck implements [rules.Oracle].
func (o *Oracle) SkillCheck(_ context.Context, req rules.SkillCheckRequest) (rules.SkillCheckResult, error) {
	o.record("SkillCheck", req)
	o.mu.Lock()
	fn, res, err := o.SkillCheckFunc, o.SkillCheckResult, o.SkillCheckErr
	o.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return res, err
}

// Calls returns a copy of all recorded calls.
func (o *Oracle) Calls() []Call {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Call, len(o.calls))
	copy(out, o.calls)
	return out
}

// CallCount returns how often method was called.
func (o *Oracle) CallCount(method string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, c := range o.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// LastRequest returns the request of the most recent call to method.
func (o *Oracle) LastRequest(method string) (any, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.calls) - 1; i >= 0; i-- {
		if o.calls[i].Method == method {
			return o.calls[i].Request, true
		}
	}
	return nil, false
}

// Reset clears the call log.
func (o *Oracle) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = nil
}
