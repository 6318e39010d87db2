package app

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/MrWong99/dmcore/internal/cache"
	"github.com/MrWong99/dmcore/internal/game"
	"github.com/MrWong99/dmcore/internal/ipc"
	"github.com/MrWong99/dmcore/internal/scene"
)

// ─── State sync ──────────────────────────────────────────────────────────────

// applySceneUpdate merges a client's view of the scene into the session.
// Participants become engine actors, and those carrying stats also become
// game-state entries. A scene_state different from the current one moves the
// session there.
func (m *SessionManager) applySceneUpdate(ctx context.Context, u ipc.SceneUpdate) error {
	if err := u.Validate(); err != nil {
		return ipc.WithCode(ipc.CodeInvalidMessage, err)
	}
	var target *scene.State
	if u.SceneState != "" {
		st, err := scene.ParseState(u.SceneState)
		if err != nil {
			return ipc.WithCode(ipc.CodeInvalidMessage, err)
		}
		target = &st
	}
	sess, err := m.syncTarget(u.SessionID)
	if err != nil {
		return err
	}
	wasInCombat := sess.Engine.InCombat()

	if u.Summary != "" {
		sess.Engine.EnsureScene(u.Summary)
	}
	for _, p := range u.Participants {
		kind := participantKind(p)
		sess.Engine.SyncActor(p.ID, p.Name, kind, func(a *game.Actor) {
			a.Kind = kind
			st := p.Stats
			if st == nil {
				return
			}
			if st.MaxHP > 0 {
				a.HP, a.MaxHP = st.HP, st.MaxHP
			}
			if st.AC > 0 {
				a.AC = st.AC
			}
			if st.Initiative != nil {
				v := *st.Initiative
				a.Initiative = &v
			}
		})
		if p.Stats != nil {
			sess.GameState.Set(entityID(kind, p.ID), entryFromStats(*p.Stats))
		}
		if kind == game.ActorNPC {
			sess.Events.AddActiveNPC(p.ID)
		}
	}

	if target != nil && *target != sess.State() {
		if err := sess.Transition(*target); err != nil {
			return ipc.WithCode(ipc.CodeProcessingError, err)
		}
	}
	slog.Debug("app: scene synced", "session_id", sess.ID, "participants", len(u.Participants), "state", sess.State())
	m.syncCombat(ctx, sess, wasInCombat)
	return nil
}

// applyCombatUpdate merges a client's combat tracker into the session. Slots
// are ranked by their position in the initiative order; in_combat moves the
// session into or out of [scene.CombatTurnBased].
func (m *SessionManager) applyCombatUpdate(ctx context.Context, u ipc.CombatUpdate) error {
	if err := u.Validate(); err != nil {
		return ipc.WithCode(ipc.CodeInvalidMessage, err)
	}
	sess, err := m.syncTarget(u.SessionID)
	if err != nil {
		return err
	}
	wasInCombat := sess.Engine.InCombat()

	n := len(u.InitiativeOrder)
	for i, slot := range u.InitiativeOrder {
		rank := n - i
		a := sess.Engine.SyncActor(slot.CreatureID, slot.Name, game.ActorMonster, func(a *game.Actor) {
			if slot.MaxHP > 0 {
				a.HP, a.MaxHP = slot.CurrentHP, slot.MaxHP
			}
			a.Initiative = &rank
			a.Active = true
		})
		id := entityID(a.Kind, a.ID)
		updated := sess.GameState.Update(id, func(e *cache.Entry) {
			e.HP, e.MaxHP = a.HP, a.MaxHP
			v := rank
			e.Initiative = &v
		})
		if !updated {
			v := rank
			sess.GameState.Set(id, cache.Entry{HP: a.HP, MaxHP: a.MaxHP, AC: a.AC, Initiative: &v})
		}
	}

	var target scene.State
	switch {
	case u.InCombat && sess.State() != scene.CombatTurnBased:
		target = scene.CombatTurnBased
	case !u.InCombat && sess.State() == scene.CombatTurnBased:
		target = scene.Exploration
	default:
		m.syncCombat(ctx, sess, wasInCombat)
		return nil
	}
	if err := sess.Transition(target); err != nil {
		return ipc.WithCode(ipc.CodeProcessingError, err)
	}
	m.syncCombat(ctx, sess, wasInCombat)
	return nil
}

func (m *SessionManager) syncTarget(id string) (*scene.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sess, _ := m.scenes.GetOrCreate(id)
	return sess, nil
}

// syncCombat starts combat that was waiting for actors and publishes the
// tracker when the engine entered or left combat.
func (m *SessionManager) syncCombat(ctx context.Context, sess *scene.Session, wasInCombat bool) {
	if sess.StartPendingCombat() {
		publish(ctx, m.pub, ipc.Narration{
			SessionID: sess.ID,
			SpeakerID: SpeakerSystem,
			Text:      fmt.Sprintf("Combat begins with %d combatants.", len(sess.Engine.TurnOrder())),
		})
	}
	if sess.Engine.InCombat() != wasInCombat {
		publish(ctx, m.pub, combatUpdate(sess))
	}
}

func participantKind(p ipc.Participant) game.ActorKind {
	if p.Stats != nil {
		switch p.Stats.Kind {
		case "player":
			return game.ActorPlayer
		case "npc":
			return game.ActorNPC
		case "monster":
			return game.ActorMonster
		}
	}
	if p.IsNPC {
		return game.ActorNPC
	}
	return game.ActorPlayer
}

func entityID(kind game.ActorKind, id string) cache.EntityID {
	switch kind {
	case game.ActorNPC:
		return cache.NPC(id)
	case game.ActorMonster:
		return cache.Monster(id)
	default:
		return cache.Player(id)
	}
}

func entryFromStats(st ipc.CreatureStats) cache.Entry {
	e := cache.Entry{HP: st.HP, MaxHP: st.MaxHP, AC: st.AC}
	if st.Initiative != nil {
		v := *st.Initiative
		e.Initiative = &v
	}
	if len(st.SpellSlots) > 0 {
		e.SpellSlots = maps.Clone(st.SpellSlots)
	}
	if len(st.Resources) > 0 {
		e.Resources = make(map[cache.Resource]int, len(st.Resources))
		for r, n := range st.Resources {
			e.Resources[cache.Resource(r)] = n
		}
	}
	for _, s := range st.Statuses {
		e.Statuses = append(e.Statuses, cache.Status(s))
	}
	return e
}
