package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/dmcore/internal/events"
	"github.com/MrWong99/dmcore/internal/game"
	"github.com/MrWong99/dmcore/internal/intent"
	"github.com/MrWong99/dmcore/internal/ipc"
	"github.com/MrWong99/dmcore/internal/scene"
)

// Speaker ids used in published narration.
const (
	SpeakerDM     = "dm"
	SpeakerSystem = "system"
)

// sceneUpdate describes the session's current scene.
func sceneUpdate(sess *scene.Session, activeSpeaker string) ipc.SceneUpdate {
	u := ipc.SceneUpdate{
		SessionID:       sess.ID,
		SceneState:      sess.State().String(),
		ActiveSpeakerID: activeSpeaker,
		Participants:    []ipc.Participant{},
	}
	info, ok := sess.Engine.CurrentScene()
	if !ok {
		u.Summary = fmt.Sprintf("Scene in %s state", u.SceneState)
		return u
	}
	u.Summary = info.Name
	if info.Description != "" {
		u.Summary += ": " + info.Description
	}
	for _, a := range info.Actors {
		u.Participants = append(u.Participants, ipc.Participant{
			ID:    a.ID,
			Name:  a.Name,
			IsNPC: a.Kind != game.ActorPlayer,
		})
	}
	return u
}

// combatUpdate describes the combat tracker.
func combatUpdate(sess *scene.Session) ipc.CombatUpdate {
	u := ipc.CombatUpdate{
		SessionID:       sess.ID,
		InCombat:        sess.Engine.InCombat(),
		InitiativeOrder: []ipc.InitiativeSlot{},
	}
	if !u.InCombat {
		return u
	}
	u.Round = sess.Engine.Round()
	current, _ := sess.Engine.CurrentTurn()
	u.ActiveCreatureID = current.ID
	for _, a := range sess.Engine.TurnOrder() {
		u.InitiativeOrder = append(u.InitiativeOrder, ipc.InitiativeSlot{
			CreatureID: a.ID,
			Name:       a.Name,
			CurrentHP:  a.HP,
			MaxHP:      a.MaxHP,
			IsActive:   a.ID == current.ID,
		})
	}
	return u
}

// publish logs instead of failing; clients resynchronise on the next update.
func publish(ctx context.Context, pub events.Publisher, payload any) {
	env := ipc.New(payload)
	if err := pub.Publish(ctx, env); err != nil {
		slog.Warn("app: publish failed", "type", env.Type, "session_id", env.SessionID(), "err", err)
	}
}

// ExecutionHook publishes the client-visible effects of executed intents:
// combat changes as combat-update, scene changes as scene-update and check
// results as system narration.
func ExecutionHook(pub events.Publisher) intent.Hook {
	return func(ctx context.Context, sess *scene.Session, o intent.Outcome) {
		if o.Status != intent.StatusOK || o.Intent == nil {
			return
		}
		switch o.Intent.Kind() {
		case intent.KindMeleeAttack, intent.KindRangedAttack, intent.KindSpellCast:
			if sess.Engine.InCombat() {
				publish(ctx, pub, combatUpdate(sess))
			}
			publish(ctx, pub, sceneUpdate(sess, ""))
		case intent.KindCombatStart, intent.KindCombatEnd:
			publish(ctx, pub, combatUpdate(sess))
			publish(ctx, pub, sceneUpdate(sess, ""))
		case intent.KindSceneEvent, intent.KindNPCDialogue:
			publish(ctx, pub, sceneUpdate(sess, speakerOf(o.Intent)))
		case intent.KindSkillCheck, intent.KindInvestigateArea, intent.KindSearchItem, intent.KindInteractObject:
			publish(ctx, pub, ipc.Narration{
				SessionID: sess.ID,
				SpeakerID: SpeakerSystem,
				Text:      o.Summary,
			})
		}
	}
}

func speakerOf(in intent.Intent) string {
	if d, ok := in.(intent.NPCDialogue); ok {
		return d.NPCID
	}
	return ""
}
