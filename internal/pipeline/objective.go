package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/MrWong99/dmcore/internal/cache"
)

var (
	hpRe       = regexp.MustCompile(`(?i)HP:\s*(\d+)/(\d+)`)
	acRe       = regexp.MustCompile(`(?i)\bAC:\s*(\d+)`)
	slotsRe    = regexp.MustCompile(`(?i)level(\d+)=(\d+)`)
	positionRe = regexp.MustCompile(`(?i)Position:\s*\((-?\d+),\s*(-?\d+)`)

	askedLevelRe = regexp.MustCompile(`(?:nível|nivel|level)\s*(\d+)`)
	acWordRe     = regexp.MustCompile(`\bac\b|armadura|armor class`)
)

var resourceNames = []cache.Resource{
	cache.ResourceRage, cache.ResourceKi, cache.ResourceSorceryPoints,
	cache.ResourceSmite, cache.ResourceChannelDivinity,
}

// ObjectiveAnswerer answers factual questions about a character straight
// from the game-state text, without a model call.
type ObjectiveAnswerer struct{}

// NewObjectiveAnswerer returns an answerer.
func NewObjectiveAnswerer() *ObjectiveAnswerer { return &ObjectiveAnswerer{} }

// Answer answers question from gameState, which uses the format produced by
// [cache.Entry.Render]. Questions are matched in order: hit points, armor
// class, spell slots, position, resources. Unrecognised questions get a
// default answer that echoes the state.
func (a *ObjectiveAnswerer) Answer(question, gameState string) string {
	q := strings.ToLower(question)

	switch {
	case containsAny(q, "hp", "vida", "health"):
		if m := hpRe.FindStringSubmatch(gameState); m != nil {
			return fmt.Sprintf("Você tem %s HP de %s.", m[1], m[2])
		}
		return "Não foi possível determinar seus HP."

	case acWordRe.MatchString(q):
		if m := acRe.FindStringSubmatch(gameState); m != nil {
			return fmt.Sprintf("Sua AC é %s.", m[1])
		}
		return "Não foi possível determinar sua AC."

	case strings.Contains(q, "slot") && containsAny(q, "nível", "nivel", "level"):
		if m := askedLevelRe.FindStringSubmatch(q); m != nil {
			for _, s := range slotsRe.FindAllStringSubmatch(gameState, -1) {
				if s[1] != m[1] {
					continue
				}
				plural := ""
				if s[2] != "1" {
					plural = "s"
				}
				return fmt.Sprintf("Você tem %s slot%s de nível %s restante%s.", s[2], plural, m[1], plural)
			}
		}
		return "Não foi possível determinar seus slots de magia."

	case containsAny(q, "posição", "posicao", "position"):
		if m := positionRe.FindStringSubmatch(gameState); m != nil {
			return fmt.Sprintf("Você está na posição (%s, %s).", m[1], m[2])
		}
		return "Não foi possível determinar sua posição."

	case containsAny(q, "recurso", "resource"):
		var found []string
		for _, part := range strings.Split(gameState, ",") {
			part = strings.TrimSpace(part)
			for _, r := range resourceNames {
				if strings.HasPrefix(part, string(r)+":") {
					found = append(found, part)
					break
				}
			}
		}
		if len(found) == 0 {
			return "Você não possui recursos disponíveis."
		}
		return fmt.Sprintf("Seus recursos: %s.", strings.Join(found, ", "))
	}

	state := gameState
	if strings.TrimSpace(state) == "" {
		state = "vazio"
	}
	return "Não foi possível responder essa pergunta objetiva. Estado do jogo: " + state
}

// AnswerFromCache answers question for the actor with the given raw id. An
// unknown actor is answered against an empty state.
func (a *ObjectiveAnswerer) AnswerFromCache(question, actorID string, c *cache.GameStateCache) string {
	var state string
	if c != nil {
		if _, e, ok := c.Find(actorID); ok {
			state = e.Render()
		}
	}
	return a.Answer(question, state)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
