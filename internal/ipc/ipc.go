// Package ipc defines the messages exchanged between the orchestrator and its
// clients (the table UI, the voice front-end).
//
// Every message travels as one flat JSON object whose "type" field selects
// the payload:
//
//	{"type": "narration", "session_id": "table-1", "speaker_id": "dm", ...}
//
// [Envelope] carries the discriminator and the decoded payload. Payloads are
// the plain structs in this package; [Ping] and [Pong] have no fields.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the envelope discriminator.
type Type string

const (
	TypePlayerAction Type = "player-action"
	TypeRollResult   Type = "roll-result"
	TypeSceneUpdate  Type = "scene-update"
	TypeCombatUpdate Type = "combat-update"
	TypeRollRequest  Type = "roll-request"
	TypeNarration    Type = "narration"
	TypeError        Type = "error"
	TypePing         Type = "ping"
	TypePong         Type = "pong"
)

// Error codes carried by [Error].
const (
	CodeParseError      = "parse_error"
	CodeProcessingError = "processing_error"
	CodeUnexpectedType  = "unexpected_type"
	CodeSessionNotFound = "session_not_found"
	CodeOrphanedRoll    = "orphaned_roll"
	CodeInvalidMessage  = "invalid_message"
)

// ErrUnknownType is returned when decoding an envelope with an unrecognised
// or missing type.
var ErrUnknownType = errors.New("ipc: unknown message type")

// ActionKind says where a player action came from.
type ActionKind string

const (
	ActionVoice ActionKind = "Voice"
	ActionUI    ActionKind = "Ui"
)

// PlayerAction is a player's spoken line or UI command.
type PlayerAction struct {
	SessionID string          `json:"session_id"`
	PlayerID  string          `json:"player_id"`
	Kind      ActionKind      `json:"kind"`
	Text      string          `json:"text,omitempty"`
	UIIntent  string          `json:"ui_intent,omitempty"`
	TargetID  string          `json:"target_id,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Validate checks the fields required by the action kind.
func (a PlayerAction) Validate() error {
	var errs []error
	if a.SessionID == "" {
		errs = append(errs, errors.New("session_id is required"))
	}
	if a.PlayerID == "" {
		errs = append(errs, errors.New("player_id is required"))
	}
	switch a.Kind {
	case ActionVoice:
		if a.Text == "" {
			errs = append(errs, errors.New("voice action requires text"))
		}
	case ActionUI:
		if a.UIIntent == "" {
			errs = append(errs, errors.New("ui action requires ui_intent"))
		}
	default:
		errs = append(errs, fmt.Errorf("kind %q is invalid; valid values: Voice, Ui", a.Kind))
	}
	return errors.Join(errs...)
}

// RollResult reports a roll made by the client for a [RollRequest].
type RollResult struct {
	SessionID  string          `json:"session_id"`
	RequestID  string          `json:"request_id"`
	ActorID    string          `json:"actor_id"`
	Total      int             `json:"total"`
	Natural    int             `json:"natural"`
	Breakdown  json.RawMessage `json:"breakdown,omitempty"`
	ClientSeed string          `json:"client_seed,omitempty"`
	Timestamp  int64           `json:"timestamp"` // Unix milliseconds
}

// SceneUpdate describes the current scene.
type SceneUpdate struct {
	SessionID       string        `json:"session_id"`
	SceneState      string        `json:"scene_state"`
	Summary         string        `json:"summary"`
	ActiveSpeakerID string        `json:"active_speaker_id,omitempty"`
	Participants    []Participant `json:"participants"`
}

// Participant is one actor shown in a [SceneUpdate].
type Participant struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PortraitURL string `json:"portrait_url,omitempty"`
	IsNPC       bool   `json:"is_npc"`

	// Stats is set by clients that own the character sheets.
	Stats *CreatureStats `json:"stats,omitempty"`
}

// CreatureStats is the mechanical state of a [Participant].
type CreatureStats struct {
	// Kind is "player", "npc" or "monster". Empty falls back to IsNPC.
	Kind       string         `json:"kind,omitempty"`
	HP         int            `json:"hp"`
	MaxHP      int            `json:"max_hp"`
	AC         int            `json:"ac,omitempty"`
	Initiative *int           `json:"initiative,omitempty"`
	SpellSlots map[int]int    `json:"spell_slots,omitempty"`
	Resources  map[string]int `json:"resources,omitempty"`
	Statuses   []string       `json:"statuses,omitempty"`
}

// Validate checks a scene update received from a client.
func (u SceneUpdate) Validate() error {
	var errs []error
	if u.SessionID == "" {
		errs = append(errs, errors.New("session_id is required"))
	}
	for i, p := range u.Participants {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("participants[%d]: id is required", i))
		}
		if st := p.Stats; st != nil {
			switch st.Kind {
			case "", "player", "npc", "monster":
			default:
				errs = append(errs, fmt.Errorf("participants[%d]: kind %q is invalid; valid values: player, npc, monster", i, st.Kind))
			}
			if st.MaxHP < 0 || st.HP > st.MaxHP {
				errs = append(errs, fmt.Errorf("participants[%d]: hp %d/%d is out of range", i, st.HP, st.MaxHP))
			}
		}
	}
	return errors.Join(errs...)
}

// CombatUpdate describes the combat tracker.
type CombatUpdate struct {
	SessionID        string           `json:"session_id"`
	InCombat         bool             `json:"in_combat"`
	Round            int              `json:"round"`
	InitiativeOrder  []InitiativeSlot `json:"initiative_order"`
	ActiveCreatureID string           `json:"active_creature_id,omitempty"`
}

// InitiativeSlot is one row of the initiative order.
type InitiativeSlot struct {
	CreatureID string `json:"creature_id"`
	Name       string `json:"name"`
	CurrentHP  int    `json:"current_hp"`
	MaxHP      int    `json:"max_hp"`
	IsActive   bool   `json:"is_active"`
}

// Validate checks a combat update received from a client.
func (u CombatUpdate) Validate() error {
	var errs []error
	if u.SessionID == "" {
		errs = append(errs, errors.New("session_id is required"))
	}
	for i, slot := range u.InitiativeOrder {
		if slot.CreatureID == "" {
			errs = append(errs, fmt.Errorf("initiative_order[%d]: creature_id is required", i))
		}
		if slot.MaxHP < 0 || slot.CurrentHP > slot.MaxHP {
			errs = append(errs, fmt.Errorf("initiative_order[%d]: hp %d/%d is out of range", i, slot.CurrentHP, slot.MaxHP))
		}
	}
	return errors.Join(errs...)
}

// RollRequest asks the client to roll.
type RollRequest struct {
	SessionID   string `json:"session_id"`
	RequestID   string `json:"request_id"`
	ActorID     string `json:"actor_id"`
	RollKind    string `json:"roll_kind"`
	Skill       string `json:"skill,omitempty"`
	Ability     string `json:"ability,omitempty"`
	DC          *int   `json:"dc,omitempty"`
	FormulaHint string `json:"formula_hint,omitempty"`
	Reason      string `json:"reason"`
}

// Narration is text to show and, when TaggedForTTS, to speak.
type Narration struct {
	SessionID    string `json:"session_id"`
	SpeakerID    string `json:"speaker_id"`
	Text         string `json:"text"`
	Emotion      string `json:"emotion,omitempty"`
	TaggedForTTS bool   `json:"tagged_for_tts"`
}

// Error reports a failure to a client.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Ping is a keep-alive probe.
type Ping struct{}

// Pong answers a [Ping].
type Pong struct{}

// Envelope is a typed message. Payload holds one of the payload structs of
// this package, by value.
type Envelope struct {
	Type    Type
	Payload any
}

// New wraps payload in an envelope with the matching type. It panics on a
// value that is not a payload of this package.
func New(payload any) Envelope {
	t, ok := typeOf(payload)
	if !ok {
		panic(fmt.Sprintf("ipc: %T is not a payload type", payload))
	}
	return Envelope{Type: t, Payload: payload}
}

// NewError is shorthand for an error envelope.
func NewError(code, message, requestID string) Envelope {
	return New(Error{Code: code, Message: message, RequestID: requestID})
}

func typeOf(payload any) (Type, bool) {
	switch payload.(type) {
	case PlayerAction:
		return TypePlayerAction, true
	case RollResult:
		return TypeRollResult, true
	case SceneUpdate:
		return TypeSceneUpdate, true
	case CombatUpdate:
		return TypeCombatUpdate, true
	case RollRequest:
		return TypeRollRequest, true
	case Narration:
		return TypeNarration, true
	case Error:
		return TypeError, true
	case Ping:
		return TypePing, true
	case Pong:
		return TypePong, true
	}
	return "", false
}

// SessionID returns the session the message belongs to, or "" for
// session-less messages.
func (e Envelope) SessionID() string {
	switch p := e.Payload.(type) {
	case PlayerAction:
		return p.SessionID
	case RollResult:
		return p.SessionID
	case SceneUpdate:
		return p.SessionID
	case CombatUpdate:
		return p.SessionID
	case RollRequest:
		return p.SessionID
	case Narration:
		return p.SessionID
	}
	return ""
}

// MarshalJSON flattens the payload fields next to "type".
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, ErrUnknownType
	}
	typ, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	out := append([]byte(`{"type":`), typ...)
	if e.Payload == nil {
		return append(out, '}'), nil
	}

	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("ipc: marshal %s: %w", e.Type, err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("ipc: %s payload is not an object", e.Type)
	}
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
		return out, nil
	}
	return append(out, '}'), nil
}

var decoders = map[Type]func([]byte) (any, error){
	TypePlayerAction: decode[PlayerAction],
	TypeRollResult:   decode[RollResult],
	TypeSceneUpdate:  decode[SceneUpdate],
	TypeCombatUpdate: decode[CombatUpdate],
	TypeRollRequest:  decode[RollRequest],
	TypeNarration:    decode[Narration],
	TypeError:        decode[Error],
	TypePing:         decode[Ping],
	TypePong:         decode[Pong],
}

func decode[T any](data []byte) (any, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// UnmarshalJSON reads "type" and decodes the remaining fields into the
// matching payload struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("ipc: decode envelope: %w", err)
	}
	dec, ok := decoders[head.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	payload, err := dec(data)
	if err != nil {
		return fmt.Errorf("ipc: decode %s: %w", head.Type, err)
	}
	e.Type, e.Payload = head.Type, payload
	return nil
}

// CodedError attaches a wire error code to err.
type CodedError struct {
	Code string
	Err  error
}

func (e *CodedError) Error() string { return e.Code + ": " + e.Err.Error() }

func (e *CodedError) Unwrap() error { return e.Err }

// WithCode wraps err so [CodeOf] reports code.
func WithCode(code string, err error) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Err: err}
}

// CodeOf returns the code attached with [WithCode], or
// [CodeProcessingError].
func CodeOf(err error) string {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeProcessingError
}
