package intent

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	openMarker  = "[INTENTS]"
	closeMarker = "[/INTENTS]"
	intentLine  = "INTENT:"
	endLine     = "END_INTENT"
)

// ErrParse matches every [*ParseError] with errors.Is.
var ErrParse = errors.New("intent: parse error")

// ParseErrorKind classifies a [ParseError].
type ParseErrorKind int

const (
	// MissingField means a mandatory key was absent or empty.
	MissingField ParseErrorKind = iota
	// UnknownType means the INTENT line named no known kind.
	UnknownType
	// InvalidValue means a key held a value of the wrong shape.
	InvalidValue
	// Unterminated means the output ended inside an intent block.
	Unterminated
)

func (k ParseErrorKind) String() string {
	switch k {
	case MissingField:
		return "missing_field"
	case UnknownType:
		return "unknown_type"
	case InvalidValue:
		return "invalid_value"
	case Unterminated:
		return "unterminated"
	default:
		return "unknown"
	}
}

// ParseError describes one intent block that could not be parsed. Other
// blocks of the same output are unaffected.
type ParseError struct {
	// Block is the zero-based index of the intent block in the output.
	Block int
	Type  string
	Kind  ParseErrorKind
	Field string
	Value string
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case MissingField:
		return fmt.Sprintf("intent: block %d (%s): missing %s", e.Block, e.Type, e.Field)
	case UnknownType:
		return fmt.Sprintf("intent: block %d: unknown type %q", e.Block, e.Type)
	case InvalidValue:
		return fmt.Sprintf("intent: block %d (%s): invalid %s %q", e.Block, e.Type, e.Field, e.Value)
	default:
		return fmt.Sprintf("intent: block %d (%s): %s", e.Block, e.Type, e.Kind)
	}
}

// Is reports whether target is [ErrParse].
func (e *ParseError) Is(target error) bool { return target == ErrParse }

// ParseResult is the outcome of [Parse].
type ParseResult struct {
	// Intents holds the successfully parsed intents in document order.
	Intents []Intent

	// Errors holds one entry per rejected block.
	Errors []*ParseError

	// Narrative is the text with every intent section removed.
	Narrative string
}

// Parse extracts every intent from text. It never fails as a whole: each
// block either yields an intent or a [*ParseError].
func Parse(text string) ParseResult {
	res := ParseResult{Narrative: StripIntents(text)}
	block := 0
	rest := text
	for {
		start := strings.Index(rest, openMarker)
		if start < 0 {
			break
		}
		body := rest[start+len(openMarker):]
		end := strings.Index(body, closeMarker)
		terminated := end >= 0
		if terminated {
			rest = body[end+len(closeMarker):]
			body = body[:end]
		} else {
			rest = ""
		}
		parseSection(body, terminated, &block, &res)
	}
	return res
}

// rawBlock is one INTENT…END_INTENT group before typing.
type rawBlock struct {
	typ    string
	fields map[string]string
	closed bool
}

func parseSection(body string, terminated bool, block *int, res *ParseResult) {
	var cur *rawBlock
	flush := func() {
		if cur == nil {
			return
		}
		idx := *block
		*block++
		if !cur.closed && !terminated {
			res.Errors = append(res.Errors, &ParseError{Block: idx, Type: cur.typ, Kind: Unterminated})
			cur = nil
			return
		}
		in, perr := build(cur.typ, cur.fields)
		if perr != nil {
			perr.Block = idx
			res.Errors = append(res.Errors, perr)
		} else {
			res.Intents = append(res.Intents, in)
		}
		cur = nil
	}

	for line := range strings.Lines(body) {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case strings.HasPrefix(strings.ToUpper(line), intentLine):
			flush()
			cur = &rawBlock{
				typ:    strings.ToUpper(strings.TrimSpace(line[len(intentLine):])),
				fields: make(map[string]string),
			}
		case strings.EqualFold(line, endLine):
			if cur != nil {
				cur.closed = true
				flush()
			}
		case cur != nil:
			key, value, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			cur.fields[strings.ToUpper(strings.TrimSpace(key))] = unquote(strings.TrimSpace(value))
		}
	}
	flush()
}

// unquote strips one pair of matching surrounding quotes.
func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return strings.TrimSpace(v[1 : len(v)-1])
		}
	}
	return v
}

// StripIntents removes every intent section from text and tidies the
// whitespace left behind. An unterminated section runs to the end.
func StripIntents(text string) string {
	var b strings.Builder
	rest := text
	for {
		start := strings.Index(rest, openMarker)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		after := rest[start+len(openMarker):]
		end := strings.Index(after, closeMarker)
		if end < 0 {
			break
		}
		b.WriteString("\n")
		rest = after[end+len(closeMarker):]
	}

	lines := strings.Split(b.String(), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, l := range lines {
		l = strings.TrimRight(l, " \t\r")
		if strings.TrimSpace(l) == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// ── Constructor table ───────────────────────────────────────────────────────

// fields wraps a block's key/value map and collects the first error.
type fields struct {
	typ string
	m   map[string]string
	err *ParseError
}

func (f *fields) req(key string) string {
	v := f.m[key]
	if v == "" && f.err == nil {
		f.err = &ParseError{Type: f.typ, Kind: MissingField, Field: key}
	}
	return v
}

func (f *fields) opt(key string) string { return f.m[key] }

// flag reads a YES/NO value. Anything other than YES or TRUE is false.
func (f *fields) flag(key string, def bool) bool {
	v, ok := f.m[key]
	if !ok || v == "" {
		return def
	}
	switch strings.ToUpper(v) {
	case "YES", "TRUE":
		return true
	default:
		return false
	}
}

func (f *fields) slotLevel(key string) int {
	v := f.m[key]
	if v == "" {
		return 1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > 9 {
		if f.err == nil {
			f.err = &ParseError{Type: f.typ, Kind: InvalidValue, Field: key, Value: v}
		}
		return 1
	}
	return n
}

func (f *fields) point(key string) *Point {
	v := f.m[key]
	if v == "" {
		return nil
	}
	xs, ys, ok := strings.Cut(strings.Trim(v, "() "), ",")
	x, errX := strconv.Atoi(strings.TrimSpace(xs))
	y, errY := strconv.Atoi(strings.TrimSpace(ys))
	if !ok || errX != nil || errY != nil {
		if f.err == nil {
			f.err = &ParseError{Type: f.typ, Kind: InvalidValue, Field: key, Value: v}
		}
		return nil
	}
	return &Point{X: x, Y: y}
}

func (f *fields) list(key string) []string {
	var out []string
	for _, p := range strings.Split(f.m[key], ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (f *fields) attack() Attack {
	return Attack{
		Actor:        f.req("ACTOR"),
		Target:       f.req("TARGET"),
		Weapon:       f.opt("WEAPON"),
		MoveRequired: f.flag("MOVE_REQUIRED", false),
		Advantage:    f.flag("ADVANTAGE", false),
		Disadvantage: f.flag("DISADVANTAGE", false),
	}
}

var constructors = map[Kind]func(*fields) Intent{
	KindSkillCheck: func(f *fields) Intent {
		return SkillCheck{
			Actor:        f.req("ACTOR"),
			Skill:        f.req("SKILL"),
			Target:       f.opt("TARGET"),
			Context:      f.opt("CONTEXT"),
			SuggestDC:    f.flag("SUGGEST_DC", true),
			DCHint:       f.opt("DC_HINT"),
			Advantage:    f.flag("ADVANTAGE", false),
			Disadvantage: f.flag("DISADVANTAGE", false),
		}
	},
	KindLoreQuery: func(f *fields) Intent {
		return LoreQuery{Query: f.req("QUERY"), Scope: f.opt("SCOPE")}
	},
	KindRuleQuery: func(f *fields) Intent {
		return RuleQuery{Query: f.req("QUERY"), Context: f.opt("CONTEXT")}
	},
	KindNPCDialogue: func(f *fields) Intent {
		return NPCDialogue{NPCID: f.req("NPC_ID"), Text: f.req("TEXT")}
	},
	KindSceneEvent: func(f *fields) Intent {
		return SceneEvent{EventType: f.req("EVENT_TYPE"), Description: f.req("DESCRIPTION")}
	},
	KindInvestigateArea: func(f *fields) Intent {
		return InvestigateArea{Actor: f.req("ACTOR"), Area: f.req("AREA")}
	},
	KindSearchItem: func(f *fields) Intent {
		return SearchItem{Actor: f.req("ACTOR"), Item: f.opt("ITEM")}
	},
	KindInteractObject: func(f *fields) Intent {
		return InteractObject{Actor: f.req("ACTOR"), ObjectID: f.req("OBJECT_ID")}
	},
	KindMeleeAttack:  func(f *fields) Intent { return MeleeAttack{f.attack()} },
	KindRangedAttack: func(f *fields) Intent { return RangedAttack{f.attack()} },
	KindSpellCast: func(f *fields) Intent {
		targets := f.list("TARGETS")
		if len(targets) == 0 {
			targets = f.list("TARGET")
		}
		return SpellCast{
			Actor:      f.req("ACTOR"),
			Spell:      f.req("SPELL"),
			SlotLevel:  f.slotLevel("SLOT_LEVEL"),
			AreaCenter: f.point("AREA_CENTER"),
			Targets:    targets,
		}
	},
	KindUseItem: func(f *fields) Intent {
		return UseItem{Actor: f.req("ACTOR"), ItemID: f.req("ITEM_ID")}
	},
	KindReadyAction: func(f *fields) Intent {
		return ReadyAction{Actor: f.req("ACTOR"), Action: f.req("ACTION")}
	},
	KindDash:      func(f *fields) Intent { return Dash{Actor: f.req("ACTOR")} },
	KindDisengage: func(f *fields) Intent { return Disengage{Actor: f.req("ACTOR")} },
	KindHelp: func(f *fields) Intent {
		return Help{Actor: f.req("ACTOR"), Target: f.req("TARGET")}
	},
	KindCombatStart: func(f *fields) Intent { return CombatStart{Reason: f.opt("REASON")} },
	KindCombatEnd:   func(f *fields) Intent { return CombatEnd{Reason: f.opt("REASON")} },
	KindGeneratePortrait: func(f *fields) Intent {
		return GeneratePortrait{CharacterID: f.req("CHARACTER_ID"), Style: f.opt("STYLE")}
	},
	KindGenerateScene: func(f *fields) Intent {
		return GenerateScene{SceneID: f.req("SCENE_ID"), Style: f.opt("STYLE"), Prompts: f.list("PROMPTS")}
	},
	KindGenerateBattlemap: func(f *fields) Intent {
		return GenerateBattlemap{MapID: f.req("MAP_ID"), Style: f.opt("STYLE")}
	},
}

// build types one raw block through the constructor table.
func build(typ string, m map[string]string) (Intent, *ParseError) {
	ctor, ok := constructors[Kind(typ)]
	if !ok {
		return nil, &ParseError{Type: typ, Kind: UnknownType}
	}
	f := &fields{typ: typ, m: m}
	in := ctor(f)
	if f.err != nil {
		return nil, f.err
	}
	return in, nil
}
