package stage

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/dmcore/internal/bridge"
	"github.com/MrWong99/dmcore/internal/observe"
	"github.com/MrWong99/dmcore/internal/resilience"
	"github.com/MrWong99/dmcore/pkg/provider/llm"
	llmmock "github.com/MrWong99/dmcore/pkg/provider/llm/mock"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func reply(s string) *llm.CompletionResponse { return &llm.CompletionResponse{Content: s} }

func TestPreludeStage_Run(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("The shadows lean closer around you ", 12)

	tests := []struct {
		name         string
		provider     *llmmock.Provider
		opts         []Option
		wantFallback bool
		wantReason   string
		wantOver     bool
	}{
		{name: "model reaction", provider: &llmmock.Provider{CompleteResponse: reply("The torchlight trembles as your hand finds the hilt.")}},
		{name: "provider error", provider: &llmmock.Provider{CompleteErr: errors.New("503")}, wantFallback: true, wantReason: ReasonProvider},
		{
			name:         "timeout",
			provider:     &llmmock.Provider{Delay: time.Second, CompleteResponse: reply("too late")},
			opts:         []Option{WithTimeout(10 * time.Millisecond)},
			wantFallback: true,
			wantReason:   ReasonTimeout,
		},
		{name: "empty", provider: &llmmock.Provider{CompleteResponse: reply(" ... ")}, wantFallback: true, wantReason: ReasonEmpty},
		{name: "resolves damage", provider: &llmmock.Provider{CompleteResponse: reply("Você acerta o goblin e causa 8 de dano!")}, wantFallback: true, wantReason: ReasonResolution},
		{name: "numbers with hp", provider: &llmmock.Provider{CompleteResponse: reply("He has 12 HP left.")}, wantFallback: true, wantReason: ReasonResolution},
		{name: "emits intents", provider: &llmmock.Provider{CompleteResponse: reply("Ok [INTENTS]INTENT: DASH[/INTENTS]")}, wantFallback: true, wantReason: ReasonIntents},
		{name: "over budget", provider: &llmmock.Provider{CompleteResponse: reply(long)}, wantOver: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			opts := append([]Option{WithMetrics(testMetrics(t))}, tt.opts...)
			s := NewPreludeStage(tt.provider, opts...)
			p := s.Run(context.Background(), DungeonMaster(), "Eu abro a porta devagar")

			if p.Fallback() != tt.wantFallback || p.Reason() != tt.wantReason {
				t.Fatalf("fallback=%v reason=%q, want %v %q", p.Fallback(), p.Reason(), tt.wantFallback, tt.wantReason)
			}
			if tt.wantFallback && p.Text() != DungeonMaster().PreludeTemplate() {
				t.Errorf("text = %q, want template", p.Text())
			}
			if p.OverBudget() != tt.wantOver {
				t.Errorf("OverBudget = %v, want %v", p.OverBudget(), tt.wantOver)
			}
			if n := utf8.RuneCountInString(p.Text()); n > DefaultPreludeMaxChars {
				t.Errorf("text has %d runes, want <= %d", n, DefaultPreludeMaxChars)
			}
			if req, ok := tt.provider.LastRequest(); ok && req.MaxTokens != DefaultPreludeMaxTokens {
				t.Errorf("MaxTokens = %d", req.MaxTokens)
			}
		})
	}
}

func TestPreludeStage_CachesModelOutputOnly(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteResponse: reply("A chill runs down your spine.")}
	s := NewPreludeStage(p)

	first := s.Run(context.Background(), NPC("Mira"), "Olá")
	second := s.Run(context.Background(), NPC("Mira"), "Olá")
	if p.CompleteCallCount() != 1 || !second.Cached() || second.Text() != first.Text() {
		t.Errorf("calls=%d cached=%v", p.CompleteCallCount(), second.Cached())
	}

	failing := &llmmock.Provider{CompleteErr: errors.New("down")}
	fs := NewPreludeStage(failing)
	fs.Run(context.Background(), Narrator(), "x")
	fs.Run(context.Background(), Narrator(), "x")
	if failing.CompleteCallCount() != 2 {
		t.Errorf("fallback was cached: calls = %d", failing.CompleteCallCount())
	}
}

func TestPreludeStage_BridgePhraseInPrompt(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteResponse: reply("Your breath fogs in the air.")}
	sel := bridge.New(bridge.WithRand(rand.New(rand.NewPCG(3, 4))))
	s := NewPreludeStage(p, WithBridge(sel))

	out := s.Run(context.Background(), DungeonMaster(), "Eu entro na caverna")
	if out.BridgePhrase() == "" {
		t.Fatal("no bridge phrase selected")
	}
	req, _ := p.LastRequest()
	if !strings.Contains(req.SystemPrompt, out.BridgePhrase()) || !strings.Contains(req.SystemPrompt, "inspiration") {
		t.Errorf("system prompt lacks bridge phrase:\n%s", req.SystemPrompt)
	}
	if sel.Stats().RecentPhrasesCount != 1 {
		t.Errorf("selector not consulted")
	}
}

func TestPreludeStage_OpenBreaker(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteErr: errors.New("down")}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	s := NewPreludeStage(p, WithBreaker(cb))

	s.Run(context.Background(), DungeonMaster(), "a")
	out := s.Run(context.Background(), DungeonMaster(), "b")
	if out.Reason() != ReasonCircuitOpen || p.CompleteCallCount() != 1 {
		t.Errorf("reason = %q, calls = %d", out.Reason(), p.CompleteCallCount())
	}
}

func TestPreludeStage_FallbackTruncatesLongNames(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteErr: errors.New("down")}
	s := NewPreludeStage(p)

	name := strings.Repeat("Grimwald the Unyielding ", 10)
	for _, persona := range []Persona{NPC(name), Monster(name), PlayerAI(name)} {
		out := s.Run(context.Background(), persona, "olá")
		if !out.Fallback() {
			t.Fatalf("kind %d: expected a template fallback", persona.Kind)
		}
		if n := len([]rune(out.Text())); n > DefaultPreludeMaxChars {
			t.Errorf("kind %d: fallback is %d characters, max %d", persona.Kind, n, DefaultPreludeMaxChars)
		}
	}
}

func TestPreludeStage_Phrase(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteResponse: reply("Furtividade usa Destreza.")}
	s := NewPreludeStage(p)
	got, ok := s.Phrase(context.Background(), "answer briefly", "Stealth usa Destreza?", 80)
	if !ok || got != "Furtividade usa Destreza." {
		t.Errorf("Phrase = %q, %v", got, ok)
	}
	if req, _ := p.LastRequest(); req.MaxTokens != 80 {
		t.Errorf("MaxTokens = %d", req.MaxTokens)
	}

	bad := NewPreludeStage(&llmmock.Provider{CompleteErr: errors.New("x")})
	if _, ok := bad.Phrase(context.Background(), "s", "u", 0); ok {
		t.Error("Phrase succeeded on provider error")
	}
}

func TestNarrativeStage_Run(t *testing.T) {
	t.Parallel()
	raw := "The goblin snarls.\n[INTENTS]\nINTENT: MELEE_ATTACK\nACTOR: player_1\nEND_INTENT\n[/INTENTS]"
	p := &llmmock.Provider{CompleteResponse: reply(raw)}
	s := NewNarrativeStage(p, WithMetrics(testMetrics(t)))

	n := s.Run(context.Background(), DungeonMaster(), "[ASR_FINAL]\nEu ataco\n[/ASR_FINAL]")
	if n.Fallback || n.Text != raw {
		t.Fatalf("narrative = %+v", n)
	}
	req, _ := p.LastRequest()
	if !strings.Contains(req.SystemPrompt, "[INTENTS]") {
		t.Error("DM system prompt lacks DSL instructions")
	}
	if again := s.Run(context.Background(), DungeonMaster(), "[ASR_FINAL]\nEu ataco\n[/ASR_FINAL]"); !again.Cached {
		t.Error("second run not cached")
	}

	failing := NewNarrativeStage(&llmmock.Provider{CompleteErr: errors.New("down")})
	f := failing.Run(context.Background(), Monster("Owlbear"), "p")
	if !f.Fallback || f.Reason != ReasonProvider || f.Text != Monster("Owlbear").NarrativeTemplate() {
		t.Errorf("fallback = %+v", f)
	}
}

func TestNarrativeStage_Streaming(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		provider     *llmmock.Provider
		wantText     string
		wantFallback string
	}{
		{
			name: "chunks joined",
			provider: &llmmock.Provider{StreamChunks: []llm.Chunk{
				{Text: "The door "}, {Text: "creaks open."}, {FinishReason: "stop"},
			}},
			wantText: "The door creaks open.",
		},
		{
			name:         "error chunk",
			provider:     &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "The "}, {Text: "overloaded", FinishReason: "error"}}},
			wantFallback: ReasonProvider,
		},
		{
			name:         "stream refused",
			provider:     &llmmock.Provider{StreamErr: errors.New("no streams today")},
			wantFallback: ReasonProvider,
		},
		{
			name:         "stream cut by timeout",
			provider:     &llmmock.Provider{Delay: time.Second, StreamChunks: []llm.Chunk{{Text: "late"}}},
			wantFallback: ReasonTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := NewNarrativeStage(tt.provider, WithStreaming(true), WithTimeout(50*time.Millisecond))
			n := s.Run(context.Background(), Narrator(), "p")
			if tt.wantFallback != "" {
				if !n.Fallback || n.Reason != tt.wantFallback {
					t.Errorf("narrative = %+v, want fallback %q", n, tt.wantFallback)
				}
				return
			}
			if n.Fallback || n.Text != tt.wantText {
				t.Errorf("narrative = %+v, want %q", n, tt.wantText)
			}
			if len(tt.provider.CompleteCalls) != 0 || len(tt.provider.StreamCalls) != 1 {
				t.Errorf("calls: complete %d stream %d", len(tt.provider.CompleteCalls), len(tt.provider.StreamCalls))
			}
		})
	}
}

func TestNarrativeStage_ProviderMetrics(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatal(err)
	}
	failing := NewNarrativeStage(&llmmock.Provider{CompleteErr: errors.New("overloaded")}, WithMetrics(m), WithProviderName("openai"))
	failing.Run(context.Background(), Narrator(), "first")
	ok := NewNarrativeStage(&llmmock.Provider{CompleteResponse: reply("The wind howls.")}, WithMetrics(m), WithProviderName("openai"))
	ok.Run(context.Background(), Narrator(), "second")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				provider, _ := dp.Attributes.Value("provider")
				kind, _ := dp.Attributes.Value("kind")
				status, _ := dp.Attributes.Value("status")
				got[met.Name+"/"+provider.AsString()+"/"+kind.AsString()+"/"+status.AsString()] += dp.Value
			}
		}
	}
	want := map[string]int64{
		"dmcore.provider.requests/openai/narrative/ok":    1,
		"dmcore.provider.requests/openai/narrative/error": 1,
		"dmcore.provider.errors/openai/narrative/":        1,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %d, want %d (all: %v)", k, got[k], v, got)
		}
	}
}

func TestNarrativeStage_RespectsCallerDeadline(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Delay: time.Second, CompleteResponse: reply("late")}
	s := NewNarrativeStage(p)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	n := s.Run(ctx, DungeonMaster(), "p")
	if !n.Fallback || n.Reason != ReasonTimeout {
		t.Errorf("narrative = %+v", n)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("caller deadline ignored")
	}
}

func TestContainsResolution(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		want bool
	}{
		{"O ar fica pesado ao seu redor.", false},
		{"Your heart pounds as steel meets steel.", false},
		{"Você acerta em cheio!", true},
		{"Isso causa muito dano.", true},
		{"O resultado é claro.", true},
		{"Sucesso!", true},
		{"Role um d20 para mim.", true},
		{"Ele tem 15 hp.", true},
		{"Lance 2d6.", true},
		{"Três portas se abrem.", false},
	}
	for _, tt := range tests {
		if got := ContainsResolution(tt.text); got != tt.want {
			t.Errorf("ContainsResolution(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := Truncate("curto", 150); got != "curto" {
		t.Errorf("short text changed: %q", got)
	}
	got := Truncate("uma frase bastante longa, com várias palavras", 20)
	if got != "uma frase bastante" {
		t.Errorf("Truncate = %q", got)
	}
}

func TestPersona(t *testing.T) {
	t.Parallel()
	for _, p := range []Persona{DungeonMaster(), Narrator(), NPC("Mira"), PlayerAI("Kael"), Monster("Owlbear")} {
		back, err := ParsePersona(p.String())
		if err != nil || back != p {
			t.Errorf("ParsePersona(%q) = %+v, %v", p.String(), back, err)
		}
		if p.PreludeTemplate() == "" || p.NarrativeTemplate() == "" {
			t.Errorf("%s lacks templates", p)
		}
	}
	if got := NPC("Mira").PreludeTemplate(); got != "Mira's eyes flicker with recognition." {
		t.Errorf("NPC template = %q", got)
	}
	if strings.Contains(NPC("Mira").NarrativeSystemPrompt(), "[INTENTS]") {
		t.Error("NPC prompt teaches the DSL")
	}
	if _, err := ParsePersona("dragon:x"); err == nil {
		t.Error("expected error")
	}
}
