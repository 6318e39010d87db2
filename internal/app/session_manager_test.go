package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/dmcore/internal/cache"
	"github.com/MrWong99/dmcore/internal/classifier"
	"github.com/MrWong99/dmcore/internal/events"
	"github.com/MrWong99/dmcore/internal/game"
	"github.com/MrWong99/dmcore/internal/intent"
	"github.com/MrWong99/dmcore/internal/ipc"
	"github.com/MrWong99/dmcore/internal/lore"
	"github.com/MrWong99/dmcore/internal/pipeline"
	"github.com/MrWong99/dmcore/internal/rules"
	rulesmock "github.com/MrWong99/dmcore/internal/rules/mock"
	"github.com/MrWong99/dmcore/internal/scene"
	"github.com/MrWong99/dmcore/internal/stage"
	"github.com/MrWong99/dmcore/pkg/provider/llm"
	llmmock "github.com/MrWong99/dmcore/pkg/provider/llm/mock"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

// gateProcessor blocks every turn until gate is closed, ignoring
// cancellation while blocked, and answers with an echo of the text.
type gateProcessor struct {
	started chan string
	gate    chan struct{}
	onTurn  func(req pipeline.Request)

	mu        sync.Mutex
	cancelled []string
}

func newGateProcessor() *gateProcessor {
	return &gateProcessor{started: make(chan string, 16), gate: make(chan struct{})}
}

func (p *gateProcessor) Process(ctx context.Context, req pipeline.Request) (*pipeline.Response, error) {
	p.started <- req.Text
	<-p.gate
	if err := ctx.Err(); err != nil {
		p.mu.Lock()
		p.cancelled = append(p.cancelled, req.Text)
		p.mu.Unlock()
		return nil, err
	}
	if p.onTurn != nil {
		p.onTurn(req)
	}
	return &pipeline.Response{Path: pipeline.PathNarrative, Narrative: "echo: " + req.Text}, nil
}

func (p *gateProcessor) cancelledTurns() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cancelled...)
}

func waitStarted(t *testing.T, p *gateProcessor, want string) {
	t.Helper()
	select {
	case got := <-p.started:
		if got != want {
			t.Fatalf("started %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("turn %q never started", want)
	}
}

func newBus(t *testing.T) *events.Bus {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(func() { bus.Close() })
	return bus
}

func subscribe(t *testing.T, bus *events.Bus, sessionID string) <-chan ipc.Envelope {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch, err := bus.Subscribe(ctx, events.ForSession(sessionID))
	if err != nil {
		t.Fatal(err)
	}
	return ch
}

// nextOf returns the next envelope of type typ, skipping others.
func nextOf(t *testing.T, ch <-chan ipc.Envelope, typ ipc.Type) ipc.Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				t.Fatalf("subscription closed waiting for %s", typ)
			}
			if env.Type == typ {
				return env
			}
		case <-timeout:
			t.Fatalf("no %s envelope", typ)
		}
	}
}

func newManager(t *testing.T, cfg SessionManagerConfig) *SessionManager {
	t.Helper()
	m := NewSessionManager(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return m
}

func voice(sessionID, text string) ipc.Envelope {
	return ipc.New(ipc.PlayerAction{SessionID: sessionID, PlayerID: "player_1", Kind: ipc.ActionVoice, Text: text})
}

func ui(sessionID, uiIntent string, meta string) ipc.Envelope {
	a := ipc.PlayerAction{SessionID: sessionID, PlayerID: "dm_screen", Kind: ipc.ActionUI, UIIntent: uiIntent}
	if meta != "" {
		a.Metadata = json.RawMessage(meta)
	}
	return ipc.New(a)
}

// realPipeline builds a pipeline over mock models and a mock oracle.
func realPipeline(narrative string) *pipeline.Pipeline {
	prelude := stage.NewPreludeStage(&llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Your grip tightens."}})
	oracle := &rulesmock.Oracle{SkillCheckResult: rules.SkillCheckResult{RollTotal: 14, DC: 15}}
	return pipeline.New(
		classifier.New(),
		prelude,
		stage.NewNarrativeStage(&llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: narrative}}),
		pipeline.WithExecutor(intent.NewExecutor(intent.WithOracle(oracle))),
		pipeline.WithRuleAnswerer(pipeline.NewSimpleRuleAnswerer(nil, prelude, 0)),
	)
}

// ─── Turns ───────────────────────────────────────────────────────────────────

func TestSessionManager_ObjectiveTurnPublishesNarration(t *testing.T) {
	t.Parallel()

	bus := newBus(t)
	scenes := scene.NewRegistry()
	sess, _ := scenes.GetOrCreate("table-1")
	hero := game.NewActor("Thorin", game.ActorPlayer)
	hero.ID = "player_1"
	sess.Engine.AddActor(hero)
	sess.GameState.Set(cache.Player("player_1"), cache.Entry{HP: 42, MaxHP: 50, AC: 17})

	m := newManager(t, SessionManagerConfig{Pipeline: realPipeline("unused"), Scenes: scenes, Publisher: bus})
	updates := subscribe(t, bus, "table-1")

	if err := m.Dispatch(context.Background(), voice("table-1", "Quantos HP eu tenho?")); err != nil {
		t.Fatal(err)
	}

	n := nextOf(t, updates, ipc.TypeNarration).Payload.(ipc.Narration)
	if n.Text != "Você tem 42 HP de 50." || n.SpeakerID != SpeakerDM || !n.TaggedForTTS {
		t.Errorf("narration = %+v", n)
	}
	u := nextOf(t, updates, ipc.TypeSceneUpdate).Payload.(ipc.SceneUpdate)
	if u.ActiveSpeakerID != "player_1" || len(u.Participants) != 1 || u.Participants[0].IsNPC {
		t.Errorf("scene update = %+v", u)
	}
}

func TestSessionManager_BargeInAndQueueLimit(t *testing.T) {
	t.Parallel()

	bus := newBus(t)
	proc := newGateProcessor()
	m := newManager(t, SessionManagerConfig{Pipeline: proc, Publisher: bus, QueueSize: 1})
	updates := subscribe(t, bus, "table-1")
	released := false
	defer func() {
		if !released {
			close(proc.gate)
		}
	}()

	if err := m.Submit(Turn{SessionID: "table-1", PlayerID: "p1", Text: "first"}); err != nil {
		t.Fatal(err)
	}
	waitStarted(t, proc, "first")

	if err := m.Submit(Turn{SessionID: "table-1", PlayerID: "p1", Text: "second"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Submit(Turn{SessionID: "table-1", PlayerID: "p1", Text: "third"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third Submit = %v, want ErrQueueFull", err)
	}

	close(proc.gate)
	released = true
	waitStarted(t, proc, "second")

	n := nextOf(t, updates, ipc.TypeNarration).Payload.(ipc.Narration)
	if n.Text != "echo: second" {
		t.Errorf("narration = %q, want the second turn", n.Text)
	}
	if got := proc.cancelledTurns(); len(got) != 1 || got[0] != "first" {
		t.Errorf("cancelled = %v, want [first]", got)
	}
}

func TestWorker_TakenTurnIsCancelledBySubmit(t *testing.T) {
	t.Parallel()

	w := &worker{limit: 2, wake: make(chan struct{}, 1)}
	if queued, barged := w.enqueue(Turn{Text: "first"}); !queued || barged {
		t.Fatalf("enqueue first = %v, %v", queued, barged)
	}

	// The worker has taken the turn but not started the pipeline yet.
	first, firstCtx, ok := w.next(context.Background())
	if !ok || first.Text != "first" {
		t.Fatalf("next = %+v, %v", first, ok)
	}
	if queued, barged := w.enqueue(Turn{Text: "second"}); !queued || !barged {
		t.Fatalf("enqueue second = %v, %v, want a barge-in", queued, barged)
	}
	if !errors.Is(firstCtx.Err(), context.Canceled) {
		t.Errorf("first turn context err = %v, want context.Canceled", firstCtx.Err())
	}
	w.done()

	second, secondCtx, ok := w.next(context.Background())
	if !ok || second.Text != "second" {
		t.Fatalf("next = %+v, %v", second, ok)
	}
	if secondCtx.Err() != nil {
		t.Errorf("second turn cancelled: %v", secondCtx.Err())
	}
	w.done()
	if _, _, ok := w.next(context.Background()); ok {
		t.Error("queue not drained")
	}
}

func TestSessionManager_ActionTextIsFinalTranscript(t *testing.T) {
	t.Parallel()

	proc := newGateProcessor()
	close(proc.gate)
	reqs := make(chan pipeline.Request, 1)
	proc.onTurn = func(req pipeline.Request) { reqs <- req }
	m := newManager(t, SessionManagerConfig{Pipeline: proc, Publisher: newBus(t)})

	if err := m.Dispatch(context.Background(), voice("table-1", "Eu abro a porta da cripta")); err != nil {
		t.Fatal(err)
	}
	select {
	case req := <-reqs:
		if req.AwaitFinal != nil || req.Text != "Eu abro a porta da cripta" {
			t.Errorf("request text %q, awaits final %v", req.Text, req.AwaitFinal != nil)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("turn never processed")
	}
}

func TestSessionManager_SubmitAfterClose(t *testing.T) {
	t.Parallel()

	m := NewSessionManager(SessionManagerConfig{Pipeline: newGateProcessor(), Publisher: newBus(t)})
	if err := m.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Submit(Turn{SessionID: "s", Text: "hi"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit = %v, want ErrClosed", err)
	}
}

func TestTurnFromAction(t *testing.T) {
	t.Parallel()

	a := ipc.PlayerAction{
		SessionID: "s", PlayerID: "p", Kind: ipc.ActionVoice, Text: "hi",
		Metadata: json.RawMessage(`{"persona":"narrator","speech_ms":1500,"pause_ms":400,"vad_ended":true}`),
	}
	got := turnFromAction(a)
	if got.Persona.Kind != stage.KindNarrator {
		t.Errorf("persona = %+v", got.Persona)
	}
	want := pipeline.Signals{SpeechDuration: 1500 * time.Millisecond, Pause: 400 * time.Millisecond, VADEnded: true}
	if got.Signals != want {
		t.Errorf("signals = %+v, want %+v", got.Signals, want)
	}

	a.Metadata = json.RawMessage(`not json`)
	if got := turnFromAction(a); got.Persona.Kind != stage.KindDungeonMaster || got.Signals != (pipeline.Signals{}) {
		t.Errorf("bad metadata turn = %+v", got)
	}
}

// ─── Dispatch ────────────────────────────────────────────────────────────────

func TestSessionManager_DispatchErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		env      ipc.Envelope
		wantCode string
	}{
		{
			name:     "invalid action",
			env:      ipc.New(ipc.PlayerAction{SessionID: "table-1", Kind: ipc.ActionVoice}),
			wantCode: ipc.CodeInvalidMessage,
		},
		{
			name:     "ui on unknown session",
			env:      ui("nowhere", UIRefresh, ""),
			wantCode: ipc.CodeSessionNotFound,
		},
		{
			name:     "unknown ui intent",
			env:      ui("table-1", "dance", ""),
			wantCode: ipc.CodeInvalidMessage,
		},
		{
			name:     "orphaned roll",
			env:      ipc.New(ipc.RollResult{SessionID: "table-1", RequestID: "r-404", ActorID: "p1", Total: 9}),
			wantCode: ipc.CodeOrphanedRoll,
		},
		{
			name:     "server-only payload",
			env:      ipc.New(ipc.Narration{SessionID: "table-1", Text: "x"}),
			wantCode: ipc.CodeUnexpectedType,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			scenes := scene.NewRegistry()
			scenes.GetOrCreate("table-1")
			m := newManager(t, SessionManagerConfig{Pipeline: newGateProcessor(), Scenes: scenes, Publisher: newBus(t)})

			err := m.Dispatch(context.Background(), tt.env)
			if err == nil {
				t.Fatal("Dispatch succeeded")
			}
			if code := ipc.CodeOf(err); code != tt.wantCode {
				t.Errorf("code = %q (err %v), want %q", code, err, tt.wantCode)
			}
		})
	}
}

func TestSessionManager_RollRoundTrip(t *testing.T) {
	t.Parallel()

	bus := newBus(t)
	scenes := scene.NewRegistry()
	scenes.GetOrCreate("table-1")
	m := newManager(t, SessionManagerConfig{Pipeline: newGateProcessor(), Scenes: scenes, Publisher: bus})
	updates := subscribe(t, bus, "table-1")
	ctx := context.Background()

	if err := m.Dispatch(ctx, ui("table-1", UIRequestRoll, `{"skill":"stealth","dc":12,"reason":"sneak past"}`)); err != nil {
		t.Fatal(err)
	}
	req := nextOf(t, updates, ipc.TypeRollRequest).Payload.(ipc.RollRequest)
	if req.RequestID == "" || req.RollKind != "skill_check" || req.ActorID != "dm_screen" || req.DC == nil || *req.DC != 12 {
		t.Fatalf("roll request = %+v", req)
	}
	if m.PendingRolls() != 1 {
		t.Fatalf("PendingRolls = %d", m.PendingRolls())
	}

	wrongSession := ipc.RollResult{SessionID: "other", RequestID: req.RequestID, Total: 3}
	if err := m.ResolveRoll(ctx, wrongSession); !errors.Is(err, ErrOrphanedRoll) {
		t.Fatalf("cross-session result = %v, want ErrOrphanedRoll", err)
	}

	result := ipc.RollResult{SessionID: "table-1", RequestID: req.RequestID, ActorID: "player_1", Total: 14, Natural: 11}
	if err := m.Dispatch(ctx, ipc.New(result)); err != nil {
		t.Fatal(err)
	}
	n := nextOf(t, updates, ipc.TypeNarration).Payload.(ipc.Narration)
	if want := "player_1 rolled 14 for stealth check against DC 12: success"; n.Text != want || n.SpeakerID != SpeakerSystem {
		t.Errorf("narration = %+v, want %q", n, want)
	}
	if m.PendingRolls() != 0 {
		t.Errorf("PendingRolls after result = %d", m.PendingRolls())
	}
	if err := m.Dispatch(ctx, ipc.New(result)); ipc.CodeOf(err) != ipc.CodeOrphanedRoll {
		t.Errorf("duplicate result = %v, want orphaned", err)
	}
}

func TestSessionManager_EndTurnAdvancesInitiative(t *testing.T) {
	t.Parallel()

	bus := newBus(t)
	scenes := scene.NewRegistry()
	sess, _ := scenes.GetOrCreate("table-1")
	m := newManager(t, SessionManagerConfig{Pipeline: newGateProcessor(), Scenes: scenes, Publisher: bus})
	ctx := context.Background()

	if err := m.Dispatch(ctx, ui("table-1", UIEndTurn, "")); !errors.Is(err, ErrNotInCombat) {
		t.Fatalf("end_turn outside combat = %v", err)
	}

	for i, name := range []string{"Thorin", "Goblin"} {
		kind := game.ActorPlayer
		if i == 1 {
			kind = game.ActorMonster
		}
		a := game.NewActor(name, kind)
		roll := 20 - i*5
		a.Initiative = &roll
		sess.Engine.AddActor(a)
	}
	if err := sess.Transition(scene.CombatTurnBased); err != nil {
		t.Fatal(err)
	}
	updates := subscribe(t, bus, "table-1")

	if err := m.Dispatch(ctx, ui("table-1", UIEndTurn, "")); err != nil {
		t.Fatal(err)
	}
	u := nextOf(t, updates, ipc.TypeCombatUpdate).Payload.(ipc.CombatUpdate)
	if !u.InCombat || u.Round != 1 || len(u.InitiativeOrder) != 2 {
		t.Fatalf("combat update = %+v", u)
	}
	if !u.InitiativeOrder[1].IsActive || u.InitiativeOrder[1].Name != "Goblin" {
		t.Errorf("active slot = %+v, want the goblin", u.InitiativeOrder)
	}
}

// ─── Snapshots + lifecycle ───────────────────────────────────────────────────

func TestSessionManager_SnapshotSurvivesRestart(t *testing.T) {
	t.Parallel()

	store, err := NewFileSnapshots(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	first := newGateProcessor()
	close(first.gate)
	first.onTurn = func(req pipeline.Request) { req.State.UpdateGameState("HP: 3/9, AC: 11") }
	bus := newBus(t)
	m1 := NewSessionManager(SessionManagerConfig{Pipeline: first, Publisher: bus, Snapshots: store})
	updates := subscribe(t, bus, "table-1")
	if err := m1.Submit(Turn{SessionID: "table-1", PlayerID: "p1", Text: "hello"}); err != nil {
		t.Fatal(err)
	}
	nextOf(t, updates, ipc.TypeSceneUpdate)
	if err := m1.Close(ctx); err != nil {
		t.Fatal(err)
	}

	payload, err := store.LoadSnapshot(ctx, "table-1")
	if err != nil {
		t.Fatal(err)
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.FormatVersion != SnapshotFormatVersion || snap.SessionID != "table-1" || snap.PipelineStatus != pipeline.WaitingForInput.String() {
		t.Errorf("snapshot = %+v", snap)
	}

	second := newGateProcessor()
	close(second.gate)
	restored := make(chan string, 1)
	second.onTurn = func(req pipeline.Request) { restored <- req.State.Snapshot().GameState }
	m2 := newManager(t, SessionManagerConfig{Pipeline: second, Publisher: newBus(t), Snapshots: store})
	if err := m2.Submit(Turn{SessionID: "table-1", PlayerID: "p1", Text: "back again"}); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-restored:
		if got != "HP: 3/9, AC: 11" {
			t.Errorf("restored game state = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second turn never ran")
	}
}

func TestSessionManager_EndRemovesSession(t *testing.T) {
	t.Parallel()

	store, err := NewFileSnapshots(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	bus := newBus(t)
	scenes := scene.NewRegistry()
	proc := newGateProcessor()
	close(proc.gate)
	m := newManager(t, SessionManagerConfig{Pipeline: proc, Scenes: scenes, Publisher: bus, Snapshots: store})
	updates := subscribe(t, bus, "table-1")
	ctx := context.Background()

	if err := m.Submit(Turn{SessionID: "table-1", PlayerID: "p1", Text: "hello"}); err != nil {
		t.Fatal(err)
	}
	nextOf(t, updates, ipc.TypeSceneUpdate)
	if _, err := m.RequestRoll(ctx, ipc.RollRequest{SessionID: "table-1", ActorID: "p1", RollKind: "saving_throw"}); err != nil {
		t.Fatal(err)
	}

	if err := m.Dispatch(ctx, ui("table-1", UIEndSession, "")); err != nil {
		t.Fatal(err)
	}
	if _, err := scenes.Get("table-1"); !errors.Is(err, scene.ErrSessionNotFound) {
		t.Errorf("session still registered: %v", err)
	}
	if _, err := store.LoadSnapshot(ctx, "table-1"); !errors.Is(err, lore.ErrNotFound) {
		t.Errorf("snapshot still stored: %v", err)
	}
	if len(m.Active()) != 0 || m.PendingRolls() != 0 {
		t.Errorf("active = %v, pending rolls = %d", m.Active(), m.PendingRolls())
	}
	if err := m.End(ctx, "table-1"); ipc.CodeOf(err) != ipc.CodeSessionNotFound {
		t.Errorf("second End = %v", err)
	}
}

func TestSessionManager_IdleWorkerRetires(t *testing.T) {
	t.Parallel()

	bus := newBus(t)
	scenes := scene.NewRegistry()
	proc := newGateProcessor()
	close(proc.gate)
	m := newManager(t, SessionManagerConfig{Pipeline: proc, Scenes: scenes, Publisher: bus, IdleTimeout: 20 * time.Millisecond})

	if err := m.Submit(Turn{SessionID: "table-1", PlayerID: "p1", Text: "hello"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(m.Active()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle worker still running")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := scenes.Get("table-1"); err != nil {
		t.Errorf("idle session dropped from registry: %v", err)
	}
}
