package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/dmcore/internal/cache"
	"github.com/MrWong99/dmcore/internal/events"
	"github.com/MrWong99/dmcore/internal/ipc"
	"github.com/MrWong99/dmcore/internal/ipc/wsserver"
	"github.com/MrWong99/dmcore/internal/lore"
	"github.com/MrWong99/dmcore/internal/observe"
	"github.com/MrWong99/dmcore/internal/pipeline"
	"github.com/MrWong99/dmcore/internal/scene"
	"github.com/MrWong99/dmcore/internal/stage"
)

const (
	// DefaultQueueSize bounds the turns waiting behind a session's
	// in-flight turn.
	DefaultQueueSize = 4

	snapshotTimeout = 5 * time.Second
)

// UI intents understood by [SessionManager.Dispatch].
const (
	UIEndTurn     = "end_turn"
	UIRequestRoll = "request_roll"
	UIRefresh     = "refresh"
	UIEndSession  = "end_session"
)

var (
	// ErrQueueFull is returned when a session already has the maximum number
	// of turns waiting.
	ErrQueueFull = errors.New("app: session queue full")

	// ErrOrphanedRoll is returned for a roll result matching no pending
	// roll request.
	ErrOrphanedRoll = errors.New("app: no pending roll request")

	// ErrClosed is returned after [SessionManager.Close].
	ErrClosed = errors.New("app: session manager closed")

	// ErrNotInCombat is returned by turn commands outside combat.
	ErrNotInCombat = errors.New("app: session is not in combat")

	errUnknownUIIntent = errors.New("app: unknown ui intent")
)

// Processor runs one turn. *pipeline.Pipeline satisfies it.
type Processor interface {
	Process(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
}

var _ Processor = (*pipeline.Pipeline)(nil)

// Turn is one utterance queued for a session.
type Turn struct {
	SessionID string
	PlayerID  string
	Text      string
	Persona   stage.Persona
	Signals   pipeline.Signals
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	Pipeline  Processor
	Scenes    *scene.Registry
	Publisher events.Publisher

	// Snapshots is optional. Without it sessions are not persisted.
	Snapshots SnapshotStore

	// QueueSize defaults to [DefaultQueueSize].
	QueueSize int

	// IdleTimeout stops a session's worker after that long without turns.
	// The session itself stays registered. Zero disables it.
	IdleTimeout time.Duration

	Metrics *observe.Metrics
}

// SessionManager runs the turns of every session. Each session has one
// worker that processes its turns in arrival order; a new utterance cancels
// the turn in flight (barge-in) and waits behind it. All exported methods
// are safe for concurrent use.
type SessionManager struct {
	pipeline  Processor
	scenes    *scene.Registry
	pub       events.Publisher
	snapshots SnapshotStore
	queueSize int
	idle      time.Duration
	metrics   *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup

	rollsMu sync.Mutex
	rolls   map[string]ipc.RollRequest
}

var _ wsserver.Dispatcher = (*SessionManager)(nil)

type worker struct {
	sess    *scene.Session
	machine *pipeline.Machine
	fresh   bool
	limit   int
	wake    chan struct{}
	stop    chan struct{}
	exited  chan struct{}

	mu       sync.Mutex
	pending  []Turn
	inflight context.CancelFunc
}

// enqueue appends t behind the turns already waiting and cancels the turn in
// flight. It fails when limit turns are already waiting.
func (w *worker) enqueue(t Turn) (queued, barged bool) {
	w.mu.Lock()
	if len(w.pending) >= w.limit {
		w.mu.Unlock()
		return false, false
	}
	if w.inflight != nil {
		w.inflight()
		w.inflight = nil
		barged = true
	}
	w.pending = append(w.pending, t)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true, barged
}

// next takes the oldest waiting turn and marks it in flight under the same
// lock enqueue holds, so a later enqueue always cancels it.
func (w *worker) next(parent context.Context) (Turn, context.Context, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return Turn{}, nil, false
	}
	t := w.pending[0]
	w.pending[0] = Turn{}
	w.pending = w.pending[1:]
	ctx, cancel := context.WithCancel(parent)
	w.inflight = cancel
	return t, ctx, true
}

// done releases the turn in flight.
func (w *worker) done() {
	w.mu.Lock()
	if w.inflight != nil {
		w.inflight()
		w.inflight = nil
	}
	w.mu.Unlock()
}

// bargeIn cancels the turn in flight, if any.
func (w *worker) bargeIn() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inflight == nil {
		return false
	}
	w.inflight()
	w.inflight = nil
	return true
}

func (w *worker) waiting() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// NewSessionManager creates a manager. Call Close to stop its workers.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Scenes == nil {
		cfg.Scenes = scene.NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionManager{
		pipeline:  cfg.Pipeline,
		scenes:    cfg.Scenes,
		pub:       cfg.Publisher,
		snapshots: cfg.Snapshots,
		queueSize: cfg.QueueSize,
		idle:      cfg.IdleTimeout,
		metrics:   cfg.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		workers:   make(map[string]*worker),
		rolls:     make(map[string]ipc.RollRequest),
	}
}

// ─── Dispatch ────────────────────────────────────────────────────────────────

// Dispatch handles a client message. Voice actions are queued as turns; UI
// actions, roll results and scene or combat updates are applied immediately. Errors carry an IPC
// error code (see [ipc.CodeOf]).
func (m *SessionManager) Dispatch(ctx context.Context, env ipc.Envelope) error {
	switch p := env.Payload.(type) {
	case ipc.PlayerAction:
		if err := p.Validate(); err != nil {
			return ipc.WithCode(ipc.CodeInvalidMessage, err)
		}
		if p.Kind == ipc.ActionUI {
			return m.handleUI(ctx, p)
		}
		return m.Submit(turnFromAction(p))
	case ipc.RollResult:
		return m.ResolveRoll(ctx, p)
	case ipc.SceneUpdate:
		return m.applySceneUpdate(ctx, p)
	case ipc.CombatUpdate:
		return m.applyCombatUpdate(ctx, p)
	default:
		return ipc.WithCode(ipc.CodeUnexpectedType, fmt.Errorf("app: cannot dispatch %q", env.Type))
	}
}

// actionMetadata is the optional metadata of a voice action.
type actionMetadata struct {
	Persona  string `json:"persona"`
	SpeechMS int64  `json:"speech_ms"`
	PauseMS  int64  `json:"pause_ms"`
	VADEnded bool   `json:"vad_ended"`
}

func turnFromAction(a ipc.PlayerAction) Turn {
	t := Turn{SessionID: a.SessionID, PlayerID: a.PlayerID, Text: a.Text, Persona: stage.DungeonMaster()}
	if len(a.Metadata) == 0 {
		return t
	}
	var meta actionMetadata
	if err := json.Unmarshal(a.Metadata, &meta); err != nil {
		slog.Debug("app: ignoring unreadable action metadata", "session_id", a.SessionID, "err", err)
		return t
	}
	t.Signals = pipeline.Signals{
		SpeechDuration: time.Duration(meta.SpeechMS) * time.Millisecond,
		Pause:          time.Duration(meta.PauseMS) * time.Millisecond,
		VADEnded:       meta.VADEnded,
	}
	if meta.Persona != "" {
		if p, err := stage.ParsePersona(meta.Persona); err == nil {
			t.Persona = p
		} else {
			slog.Debug("app: ignoring unknown persona", "persona", meta.Persona, "err", err)
		}
	}
	return t
}

// Submit queues a turn, creating the session on first use. A turn in flight
// for the same session is cancelled.
func (m *SessionManager) Submit(t Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	w := m.workers[t.SessionID]
	if w == nil {
		w = m.startLocked(t.SessionID)
	}
	queued, barged := w.enqueue(t)
	if !queued {
		return ErrQueueFull
	}
	if barged {
		slog.Info("app: barge-in, cancelling turn in flight", "session_id", t.SessionID, "player_id", t.PlayerID)
	}
	return nil
}

func (m *SessionManager) startLocked(id string) *worker {
	sess, created := m.scenes.GetOrCreate(id)
	w := &worker{
		sess:    sess,
		machine: pipeline.NewMachine(),
		fresh:   created,
		limit:   m.queueSize,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	m.workers[id] = w
	m.wg.Add(1)
	go m.run(w)
	return w
}

// Active returns the ids of sessions with a running worker.
func (m *SessionManager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	return ids
}

// ─── Worker ──────────────────────────────────────────────────────────────────

func (m *SessionManager) run(w *worker) {
	defer m.wg.Done()
	defer close(w.exited)
	log := slog.With("session_id", w.sess.ID)
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(m.ctx, 1)
		defer m.metrics.ActiveSessions.Add(context.WithoutCancel(m.ctx), -1)
	}
	m.restore(w)
	log.Debug("app: session worker started")

	var idle *time.Timer
	var idleC <-chan time.Time
	if m.idle > 0 {
		idle = time.NewTimer(m.idle)
		defer idle.Stop()
		idleC = idle.C
	}

	for {
		select {
		case <-m.ctx.Done():
			m.save(w)
			return
		case <-w.stop:
			return
		case <-w.wake:
			for m.ctx.Err() == nil && !stopped(w.stop) {
				t, ctx, ok := w.next(m.ctx)
				if !ok {
					break
				}
				m.process(ctx, w, t)
				w.done()
			}
			if idle != nil {
				idle.Reset(m.idle)
			}
		case <-idleC:
			if !m.retire(w) {
				idle.Reset(m.idle)
				continue
			}
			m.save(w)
			log.Info("app: session worker idle, stopped")
			return
		}
	}
}

func stopped(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// retire removes w unless turns are waiting.
func (m *SessionManager) retire(w *worker) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.waiting() > 0 {
		return false
	}
	delete(m.workers, w.sess.ID)
	return true
}

// process runs t. ctx is cancelled by a barge-in.
func (m *SessionManager) process(ctx context.Context, w *worker, t Turn) {
	ctx = observe.WithSessionID(ctx, t.SessionID)
	ctx, span := observe.StartSpan(ctx, "app.turn")
	defer span.End()
	log := observe.Logger(ctx).With("player_id", t.PlayerID)

	resp, err := m.pipeline.Process(ctx, pipeline.Request{
		Session: w.sess,
		State:   w.machine,
		Text:    t.Text,
		ActorID: t.PlayerID,
		Persona: t.Persona,
		Signals: t.Signals,
	})
	if err != nil {
		switch {
		case m.ctx.Err() != nil:
			log.Info("app: turn abandoned on shutdown")
		case errors.Is(err, context.Canceled):
			log.Info("app: turn interrupted")
		default:
			log.Warn("app: turn failed", "err", err)
		}
		return
	}

	speaker := speakerID(t.Persona)
	// Published with a detached context so a barge-in after the turn does
	// not drop its output.
	pubCtx := context.WithoutCancel(ctx)
	if resp.FastPrelude != "" {
		publish(pubCtx, m.pub, ipc.Narration{SessionID: t.SessionID, SpeakerID: speaker, Text: resp.FastPrelude, Emotion: "anticipation", TaggedForTTS: true})
	}
	if resp.Narrative != "" {
		publish(pubCtx, m.pub, ipc.Narration{SessionID: t.SessionID, SpeakerID: speaker, Text: resp.Narrative, TaggedForTTS: true})
		w.sess.Events.Add(cache.DialogueEvent{Speaker: t.PlayerID, Message: t.Text, At: time.Now()})
	}
	publish(pubCtx, m.pub, sceneUpdate(w.sess, t.PlayerID))
	m.save(w)
}

func speakerID(p stage.Persona) string {
	switch p.Kind {
	case stage.KindDungeonMaster:
		return SpeakerDM
	case stage.KindNarrator:
		return "narrator"
	default:
		return p.Name
	}
}

// ─── Snapshots ───────────────────────────────────────────────────────────────

func (m *SessionManager) restore(w *worker) {
	if m.snapshots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), snapshotTimeout)
	defer cancel()
	payload, err := m.snapshots.LoadSnapshot(ctx, w.sess.ID)
	switch {
	case errors.Is(err, lore.ErrNotFound):
		return
	case err != nil:
		slog.Warn("app: snapshot load failed, starting fresh", "session_id", w.sess.ID, "err", err)
		return
	}
	target := w.sess
	if !w.fresh {
		// The live session is newer than any snapshot; only the pipeline
		// state is taken from it.
		target = nil
	}
	restoreSnapshot(payload, target, w.sess.ID, w.machine)
}

func (m *SessionManager) save(w *worker) {
	if m.snapshots == nil {
		return
	}
	payload, err := json.Marshal(takeSnapshot(w.sess, w.machine))
	if err != nil {
		slog.Warn("app: snapshot encode failed", "session_id", w.sess.ID, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), snapshotTimeout)
	defer cancel()
	if err := m.snapshots.SaveSnapshot(ctx, w.sess.ID, SnapshotFormatVersion, payload); err != nil {
		slog.Warn("app: snapshot save failed", "session_id", w.sess.ID, "err", err)
	}
}

// ─── UI actions ──────────────────────────────────────────────────────────────

// rollMetadata is the metadata of a request_roll UI action.
type rollMetadata struct {
	RollKind    string `json:"roll_kind"`
	Skill       string `json:"skill"`
	Ability     string `json:"ability"`
	DC          *int   `json:"dc"`
	FormulaHint string `json:"formula_hint"`
	Reason      string `json:"reason"`
}

func (m *SessionManager) handleUI(ctx context.Context, a ipc.PlayerAction) error {
	sess, err := m.scenes.Get(a.SessionID)
	if err != nil {
		return ipc.WithCode(ipc.CodeSessionNotFound, err)
	}
	switch a.UIIntent {
	case UIEndTurn:
		if !sess.Engine.InCombat() {
			return ErrNotInCombat
		}
		next, ok := sess.Engine.NextTurn()
		if ok {
			sess.Events.AddRaw(cache.EventCombat, fmt.Sprintf("%s ends the turn; %s is up", a.PlayerID, next.Name))
		}
		publish(ctx, m.pub, combatUpdate(sess))
		return nil

	case UIRequestRoll:
		var roll rollMetadata
		if len(a.Metadata) > 0 {
			if err := json.Unmarshal(a.Metadata, &roll); err != nil {
				return ipc.WithCode(ipc.CodeInvalidMessage, fmt.Errorf("app: roll metadata: %w", err))
			}
		}
		if roll.RollKind == "" {
			roll.RollKind = "skill_check"
		}
		actor := a.TargetID
		if actor == "" {
			actor = a.PlayerID
		}
		_, err := m.RequestRoll(ctx, ipc.RollRequest{
			SessionID:   a.SessionID,
			ActorID:     actor,
			RollKind:    roll.RollKind,
			Skill:       roll.Skill,
			Ability:     roll.Ability,
			DC:          roll.DC,
			FormulaHint: roll.FormulaHint,
			Reason:      roll.Reason,
		})
		return err

	case UIEndSession:
		return m.End(ctx, a.SessionID)

	case UIRefresh:
		publish(ctx, m.pub, sceneUpdate(sess, ""))
		publish(ctx, m.pub, combatUpdate(sess))
		return nil
	}
	return ipc.WithCode(ipc.CodeInvalidMessage, fmt.Errorf("%w %q", errUnknownUIIntent, a.UIIntent))
}

// ─── Rolls ───────────────────────────────────────────────────────────────────

// RequestRoll publishes req and remembers it until the matching result
// arrives. An empty RequestID is assigned; the id is returned.
func (m *SessionManager) RequestRoll(ctx context.Context, req ipc.RollRequest) (string, error) {
	if _, err := m.scenes.Get(req.SessionID); err != nil {
		return "", ipc.WithCode(ipc.CodeSessionNotFound, err)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	m.rollsMu.Lock()
	m.rolls[req.RequestID] = req
	m.rollsMu.Unlock()

	if err := m.pub.Publish(ctx, ipc.New(req)); err != nil {
		m.rollsMu.Lock()
		delete(m.rolls, req.RequestID)
		m.rollsMu.Unlock()
		return "", fmt.Errorf("app: publish roll request: %w", err)
	}
	slog.Info("app: roll requested", "session_id", req.SessionID, "request_id", req.RequestID, "actor_id", req.ActorID, "kind", req.RollKind)
	return req.RequestID, nil
}

// PendingRolls returns the number of roll requests awaiting a result.
func (m *SessionManager) PendingRolls() int {
	m.rollsMu.Lock()
	defer m.rollsMu.Unlock()
	return len(m.rolls)
}

// ResolveRoll matches a result to its request, records it in the scene
// history and announces it.
func (m *SessionManager) ResolveRoll(ctx context.Context, r ipc.RollResult) error {
	m.rollsMu.Lock()
	req, ok := m.rolls[r.RequestID]
	if ok && req.SessionID == r.SessionID {
		delete(m.rolls, r.RequestID)
	}
	m.rollsMu.Unlock()
	if !ok || req.SessionID != r.SessionID {
		slog.Warn("app: orphaned roll result", "session_id", r.SessionID, "request_id", r.RequestID)
		return ipc.WithCode(ipc.CodeOrphanedRoll, fmt.Errorf("%w: %s", ErrOrphanedRoll, r.RequestID))
	}

	sess, err := m.scenes.Get(req.SessionID)
	if err != nil {
		return ipc.WithCode(ipc.CodeSessionNotFound, err)
	}

	actor := r.ActorID
	if actor == "" {
		actor = req.ActorID
	}
	what := req.RollKind
	switch {
	case req.Skill != "":
		what = req.Skill + " check"
	case req.Ability != "":
		what = req.Ability + " check"
	}
	at := time.Now()
	if r.Timestamp > 0 {
		at = time.UnixMilli(r.Timestamp)
	}
	sess.Events.Add(cache.RollEvent{Actor: actor, RollType: what, Result: r.Total, At: at})

	text := fmt.Sprintf("%s rolled %d for %s", actor, r.Total, what)
	if req.DC != nil {
		verdict := "failure"
		if r.Total >= *req.DC {
			verdict = "success"
		}
		text += fmt.Sprintf(" against DC %d: %s", *req.DC, verdict)
	}
	publish(ctx, m.pub, ipc.Narration{SessionID: req.SessionID, SpeakerID: SpeakerSystem, Text: text})
	return nil
}

// End finishes a session: its worker is stopped, its pending rolls are
// dropped, its snapshot is deleted and it is removed from the registry.
func (m *SessionManager) End(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	w := m.workers[sessionID]
	delete(m.workers, sessionID)
	m.mu.Unlock()

	if w != nil {
		w.bargeIn()
		close(w.stop)
		select {
		case <-w.exited:
		case <-ctx.Done():
			return fmt.Errorf("app: end session %q: %w", sessionID, ctx.Err())
		}
	}

	m.rollsMu.Lock()
	for id, req := range m.rolls {
		if req.SessionID == sessionID {
			delete(m.rolls, id)
		}
	}
	m.rollsMu.Unlock()

	if m.snapshots != nil {
		if err := m.snapshots.DeleteSnapshot(ctx, sessionID); err != nil {
			slog.Warn("app: snapshot delete failed", "session_id", sessionID, "err", err)
		}
	}
	if err := m.scenes.Delete(sessionID); err != nil {
		return ipc.WithCode(ipc.CodeSessionNotFound, err)
	}
	slog.Info("app: session ended", "session_id", sessionID)
	return nil
}

// ─── Close ───────────────────────────────────────────────────────────────────

// Close stops accepting turns, cancels turns in flight, saves every session
// and waits for the workers, at most until ctx ends.
func (m *SessionManager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: session workers still running: %w", ctx.Err())
	}
}
