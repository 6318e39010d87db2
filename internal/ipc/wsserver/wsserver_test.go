package wsserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/goleak"

	"github.com/MrWong99/dmcore/internal/events"
	"github.com/MrWong99/dmcore/internal/ipc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu   sync.Mutex
	envs []ipc.Envelope
	err  error
}

func (r *recorder) Dispatch(_ context.Context, env ipc.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return r.err
}

func (r *recorder) received() []ipc.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ipc.Envelope(nil), r.envs...)
}

type fixture struct {
	bus    *events.Bus
	server *Server
	http   *httptest.Server
	disp   *recorder
}

func newFixture(t *testing.T, dispErr error) *fixture {
	t.Helper()
	f := &fixture{bus: events.NewBus(), disp: &recorder{err: dispErr}}
	f.server = New(f.bus, f.disp)
	mux := http.NewServeMux()
	f.server.Register(mux)
	f.http = httptest.NewServer(mux)
	t.Cleanup(func() {
		f.server.Close()
		f.http.Close()
		f.bus.Close()
	})
	return f
}

func (f *fixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws" + query
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })

	if env := read(t, conn); env.Type != ipc.TypePong {
		t.Fatalf("welcome = %s, want pong", env.Type)
	}
	return conn
}

func read(t *testing.T, conn *websocket.Conn) ipc.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env ipc.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return env
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitConnections(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Connections() != n {
		if time.Now().After(deadline) {
			t.Fatalf("connections = %d, want %d", s.Connections(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_PingPong(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "")

	send(t, conn, `{"type":"ping"}`)
	if env := read(t, conn); env.Type != ipc.TypePong {
		t.Errorf("reply = %s, want pong", env.Type)
	}
}

func TestServer_DispatchesClientMessages(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "")

	send(t, conn, `{"type":"player-action","session_id":"s1","player_id":"p1","kind":"Voice","text":"Eu ataco o goblin"}`)
	send(t, conn, `{"type":"roll-result","session_id":"s1","request_id":"r1","actor_id":"p1","total":12,"natural":9,"timestamp":1}`)
	send(t, conn, `{"type":"scene-update","session_id":"s1","scene_state":"Exploration","summary":"Cripta","participants":[{"id":"p1","name":"Aria","is_npc":false}]}`)
	send(t, conn, `{"type":"combat-update","session_id":"s1","in_combat":false,"round":0,"initiative_order":[]}`)
	send(t, conn, `{"type":"ping"}`)
	read(t, conn) // the pong proves the other messages were handled

	got := f.disp.received()
	want := []ipc.Type{ipc.TypePlayerAction, ipc.TypeRollResult, ipc.TypeSceneUpdate, ipc.TypeCombatUpdate}
	if len(got) != len(want) {
		t.Fatalf("dispatched = %+v", got)
	}
	for i, typ := range want {
		if got[i].Type != typ {
			t.Errorf("dispatched[%d] = %s, want %s", i, got[i].Type, typ)
		}
	}
	if a := got[0].Payload.(ipc.PlayerAction); a.Text != "Eu ataco o goblin" {
		t.Errorf("action = %+v", a)
	}
}

func TestServer_ErrorReplies(t *testing.T) {
	tests := []struct {
		name     string
		dispErr  error
		message  string
		wantCode string
		wantReq  string
	}{
		{name: "malformed json", message: `{"type":`, wantCode: ipc.CodeParseError},
		{name: "unknown type", message: `{"type":"teleport"}`, wantCode: ipc.CodeParseError},
		{name: "server-only type", message: `{"type":"narration","session_id":"s1","speaker_id":"dm","text":"x","tagged_for_tts":false}`, wantCode: ipc.CodeUnexpectedType},
		{
			name:     "dispatch failure",
			dispErr:  errors.New("boom"),
			message:  `{"type":"player-action","session_id":"s1","player_id":"p1","kind":"Voice","text":"hi"}`,
			wantCode: ipc.CodeProcessingError,
		},
		{
			name:     "coded dispatch failure",
			dispErr:  ipc.WithCode(ipc.CodeOrphanedRoll, errors.New("no pending roll")),
			message:  `{"type":"roll-result","session_id":"s1","request_id":"r9","actor_id":"p1","total":3,"natural":3,"timestamp":1}`,
			wantCode: ipc.CodeOrphanedRoll,
			wantReq:  "r9",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.dispErr)
			conn := f.dial(t, "")

			send(t, conn, tt.message)
			env := read(t, conn)
			e, ok := env.Payload.(ipc.Error)
			if !ok {
				t.Fatalf("reply = %s, want error", env.Type)
			}
			if e.Code != tt.wantCode || e.RequestID != tt.wantReq {
				t.Errorf("error = %+v, want code %q request %q", e, tt.wantCode, tt.wantReq)
			}
		})
	}
}

func TestServer_StreamsBusBySession(t *testing.T) {
	f := newFixture(t, nil)
	s1 := f.dial(t, "?session_id=s1")
	all := f.dial(t, "")
	waitConnections(t, f.server, 2)

	ctx := context.Background()
	if err := f.bus.Publish(ctx, ipc.New(ipc.Narration{SessionID: "s2", SpeakerID: "dm", Text: "elsewhere"})); err != nil {
		t.Fatal(err)
	}
	if err := f.bus.Publish(ctx, ipc.New(ipc.Narration{SessionID: "s1", SpeakerID: "dm", Text: "here"})); err != nil {
		t.Fatal(err)
	}

	if n := read(t, s1).Payload.(ipc.Narration); n.Text != "here" {
		t.Errorf("s1 client got %q", n.Text)
	}
	if n := read(t, all).Payload.(ipc.Narration); n.Text != "elsewhere" {
		t.Errorf("unfiltered client first got %q", n.Text)
	}
	if n := read(t, all).Payload.(ipc.Narration); n.Text != "here" {
		t.Errorf("unfiltered client second got %q", n.Text)
	}
}

func TestServer_CloseDisconnectsClients(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "")
	waitConnections(t, f.server, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		_, _, err := conn.Read(ctx)
		errc <- err
	}()

	if err := f.server.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := <-errc
	if status := websocket.CloseStatus(err); status != websocket.StatusGoingAway {
		t.Errorf("close status = %v (err %v), want going away", status, err)
	}
	if f.server.Connections() != 0 {
		t.Errorf("connections after Close = %d", f.server.Connections())
	}
}
