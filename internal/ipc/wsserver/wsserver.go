// Package wsserver serves the IPC protocol over WebSocket.
//
// Each connection receives a welcome pong, then every bus envelope for its
// session (clients pick one with ?session_id=; without it they see all
// sessions). Client player actions, roll results and scene or combat updates
// are handed to a [Dispatcher]; pings are answered on the same connection.
package wsserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/dmcore/internal/events"
	"github.com/MrWong99/dmcore/internal/ipc"
	"github.com/MrWong99/dmcore/internal/observe"
)

// Defaults.
const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultReadLimit    = 64 << 10
)

var errBusClosed = errors.New("wsserver: event bus closed")

// Dispatcher handles client messages.
type Dispatcher interface {
	Dispatch(ctx context.Context, env ipc.Envelope) error
}

// DispatchFunc adapts a function to [Dispatcher].
type DispatchFunc func(ctx context.Context, env ipc.Envelope) error

// Dispatch implements Dispatcher.
func (f DispatchFunc) Dispatch(ctx context.Context, env ipc.Envelope) error { return f(ctx, env) }

// Server is an http.Handler for the IPC WebSocket endpoint.
type Server struct {
	bus          events.Subscriber
	dispatcher   Dispatcher
	writeTimeout time.Duration
	readLimit    int64
	origins      []string
	metrics      *observe.Metrics

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Option configures a [Server].
type Option func(*Server)

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithReadLimit caps incoming message size in bytes.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// WithOriginPatterns allows cross-origin clients matching the patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = append(s.origins, patterns...) }
}

// WithMetrics records the number of open connections.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a server that streams bus envelopes and forwards client
// messages to d.
func New(bus events.Subscriber, d Dispatcher, opts ...Option) *Server {
	s := &Server{
		bus:          bus,
		dispatcher:   d,
		writeTimeout: DefaultWriteTimeout,
		readLimit:    DefaultReadLimit,
		conns:        make(map[*websocket.Conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register mounts the endpoint at /ws.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("GET /ws", s)
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(c *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	if s.metrics != nil {
		s.metrics.ConnectedClients.Add(context.Background(), 1)
	}
	return true
}

func (s *Server) untrack(c *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ConnectedClients.Add(context.Background(), -1)
	}
	s.wg.Done()
}

// ServeHTTP upgrades the request and runs the connection until either side
// closes it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		slog.Warn("wsserver: accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	if !s.track(conn) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.untrack(conn)
	conn.SetReadLimit(s.readLimit)

	sessionID := r.URL.Query().Get("session_id")
	log := slog.With("remote", r.RemoteAddr, "session_id", sessionID)
	log.Info("wsserver: client connected")

	err = s.serve(r.Context(), conn, sessionID)
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		log.Info("wsserver: client disconnected", "status", status)
	case errors.Is(err, context.Canceled):
		log.Info("wsserver: connection cancelled")
	default:
		log.Warn("wsserver: connection ended", "err", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) serve(ctx context.Context, conn *websocket.Conn, sessionID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var filter events.Filter
	if sessionID != "" {
		filter = events.ForSession(sessionID)
	}
	updates, err := s.bus.Subscribe(ctx, filter)
	if err != nil {
		return fmt.Errorf("wsserver: subscribe: %w", err)
	}

	replies := make(chan ipc.Envelope, 8)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.writeLoop(gctx, conn, updates, replies) })
	g.Go(func() error { return s.readLoop(gctx, conn, replies) })
	return g.Wait()
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, updates <-chan ipc.Envelope, replies <-chan ipc.Envelope) error {
	if err := s.write(ctx, conn, ipc.New(ipc.Pong{})); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-updates:
			if !ok {
				return errBusClosed
			}
			if err := s.write(ctx, conn, env); err != nil {
				return err
			}
		case env := <-replies:
			if err := s.write(ctx, conn, env); err != nil {
				return err
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, env ipc.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Warn("wsserver: dropping unencodable envelope", "type", env.Type, "err", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, replies chan<- ipc.Envelope) error {
	reply := func(env ipc.Envelope) {
		select {
		case replies <- env:
		case <-ctx.Done():
		}
	}
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			reply(ipc.NewError(ipc.CodeInvalidMessage, "binary frames are not supported", ""))
			continue
		}

		var env ipc.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			reply(ipc.NewError(ipc.CodeParseError, err.Error(), ""))
			continue
		}

		switch env.Type {
		case ipc.TypePing:
			reply(ipc.New(ipc.Pong{}))
		case ipc.TypePlayerAction, ipc.TypeRollResult, ipc.TypeSceneUpdate, ipc.TypeCombatUpdate:
			if err := s.dispatcher.Dispatch(ctx, env); err != nil {
				slog.Warn("wsserver: dispatch failed", "type", env.Type, "session_id", env.SessionID(), "err", err)
				reply(ipc.NewError(ipc.CodeOf(err), err.Error(), requestID(env)))
			}
		default:
			reply(ipc.NewError(ipc.CodeUnexpectedType, fmt.Sprintf("clients may not send %q", env.Type), ""))
		}
	}
}

func requestID(env ipc.Envelope) string {
	if r, ok := env.Payload.(ipc.RollResult); ok {
		return r.RequestID
	}
	return ""
}

// Close refuses new connections, closes open ones with StatusGoingAway and
// waits for their handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.wg.Wait()
	return nil
}
