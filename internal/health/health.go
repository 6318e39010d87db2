// Package health reports the liveness and readiness of the orchestrator and
// polls the downstream services it depends on.
//
// The HTTP side exposes two endpoints:
//
//   - /healthz: liveness; always 200 while the process serves HTTP.
//   - /readyz: readiness; 200 only when every [Checker] passes and, when a
//     [Ticker] is attached, every polled service was healthy at its last
//     check.
//
// Responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map with one entry per checker or service.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DefaultCheckTimeout bounds a single check.
const DefaultCheckTimeout = 5 * time.Second

// Checker is a named probe. Check returns nil when the dependency is
// healthy. It must respect context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// HTTPCheck returns a probe that GETs url and treats any 2xx as healthy. A
// nil client selects [http.DefaultClient].
func HTTPCheck(client *http.Client, url string) func(ctx context.Context) error {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("health: build request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("health: request failed: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("health: HTTP %d", resp.StatusCode)
		}
		return nil
	}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
	ticker   *Ticker
}

// HandlerOption configures a [Handler].
type HandlerOption func(*Handler)

// WithChecker adds a probe evaluated on every /readyz request.
func WithChecker(c Checker) HandlerOption {
	return func(h *Handler) { h.checkers = append(h.checkers, c) }
}

// WithTicker makes /readyz report the ticker's last service statuses. The
// services are not probed by the request itself.
func WithTicker(t *Ticker) HandlerOption {
	return func(h *Handler) { h.ticker = t }
}

// New creates a [Handler].
func New(opts ...HandlerOption) *Handler {
	h := &Handler{}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), DefaultCheckTimeout)
		err := c.Check(ctx)
		cancel()
		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
			continue
		}
		checks[c.Name] = "ok"
	}
	if h.ticker != nil {
		for _, s := range h.ticker.Statuses() {
			switch {
			case s.LastCheck.IsZero():
				checks[s.Name] = "pending"
			case s.Healthy:
				checks[s.Name] = "ok"
			default:
				checks[s.Name] = "fail: " + s.Err
				allOK = false
			}
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
