package health

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Ticker defaults.
const (
	DefaultInterval    = 30 * time.Second
	DefaultMaxRestarts = 3
)

// ErrTickerStarted is returned by [Ticker.Start] on a running ticker.
var ErrTickerStarted = errors.New("health: ticker already started")

// Restarter asks for a service to be restarted. The ticker only does the
// bookkeeping; the restart itself is up to the callback.
type Restarter func(ctx context.Context, service string) error

// Service is a polled downstream dependency.
type Service struct {
	Checker

	// MaxRestarts bounds restart requests over the ticker's lifetime.
	// Zero selects [DefaultMaxRestarts]; negative disables restarts.
	MaxRestarts int

	// Restart is optional.
	Restart Restarter
}

// ServiceStatus is the last known state of a service.
type ServiceStatus struct {
	Name                string
	Healthy             bool
	LastCheck           time.Time
	ResponseTime        time.Duration
	Err                 string
	ConsecutiveFailures int
	Restarts            int
}

// Ticker polls services on a fixed interval in the background. Checks run
// without holding the status lock, so readers never wait on I/O.
type Ticker struct {
	services []Service
	interval time.Duration
	timeout  time.Duration
	onChange func(ServiceStatus)

	mu       sync.RWMutex
	statuses map[string]*ServiceStatus

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// TickerOption configures a [Ticker].
type TickerOption func(*Ticker)

// WithInterval sets the poll interval. Defaults to 30s.
func WithInterval(d time.Duration) TickerOption {
	return func(t *Ticker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithCheckTimeout bounds each check. Defaults to 5s.
func WithCheckTimeout(d time.Duration) TickerOption {
	return func(t *Ticker) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithStatusHook is called after every check with the new status.
func WithStatusHook(fn func(ServiceStatus)) TickerOption {
	return func(t *Ticker) { t.onChange = fn }
}

// NewTicker returns a stopped ticker over services.
func NewTicker(services []Service, opts ...TickerOption) *Ticker {
	t := &Ticker{
		services: slices.Clone(services),
		interval: DefaultInterval,
		timeout:  DefaultCheckTimeout,
		statuses: make(map[string]*ServiceStatus, len(services)),
	}
	for _, o := range opts {
		o(t)
	}
	for i := range t.services {
		if t.services[i].MaxRestarts == 0 {
			t.services[i].MaxRestarts = DefaultMaxRestarts
		}
		name := t.services[i].Name
		t.statuses[name] = &ServiceStatus{Name: name}
	}
	return t
}

// Start runs a first round of checks and then polls until ctx ends or
// [Ticker.Stop] is called.
func (t *Ticker) Start(ctx context.Context) error {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.done != nil {
		return ErrTickerStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	go t.run(ctx, t.done)
	slog.Info("health ticker started", "services", len(t.services), "interval", t.interval)
	return nil
}

func (t *Ticker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	tick := time.NewTicker(t.interval)
	defer tick.Stop()

	t.CheckNow(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t.CheckNow(ctx)
		}
	}
}

// Stop ends polling and waits for the loop to exit. It is safe to call more
// than once and on a ticker that was never started.
func (t *Ticker) Stop() {
	t.runMu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// CheckNow runs one round of checks synchronously.
func (t *Ticker) CheckNow(ctx context.Context) {
	for _, svc := range t.services {
		if ctx.Err() != nil {
			return
		}
		t.checkOne(ctx, svc)
	}
}

func (t *Ticker) checkOne(ctx context.Context, svc Service) {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	start := time.Now()
	err := svc.Check(cctx)
	elapsed := time.Since(start)
	cancel()
	if ctx.Err() != nil {
		return
	}

	t.mu.Lock()
	st := t.statuses[svc.Name]
	st.LastCheck = start
	st.ResponseTime = elapsed
	restart := false
	if err == nil {
		st.Healthy, st.Err, st.ConsecutiveFailures = true, "", 0
	} else {
		st.Healthy, st.Err = false, err.Error()
		st.ConsecutiveFailures++
		if svc.Restart != nil && svc.MaxRestarts > 0 && st.Restarts < svc.MaxRestarts {
			st.Restarts++
			restart = true
		}
	}
	snap := *st
	t.mu.Unlock()

	log := slog.With("service", svc.Name)
	switch {
	case err == nil:
		log.Debug("service healthy", "response_time", elapsed)
	case restart:
		log.Warn("service unhealthy, requesting restart", "err", err, "restart", snap.Restarts, "max_restarts", svc.MaxRestarts)
		if rerr := svc.Restart(ctx, svc.Name); rerr != nil {
			log.Error("restart failed", "err", rerr)
		}
	default:
		log.Warn("service unhealthy", "err", err, "consecutive_failures", snap.ConsecutiveFailures, "restarts", snap.Restarts)
	}
	if t.onChange != nil {
		t.onChange(snap)
	}
}

// Statuses returns the last status of every service, sorted by name.
func (t *Ticker) Statuses() []ServiceStatus {
	t.mu.RLock()
	out := make([]ServiceStatus, 0, len(t.statuses))
	for _, s := range t.statuses {
		out = append(out, *s)
	}
	t.mu.RUnlock()
	slices.SortFunc(out, func(a, b ServiceStatus) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Status returns the last status of one service.
func (t *Ticker) Status(name string) (ServiceStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.statuses[name]
	if !ok {
		return ServiceStatus{}, false
	}
	return *s, true
}
