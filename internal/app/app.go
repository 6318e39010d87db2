// Package app wires the dmcore subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the IPC, health and metrics endpoints, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithOracle,
// WithSearcher, WithSnapshotStore). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/dmcore/internal/bridge"
	"github.com/MrWong99/dmcore/internal/cache"
	"github.com/MrWong99/dmcore/internal/classifier"
	"github.com/MrWong99/dmcore/internal/config"
	"github.com/MrWong99/dmcore/internal/events"
	"github.com/MrWong99/dmcore/internal/health"
	"github.com/MrWong99/dmcore/internal/intent"
	"github.com/MrWong99/dmcore/internal/ipc/wsserver"
	"github.com/MrWong99/dmcore/internal/lore"
	"github.com/MrWong99/dmcore/internal/lore/postgres"
	"github.com/MrWong99/dmcore/internal/observe"
	"github.com/MrWong99/dmcore/internal/pipeline"
	"github.com/MrWong99/dmcore/internal/resilience"
	"github.com/MrWong99/dmcore/internal/rules"
	"github.com/MrWong99/dmcore/internal/rules/mcporacle"
	"github.com/MrWong99/dmcore/internal/scene"
	"github.com/MrWong99/dmcore/internal/stage"
	"github.com/MrWong99/dmcore/pkg/provider/embeddings"
	"github.com/MrWong99/dmcore/pkg/provider/llm"
)

const readHeaderTimeout = 10 * time.Second

// Providers holds the model providers built by main.go from the config
// registry. Embeddings is only needed for the postgres lore store.
type Providers struct {
	Prelude    llm.Provider
	Narrative  llm.Provider
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	level     *slog.LevelVar
	metrics   *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	bus       *events.Bus
	oracle    rules.Oracle
	searcher  lore.Searcher
	loreCache *cache.LoreCache
	snapshots SnapshotStore
	executor  *intent.Executor
	pipeline  *pipeline.Pipeline
	scenes    *scene.Registry
	sessions  *SessionManager
	ws        *wsserver.Server
	ticker    *health.Ticker
	handler   http.Handler
	server    *http.Server

	// checks are polled by the health ticker.
	checks []health.Service

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithOracle injects a rules oracle instead of creating one from config.
func WithOracle(o rules.Oracle) Option {
	return func(a *App) { a.oracle = o }
}

// WithSearcher injects a lore searcher instead of creating one from config.
// It is still wrapped in the lore cache.
func WithSearcher(s lore.Searcher) Option {
	return func(a *App) { a.searcher = s }
}

// WithSnapshotStore injects the session snapshot store.
func WithSnapshotStore(s SnapshotStore) Option {
	return func(a *App) { a.snapshots = s }
}

// WithMetrics replaces [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets config reloads change the level of the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go. New connects to every configured external service
// synchronously; a service that cannot be reached at startup is an error.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Prelude == nil || providers.Narrative == nil {
		return nil, errors.New("app: prelude and narrative providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.bus = events.NewBus()
	a.closers = append(a.closers, a.bus.Close)

	// ── 1. Rules oracle ──────────────────────────────────────────────────
	if err := a.initRules(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init rules: %w", err)
	}

	// ── 2. Lore ──────────────────────────────────────────────────────────
	if err := a.initLore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init lore: %w", err)
	}

	// ── 3. Snapshots ─────────────────────────────────────────────────────
	if a.snapshots == nil && cfg.Session.SnapshotDir != "" {
		fs, err := NewFileSnapshots(cfg.Session.SnapshotDir)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: init snapshots: %w", err)
		}
		a.snapshots = fs
	}

	// ── 4. Turn pipeline ─────────────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 5. Sessions ──────────────────────────────────────────────────────
	a.scenes = scene.NewRegistry(scene.WithOnCreate(func(s *scene.Session) {
		slog.Info("session created", "session_id", s.ID)
	}))
	a.sessions = NewSessionManager(SessionManagerConfig{
		Pipeline:    a.pipeline,
		Scenes:      a.scenes,
		Publisher:   a.bus,
		Snapshots:   a.snapshots,
		QueueSize:   cfg.Session.QueueSize,
		IdleTimeout: cfg.Session.IdleTimeout,
		Metrics:     a.metrics,
	})

	// ── 6. Health + HTTP ─────────────────────────────────────────────────
	a.initHealth()
	a.ws = wsserver.New(a.bus, a.sessions, wsserver.WithMetrics(a.metrics))

	mux := http.NewServeMux()
	health.New(health.WithTicker(a.ticker)).Register(mux)
	a.ws.Register(mux)
	if cfg.Server.Metrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initRules connects the configured oracle and guards it with the local
// tables as fallback.
func (a *App) initRules(ctx context.Context) error {
	if a.oracle != nil {
		return nil
	}
	rc := a.cfg.Services.Rules
	local := rules.NewLocal()

	var primary rules.Oracle
	switch rc.Transport {
	case config.RulesLocal, "":
		a.oracle = local
		slog.Info("rules oracle: local tables")
		return nil

	case config.RulesHTTP:
		c := rules.NewClient(rc.URL, rules.WithTimeout(rc.Timeout))
		a.checks = append(a.checks, health.Service{Checker: health.Checker{Name: "rules", Check: c.Ping}})
		primary = c

	case config.RulesMCPStdio, config.RulesMCPHTTP:
		mc := mcporacle.Config{Transport: mcporacle.TransportStdio, Command: rc.Command, Env: rc.Env}
		if rc.Transport == config.RulesMCPHTTP {
			mc = mcporacle.Config{Transport: mcporacle.TransportStreamableHTTP, URL: rc.URL}
		}
		c, err := mcporacle.Dial(ctx, mc)
		if err != nil {
			return fmt.Errorf("dial mcp rules server: %w", err)
		}
		a.closers = append(a.closers, c.Close)
		a.checks = append(a.checks, health.Service{Checker: health.Checker{Name: "rules", Check: c.Ping}})
		primary = c

	default:
		return fmt.Errorf("unknown rules transport %q", rc.Transport)
	}

	g := rules.NewGuarded(primary, string(rc.Transport), resilience.FallbackConfig{}, a.metrics)
	g.AddFallback("local", local)
	a.oracle = g
	slog.Info("rules oracle connected", "transport", rc.Transport, "fallback", "local")
	return nil
}

// initLore sets up the lore searcher: the pgvector store when a DSN is set,
// otherwise the HTTP memory service, otherwise none. Whatever is chosen is
// wrapped in the lore cache. The postgres store also holds snapshots.
func (a *App) initLore(ctx context.Context) error {
	a.loreCache = cache.NewLoreCache(a.cfg.Lore.TTL)

	if a.searcher == nil {
		svc := a.cfg.Services
		switch {
		case svc.Lore.PostgresDSN != "":
			if a.providers.Embeddings == nil {
				return errors.New("services.lore.postgres_dsn requires an embeddings provider")
			}
			store, err := postgres.NewStore(ctx, svc.Lore.PostgresDSN, a.providers.Embeddings)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, func() error {
				store.Close()
				return nil
			})
			a.checks = append(a.checks, health.Service{Checker: health.Checker{Name: "lore", Check: store.Ping}})
			a.searcher = store
			if a.snapshots == nil {
				a.snapshots = store
			}
			slog.Info("lore store connected", "backend", "postgres")

		case svc.Memory.URL != "":
			c := lore.NewClient(svc.Memory.URL, lore.WithTimeout(svc.Memory.Timeout))
			a.checks = append(a.checks, health.Service{Checker: health.Checker{Name: "lore", Check: c.Ping}})
			a.searcher = c
			slog.Info("lore service configured", "backend", "http", "url", svc.Memory.URL)

		default:
			slog.Warn("no lore source configured, lore and rule questions get generic answers")
			return nil
		}
	}

	a.searcher = lore.NewCached(a.searcher, a.loreCache, a.metrics)
	return nil
}

// contextCeiling caps the configured context budget at what the narrative
// model's window leaves next to its completion.
func contextCeiling(configured, completion int, caps llm.ModelCapabilities) int {
	room := caps.ContextWindow - completion
	if caps.ContextWindow <= 0 || room <= 0 {
		return configured
	}
	if configured <= 0 {
		return room
	}
	return min(configured, room)
}

// initPipeline builds the stages, classifier, executor and assembler.
func (a *App) initPipeline() error {
	cfg := a.cfg
	l := cfg.Latency

	phrases := bridge.DefaultPhrases()
	if path := cfg.Bridge.PhrasesFile; path != "" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open bridge phrases: %w", err)
		}
		phrases, err = bridge.LoadPhrases(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("load bridge phrases %q: %w", path, err)
		}
	}
	selector := bridge.New(
		bridge.WithConfig(bridge.Config{
			MaxRecentPhrases:    cfg.Bridge.MaxRecentPhrases,
			MaxRecentCategories: cfg.Bridge.MaxRecentCategories,
			MinCategoryRotation: cfg.Bridge.MinCategoryRotation,
			FreezeThreshold:     cfg.Bridge.FreezeThreshold,
			RemovalThreshold:    cfg.Bridge.RemovalThreshold,
		}),
		bridge.WithPhrases(phrases),
	)

	prelude := stage.NewPreludeStage(a.providers.Prelude,
		stage.WithTimeout(l.Prelude),
		stage.WithMaxTokens(l.PreludeMaxTokens),
		stage.WithMaxWords(l.PreludeMaxWords),
		stage.WithBridge(selector),
		stage.WithCache(stage.NewResultCache(0)),
		stage.WithMetrics(a.metrics),
		stage.WithProviderName(cfg.Models.Prelude.Name),
	)
	caps := a.providers.Narrative.Capabilities()
	narrative := stage.NewNarrativeStage(a.providers.Narrative,
		stage.WithTimeout(l.Total),
		stage.WithMaxTokens(l.NarrativeMaxTokens),
		stage.WithStreaming(caps.SupportsStreaming),
		stage.WithMetrics(a.metrics),
		stage.WithProviderName(cfg.Models.Narrative.Name),
	)

	clsOpts := []classifier.Option{
		classifier.WithSlowThreshold(cfg.Classifier.SlowThreshold),
		classifier.WithMetrics(a.metrics),
	}
	if n := cfg.Classifier.MaxCacheEntries; n > 0 {
		clsOpts = append(clsOpts, classifier.WithMaxCacheEntries(n))
	}

	a.executor = intent.NewExecutor(
		intent.WithOracle(a.oracle),
		intent.WithSearcher(a.searcher),
		intent.WithMetrics(a.metrics),
		intent.WithDCTable(dcTable(cfg.DCTable)),
		intent.WithHook(ExecutionHook(a.bus)),
	)

	ceiling := contextCeiling(l.MaxContextTokens, l.NarrativeMaxTokens, caps)
	if ceiling < l.MaxContextTokens {
		slog.Info("narrative context capped by the model window",
			"configured", l.MaxContextTokens, "ceiling", ceiling, "context_window", caps.ContextWindow)
	}
	asmOpts := []pipeline.AssemblerOption{
		pipeline.WithMaxContextTokens(ceiling),
		pipeline.WithTokenCounter(llm.TextCounter(a.providers.Narrative)),
		pipeline.WithLoreLimit(cfg.Lore.Limit),
	}
	if a.searcher != nil {
		asmOpts = append(asmOpts, pipeline.WithLoreSearcher(a.searcher))
	}

	a.pipeline = pipeline.New(classifier.New(clsOpts...), prelude, narrative,
		pipeline.WithAssembler(pipeline.NewAssembler(asmOpts...)),
		pipeline.WithExecutor(a.executor),
		pipeline.WithRuleAnswerer(pipeline.NewSimpleRuleAnswerer(a.searcher, prelude, l.SimpleRule)),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithTrigger(cfg.Trigger),
		pipeline.WithTotalBudget(l.Total),
		pipeline.WithObjectiveBudget(l.Objective),
	)
	return nil
}

// dcTable builds the executor's DC table, falling back to the built-in
// rules when the config lists none.
func dcTable(c config.DCTableConfig) *intent.DCTable {
	rs := c.Rules
	if len(rs) == 0 {
		rs = intent.DefaultDCRules
	}
	return intent.NewDCTable(rs, c.Default)
}

// initHealth builds the ticker over the connected services and the
// configured HTTP endpoints.
func (a *App) initHealth() {
	hc := a.cfg.Health
	client := &http.Client{}
	for _, s := range hc.Services {
		a.checks = append(a.checks, health.Service{
			Checker: health.Checker{Name: s.Name, Check: health.HTTPCheck(client, s.URL)},
		})
	}
	for i := range a.checks {
		a.checks[i].MaxRestarts = hc.MaxRestarts
		a.checks[i].Restart = a.requestRestart
	}
	a.ticker = health.NewTicker(a.checks,
		health.WithInterval(hc.Interval),
		health.WithCheckTimeout(hc.CheckTimeout),
		health.WithStatusHook(func(s health.ServiceStatus) {
			if !s.Healthy {
				slog.Debug("health status", "service", s.Name, "failures", s.ConsecutiveFailures, "err", s.Err)
			}
		}),
	)
}

// requestRestart records a restart request. Services run out of process, so
// the request is left to the supervisor watching the log and metric.
func (a *App) requestRestart(ctx context.Context, service string) error {
	a.metrics.RecordServiceRestart(ctx, service)
	slog.Warn("service restart requested", "service", service)
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving /ws, /healthz, /readyz and,
// when enabled, /metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Bus returns the event bus that feeds IPC clients.
func (a *App) Bus() *events.Bus { return a.bus }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the health ticker and the HTTP server and blocks until ctx is
// cancelled or the server fails. On cancellation Run returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	if err := a.ticker.Start(ctx); err != nil {
		return fmt.Errorf("app: start health ticker: %w", err)
	}

	errc := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		errc <- err
	}()

	slog.Info("app running", "addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil, "metrics", a.cfg.Server.Metrics)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable changes between old and new. It is
// meant as the [config.Watcher] callback. Changes to other sections are
// logged and take effect after a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("config reload: log level changed", "level", d.NewLogLevel)
	}
	if d.DCTableChanged {
		a.executor.SetDCTable(dcTable(new.DCTable))
		slog.Info("config reload: dc table replaced", "rules", len(new.DCTable.Rules), "default", new.DCTable.Default)
	}
	if d.BudgetsChanged {
		a.pipeline.SetTotalBudget(new.Latency.Total)
		a.pipeline.SetObjectiveBudget(new.Latency.Objective)
		slog.Info("config reload: budgets changed", "total", new.Latency.Total, "objective", new.Latency.Objective)
	}
	if d.TriggerChanged {
		a.pipeline.SetTrigger(new.Trigger)
		slog.Info("config reload: trigger changed")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: changes need a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server, disconnects clients, saves and stops every
// session and then runs the closers. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", len(a.sessions.Active()), "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
		// Hijacked WebSocket connections are not tracked by the server.
		if err := a.ws.Close(); err != nil {
			slog.Warn("ipc server close error", "err", err)
		}
		if err := a.sessions.Close(ctx); err != nil {
			slog.Warn("session shutdown incomplete", "err", err)
			shutdownErr = err
			return
		}
		a.ticker.Stop()

		if err := a.runClosers(ctx); err != nil {
			shutdownErr = err
			return
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers(ctx context.Context) error {
	for i, closer := range a.closers {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
			return ctx.Err()
		default:
		}
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	return nil
}

// closeAll releases what a failed New already opened.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
}
