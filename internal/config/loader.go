package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"github.com/MrWong99/dmcore/internal/pipeline"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr         = ":8080"
	DefaultPreludeBudget      = 1200 * time.Millisecond
	DefaultTotalBudget        = 6 * time.Second
	DefaultObjectiveBudget    = 50 * time.Millisecond
	DefaultSimpleRuleBudget   = 1500 * time.Millisecond
	DefaultPreludeMaxTokens   = 40
	DefaultPreludeMaxWords    = 45
	DefaultNarrativeMaxTokens = 512
	DefaultServiceTimeout     = 2 * time.Second
	DefaultSlowThreshold      = 10 * time.Millisecond
	DefaultLoreTTL            = 5 * time.Minute
	DefaultLoreLimit          = 3
	DefaultHealthInterval     = 30 * time.Second
	DefaultQueueSize          = 4
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected. An empty document yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	l := &cfg.Latency
	setDuration(&l.Prelude, DefaultPreludeBudget)
	setDuration(&l.Total, DefaultTotalBudget)
	setDuration(&l.Objective, DefaultObjectiveBudget)
	setDuration(&l.SimpleRule, DefaultSimpleRuleBudget)
	setInt(&l.PreludeMaxTokens, DefaultPreludeMaxTokens)
	setInt(&l.PreludeMaxWords, DefaultPreludeMaxWords)
	setInt(&l.NarrativeMaxTokens, DefaultNarrativeMaxTokens)
	setInt(&l.MaxContextTokens, pipeline.DefaultMaxContextTokens)

	t := &cfg.Trigger
	setDuration(&t.MinSpeech, pipeline.DefaultMinSpeech)
	setDuration(&t.PauseThreshold, pipeline.DefaultPauseThreshold)
	if t.ClearActionConfidence == 0 {
		t.ClearActionConfidence = pipeline.DefaultClearActionConfidence
	}

	if cfg.Services.Rules.Transport == "" {
		cfg.Services.Rules.Transport = RulesLocal
	}
	setDuration(&cfg.Services.Rules.Timeout, DefaultServiceTimeout)
	setDuration(&cfg.Services.Memory.Timeout, DefaultServiceTimeout)

	setDuration(&cfg.Classifier.SlowThreshold, DefaultSlowThreshold)
	setDuration(&cfg.Lore.TTL, DefaultLoreTTL)
	setInt(&cfg.Lore.Limit, DefaultLoreLimit)
	setDuration(&cfg.Health.Interval, DefaultHealthInterval)
	setInt(&cfg.Session.QueueSize, DefaultQueueSize)
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

func setInt(n *int, def int) {
	if *n == 0 {
		*n = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Models
	for _, m := range []struct {
		name string
		cfg  ModelConfig
	}{{"models.prelude", cfg.Models.Prelude}, {"models.narrative", cfg.Models.Narrative}} {
		if m.cfg.Name == "" {
			slog.Warn(m.name + " has no provider; the stage will always use its fallback text")
		}
		validateProviderName("llm", m.cfg.Name)
		for i, fb := range m.cfg.Fallbacks {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("%s.fallbacks[%d].name is required", m.name, i))
			}
			validateProviderName("llm", fb.Name)
		}
	}

	// Rules oracle
	rs := cfg.Services.Rules
	switch {
	case !rs.Transport.IsValid():
		errs = append(errs, fmt.Errorf("services.rules.transport %q is invalid; valid values: http, mcp-stdio, mcp-http, local", rs.Transport))
	case rs.Transport == RulesMCPStdio && rs.Command == "":
		errs = append(errs, errors.New("services.rules.command is required when transport is mcp-stdio"))
	case (rs.Transport == RulesHTTP || rs.Transport == RulesMCPHTTP) && rs.URL == "":
		errs = append(errs, fmt.Errorf("services.rules.url is required when transport is %s", rs.Transport))
	}
	if rs.URL != "" {
		if err := validateURL(rs.URL); err != nil {
			errs = append(errs, fmt.Errorf("services.rules.url: %w", err))
		}
	}
	if cfg.Services.Memory.URL != "" {
		if err := validateURL(cfg.Services.Memory.URL); err != nil {
			errs = append(errs, fmt.Errorf("services.memory.url: %w", err))
		}
	}

	// Lore
	lore := cfg.Services.Lore
	if lore.PostgresDSN != "" {
		if lore.Embeddings.Name == "" {
			errs = append(errs, errors.New("services.lore.embeddings is required when services.lore.postgres_dsn is set"))
		}
		if lore.EmbeddingDimensions <= 0 {
			slog.Warn("services.lore.embedding_dimensions is not set; using the model default")
		}
		if cfg.Services.Memory.URL != "" {
			slog.Warn("both services.lore.postgres_dsn and services.memory.url are set; the lore store wins")
		}
	}
	validateProviderName("embeddings", lore.Embeddings.Name)
	if lore.PostgresDSN == "" && cfg.Services.Memory.URL == "" {
		slog.Warn("no lore source configured; rule questions will get the generic answer")
	}

	// Budgets
	l := cfg.Latency
	if l.Prelude < 0 || l.Total < 0 || l.Objective < 0 || l.SimpleRule < 0 {
		errs = append(errs, errors.New("latency budgets must not be negative"))
	}
	if l.Prelude > 0 && l.Total > 0 && l.Prelude >= l.Total {
		errs = append(errs, fmt.Errorf("latency.prelude %s must be below latency.total %s", l.Prelude, l.Total))
	}
	if l.PreludeMaxTokens < 0 || l.PreludeMaxWords < 0 || l.NarrativeMaxTokens < 0 || l.MaxContextTokens < 0 {
		errs = append(errs, errors.New("latency token and word limits must not be negative"))
	}
	if c := cfg.Trigger.ClearActionConfidence; c < 0 || c > 1 {
		errs = append(errs, fmt.Errorf("trigger.clear_action_confidence %.2f is out of range [0, 1]", c))
	}
	if cfg.Trigger.MinSpeech < 0 || cfg.Trigger.PauseThreshold < 0 {
		errs = append(errs, errors.New("trigger durations must not be negative"))
	}

	// DC table
	if cfg.DCTable.Default < 0 {
		errs = append(errs, fmt.Errorf("dc_table.default %d must not be negative", cfg.DCTable.Default))
	}
	seen := make(map[string]int, len(cfg.DCTable.Rules))
	for i, r := range cfg.DCTable.Rules {
		prefix := fmt.Sprintf("dc_table.rules[%d]", i)
		if r.Keyword == "" {
			errs = append(errs, fmt.Errorf("%s.keyword is required", prefix))
		} else if prev, ok := seen[r.Keyword]; ok {
			errs = append(errs, fmt.Errorf("%s.keyword %q is a duplicate of dc_table.rules[%d]", prefix, r.Keyword, prev))
		} else {
			seen[r.Keyword] = i
		}
		if r.DC < 1 || r.DC > 30 {
			errs = append(errs, fmt.Errorf("%s.dc %d is out of range [1, 30]", prefix, r.DC))
		}
	}

	// Health
	names := make(map[string]bool, len(cfg.Health.Services))
	for i, s := range cfg.Health.Services {
		prefix := fmt.Sprintf("health.services[%d]", i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else if names[s.Name] {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate", prefix, s.Name))
		}
		names[s.Name] = true
		if err := validateURL(s.URL); err != nil {
			errs = append(errs, fmt.Errorf("%s.url: %w", prefix, err))
		}
	}

	if cfg.Session.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("session.queue_size %d must not be negative", cfg.Session.QueueSize))
	}

	return errors.Join(errs...)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must be an http or https URL", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
