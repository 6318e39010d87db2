// Package observe provides observability primitives for dmcore:
// OpenTelemetry metrics, tracing, trace-correlated logging, and HTTP
// middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the Prometheus exporter installed by [InitProvider]. [DefaultMetrics] is a
// package-level instance for production wiring; tests should call
// [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/dmcore"

// Metrics holds every instrument the orchestration core records. All fields
// are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ClassifyDuration tracks utterance classification latency.
	ClassifyDuration metric.Float64Histogram

	// StageDuration tracks model stage latency. Attribute "stage":
	// prelude | narrative | simple_rule.
	StageDuration metric.Float64Histogram

	// PipelineDuration tracks end-to-end request latency. Attribute "path".
	PipelineDuration metric.Float64Histogram

	// OracleDuration tracks rules-oracle call latency. Attribute "op".
	OracleDuration metric.Float64Histogram

	// --- Counters ---

	// PipelinePaths counts requests per execution path. Attribute "path":
	// objective | simple_rule | full.
	PipelinePaths metric.Int64Counter

	// StageFallbacks counts template fallbacks. Attributes "stage", "reason".
	StageFallbacks metric.Int64Counter

	// PreludeOverBudget counts prelude outputs flagged for length.
	PreludeOverBudget metric.Int64Counter

	// IntentExecutions counts executed intents. Attributes "kind", "status".
	IntentExecutions metric.Int64Counter

	// IntentParseErrors counts rejected intent blocks. Attribute "kind".
	IntentParseErrors metric.Int64Counter

	// OracleCalls counts rules-oracle calls. Attributes "op", "status".
	OracleCalls metric.Int64Counter

	// CacheLookups counts cache reads. Attributes "cache", "result".
	CacheLookups metric.Int64Counter

	// ProviderRequests counts model API calls. Attributes "provider",
	// "kind", "status".
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts model API errors. Attributes "provider", "kind".
	ProviderErrors metric.Int64Counter

	// ServiceRestarts counts restart attempts issued by the health ticker.
	// Attribute "service".
	ServiceRestarts metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks live game sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ConnectedClients tracks open IPC connections.
	ConnectedClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes
	// "method", "path".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets (seconds) cover the sub-10ms classifier up to the 6s
// pipeline budget.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 1.5, 2.5, 6, 10,
}

// NewMetrics creates every instrument on the given [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.ClassifyDuration, "dmcore.classify.duration", "Latency of utterance classification."},
		{&met.StageDuration, "dmcore.stage.duration", "Latency of model stages by stage."},
		{&met.PipelineDuration, "dmcore.pipeline.duration", "End-to-end pipeline latency by path."},
		{&met.OracleDuration, "dmcore.oracle.duration", "Latency of rules-oracle calls by operation."},
		{&met.HTTPRequestDuration, "dmcore.http.request.duration", "HTTP request latency by method and path."},
	}
	for _, h := range histograms {
		inst, err := m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
		if err != nil {
			return nil, err
		}
		*h.dst = inst
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.PipelinePaths, "dmcore.pipeline.paths", "Requests by execution path."},
		{&met.StageFallbacks, "dmcore.stage.fallbacks", "Template fallbacks by stage and reason."},
		{&met.PreludeOverBudget, "dmcore.prelude.over_budget", "Prelude outputs exceeding the token or word budget."},
		{&met.IntentExecutions, "dmcore.intent.executions", "Executed intents by kind and status."},
		{&met.IntentParseErrors, "dmcore.intent.parse_errors", "Rejected intent blocks by error kind."},
		{&met.OracleCalls, "dmcore.oracle.calls", "Rules-oracle calls by operation and status."},
		{&met.CacheLookups, "dmcore.cache.lookups", "Cache reads by cache and result."},
		{&met.ProviderRequests, "dmcore.provider.requests", "Model API requests by provider, kind, and status."},
		{&met.ProviderErrors, "dmcore.provider.errors", "Model API errors by provider and kind."},
		{&met.ServiceRestarts, "dmcore.health.restarts", "Restart attempts by service."},
	}
	for _, c := range counters {
		inst, err := m.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = inst
	}

	var err error
	if met.ActiveSessions, err = m.Int64UpDownCounter("dmcore.active_sessions",
		metric.WithDescription("Number of live game sessions."),
	); err != nil {
		return nil, err
	}
	if met.ConnectedClients, err = m.Int64UpDownCounter("dmcore.connected_clients",
		metric.WithDescription("Number of open IPC connections."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. It panics if instrument creation
// fails, which does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records a stage latency.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("stage", stage)))
}

// RecordFallback counts a stage falling back to its template.
func (m *Metrics) RecordFallback(ctx context.Context, stage, reason string) {
	m.StageFallbacks.Add(ctx, 1, metric.WithAttributes(Attr("stage", stage), Attr("reason", reason)))
}

// RecordPath counts a request on path and records its latency.
func (m *Metrics) RecordPath(ctx context.Context, path string, d time.Duration) {
	attrs := metric.WithAttributes(Attr("path", path))
	m.PipelinePaths.Add(ctx, 1, attrs)
	m.PipelineDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordIntent counts an executed intent.
func (m *Metrics) RecordIntent(ctx context.Context, kind, status string) {
	m.IntentExecutions.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind), Attr("status", status)))
}

// RecordParseError counts a rejected intent block.
func (m *Metrics) RecordParseError(ctx context.Context, kind string) {
	m.IntentParseErrors.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordOracleCall counts a rules-oracle call and records its latency.
func (m *Metrics) RecordOracleCall(ctx context.Context, op, status string, d time.Duration) {
	m.OracleCalls.Add(ctx, 1, metric.WithAttributes(Attr("op", op), Attr("status", status)))
	m.OracleDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("op", op)))
}

// RecordCacheLookup counts a cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(Attr("cache", cache), Attr("result", result)))
}

// RecordProviderRequest counts a model API call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider),
		Attr("kind", kind),
		Attr("status", status),
	))
}

// RecordProviderError counts a model API error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)))
}

// RecordServiceRestart counts a restart request for service.
func (m *Metrics) RecordServiceRestart(ctx context.Context, service string) {
	m.ServiceRestarts.Add(ctx, 1, metric.WithAttributes(Attr("service", service)))
}
