package track

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all maitred metrics.
const meterName = "github.com/maitred-dev/maitred"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ProviderStreamDuration tracks full provider completion latency.
	ProviderStreamDuration metric.Float64Histogram

	// ToolDispatchDuration tracks MCP tool dispatch latency.
	ToolDispatchDuration metric.Float64Histogram

	// SelectorDuration tracks tool-selection classification latency.
	SelectorDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts tool dispatches. Use with attributes:
	//   attribute.String("server", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// Fallbacks counts provider fallback attempts by outcome.
	Fallbacks metric.Int64Counter

	// BreakerTransitions counts breaker state changes. Use with attributes:
	//   attribute.String("target", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// BudgetDenials counts ledger denials and bypasses by reason.
	BudgetDenials metric.Int64Counter

	// --- Gauges ---

	// ActiveRequests tracks in-flight gateway requests.
	ActiveRequests metric.Int64UpDownCounter

	// ReadyServers tracks MCP servers currently in the ready state.
	ReadyServers metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// sub-10ms tool calls through multi-minute agent turns.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ProviderStreamDuration, err = m.Float64Histogram("maitred.provider.stream.duration",
		metric.WithDescription("Latency of a full provider completion stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolDispatchDuration, err = m.Float64Histogram("maitred.tool.dispatch.duration",
		metric.WithDescription("Latency of MCP tool dispatch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SelectorDuration, err = m.Float64Histogram("maitred.selector.duration",
		metric.WithDescription("Latency of tool-selection classification."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("maitred.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("maitred.provider.requests",
		metric.WithDescription("Total provider API requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("maitred.tool.calls",
		metric.WithDescription("Total tool dispatches by server and status."),
	); err != nil {
		return nil, err
	}
	if met.Fallbacks, err = m.Int64Counter("maitred.provider.fallbacks",
		metric.WithDescription("Total provider fallback attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("maitred.breaker.transitions",
		metric.WithDescription("Total circuit breaker state transitions by target and new state."),
	); err != nil {
		return nil, err
	}
	if met.BudgetDenials, err = m.Int64Counter("maitred.budget.denials",
		metric.WithDescription("Total budget ledger denials and fail-open bypasses by reason."),
	); err != nil {
		return nil, err
	}

	if met.ActiveRequests, err = m.Int64UpDownCounter("maitred.active_requests",
		metric.WithDescription("Number of in-flight gateway requests."),
	); err != nil {
		return nil, err
	}
	if met.ReadyServers, err = m.Int64UpDownCounter("maitred.mcp.ready_servers",
		metric.WithDescription("Number of MCP servers in the ready state."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Tests should use [NewMetrics]
// with a private provider to avoid cross-test pollution.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("track: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall records a tool dispatch counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, server, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("server", server),
			attribute.String("status", status),
		),
	)
}

// RecordBreakerTransition records a breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, target, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("target", target),
			attribute.String("to", to),
		),
	)
}
