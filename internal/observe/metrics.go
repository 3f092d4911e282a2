// Package observe provides application-wide observability primitives for
// therascribe: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all therascribe metrics.
const meterName = "github.com/MrWong99/therascribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// STTDuration tracks transcription provider latency. Use with attribute:
	//   attribute.String("provider", ...)
	STTDuration metric.Float64Histogram

	// TTSDuration tracks time to first synthesised audio.
	TTSDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// Failovers counts provider switches. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...), attribute.String("scope", ...)
	Failovers metric.Int64Counter

	// BufferFlushes counts flushed utterance units. Use with attribute:
	//   attribute.String("reason", ...)
	BufferFlushes metric.Int64Counter

	// RelayRejections counts refused relay connections. Use with attribute:
	//   attribute.String("reason", ...)
	RelayRejections metric.Int64Counter

	// RelayRateLimited counts inbound relay messages refused by the
	// per-connection window.
	RelayRateLimited metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live orchestrator sessions.
	ActiveSessions metric.Int64UpDownCounter

	// RelayConnections tracks the number of open relay connections.
	RelayConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for transcription latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("therascribe.stt.duration",
		metric.WithDescription("Latency of transcription provider requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("therascribe.tts.duration",
		metric.WithDescription("Time to first synthesised audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("therascribe.provider.requests",
		metric.WithDescription("Total provider requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("therascribe.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.Failovers, err = m.Int64Counter("therascribe.provider.failovers",
		metric.WithDescription("Total provider switches by origin, target, and scope."),
	); err != nil {
		return nil, err
	}
	if met.BufferFlushes, err = m.Int64Counter("therascribe.buffer.flushes",
		metric.WithDescription("Total flushed utterance units by reason."),
	); err != nil {
		return nil, err
	}
	if met.RelayRejections, err = m.Int64Counter("therascribe.relay.rejections",
		metric.WithDescription("Total refused relay connections by reason."),
	); err != nil {
		return nil, err
	}
	if met.RelayRateLimited, err = m.Int64Counter("therascribe.relay.rate_limited",
		metric.WithDescription("Total relay messages refused by the per-connection rate limit."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("therascribe.active_sessions",
		metric.WithDescription("Number of live transcription sessions."),
	); err != nil {
		return nil, err
	}
	if met.RelayConnections, err = m.Int64UpDownCounter("therascribe.relay.connections",
		metric.WithDescription("Number of open relay connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("therascribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSTTLatency records one transcription round-trip in seconds.
func (m *Metrics) RecordSTTLatency(ctx context.Context, provider string, seconds float64) {
	m.STTDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordFailover records a provider switch. scope is "session" or "relay".
func (m *Metrics) RecordFailover(ctx context.Context, from, to, scope string) {
	m.Failovers.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
			attribute.String("scope", scope),
		),
	)
}

// RecordFlush records a flushed buffer unit.
func (m *Metrics) RecordFlush(ctx context.Context, reason string) {
	m.BufferFlushes.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRelayRejection records a refused relay connection.
func (m *Metrics) RecordRelayRejection(ctx context.Context, reason string) {
	m.RelayRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
