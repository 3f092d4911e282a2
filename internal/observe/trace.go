package observe

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every therascribe span.
const tracerName = "github.com/MrWong99/therascribe"

// Span attribute keys.
const (
	AttrProvider     = attribute.Key("therascribe.provider")
	AttrSessionID    = attribute.Key("therascribe.session_id")
	AttrPayloadBytes = attribute.Key("therascribe.payload_bytes")
	AttrTimeout      = attribute.Key("therascribe.timeout")
)

// StartSpan starts a span on the globally registered tracer provider. The
// caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// ProviderCall describes one request to a transcription or synthesis
// provider.
type ProviderCall struct {
	// Kind is "stt" or "tts".
	Kind string

	// Op is the pipeline phase, e.g. "flush", "stream" or "synthesize".
	Op string

	Provider  string
	SessionID string

	// Bytes is the size of the audio or text sent.
	Bytes int
}

// StartProviderSpan starts a client span named "<kind>.<op>" for call. The
// session attribute is omitted when SessionID is empty.
func StartProviderSpan(ctx context.Context, call ProviderCall) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		AttrProvider.String(call.Provider),
		AttrPayloadBytes.Int(call.Bytes),
	}
	if call.SessionID != "" {
		attrs = append(attrs, AttrSessionID.String(call.SessionID))
	}
	return StartSpan(ctx, call.Kind+"."+call.Op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan ends span, marking it failed when err is non-nil. Deadline errors
// are flagged so slow providers can be told apart from failing ones.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(AttrTimeout.Bool(errors.Is(err, context.DeadlineExceeded)))
	}
	span.End()
}

// CorrelationID returns the trace id of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// WithTrace adds trace_id and span_id from ctx to l, so session log lines can
// be joined with the provider spans they belong to. l is returned unchanged
// without an active span.
func WithTrace(ctx context.Context, l *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return l
	}
	return l.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
