// Package telemetry traces builds with OpenTelemetry. Without an endpoint every
// function here is a no-op backed by the global no-op tracer provider.
package telemetry

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/xerrors"
)

const (
	// EnvvarTraceParent carries a W3C traceparent from the platform into pylayer and from pylayer into build tools
	EnvvarTraceParent = "TRACEPARENT"
	// EnvvarTraceState carries the matching W3C tracestate
	EnvvarTraceState = "TRACESTATE"

	instrumentationName = "github.com/gitpod-io/pylayer"
)

var (
	tracerProvider *sdktrace.TracerProvider
	propagator     = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
)

// Initialize sets up the OTLP HTTP exporter. endpoint is either host:port or a URL.
// An empty endpoint leaves tracing disabled.
func Initialize(ctx context.Context, endpoint, version string) error {
	if endpoint == "" || tracerProvider != nil {
		return nil
	}

	var opt otlptracehttp.Option
	if strings.Contains(endpoint, "://") {
		opt = otlptracehttp.WithEndpointURL(endpoint)
	} else {
		opt = otlptracehttp.WithEndpoint(endpoint)
	}
	exporter, err := otlptracehttp.New(ctx, opt)
	if err != nil {
		return xerrors.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String("pylayer"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return xerrors.Errorf("failed to create resource: %w", err)
	}

	tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagator)
	return nil
}

// Shutdown flushes pending spans
func Shutdown(ctx context.Context) error {
	if tracerProvider == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := tracerProvider.Shutdown(ctx)
	tracerProvider = nil
	return err
}

// Enabled returns true if spans are exported
func Enabled() bool {
	return tracerProvider != nil
}

// Tracer returns the pylayer tracer
func Tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(instrumentationName)
}

// StartSpan creates a new span
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// FinishSpan ends a span and sets its status from err.
// Usage: defer telemetry.FinishSpan(span, &err)
func FinishSpan(span trace.Span, err *error) {
	if span == nil {
		return
	}
	if err != nil && *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// ContextFromEnv continues the trace the platform passed in through TRACEPARENT, if any
func ContextFromEnv(ctx context.Context, getenv func(string) string) (context.Context, error) {
	traceparent := getenv(EnvvarTraceParent)
	if traceparent == "" {
		return ctx, nil
	}
	err := ValidateTraceParent(traceparent)
	if err != nil {
		return ctx, err
	}

	carrier := propagation.MapCarrier{"traceparent": traceparent}
	if ts := getenv(EnvvarTraceState); ts != "" {
		carrier["tracestate"] = ts
	}
	res := propagator.Extract(ctx, carrier)
	if !trace.SpanContextFromContext(res).IsValid() {
		return ctx, xerrors.Errorf("invalid trace context: traceparent=%s", traceparent)
	}
	return res, nil
}

// Environ returns the variables that let a child process continue the trace of ctx.
// The result is empty if ctx carries no valid span.
func Environ(ctx context.Context) map[string]string {
	res := make(map[string]string)
	if !trace.SpanContextFromContext(ctx).IsValid() {
		return res
	}

	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	if tp := carrier.Get("traceparent"); tp != "" {
		res[EnvvarTraceParent] = tp
	}
	if ts := carrier.Get("tracestate"); ts != "" {
		res[EnvvarTraceState] = ts
	}
	return res
}

// ValidateTraceParent validates the format of a traceparent header
func ValidateTraceParent(traceparent string) error {
	parts := strings.Split(traceparent, "-")
	if len(parts) != 4 {
		return xerrors.Errorf("invalid traceparent format: expected 4 parts, got %d", len(parts))
	}
	if parts[0] != "00" {
		return xerrors.Errorf("unsupported traceparent version: %s", parts[0])
	}
	if len(parts[1]) != 32 {
		return xerrors.Errorf("invalid trace ID length: expected 32, got %d", len(parts[1]))
	}
	if len(parts[2]) != 16 {
		return xerrors.Errorf("invalid span ID length: expected 16, got %d", len(parts[2]))
	}
	if len(parts[3]) != 2 {
		return xerrors.Errorf("invalid flags length: expected 2, got %d", len(parts[3]))
	}
	return nil
}
