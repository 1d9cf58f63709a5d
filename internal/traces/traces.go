// Package traces wires OpenTelemetry tracing around challenge submissions,
// security-check relays and auth backend calls.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/suraksha"

// Options describe the exporting service.
type Options struct {
	Endpoint    string // OTLP gRPC collector; empty disables tracing
	Version     string
	Environment string
}

// Init installs the global tracer provider and returns its shutdown
// function. With no endpoint it installs nothing and shutdown is a no-op.
func Init(ctx context.Context, opts Options, logger *slog.Logger) (func(context.Context) error, error) {
	if opts.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("suraksha"),
			semconv.ServiceVersion(opts.Version),
			semconv.DeploymentEnvironment(opts.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", opts.Endpoint, "environment", opts.Environment)
	return tp.Shutdown, nil
}

// StartSpan starts a span on the package tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// Fail records err on span and marks it failed with a short status.
func Fail(span trace.Span, err error, status string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, status)
}

// FailOpen marks a span whose operation continued on local signals after
// the backend could not answer. The span itself stays OK.
func FailOpen(span trace.Span, err error) {
	span.AddEvent("fail_open", trace.WithAttributes(attribute.String("error", err.Error())))
	span.SetAttributes(attribute.Bool("suraksha.fallback", true))
}

func SessionID(id string) attribute.KeyValue {
	return attribute.String("session.id", id)
}

func ChallengeID(id string) attribute.KeyValue {
	return attribute.String("challenge.id", id)
}

func ChallengeKind(kind string) attribute.KeyValue {
	return attribute.String("challenge.kind", kind)
}

func Endpoint(path string) attribute.KeyValue {
	return attribute.String("backend.endpoint", path)
}

func Check(name string) attribute.KeyValue {
	return attribute.String("security.check", name)
}
