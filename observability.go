package vmoor

import (
	"context"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"
)

const tracerName = "github.com/sven-oakley/vmoor"

// InitLogging points the default slog logger at a rotating JSON log file,
// following the same JSON-handler-to-a-file convention the CLI entrypoint
// uses for the daemon's own log.
func InitLogging(path string, level slog.Level) {
	writer := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    20,
		MaxBackups: 5,
	}
	logger := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// InitTracing wires up an OTLP/gRPC trace exporter when
// OTEL_EXPORTER_OTLP_ENDPOINT is set in the environment, returning a
// shutdown func that must be called before the daemon exits. When the
// endpoint is unset, tracing is a no-op: spans are created against the
// global no-op provider and cost nothing.
func InitTracing(ctx context.Context) (shutdown func(context.Context) error, err error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNameKey.String("vmoor"),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// startRequestSpan opens one span per dispatched wire request, named for
// the request keyword, and stamps it with a fresh request id. The id is a
// span attribute only; the daemon's log lines do not carry it.
func startRequestSpan(ctx context.Context, keyword string) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "vmoor."+keyword)
	span.SetAttributes(
		attribute.String("vmoor.request_id", uuid.NewString()),
		attribute.String("vmoor.keyword", keyword),
	)
	return ctx, span
}
