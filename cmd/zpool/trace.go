package main

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/evan-idocoding/zpool"

// slogExporter writes every finished span as one Debug record.
type slogExporter struct {
	logger *slog.Logger
}

func (e slogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		attrs := []slog.Attr{
			slog.String("span", s.Name()),
			slog.String("trace_id", s.SpanContext().TraceID().String()),
			slog.Duration("duration", s.EndTime().Sub(s.StartTime())),
			slog.String("status", s.Status().Code.String()),
		}
		for _, kv := range s.Attributes() {
			attrs = append(attrs, slog.String(string(kv.Key), kv.Value.Emit()))
		}
		if n := len(s.Events()); n > 0 {
			attrs = append(attrs, slog.Int("events", n))
		}
		e.logger.LogAttrs(ctx, slog.LevelDebug, "span ended", attrs...)
	}
	return nil
}

func (slogExporter) Shutdown(context.Context) error { return nil }

// newTracerProvider installs a global provider exporting to logger and returns it so the
// caller can shut it down.
func newTracerProvider(logger *slog.Logger) *sdktrace.TracerProvider {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(slogExporter{logger: logger}),
		sdktrace.WithResource(resource.NewSchemaless(
			semconv.ServiceName("zpool"),
			semconv.ServiceVersion(version),
		)),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp
}

func tracer() trace.Tracer { return otel.Tracer(tracerName) }
