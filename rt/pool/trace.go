package pool

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const spanName = "pool.task"

// startTaskSpan starts the span covering a task's lifetime and returns a context carrying
// it, so that Work can create child spans.
func startTaskSpan(tracer trace.Tracer, manager string, id TaskID) (context.Context, trace.Span) {
	return tracer.Start(context.Background(), spanName,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("pool.manager", manager),
			attribute.Int64("pool.task.id", int64(id)),
		),
	)
}

func spanEvent(span trace.Span, kind EventKind) {
	span.AddEvent(kind.String())
}

// endTaskSpan ends the span with the task's terminal outcome.
func endTaskSpan(span trace.Span, kind EventKind, err error) {
	span.SetAttributes(attribute.String("pool.task.outcome", kind.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
