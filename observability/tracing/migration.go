package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/evolve/migration"
)

// MigrationTracer implements migration.Tracer with OpenTelemetry spans: one
// "evolve.apply" span per plan with an "evolve.migration" child per
// migration.
type MigrationTracer struct {
	tracer trace.Tracer
}

var _ migration.Tracer = (*MigrationTracer)(nil)

// NewMigrationTracer creates a MigrationTracer. If tracer is nil, the global
// tracer provider is used.
func NewMigrationTracer(tracer trace.Tracer) *MigrationTracer {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer(InstrumentationName)
	}
	return &MigrationTracer{tracer: tracer}
}

// StartPlan begins a span covering the application of a whole plan.
func (t *MigrationTracer) StartPlan(ctx context.Context, direction migration.Direction, count int) (context.Context, migration.Span) {
	ctx, span := t.tracer.Start(ctx, "evolve.apply",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("evolve.direction", direction.String()),
			attribute.Int("evolve.migrations", count),
		),
	)
	return ctx, otelSpan{span}
}

// StartMigration begins a child span for one migration transaction.
func (t *MigrationTracer) StartMigration(ctx context.Context, m migration.Migration, direction migration.Direction) (context.Context, migration.Span) {
	ctx, span := t.tracer.Start(ctx, "evolve.migration",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Int64("evolve.migration.id", int64(m.ID)),
			attribute.String("evolve.migration.name", m.Name),
			attribute.String("evolve.direction", direction.String()),
			attribute.Int("evolve.migration.operations", len(m.Up)),
		),
	)
	return ctx, otelSpan{span}
}

type otelSpan struct {
	span trace.Span
}

// End records err, if any, and ends the span.
func (s otelSpan) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetAttributes(attribute.String("evolve.error.kind", migration.ErrorKind(err)))
		if id, ok := migration.FailedID(err); ok {
			s.span.SetAttributes(attribute.Int64("evolve.failed_migration.id", int64(id)))
		}
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}
