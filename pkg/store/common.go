package store

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AddDBStatsToSpan annotates span with the statement and how many rows it touched.
func AddDBStatsToSpan(span trace.Span, system, statement string, rows int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("db.rows_affected", rows),
		attribute.String("db.system", system),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Microseconds())/1000),
	)
}

// Observe runs fn in a client span named op. fn reports the row count.
func (db *DB) Observe(ctx context.Context, op, statement string, fn func(ctx context.Context) (int, error)) error {
	ctx, span := db.tracer.Start(ctx, op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	start := time.Now()
	n, err := fn(ctx)
	AddDBStatsToSpan(span, db.Dialect.System, statement, n, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
