// Package otel wraps an es.EventLog with OpenTelemetry spans.
package otel

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/codewandler/evlog-go/core/es"
)

const instrumentationName = "github.com/codewandler/evlog-go/adapters/otel"

type tracedLog struct {
	next   es.EventLog
	tracer trace.Tracer
}

// NewTracedLog returns an EventLog that records one span per call on next.
// A nil tp uses the global provider.
func NewTracedLog(next es.EventLog, tp trace.TracerProvider) es.EventLog {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &tracedLog{next: next, tracer: tp.Tracer(instrumentationName)}
}

func (l *tracedLog) Append(ctx context.Context, env es.Envelope) (out es.Envelope, err error) {
	ctx, span := l.tracer.Start(ctx, "evlog.append",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			aggAttrs(env.AggregateType, env.AggregateID)...,
		),
	)
	span.SetAttributes(
		attribute.String("evlog.event.id", env.ID),
		attribute.String("evlog.event.type", env.Type),
		attribute.Int64("evlog.event.version", env.Version.Int64()),
	)
	defer func() { end(span, err) }()

	return l.next.Append(ctx, env)
}

func (l *tracedLog) Load(ctx context.Context, aggType, aggID string, opts ...es.LoadOption) (out []es.Envelope, err error) {
	lo := es.NewLoadOptions(opts...)
	ctx, span := l.tracer.Start(ctx, "evlog.load",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(aggAttrs(aggType, aggID)...),
	)
	span.SetAttributes(
		attribute.Int64("evlog.load.from", lo.From.Int64()),
		attribute.Int64("evlog.load.to", lo.To.Int64()),
	)
	defer func() {
		span.SetAttributes(attribute.Int("evlog.load.count", len(out)))
		end(span, err)
	}()

	return l.next.Load(ctx, aggType, aggID, opts...)
}

func (l *tracedLog) LatestVersion(ctx context.Context, aggType, aggID string) (v es.Version, err error) {
	ctx, span := l.tracer.Start(ctx, "evlog.latest_version",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(aggAttrs(aggType, aggID)...),
	)
	defer func() {
		span.SetAttributes(attribute.Int64("evlog.latest_version", v.Int64()))
		end(span, err)
	}()

	return l.next.LatestVersion(ctx, aggType, aggID)
}

func aggAttrs(aggType, aggID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("evlog.aggregate.type", aggType),
		attribute.String("evlog.aggregate.id", aggID),
	}
}

// end closes span. Conflicts are an expected outcome and do not mark the
// span as failed.
func end(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		return
	}
	if errors.Is(err, es.ErrConcurrencyConflict) {
		span.SetAttributes(attribute.Bool("evlog.conflict", true))
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

var _ es.EventLog = (*tracedLog)(nil)
