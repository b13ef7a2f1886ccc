package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/codewandler/evlog-go/core/es"
	"github.com/codewandler/evlog-go/core/es/estests"
)

func newTraced(t *testing.T) (es.EventLog, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(t.Context()) })
	return NewTracedLog(es.NewInMemoryLog(), tp), rec
}

func attrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := map[attribute.Key]attribute.Value{}
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestTracedLog_Spans(t *testing.T) {
	log, rec := newTraced(t)
	ctx := t.Context()
	te := es.StartTestEnv(t, log)

	te.Assert().Append(ctx, 0, "Order", "o-1", "OrderCreated", es.Payload{"customer_id": "alice"})
	_, err := log.Load(ctx, "Order", "o-1")
	require.NoError(t, err)
	v, err := log.LatestVersion(ctx, "Order", "o-1")
	require.NoError(t, err)
	require.Equal(t, es.Version(1), v)

	spans := rec.Ended()
	require.Len(t, spans, 3)
	require.Equal(t, "evlog.append", spans[0].Name())
	require.Equal(t, "evlog.load", spans[1].Name())
	require.Equal(t, "evlog.latest_version", spans[2].Name())

	a := attrs(spans[0])
	require.Equal(t, "Order", a["evlog.aggregate.type"].AsString())
	require.Equal(t, "o-1", a["evlog.aggregate.id"].AsString())
	require.Equal(t, "OrderCreated", a["evlog.event.type"].AsString())
	require.Equal(t, int64(1), a["evlog.event.version"].AsInt64())
	require.Equal(t, int64(1), attrs(spans[1])["evlog.load.count"].AsInt64())
}

func TestTracedLog_Conflict(t *testing.T) {
	log, rec := newTraced(t)
	ctx := t.Context()
	c := es.NewCoordinator(log)

	_, err := c.AppendNext(ctx, "Order", "o-1", "OrderCreated", nil, 0)
	require.NoError(t, err)
	_, err = c.AppendNext(ctx, "Order", "o-1", "OrderCreated", nil, 0)
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, codes.Unset, spans[1].Status().Code)
	require.True(t, attrs(spans[1])["evlog.conflict"].AsBool())
}

func TestTracedLog_Error(t *testing.T) {
	log, rec := newTraced(t)
	ctx := t.Context()

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := log.Load(cancelled, "Order", "o-1")
	require.Error(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.NotEmpty(t, spans[0].Events())
}

func TestTracedLog_Conformance(t *testing.T) {
	estests.Run(t, func(t *testing.T) es.EventLog {
		log, _ := newTraced(t)
		return log
	})
}
