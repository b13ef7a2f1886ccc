// Package estests is a conformance suite for es.EventLog implementations.
package estests

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/evlog-go/core/es"
	"github.com/codewandler/evlog-go/domain/order"
)

// Factory returns an empty or isolated log. It may be called once per
// subtest; aggregate ids are unique per subtest, so factories may share one
// backing store.
type Factory func(t *testing.T) es.EventLog

func newID(prefix string) string {
	return prefix + "-" + gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz0123456789", 12)
}

// Run runs every conformance test against logs produced by newLog.
func Run(t *testing.T, newLog Factory) {
	t.Helper()

	t.Run("empty aggregate", func(t *testing.T) { testEmpty(t, newLog(t)) })
	t.Run("gapless versions", func(t *testing.T) { testGapless(t, newLog(t)) })
	t.Run("duplicate version conflicts", func(t *testing.T) { testDuplicate(t, newLog(t)) })
	t.Run("concurrent append next", func(t *testing.T) { testConcurrentAppendNext(t, newLog(t)) })
	t.Run("parallel aggregates", func(t *testing.T) { testParallelAggregates(t, newLog(t)) })
	t.Run("aggregate identity", func(t *testing.T) { testIdentity(t, newLog(t)) })
	t.Run("load range", func(t *testing.T) { testLoadRange(t, newLog(t)) })
	t.Run("sparse versions", func(t *testing.T) { testSparse(t, newLog(t)) })
	t.Run("payload round trip", func(t *testing.T) { testPayloadRoundTrip(t, newLog(t)) })
	t.Run("recorded at", func(t *testing.T) { testRecordedAt(t, newLog(t)) })
	t.Run("reconstruct", func(t *testing.T) { testReconstruct(t, newLog(t)) })
	t.Run("order scenario", func(t *testing.T) { testOrderScenario(t, newLog(t)) })
}

func testEmpty(t *testing.T, log es.EventLog) {
	ctx := t.Context()
	id := newID("empty")

	envs, err := log.Load(ctx, order.AggregateType, id)
	require.NoError(t, err)
	require.Empty(t, envs)

	v, err := log.LatestVersion(ctx, order.AggregateType, id)
	require.NoError(t, err)
	require.Equal(t, es.Version(0), v)

	ok, err := es.Exists(ctx, log, order.AggregateType, id)
	require.NoError(t, err)
	require.False(t, ok)
}

func testGapless(t *testing.T, log es.EventLog) {
	ctx := t.Context()
	te := es.StartTestEnv(t, log)
	id := newID("gapless")

	const n = 10
	for i := range es.Version(n) {
		te.Assert().Append(ctx, i, "Counter", id, "Incremented", es.Payload{"i": int(i)})
		// stale writer
		_, err := te.Coordinator.AppendNext(ctx, "Counter", id, "Incremented", nil, i)
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)
	}

	te.Assert().Versions(ctx, "Counter", id, n)

	// restartable
	a, err := log.Load(ctx, "Counter", id)
	require.NoError(t, err)
	b, err := log.Load(ctx, "Counter", id)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func testDuplicate(t *testing.T, log es.EventLog) {
	ctx := t.Context()
	id := newID("dup")

	first := es.Envelope{
		ID:            gonanoid.Must(),
		AggregateType: "Counter",
		AggregateID:   id,
		Type:          "Incremented",
		Version:       1,
		Payload:       es.Payload{"writer": "a"},
	}
	_, err := log.Append(ctx, first)
	require.NoError(t, err)

	second := first
	second.ID = gonanoid.Must()
	second.Payload = es.Payload{"writer": "b"}
	_, err = log.Append(ctx, second)
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)

	var ce *es.ConflictError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, es.Version(1), ce.Version)

	envs, err := log.Load(ctx, "Counter", id)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	require.Equal(t, first.ID, envs[0].ID)
	require.Equal(t, "a", envs[0].Payload["writer"])
}

func testConcurrentAppendNext(t *testing.T, log es.EventLog) {
	ctx := t.Context()
	te := es.StartTestEnv(t, log)
	id := newID("race")

	te.Assert().Append(ctx, 0, order.AggregateType, id, order.EventCreated, es.Payload{"customer_id": "alice"})

	const writers = 8
	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		ok        atomic.Int32
		conflicts atomic.Int32
	)
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := te.Coordinator.AppendNext(ctx, order.AggregateType, id, order.EventItemAdded, es.Payload{
				"item_id":  fmt.Sprintf("item-%d", w),
				"quantity": 1,
				"price":    1.0,
			}, 1)
			switch {
			case err == nil:
				ok.Add(1)
			case es.IsConflict(err):
				conflicts.Add(1)
			default:
				assert.NoError(t, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(1), ok.Load())
	require.Equal(t, int32(writers-1), conflicts.Load())
	te.Assert().Versions(ctx, order.AggregateType, id, 2)
}

func testParallelAggregates(t *testing.T, log es.EventLog) {
	ctx := t.Context()
	te := es.StartTestEnv(t, log)

	const (
		aggregates = 8
		events     = 5
	)
	ids := make([]string, aggregates)
	for i := range ids {
		ids[i] = newID("par")
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for v := range es.Version(events) {
				_, err := te.Coordinator.AppendNext(ctx, "Counter", id, "Incremented", nil, v)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		te.Assert().Versions(ctx, "Counter", id, events)
	}
}

func testIdentity(t *testing.T, log es.EventLog) {
	ctx := t.Context()
	te := es.StartTestEnv(t, log)
	id := newID("ident")

	te.Assert().Append(ctx, 0, "Counter", id, "Incremented", nil)
	te.Assert().Append(ctx, 0, "Gauge", id, "Set", nil)
	te.Assert().Append(ctx, 1, "Gauge", id, "Set", nil)

	te.Assert().Versions(ctx, "Counter", id, 1)
	te.Assert().Versions(ctx, "Gauge", id, 2)
	te.Assert().Versions(ctx, "Counter", id+"x", 0)
}

func testLoadRange(t *testing.T, log es.EventLog) {
	ctx := t.Context()
	te := es.StartTestEnv(t, log)
	id := newID("range")

	for v := range es.Version(6) {
		te.Assert().Append(ctx, v, "Counter", id, "Incremented", nil)
	}

	versions := func(opts ...es.LoadOption) []es.Version {
		envs, err := log.Load(ctx, "Counter", id, opts...)
		require.NoError(t, err)
		out := make([]es.Version, 0, len(envs))
		for _, e := range envs {
			out = append(out, e.Version)
		}
		return out
	}

	require.Equal(t, []es.Version{1, 2, 3}, versions(es.WithToVersion(3)))
	require.Equal(t, []es.Version{4, 5, 6}, versions(es.WithFromVersion(4)))
	require.Equal(t, []es.Version{2, 3}, versions(es.WithFromVersion(2), es.WithToVersion(3)))
	require.Equal(t, []es.Version{1, 2, 3, 4, 5, 6}, versions(es.WithToVersion(100)))
	require.Empty(t, versions(es.WithFromVersion(7)))
}

// testSparse appends far past the head. Loading must cost what is stored,
// not the width of the version range.
func testSparse(t *testing.T, log es.EventLog) {
	ctx := t.Context()
	te := es.StartTestEnv(t, log)
	id := newID("sparse")
	const far = es.Version(1 << 40)

	te.Assert().Append(ctx, 0, "Counter", id, "Incremented", nil)
	te.Assert().Append(ctx, far, "Counter", id, "Incremented", nil)

	latest, err := log.LatestVersion(ctx, "Counter", id)
	require.NoError(t, err)
	require.Equal(t, far+1, latest)

	envs, err := log.Load(ctx, "Counter", id)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	require.Equal(t, es.Version(1), envs[0].Version)
	require.Equal(t, far+1, envs[1].Version)

	envs, err = log.Load(ctx, "Counter", id, es.WithFromVersion(2))
	require.NoError(t, err)
	require.Len(t, envs, 1)
	require.Equal(t, far+1, envs[0].Version)

	envs, err = log.Load(ctx, "Counter", id, es.WithFromVersion(2), es.WithToVersion(far))
	require.NoError(t, err)
	require.Empty(t, envs)
}

func testPayloadRoundTrip(t *testing.T, log es.EventLog) {
	ctx := t.Context()
	te := es.StartTestEnv(t, log)
	id := newID("payload")

	original := es.Payload{"a": 1, "b": "x"}
	stored := te.Assert().Append(ctx, 0, "Doc", id, "Written", original)

	nested := es.Payload{
		"z":      nil,
		"nested": map[string]any{"list": []any{1, "two", true}, "deep": map[string]any{"k": 1.25}},
		"empty":  map[string]any{},
		"utf8":   "grüße ✓",
	}
	te.Assert().Append(ctx, 1, "Doc", id, "Written", nested)

	envs, err := log.Load(ctx, "Doc", id)
	require.NoError(t, err)
	require.Len(t, envs, 2)

	want, err := original.Normalize()
	require.NoError(t, err)
	require.Equal(t, want, envs[0].Payload)
	require.Equal(t, stored.ID, envs[0].ID)
	require.Equal(t, "Written", envs[0].Type)

	origJSON, err := json.Marshal(original)
	require.NoError(t, err)
	loadedJSON, err := json.Marshal(envs[0].Payload)
	require.NoError(t, err)
	require.JSONEq(t, string(origJSON), string(loadedJSON))

	want, err = nested.Normalize()
	require.NoError(t, err)
	require.Equal(t, want, envs[1].Payload)
}

func testRecordedAt(t *testing.T, log es.EventLog) {
	ctx := t.Context()
	te := es.StartTestEnv(t, log)
	id := newID("rec")

	for v := range es.Version(5) {
		stored := te.Assert().Append(ctx, v, "Counter", id, "Incremented", nil)
		require.False(t, stored.RecordedAt.IsZero())
	}

	envs := te.Assert().Versions(ctx, "Counter", id, 5)
	for i := 1; i < len(envs); i++ {
		require.False(t, envs[i].RecordedAt.Before(envs[i-1].RecordedAt),
			"recorded_at of version %d precedes version %d", envs[i].Version, envs[i-1].Version)
	}
}

func testReconstruct(t *testing.T, log es.EventLog) {
	ctx := t.Context()
	svc := order.NewService(log)
	rec := order.NewReconstructor(log)
	id := newID("order")

	_, err := svc.Create(ctx, id, "alice")
	require.NoError(t, err)
	for i := range 4 {
		_, err = svc.AddItem(ctx, id, fmt.Sprintf("item-%d", i), i+1, 0.5)
		require.NoError(t, err)
	}

	a, err := rec.Reconstruct(ctx, id)
	require.NoError(t, err)
	b, err := rec.Reconstruct(ctx, id)
	require.NoError(t, err)
	require.Equal(t, a, b)

	latest, err := log.LatestVersion(ctx, order.AggregateType, id)
	require.NoError(t, err)
	require.Equal(t, a.Version, latest)

	asOf, err := rec.ReconstructAsOf(ctx, id, latest)
	require.NoError(t, err)
	require.Equal(t, a, asOf)
}

func testOrderScenario(t *testing.T, log es.EventLog) {
	ctx := t.Context()
	te := es.StartTestEnv(t, log)
	rec := order.NewReconstructor(log)
	id := newID("order")

	te.Assert().Append(ctx, 0, order.AggregateType, id, order.EventCreated, es.Payload{"customer_id": "alice"})
	te.Assert().Append(ctx, 1, order.AggregateType, id, order.EventItemAdded, es.Payload{"item_id": "apple", "quantity": 2, "price": 1.5})
	te.Assert().Append(ctx, 2, order.AggregateType, id, order.EventItemAdded, es.Payload{"item_id": "bread", "quantity": 1, "price": 2.0})

	agg, err := rec.Reconstruct(ctx, id)
	require.NoError(t, err)
	require.Equal(t, es.Version(3), agg.Version)
	require.Equal(t, 5.0, agg.State.Total())
	require.Equal(t, 2, agg.State.ItemCount())
	require.Equal(t, order.StatusCreated, agg.State.Status)

	// a writer still at version 1 loses
	_, err = te.Coordinator.AppendNext(ctx, order.AggregateType, id, order.EventItemAdded,
		es.Payload{"item_id": "cake", "quantity": 1, "price": 3.0}, 1)
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)
	var ce *es.ConflictError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, id, ce.AggregateID)
	require.Equal(t, es.Version(2), ce.Version)
	te.Assert().Versions(ctx, order.AggregateType, id, 3)

	te.Assert().Append(ctx, 3, order.AggregateType, id, order.EventItemRemoved, es.Payload{"item_id": "bread"})

	agg, err = rec.Reconstruct(ctx, id)
	require.NoError(t, err)
	require.Equal(t, es.Version(4), agg.Version)
	require.Equal(t, 3.0, agg.State.Total())
	require.Equal(t, 1, agg.State.ItemCount())

	_, err = te.Coordinator.AppendNext(ctx, order.AggregateType, id, order.EventItemAdded,
		es.Payload{"item_id": "cake", "quantity": 1, "price": 3.0}, 1)
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)
	te.Assert().Versions(ctx, order.AggregateType, id, 4)

	past, err := rec.ReconstructAsOf(ctx, id, 2)
	require.NoError(t, err)
	require.Equal(t, es.Version(2), past.Version)
	require.Equal(t, 3.0, past.State.Total())
	require.Equal(t, 1, past.State.ItemCount())
	require.True(t, past.State.HasItem("apple"))
}
