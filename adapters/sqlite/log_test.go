package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/evlog-go/core/es"
	"github.com/codewandler/evlog-go/core/es/estests"
)

func openTestLog(t *testing.T, cfg Config) *Log {
	t.Helper()
	l, err := Open(t.Context(), filepath.Join(t.TempDir(), "events.db"), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLog_Conformance(t *testing.T) {
	estests.Run(t, func(t *testing.T) es.EventLog { return openTestLog(t, Config{}) })
}

func TestLog_SharedFile(t *testing.T) {
	// one file, many handles: the constraint still decides races
	path := filepath.Join(t.TempDir(), "shared.db")
	estests.Run(t, func(t *testing.T) es.EventLog {
		l, err := Open(t.Context(), path, Config{})
		require.NoError(t, err)
		t.Cleanup(func() { _ = l.Close() })
		return l
	})
}

func TestLog_DuplicateEventID(t *testing.T) {
	ctx := t.Context()
	l := openTestLog(t, Config{})

	env := es.Envelope{ID: "evt-1", AggregateType: "Order", AggregateID: "o-1", Type: "OrderCreated", Version: 1}
	_, err := l.Append(ctx, env)
	require.NoError(t, err)

	env.AggregateID = "o-2"
	_, err = l.Append(ctx, env)
	require.ErrorIs(t, err, es.ErrMalformedEnvelope)
	require.False(t, es.IsConflict(err))
}

func TestLog_RecordedAtClamped(t *testing.T) {
	ctx := t.Context()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(-time.Minute)}
	var i int
	l := openTestLog(t, Config{Clock: func() time.Time {
		now := times[i]
		i++
		return now
	}})

	a, err := l.Append(ctx, es.Envelope{ID: "a", AggregateType: "Order", AggregateID: "o-1", Type: "X", Version: 1})
	require.NoError(t, err)
	b, err := l.Append(ctx, es.Envelope{ID: "b", AggregateType: "Order", AggregateID: "o-1", Type: "X", Version: 2})
	require.NoError(t, err)

	require.Equal(t, base, a.RecordedAt)
	require.Equal(t, base, b.RecordedAt)
}

func TestLog_RecordedAtWriteOrder(t *testing.T) {
	ctx := t.Context()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	times := []time.Time{base.Add(time.Minute), base}
	var i int
	l := openTestLog(t, Config{Clock: func() time.Time {
		now := times[i]
		i++
		return now
	}})

	_, err := l.Append(ctx, es.Envelope{ID: "c", AggregateType: "Order", AggregateID: "o-1", Type: "X", Version: 3})
	require.NoError(t, err)
	gap, err := l.Append(ctx, es.Envelope{ID: "a", AggregateType: "Order", AggregateID: "o-1", Type: "X", Version: 1})
	require.NoError(t, err)
	require.Equal(t, base.Add(time.Minute), gap.RecordedAt)

	envs, err := l.Load(ctx, "Order", "o-1")
	require.NoError(t, err)
	require.Len(t, envs, 2)
	require.Equal(t, envs[1].RecordedAt, envs[0].RecordedAt)
}

func TestLog_VersionOutOfRange(t *testing.T) {
	l := openTestLog(t, Config{})
	_, err := l.Append(t.Context(), es.Envelope{ID: "a", AggregateType: "Order", AggregateID: "o-1", Type: "X", Version: es.MaxVersion + 1})
	require.ErrorIs(t, err, es.ErrMalformedEnvelope)
}

func TestOpen(t *testing.T) {
	_, err := Open(t.Context(), " ", Config{})
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "twice.db")
	l1, err := Open(t.Context(), path, Config{})
	require.NoError(t, err)
	require.NoError(t, l1.Close())

	// migrations are recorded once
	l2, err := Open(t.Context(), path, Config{})
	require.NoError(t, err)
	defer l2.Close()

	var n int
	require.NoError(t, l2.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	require.Equal(t, 1, n)

	// New does not own the handle
	require.NoError(t, New(l2.db, Config{}).Close())
	require.NoError(t, l2.db.Ping())
}
