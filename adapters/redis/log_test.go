package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/evlog-go/core/es"
	"github.com/codewandler/evlog-go/core/es/estests"
)

func TestKey(t *testing.T) {
	l := New(redis.NewClient(&redis.Options{Addr: "localhost:0"}), Config{})
	t.Cleanup(func() { _ = l.client.Close() })
	require.Equal(t, "evlog:{Order:o-1}", l.key("Order", "o-1"))

	l = New(l.client, Config{KeyPrefix: "shop"})
	require.Equal(t, "shop:{Order:o-1}", l.key("Order", "o-1"))
	require.Equal(t, "shop:{Order:o-1}:idx", l.indexKey("Order", "o-1"))
}

func TestIndexMember(t *testing.T) {
	require.Equal(t, "00000000000000000001", indexMember(1))
	require.Equal(t, "09223372036854775807", indexMember(es.MaxVersion))

	// lexical order must follow numeric order, including past float precision
	vs := []es.Version{1, 2, 9, 10, 1 << 40, 1<<53 + 1, 1<<53 + 2, es.MaxVersion}
	for i := 1; i < len(vs); i++ {
		require.Less(t, indexMember(vs[i-1]), indexMember(vs[i]))
	}
}

func TestDecode(t *testing.T) {
	env, err := decode(`{"id":"e1","aggregate_type":"Order","aggregate_id":"o-1","type":"OrderPaid","version":3,"payload":{"n":1}}`, "1777627800000001")
	require.NoError(t, err)
	require.Equal(t, es.Version(3), env.Version)
	require.Equal(t, es.Payload{"n": 1.0}, env.Payload)
	require.Equal(t, time.UnixMicro(1777627800000001).UTC(), env.RecordedAt)

	_, err = decode(`{"id":"e1"}`, nil)
	require.ErrorIs(t, err, es.ErrMalformedEnvelope)

	_, err = decode(`nope`, "1")
	require.ErrorIs(t, err, es.ErrMalformedEnvelope)
}

func TestMapError(t *testing.T) {
	require.ErrorIs(t, mapError("append", redis.ErrClosed), es.ErrStorageUnavailable)
	require.ErrorIs(t, mapError("append", errors.New("LOADING Redis is loading the dataset in memory")), es.ErrStorageUnavailable)
	require.ErrorIs(t, mapError("append", context.Canceled), context.Canceled)

	err := mapError("append", errors.New("ERR syntax"))
	require.NotErrorIs(t, err, es.ErrStorageUnavailable)
	require.False(t, es.IsConflict(err))
}

func TestLog_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	l := New(client, Config{})

	_, err := l.LatestVersion(t.Context(), "Order", "o-1")
	require.ErrorIs(t, err, es.ErrStorageUnavailable)
}

func TestLog_Conformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
	url := NewTestContainer(t)
	estests.Run(t, func(t *testing.T) es.EventLog {
		l, err := Open(t.Context(), url, Config{})
		require.NoError(t, err)
		t.Cleanup(func() { _ = l.Close() })
		return l
	})
}

func TestLog_RecordedAtClamped(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
	url := NewTestContainer(t)

	now := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	clock := now
	l, err := Open(t.Context(), url, Config{Clock: func() time.Time { return clock }})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	te := es.StartTestEnv(t, l)
	first := te.Assert().Append(t.Context(), 0, "Counter", "c-1", "Incremented", nil)
	clock = now.Add(-time.Hour)
	second := te.Assert().Append(t.Context(), 1, "Counter", "c-1", "Incremented", nil)

	require.Equal(t, now, first.RecordedAt)
	require.Equal(t, first.RecordedAt, second.RecordedAt)
}
