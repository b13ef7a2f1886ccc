// Package redis implements es.EventLog on Redis. Each aggregate lives in one
// hash plus a sorted-set index of its versions, and every append runs as a
// single Lua script, so the version check and the write are atomic.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codewandler/evlog-go/core/es"
)

const (
	defaultKeyPrefix = "evlog"
	loadBatch        = 256
)

// appendScript stores one envelope.
// KEYS[1] = aggregate hash
// KEYS[2] = version index (sorted set, all scores 0, ordered by member)
// ARGV[1] = version
// ARGV[2] = envelope JSON without recorded_at
// ARGV[3] = clock reading in unix microseconds
// ARGV[4] = index member for the version
// Returns -1 if the version is taken, otherwise the stored recorded_at.
//
// recorded_at is clamped to last_t, the newest stamp written to the stream,
// so it is monotonic in write order. A version that fills a gap below
// existing versions therefore sorts after its successor in time.
var appendScript = redis.NewScript(`
local key = KEYS[1]
local field = "v:" .. ARGV[1]

if redis.call("HEXISTS", key, field) == 1 then
    return -1
end

local ts = ARGV[3]
local last = redis.call("HGET", key, "last_t")
if last and tonumber(last) > tonumber(ts) then
    ts = last
end

redis.call("HSET", key, field, ARGV[2], "t:" .. ARGV[1], ts, "last_t", ts)
redis.call("ZADD", KEYS[2], 0, ARGV[4])

local max = tonumber(redis.call("HGET", key, "max") or "0")
if tonumber(ARGV[1]) > max then
    redis.call("HSET", key, "max", ARGV[1])
end

return tonumber(ts)
`)

type Config struct {
	Log       *slog.Logger // Log for diagnostics (optional)
	Clock     es.Clock     // Clock stamps recorded_at. Defaults to es.DefaultClock().
	KeyPrefix string       // KeyPrefix namespaces the aggregate hashes. Defaults to "evlog".
}

// Log is an es.EventLog backed by Redis.
type Log struct {
	client    redis.UniversalClient
	log       *slog.Logger
	clock     es.Clock
	keyPrefix string
	owned     bool
}

func New(client redis.UniversalClient, cfg Config) *Log {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = es.DefaultClock()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Log{
		client:    client,
		log:       log.With(slog.String("log", "redis")),
		clock:     clock,
		keyPrefix: prefix,
	}
}

// Open connects to a redis:// URL and pings the server.
func Open(ctx context.Context, url string, cfg Config) (*Log, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, es.Unavailable("ping", err)
	}
	l := New(client, cfg)
	l.owned = true
	return l, nil
}

func (l *Log) Close() error {
	if l == nil || !l.owned {
		return nil
	}
	return l.client.Close()
}

// key uses a hash tag so an aggregate maps to one cluster slot.
func (l *Log) key(aggType, aggID string) string {
	return l.keyPrefix + ":{" + aggType + ":" + aggID + "}"
}

// indexKey shares the hash tag of key, so scripts may touch both.
func (l *Log) indexKey(aggType, aggID string) string {
	return l.key(aggType, aggID) + ":idx"
}

// indexMember zero-pads a version so lexical order is numeric order. Sorted
// set scores are float64 and lose precision above 2^53.
func indexMember(v es.Version) string {
	return fmt.Sprintf("%020d", v.Uint64())
}

func (l *Log) Append(ctx context.Context, env es.Envelope) (es.Envelope, error) {
	if env.Version > es.MaxVersion {
		return es.Envelope{}, &es.MalformedEnvelopeError{Field: "version", Reason: "out of range", EventType: env.Type, Version: env.Version}
	}
	canonical, err := env.Payload.Canonical()
	if err != nil {
		return es.Envelope{}, &es.MalformedEnvelopeError{Field: "payload", EventType: env.Type, Version: env.Version, Err: err}
	}
	if env.Payload, err = es.DecodePayloadJSON(canonical); err != nil {
		return es.Envelope{}, err
	}

	env.RecordedAt = time.Time{}
	data, err := json.Marshal(env)
	if err != nil {
		return es.Envelope{}, err
	}

	now := l.clock().UTC().UnixMicro()
	ts, err := appendScript.Run(
		ctx, l.client,
		[]string{l.key(env.AggregateType, env.AggregateID), l.indexKey(env.AggregateType, env.AggregateID)},
		env.Version.Uint64(), string(data), now, indexMember(env.Version),
	).Int64()
	if err != nil {
		return es.Envelope{}, mapError("append", err)
	}
	if ts < 0 {
		return es.Envelope{}, &es.ConflictError{AggregateType: env.AggregateType, AggregateID: env.AggregateID, Version: env.Version}
	}
	env.RecordedAt = time.UnixMicro(ts).UTC()

	l.log.Debug(
		"append",
		slog.Group("agg", slog.String("type", env.AggregateType), slog.String("id", env.AggregateID)),
		env.LogAttrs(),
	)
	return env, nil
}

func (l *Log) Load(ctx context.Context, aggType, aggID string, opts ...es.LoadOption) ([]es.Envelope, error) {
	lo := es.NewLoadOptions(opts...)
	out := make([]es.Envelope, 0)
	if lo.From > lo.To {
		return out, nil
	}

	// only stored versions are fetched, however sparse the stream is
	members, err := l.client.ZRangeByLex(ctx, l.indexKey(aggType, aggID), &redis.ZRangeBy{
		Min: "[" + indexMember(max(lo.From, 1)),
		Max: "[" + indexMember(lo.To),
	}).Result()
	if err != nil {
		return nil, mapError("load", err)
	}

	key := l.key(aggType, aggID)
	for start := 0; start < len(members); start += loadBatch {
		batch := members[start:min(start+loadBatch, len(members))]
		fields := make([]string, 0, 2*len(batch))
		for _, m := range batch {
			v, err := strconv.ParseUint(m, 10, 64)
			if err != nil {
				return nil, &es.MalformedEnvelopeError{Field: "version", Reason: "invalid index entry " + strconv.Quote(m), Err: err}
			}
			n := strconv.FormatUint(v, 10)
			fields = append(fields, "v:"+n, "t:"+n)
		}

		vals, err := l.client.HMGet(ctx, key, fields...).Result()
		if err != nil {
			return nil, mapError("load", err)
		}
		for i := 0; i+1 < len(vals); i += 2 {
			data, ok := vals[i].(string)
			if !ok {
				continue
			}
			env, err := decode(data, vals[i+1])
			if err != nil {
				return nil, err
			}
			out = append(out, env)
		}
	}
	return out, nil
}

func (l *Log) LatestVersion(ctx context.Context, aggType, aggID string) (es.Version, error) {
	v, err := l.client.HGet(ctx, l.key(aggType, aggID), "max").Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, mapError("latest_version", err)
	}
	return es.Version(v), nil
}

func decode(data string, ts any) (es.Envelope, error) {
	var env es.Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return es.Envelope{}, &es.MalformedEnvelopeError{Field: "payload", Reason: "stored value is not an envelope", Err: err}
	}
	if env.Payload == nil {
		env.Payload = es.Payload{}
	}
	s, _ := ts.(string)
	micros, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return es.Envelope{}, &es.MalformedEnvelopeError{Field: "recorded_at", Reason: "missing or invalid", EventType: env.Type, Version: env.Version, Err: err}
	}
	env.RecordedAt = time.UnixMicro(micros).UTC()
	return env, nil
}

// mapError translates go-redis errors into the es error taxonomy.
func mapError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, redis.ErrClosed) {
		return es.Unavailable(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return es.Unavailable(op, err)
	}
	msg := err.Error()
	for _, prefix := range []string{"LOADING", "BUSY", "CLUSTERDOWN", "MASTERDOWN", "TRYAGAIN", "READONLY"} {
		if strings.HasPrefix(msg, prefix) {
			return es.Unavailable(op, err)
		}
	}
	return fmt.Errorf("redis %s: %w", op, err)
}

var _ es.EventLog = (*Log)(nil)
