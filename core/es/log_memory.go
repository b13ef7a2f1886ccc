package es

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type memStream struct {
	mu     sync.RWMutex
	events []Envelope
	// newest recorded_at handed out for this stream, in write order
	lastRecordedAt time.Time
}

// InMemoryLog is a correct EventLog for tests and development. Each aggregate
// stream has its own lock so appends for different aggregates never contend.
type InMemoryLog struct {
	mu      sync.Mutex
	log     *slog.Logger
	clock   Clock
	streams map[streamKey]*memStream
}

type streamKey struct{ aggType, aggID string }

func NewInMemoryLog(opts ...Option) *InMemoryLog {
	o := newOptions(opts...)
	return &InMemoryLog{
		log:     o.log.With(slog.String("log", "memory")),
		clock:   o.clock,
		streams: map[streamKey]*memStream{},
	}
}

func (s *InMemoryLog) stream(aggType, aggID string, create bool) *memStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := streamKey{aggType, aggID}
	st, ok := s.streams[k]
	if !ok && create {
		st = &memStream{}
		s.streams[k] = st
	}
	return st
}

func (s *InMemoryLog) Append(ctx context.Context, env Envelope) (Envelope, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, err
	}

	payload, err := env.Payload.Normalize()
	if err != nil {
		return Envelope{}, &MalformedEnvelopeError{Field: "payload", EventType: env.Type, Version: env.Version, Err: err}
	}
	env.Payload = payload

	st := s.stream(env.AggregateType, env.AggregateID, true)
	st.mu.Lock()
	defer st.mu.Unlock()

	i := sort.Search(len(st.events), func(i int) bool { return st.events[i].Version >= env.Version })
	if i < len(st.events) && st.events[i].Version == env.Version {
		return Envelope{}, &ConflictError{
			AggregateType: env.AggregateType,
			AggregateID:   env.AggregateID,
			Version:       env.Version,
		}
	}

	// recorded_at never goes backwards in write order. A version written into
	// a gap below existing versions is stamped after them, so its timestamp
	// can exceed its successor's; such histories are rejected as corrupt by
	// the Reconstructor anyway.
	now := s.clock().UTC().Truncate(time.Microsecond)
	if now.Before(st.lastRecordedAt) {
		now = st.lastRecordedAt
	}
	st.lastRecordedAt = now
	env.RecordedAt = now

	st.events = append(st.events, Envelope{})
	copy(st.events[i+1:], st.events[i:])
	st.events[i] = env

	s.log.Debug("append", aggAttrs(env.AggregateType, env.AggregateID), env.LogAttrs())

	return copyEnvelope(env), nil
}

func (s *InMemoryLog) Load(ctx context.Context, aggType, aggID string, opts ...LoadOption) ([]Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := s.stream(aggType, aggID, false)
	if st == nil {
		return []Envelope{}, nil
	}

	lo := NewLoadOptions(opts...)

	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]Envelope, 0, len(st.events))
	for _, e := range st.events {
		if !lo.Includes(e.Version) {
			continue
		}
		out = append(out, copyEnvelope(e))
	}
	return out, nil
}

func (s *InMemoryLog) LatestVersion(ctx context.Context, aggType, aggID string) (Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	st := s.stream(aggType, aggID, false)
	if st == nil {
		return 0, nil
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	if len(st.events) == 0 {
		return 0, nil
	}
	return st.events[len(st.events)-1].Version, nil
}

// copyEnvelope detaches the payload so callers cannot mutate stored history.
func copyEnvelope(e Envelope) Envelope {
	p, err := e.Payload.Normalize()
	if err == nil {
		e.Payload = p
	}
	return e
}

var _ EventLog = (*InMemoryLog)(nil)
