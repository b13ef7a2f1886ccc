package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Coordinator is the optimistic-locking write gate in front of an EventLog.
// It never retries: on conflict the caller reloads, re-validates and decides.
type Coordinator struct {
	log         *slog.Logger
	store       EventLog
	metrics     Metrics
	idGenerator IDGenerator
}

func NewCoordinator(store EventLog, opts ...Option) *Coordinator {
	o := newOptions(opts...)
	return &Coordinator{
		log:         o.log.With(slog.String("coordinator", fmt.Sprintf("%T", store))),
		store:       store,
		metrics:     o.metrics,
		idGenerator: o.idGenerator,
	}
}

// Log returns the underlying event log.
func (c *Coordinator) Log() EventLog { return c.store }

// AppendNext persists a new fact at expected+1. expected is the version the
// caller observed through Load, LatestVersion or a reconstruction.
func (c *Coordinator) AppendNext(
	ctx context.Context,
	aggType string,
	aggID string,
	eventType string,
	payload Payload,
	expected Version,
) (Envelope, error) {
	if expected >= MaxVersion {
		return Envelope{}, malformed("version", "expected version overflows")
	}

	env := Envelope{
		ID:            c.idGenerator(),
		AggregateType: aggType,
		AggregateID:   aggID,
		Type:          eventType,
		Version:       expected.Next(),
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}

	p, err := payload.Normalize()
	if err != nil {
		return Envelope{}, &MalformedEnvelopeError{Field: "payload", Reason: "not JSON encodable", EventType: eventType, Err: err}
	}
	env.Payload = p

	log := c.log.With(aggAttrs(aggType, aggID), env.LogAttrs())

	t := c.metrics.AppendDuration(aggType)
	stored, err := c.store.Append(ctx, env)
	t.ObserveDuration()

	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			c.metrics.ConcurrencyConflict(aggType)
			log.Warn("append conflict", expected.SlogAttrWithKey("expected_version"))
			if conflict.AggregateType == "" {
				conflict.AggregateType = aggType
			}
			if conflict.AggregateID == "" {
				conflict.AggregateID = aggID
			}
			if conflict.Version == 0 {
				conflict.Version = env.Version
			}
			return Envelope{}, conflict
		}
		log.Error("append failed", slog.Any("error", err))
		return Envelope{}, err
	}

	c.metrics.EventsAppended(aggType, 1)
	log.Debug("appended", slog.Time("recorded_at", stored.RecordedAt))

	return stored, nil
}
