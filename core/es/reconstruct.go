package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Aggregate is the materialized result of a fold. It is derived and
// disposable; the log stays the source of truth.
type Aggregate[S any] struct {
	Type    string
	ID      string
	Version Version
	State   S
}

// Exists reports whether at least one envelope was folded.
func (a *Aggregate[S]) Exists() bool { return a.Version > 0 }

func (a *Aggregate[S]) LogAttrs() slog.Attr {
	return slog.Group(
		"agg",
		slog.String("type", a.Type),
		slog.String("id", a.ID),
		a.Version.SlogAttr(),
	)
}

// Fold applies envs in order to initial.
func Fold[S any](aggType, aggID string, initial S, tr *Transitions[S], envs []Envelope) (*Aggregate[S], error) {
	return FoldAsOf(aggType, aggID, initial, tr, envs, MaxVersion)
}

// FoldAsOf applies envs in order and stops before the first envelope whose
// version exceeds target. envs must start at version 1 and be contiguous.
func FoldAsOf[S any](aggType, aggID string, initial S, tr *Transitions[S], envs []Envelope, target Version) (*Aggregate[S], error) {
	agg := &Aggregate[S]{Type: aggType, ID: aggID, State: initial}
	for _, e := range envs {
		if e.Version > target {
			break
		}

		if e.AggregateType != aggType || e.AggregateID != aggID {
			return nil, fmt.Errorf(
				"%w: envelope %s belongs to %s/%s, folding %s/%s",
				ErrCorruptHistory, e.ID, e.AggregateType, e.AggregateID, aggType, aggID,
			)
		}
		expectVersion := agg.Version.Next()
		if e.Version != expectVersion {
			return nil, fmt.Errorf("%w: expect version %d, got %d", ErrCorruptHistory, expectVersion, e.Version)
		}

		next, err := tr.Apply(agg.State, e)
		if err != nil {
			return nil, replayError(e, err)
		}
		agg.State = next
		agg.Version = e.Version
	}
	return agg, nil
}

// replayError makes sure a failed transition names the offending envelope.
func replayError(e Envelope, err error) error {
	var malformedErr *MalformedEnvelopeError
	if errors.As(err, &malformedErr) {
		if malformedErr.EventType == "" {
			malformedErr.EventType = e.Type
		}
		if malformedErr.Version == 0 {
			malformedErr.Version = e.Version
		}
		return err
	}
	if errors.Is(err, ErrUnknownEventType) {
		return err
	}
	return fmt.Errorf("apply %s at version %d: %w", e.Type, e.Version, err)
}

// Reconstructor rebuilds aggregates of one type from an EventLog.
type Reconstructor[S any] struct {
	aggType     string
	store       EventLog
	initial     func(aggID string) S
	transitions *Transitions[S]
	log         *slog.Logger
	metrics     Metrics
}

// NewReconstructor creates a Reconstructor for aggType. initial returns the
// state of an aggregate that does not exist yet.
func NewReconstructor[S any](
	aggType string,
	store EventLog,
	initial func(aggID string) S,
	transitions *Transitions[S],
	opts ...Option,
) *Reconstructor[S] {
	o := newOptions(opts...)
	if initial == nil {
		initial = func(string) S {
			var zero S
			return zero
		}
	}
	return &Reconstructor[S]{
		aggType:     aggType,
		store:       store,
		initial:     initial,
		transitions: transitions,
		log:         o.log.With(slog.String("reconstructor", aggType)),
		metrics:     o.metrics,
	}
}

func (r *Reconstructor[S]) AggregateType() string { return r.aggType }

// Reconstruct folds the full history of aggID.
func (r *Reconstructor[S]) Reconstruct(ctx context.Context, aggID string) (*Aggregate[S], error) {
	return r.reconstruct(ctx, aggID, MaxVersion)
}

// ReconstructAsOf folds the history of aggID up to and including target.
// Envelopes beyond target are neither loaded nor applied.
func (r *Reconstructor[S]) ReconstructAsOf(ctx context.Context, aggID string, target Version) (*Aggregate[S], error) {
	return r.reconstruct(ctx, aggID, target)
}

func (r *Reconstructor[S]) reconstruct(ctx context.Context, aggID string, target Version) (*Aggregate[S], error) {
	if aggID == "" {
		return nil, malformed("aggregate_id", "is empty")
	}

	defer r.metrics.ReconstructDuration(r.aggType).ObserveDuration()

	log := r.log.With(aggAttrs(r.aggType, aggID), target.SlogAttrWithKey("target_version"))

	if target == 0 {
		return &Aggregate[S]{Type: r.aggType, ID: aggID, State: r.initial(aggID)}, nil
	}

	t := r.metrics.LoadDuration(r.aggType)
	envs, err := r.store.Load(ctx, r.aggType, aggID, WithToVersion(target))
	t.ObserveDuration()
	if err != nil {
		return nil, fmt.Errorf("load %s/%s: %w", r.aggType, aggID, err)
	}

	agg, err := FoldAsOf(r.aggType, aggID, r.initial(aggID), r.transitions, envs, target)
	if err != nil {
		r.metrics.ReplayFailure(r.aggType, replayFailureReason(err))
		log.Error("replay failed", slog.Any("error", err))
		return nil, err
	}

	log.Debug("reconstructed", agg.Version.SlogAttr(), slog.Int("events", len(envs)))

	return agg, nil
}

func replayFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownEventType):
		return ReplayFailureUnknownEventType
	case errors.Is(err, ErrMalformedEnvelope):
		return ReplayFailureMalformed
	case errors.Is(err, ErrCorruptHistory):
		return ReplayFailureCorrupt
	default:
		return ReplayFailureOther
	}
}
