package es

import (
	"log/slog"
	"time"
)

// Envelope is the immutable, versioned unit of persisted fact about one
// aggregate. It is created in memory by the Coordinator and becomes permanent
// the moment an EventLog accepts it.
type Envelope struct {
	// ID is the globally unique event identifier. It is never reused.
	ID string `json:"id"`
	// AggregateType names the entity kind, e.g. "Order".
	AggregateType string `json:"aggregate_type"`
	// AggregateID identifies the entity instance.
	AggregateID string `json:"aggregate_id"`
	// Type names what happened as a past-tense fact, e.g. "OrderCreated".
	Type string `json:"type"`
	// Version is the per-aggregate stream version (1, 2, 3, ...).
	Version Version `json:"version"`
	// Payload carries everything needed to apply the fact.
	Payload Payload `json:"payload"`
	// RecordedAt is stamped by the log at write time.
	RecordedAt time.Time `json:"recorded_at"`
}

// Validate checks the fields every envelope needs. The log does not call it;
// field validation is the writer's job.
func (e Envelope) Validate() error {
	if e.ID == "" {
		return malformed("id", "is empty")
	}
	if e.AggregateType == "" {
		return malformed("aggregate_type", "is empty")
	}
	if e.AggregateID == "" {
		return malformed("aggregate_id", "is empty")
	}
	if e.Type == "" {
		return malformed("type", "is empty")
	}
	if e.Version == 0 {
		return malformed("version", "must be positive")
	}
	return nil
}

func (e Envelope) LogAttrs() slog.Attr {
	return slog.Group(
		"event",
		slog.String("id", e.ID),
		slog.String("type", e.Type),
		e.Version.SlogAttr(),
	)
}

func aggAttrs(aggType, aggID string) slog.Attr {
	return slog.Group(
		"agg",
		slog.String("type", aggType),
		slog.String("id", aggID),
	)
}
