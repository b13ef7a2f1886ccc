// Package es provides the core of an event-sourced persistence layer.
//
// # Overview
//
// State is stored as an append-only sequence of immutable [Envelope] values per
// aggregate. Current state is never persisted; it is rebuilt by folding the
// history through a registry of pure transitions.
//
// # Core Components
//
// EventLog: durable, ordered storage keyed by (aggregate type, aggregate id,
// version). That key is unique; the uniqueness check is the whole concurrency
// control mechanism. Use [NewInMemoryLog] for tests, or one of the adapters
// (sqlite, postgres, nats, redis) for real storage.
//
// Coordinator: the optimistic-locking write API. [Coordinator.AppendNext]
// claims expected+1 and reports [*ConflictError] when another writer got there
// first. It never retries:
//
//	c := es.NewCoordinator(log)
//	env, err := c.AppendNext(ctx, "Order", "o-1", "OrderCreated", es.Payload{"customer_id": "alice"}, 0)
//	if es.IsConflict(err) {
//	    // reload, re-validate, decide
//	}
//
// Use [RetryOnConflict] when the caller's closure reloads and re-validates on
// every attempt.
//
// Reconstructor: folds an aggregate's history. Unknown event types fail with
// [*UnknownEventTypeError]; gaps fail with [ErrCorruptHistory]:
//
//	tr := es.NewTransitions[Counter]().
//	    On("Incremented", func(s Counter, p es.Payload) (Counter, error) { return s + 1, nil })
//	r := es.NewReconstructor("Counter", log, nil, tr)
//	agg, err := r.Reconstruct(ctx, "c-1")
//	past, err := r.ReconstructAsOf(ctx, "c-1", 2)
package es
