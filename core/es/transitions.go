package es

import (
	"maps"
	"slices"
)

// Transition applies one fact to an aggregate state. It must be pure: no clock,
// no I/O, and it must not mutate the state it was given.
type Transition[S any] func(state S, payload Payload) (S, error)

// Transitions is the explicit event_type -> transition registry used by replay.
// Types without a registration fail with UnknownEventTypeError.
type Transitions[S any] struct {
	fns map[string]Transition[S]
}

func NewTransitions[S any]() *Transitions[S] {
	return &Transitions[S]{fns: map[string]Transition[S]{}}
}

// On registers fn for eventType. Registering a type twice panics.
func (t *Transitions[S]) On(eventType string, fn Transition[S]) *Transitions[S] {
	if eventType == "" {
		panic("es: empty event type")
	}
	if fn == nil {
		panic("es: nil transition for " + eventType)
	}
	if _, ok := t.fns[eventType]; ok {
		panic("es: duplicate transition for " + eventType)
	}
	t.fns[eventType] = fn
	return t
}

// OnTyped registers a transition that receives the payload destructured into
// P. Decode failures become MalformedEnvelopeError.
func OnTyped[S, P any](t *Transitions[S], eventType string, fn func(S, P) (S, error)) *Transitions[S] {
	return t.On(eventType, func(s S, p Payload) (S, error) {
		v, err := DecodePayload[P](p)
		if err != nil {
			return s, err
		}
		return fn(s, v)
	})
}

func (t *Transitions[S]) Has(eventType string) bool {
	_, ok := t.fns[eventType]
	return ok
}

// Types returns the registered event types, sorted.
func (t *Transitions[S]) Types() []string {
	return slices.Sorted(maps.Keys(t.fns))
}

// Apply runs the transition registered for env.Type.
func (t *Transitions[S]) Apply(state S, env Envelope) (S, error) {
	fn, ok := t.fns[env.Type]
	if !ok {
		return state, &UnknownEventTypeError{
			AggregateType: env.AggregateType,
			AggregateID:   env.AggregateID,
			Version:       env.Version,
			EventType:     env.Type,
		}
	}
	next, err := fn(state, env.Payload)
	if err != nil {
		return state, err
	}
	return next, nil
}
