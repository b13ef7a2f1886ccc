package es

import (
	"errors"
	"fmt"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrMalformedEnvelope   = errors.New("malformed envelope")
	ErrUnknownEventType    = errors.New("unknown event type")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrCorruptHistory      = errors.New("corrupt history")
)

// ConflictError reports that another writer already holds the version an
// append tried to claim. It is routine: reload, re-validate and retry with the
// new expected version, or give up.
type ConflictError struct {
	AggregateType string
	AggregateID   string
	// Version is the version the append attempted to claim.
	Version Version
	// Err is the storage-level cause, if any.
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"%s: agg_type=%s agg_id=%s version %d is already taken",
		ErrConcurrencyConflict, e.AggregateType, e.AggregateID, e.Version,
	)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConcurrencyConflict }
func (e *ConflictError) Unwrap() error        { return e.Err }

// MalformedEnvelopeError reports an envelope or payload that does not have the
// expected shape. When raised during replay Version and EventType identify the
// offending envelope.
type MalformedEnvelopeError struct {
	Field     string
	Reason    string
	EventType string
	Version   Version
	Err       error
}

func (e *MalformedEnvelopeError) Error() string {
	msg := ErrMalformedEnvelope.Error()
	if e.EventType != "" {
		msg += fmt.Sprintf(": event %s", e.EventType)
		if e.Version > 0 {
			msg += fmt.Sprintf(" at version %d", e.Version)
		}
	}
	if e.Field != "" {
		msg += fmt.Sprintf(": %s", e.Field)
	}
	if e.Reason != "" {
		msg += fmt.Sprintf(": %s", e.Reason)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *MalformedEnvelopeError) Is(target error) bool { return target == ErrMalformedEnvelope }
func (e *MalformedEnvelopeError) Unwrap() error        { return e.Err }

func malformed(field, reason string) *MalformedEnvelopeError {
	return &MalformedEnvelopeError{Field: field, Reason: reason}
}

// UnknownEventTypeError is raised by replay when no transition is registered
// for an envelope's event type. It points at a writer/reader version skew.
type UnknownEventTypeError struct {
	AggregateType string
	AggregateID   string
	Version       Version
	EventType     string
}

func (e *UnknownEventTypeError) Error() string {
	return fmt.Sprintf(
		"%s: %q at version %d (agg_type=%s agg_id=%s)",
		ErrUnknownEventType, e.EventType, e.Version, e.AggregateType, e.AggregateID,
	)
}

func (e *UnknownEventTypeError) Is(target error) bool { return target == ErrUnknownEventType }

// StorageUnavailableError wraps a backing store failure to connect or respond.
// This layer never retries it.
type StorageUnavailableError struct {
	Op  string
	Err error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorageUnavailable, e.Op, e.Err)
}

func (e *StorageUnavailableError) Is(target error) bool { return target == ErrStorageUnavailable }
func (e *StorageUnavailableError) Unwrap() error        { return e.Err }

// Unavailable wraps err as a StorageUnavailableError for the given operation.
func Unavailable(op string, err error) error {
	return &StorageUnavailableError{Op: op, Err: err}
}

// IsConflict reports whether err is a concurrency conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConcurrencyConflict) }
