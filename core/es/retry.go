package es

import (
	"context"
	"errors"
)

// ErrRetriesExhausted is wrapped together with the last ConflictError when
// RetryOnConflict gives up.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryOnConflict calls fn until it returns something other than a conflict,
// at most attempts times. fn must reload state and re-check business rules on
// every call; RetryOnConflict only decides whether to call it again.
func RetryOnConflict(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for range attempts {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn(ctx)
		if err == nil || !IsConflict(err) {
			return err
		}
	}
	return errors.Join(ErrRetriesExhausted, err)
}
