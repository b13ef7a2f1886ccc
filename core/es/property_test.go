package es

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestLogVersionsGapless verifies that any interleaving of fresh and stale
// appends leaves a history of 1..N where N is the number of successes.
// Property: Load(agg).versions == [1..successes]
func TestLogVersionsGapless(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("successful appends produce a gapless history", prop.ForAll(
		func(lags []uint8) bool {
			ctx := context.Background()
			c := NewCoordinator(NewInMemoryLog())

			successes := 0
			for _, lag := range lags {
				latest, err := c.Log().LatestVersion(ctx, "Counter", "c-1")
				if err != nil {
					return false
				}
				// lag > 0 simulates a writer holding a stale version
				expected := latest
				if Version(lag%4) <= latest {
					expected = latest - Version(lag%4)
				}
				_, err = c.AppendNext(ctx, "Counter", "c-1", "Incremented", Payload{"by": 1}, expected)
				switch {
				case err == nil:
					successes++
				case !IsConflict(err):
					return false
				}
			}

			envs, err := c.Log().Load(ctx, "Counter", "c-1")
			if err != nil || len(envs) != successes {
				return false
			}
			for i, e := range envs {
				if e.Version != Version(i+1) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

// TestFoldIdempotent verifies replaying the same history twice yields the
// same state, and that folding as of the last version equals the full fold.
// Property: Fold(h) == Fold(h) == FoldAsOf(h, len(h))
func TestFoldIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("fold is deterministic", prop.ForAll(
		func(steps []int) bool {
			envs := make([]Envelope, 0, len(steps))
			for i, by := range steps {
				if by == 0 {
					by = 1
				}
				envs = append(envs, Envelope{
					ID:            fmt.Sprint(i),
					AggregateType: "Counter",
					AggregateID:   "c-1",
					Type:          "Incremented",
					Version:       Version(i + 1),
					Payload:       Payload{"by": float64(by)},
				})
			}

			a, errA := Fold("Counter", "c-1", counter{}, counterTransitions(), envs)
			b, errB := Fold("Counter", "c-1", counter{}, counterTransitions(), envs)
			c, errC := FoldAsOf("Counter", "c-1", counter{}, counterTransitions(), envs, Version(len(envs)))
			if errA != nil || errB != nil || errC != nil {
				return false
			}
			return reflect.DeepEqual(a, b) && reflect.DeepEqual(a, c)
		},
		gen.SliceOf(gen.IntRange(-1000, 1000)),
	))

	properties.TestingRun(t)
}
