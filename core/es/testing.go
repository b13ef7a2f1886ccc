package es

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// === Helpers ===

type TestingEnv struct {
	Log         EventLog
	Coordinator *Coordinator
	t           testing.TB
}

// StartTestEnv wires a Coordinator to log. A nil log means a fresh InMemoryLog.
func StartTestEnv(t testing.TB, log EventLog, opts ...Option) *TestingEnv {
	t.Helper()
	if log == nil {
		log = NewInMemoryLog(opts...)
	}
	return &TestingEnv{
		Log:         log,
		Coordinator: NewCoordinator(log, opts...),
		t:           t,
	}
}

func (e *TestingEnv) Assert() *TestingEnvAssert {
	return &TestingEnvAssert{env: e}
}

type TestingEnvAssert struct {
	env *TestingEnv
}

// Append appends one event at expect+1 and fails the test on error.
func (a *TestingEnvAssert) Append(
	ctx context.Context,
	expect Version,
	aggType string,
	aggID string,
	eventType string,
	payload Payload,
) Envelope {
	a.env.t.Helper()
	env, err := a.env.Coordinator.AppendNext(ctx, aggType, aggID, eventType, payload, expect)
	require.NoError(a.env.t, err)
	return env
}

// Versions asserts the loaded history of an aggregate is exactly 1..n.
func (a *TestingEnvAssert) Versions(ctx context.Context, aggType, aggID string, n int) []Envelope {
	a.env.t.Helper()
	envs, err := a.env.Log.Load(ctx, aggType, aggID)
	require.NoError(a.env.t, err)
	require.Len(a.env.t, envs, n)
	for i, e := range envs {
		require.Equal(a.env.t, Version(i+1), e.Version)
	}
	latest, err := a.env.Log.LatestVersion(ctx, aggType, aggID)
	require.NoError(a.env.t, err)
	require.Equal(a.env.t, Version(n), latest)
	return envs
}
