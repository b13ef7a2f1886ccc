package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/codewandler/evlog-go/core/es"
)

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("EVLOG_BACKEND", "sqlite")
	t.Setenv("EVLOG_SQLITE_PATH", filepath.Join(t.TempDir(), "evlog.db"))
	t.Setenv("EVLOG_LOG_LEVEL", "error")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	require.NoError(t, err)
	return out
}

func TestAppendAndHistory(t *testing.T) {
	setupEnv(t)

	mustRun(t, "append", "Counter", "c-1", "Incremented", "--payload", `{"by":2}`)
	mustRun(t, "append", "Counter", "c-1", "Incremented", "--expected", "1", "--payload", `{"by":3}`)

	_, err := run(t, "append", "Counter", "c-1", "Incremented", "--expected", "1")
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)

	_, err = run(t, "append", "Counter", "c-1", "Incremented", "--expected", "2", "--payload", `[1]`)
	require.ErrorIs(t, err, es.ErrMalformedEnvelope)

	var views []envelopeView
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, "history", "Counter", "c-1", "-o", "json")), &views))
	require.Len(t, views, 2)
	require.Equal(t, uint64(1), views[0].Version)
	require.Equal(t, 3.0, views[1].Payload["by"])

	require.NoError(t, yaml.Unmarshal([]byte(mustRun(t, "history", "Counter", "c-1", "--to", "1", "-o", "yaml")), &views))
	require.Len(t, views, 1)

	table := mustRun(t, "history", "Counter", "c-1")
	require.Contains(t, table, "VERSION")
	require.Contains(t, table, `{"by":2}`)
}

func TestOrderCommands(t *testing.T) {
	setupEnv(t)

	mustRun(t, "order", "create", "o-1", "--customer", "alice")
	mustRun(t, "order", "add-item", "o-1", "--item", "apple", "--qty", "2", "--price", "1.5")
	mustRun(t, "order", "add-item", "o-1", "--item", "bread", "--price", "2")
	mustRun(t, "order", "remove-item", "o-1", "--item", "bread")
	mustRun(t, "order", "pay", "o-1", "--method", "card")

	var view orderView
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, "order", "show", "o-1", "-o", "json")), &view))
	require.Equal(t, "paid", view.Status)
	require.Equal(t, uint64(5), view.Version)
	require.Equal(t, 3.0, view.Total)
	require.Len(t, view.Items, 1)

	require.NoError(t, json.Unmarshal([]byte(mustRun(t, "order", "show", "o-1", "--as-of", "3", "-o", "json")), &view))
	require.Equal(t, "created", view.Status)
	require.Equal(t, 5.0, view.Total)
	require.Len(t, view.Items, 2)

	table := mustRun(t, "order", "show", "o-1")
	require.Contains(t, table, "Order(id=o-1")

	_, err := run(t, "order", "cancel", "o-1", "--reason", "too late")
	require.Error(t, err)

	_, err = run(t, "order", "show", "missing")
	require.Error(t, err)
}

func TestLoadtest(t *testing.T) {
	setupEnv(t)

	var res loadtestResult
	out := mustRun(t, "--backend", "memory", "loadtest", "--aggregates", "2", "--writers", "4", "--events", "10", "--retries", "100", "-o", "json")
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, 2, res.Orders)
	require.Equal(t, int64(40), res.Appended)
	require.Zero(t, res.GaveUp)
}

func TestInvalidFlags(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "--backend", "mongo", "history", "Order", "o-1")
	require.ErrorContains(t, err, "unknown backend")

	_, err = run(t, "-o", "xml", "history", "Order", "o-1")
	require.ErrorContains(t, err, "unknown output format")
}

func TestLoadtest_Serialized(t *testing.T) {
	setupEnv(t)

	var res loadtestResult
	out := mustRun(t, "loadtest", "--aggregates", "2", "--writers", "4", "--events", "5", "--retries", "1", "--serialize", "-o", "json")
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, int64(20), res.Appended)
	require.Zero(t, res.Conflicts)
}
