package nats

import (
	"testing"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func TestDefaultURL(t *testing.T) {
	t.Setenv(URLEnv, "")
	require.Equal(t, natsgo.DefaultURL, defaultURL())

	t.Setenv(URLEnv, "nats://events.internal:4333")
	require.Equal(t, "nats://events.internal:4333", defaultURL())

	// the generic variable is not consulted
	t.Setenv(URLEnv, "")
	t.Setenv("NATS_URL", "nats://other:4222")
	require.Equal(t, natsgo.DefaultURL, defaultURL())
}

func TestConnectURL_Unreachable(t *testing.T) {
	_, _, err := ConnectURL("nats://127.0.0.1:1", natsgo.Timeout(100*time.Millisecond))()
	require.Error(t, err)
	require.ErrorContains(t, err, "nats://127.0.0.1:1")
}

func TestSharedConnection_DialError(t *testing.T) {
	dials := 0
	shared := NewSharedConnection(func() (*natsgo.Conn, closeFunc, error) {
		dials++
		return nil, nil, natsgo.ErrNoServers
	})
	connect := shared.Connector()

	_, _, err := connect()
	require.ErrorIs(t, err, natsgo.ErrNoServers)
	_, _, err = connect()
	require.ErrorIs(t, err, natsgo.ErrNoServers)
	require.Equal(t, 2, dials)
}

func TestSharedConnection(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping nats container test in short mode")
	}

	connect := NewSharedConnection(ConnectURL(NewTestContainer(t))).Connector()
	nc1, disconnect1, err := connect()
	require.NoError(t, err)
	require.NotNil(t, nc1)
	require.Equal(t, natsgo.CONNECTED, nc1.Status())
	require.Equal(t, ConnectionName, nc1.Opts.Name)

	nc2, disconnect2, err := connect()
	require.NoError(t, err)
	require.Same(t, nc1, nc2)

	disconnect1()
	disconnect1()
	require.Equal(t, natsgo.CONNECTED, nc1.Status())
	disconnect2()
	require.Equal(t, natsgo.CLOSED, nc1.Status())

	nc3, disconnect3, err := connect()
	require.NoError(t, err)
	require.NotSame(t, nc1, nc3)
	require.Equal(t, natsgo.CONNECTED, nc3.Status())
	disconnect3()
}
