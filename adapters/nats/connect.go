package nats

import (
	"fmt"
	"os"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
)

const (
	// ConnectionName identifies evlog clients in the server's connz output.
	ConnectionName = "evlog"

	// URLEnv overrides the server used by ConnectDefault.
	URLEnv = "EVLOG_NATS_URL"
)

type closeFunc = func()

// Connector dials NATS. The returned close func releases the connection.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

// ConnectURL dials natsURL as a named evlog client. opts are applied after
// the defaults and may override them.
func ConnectURL(natsURL string, opts ...natsgo.Option) Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		nc, err := natsgo.Connect(natsURL, append([]natsgo.Option{
			natsgo.Name(ConnectionName),
			natsgo.MaxReconnects(3),
			natsgo.ReconnectWait(500 * time.Millisecond),
		}, opts...)...)
		if err != nil {
			return nil, nil, fmt.Errorf("connect %s: %w", natsURL, err)
		}
		return nc, nc.Close, nil
	}
}

// ConnectDefault dials $EVLOG_NATS_URL, or the local default server.
func ConnectDefault() Connector {
	return ConnectURL(defaultURL())
}

func defaultURL() string {
	if u := os.Getenv(URLEnv); u != "" {
		return u
	}
	return natsgo.DefaultURL
}

// SharedConnection hands one connection to every log that uses it and closes
// it when the last of them is closed. The next caller dials again.
type SharedConnection struct {
	connect Connector

	mu     sync.Mutex
	nc     *natsgo.Conn
	close  closeFunc
	leases int
}

func NewSharedConnection(connect Connector) *SharedConnection {
	return &SharedConnection{connect: connect}
}

// Connector returns a Connector that leases the shared connection.
func (s *SharedConnection) Connector() Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.nc == nil {
			nc, closeNc, err := s.connect()
			if err != nil {
				return nil, nil, err
			}
			s.nc, s.close = nc, closeNc
		}
		s.leases++
		var once sync.Once
		return s.nc, func() { once.Do(s.release) }, nil
	}
}

func (s *SharedConnection) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases--
	if s.leases > 0 {
		return
	}
	s.close()
	s.nc, s.close = nil, nil
}
