// Package testutil provides in-process listeners so that replication servers
// can be exercised in tests without binding real ports.
package testutil

import (
	"context"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

const defaultBufconnSize = 1 << 20

// NewBufconnListener returns a gRPC-friendly in-memory listener. A
// non-positive size selects 1 MiB of buffer per connection.
func NewBufconnListener(size int) *bufconn.Listener {
	if size <= 0 {
		size = defaultBufconnSize
	}
	return bufconn.Listen(size)
}

// BufconnDialOptions routes a gRPC client to lis, whatever target it dials.
func BufconnDialOptions(lis *bufconn.Listener) []grpc.DialOption {
	dial := func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}
	return []grpc.DialOption{grpc.WithContextDialer(dial)}
}

// InMemoryListener hands out the server ends of net.Pipe connections created
// by Dial. It stands in for the TCP listener of a replication server.
type InMemoryListener struct {
	pending chan net.Conn
	done    chan struct{}
	once    sync.Once
}

var _ net.Listener = (*InMemoryListener)(nil)

// NewInMemoryListener returns a listener that queues up to 16 connections
// not yet accepted.
func NewInMemoryListener() *InMemoryListener {
	return &InMemoryListener{
		pending: make(chan net.Conn, 16),
		done:    make(chan struct{}),
	}
}

// Dial connects to the listener and returns the client end.
func (l *InMemoryListener) Dial() (net.Conn, error) {
	server, client := net.Pipe()
	select {
	case l.pending <- server:
		return client, nil
	case <-l.done:
		server.Close()
		client.Close()
		return nil, net.ErrClosed
	}
}

func (l *InMemoryListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.pending:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close stops Accept and Dial and closes connections nobody accepted.
func (l *InMemoryListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		for {
			select {
			case c := <-l.pending:
				c.Close()
			default:
				return
			}
		}
	})
	return nil
}

func (l *InMemoryListener) Addr() net.Addr { return pipeAddr{} }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "in-memory" }
