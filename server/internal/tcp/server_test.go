package tcp

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/walog/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoHandler writes back every line it reads.
var echoHandler = FuncHandler(func(ctx context.Context, conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		if _, err := conn.Write([]byte(line)); err != nil {
			return
		}
	}
})

func serve(t *testing.T, s *TCPServer) *testutil.InMemoryListener {
	t.Helper()
	lis := testutil.NewInMemoryListener()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(lis) }()
	t.Cleanup(func() {
		s.Shutdown()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after Shutdown")
		}
	})
	return lis
}

func TestNewTCPServer_NilHandler(t *testing.T) {
	_, err := NewTCPServer(nil)
	assert.Error(t, err)
}

func TestTCPServer_MiddlewareOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next Handler) Handler {
			return FuncHandler(func(ctx context.Context, conn net.Conn) {
				order = append(order, name)
				next.HandleConnection(ctx, conn)
			})
		}
	}

	s, err := NewTCPServer(echoHandler, WithLogger(discardLogger()))
	require.NoError(t, err)
	s.Use(tag("first"), tag("second"))
	lis := serve(t, s)

	conn, err := lis.Dial()
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ping\n", line)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestTCPServer_MaxConnections(t *testing.T) {
	s, err := NewTCPServer(echoHandler, WithLogger(discardLogger()), WithMaxConnections(1))
	require.NoError(t, err)
	lis := serve(t, s)

	first, err := lis.Dial()
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return s.ActiveConnections() == 1 }, 5*time.Second, 5*time.Millisecond)

	second, err := lis.Dial()
	require.NoError(t, err)
	defer second.Close()

	// The rejected connection is closed by the server.
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = second.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 1, s.ActiveConnections())
}

func TestTCPServer_ShutdownCancelsHandlers(t *testing.T) {
	canceled := make(chan struct{})
	s, err := NewTCPServer(FuncHandler(func(ctx context.Context, conn net.Conn) {
		<-ctx.Done()
		close(canceled)
	}), WithLogger(discardLogger()))
	require.NoError(t, err)

	lis := testutil.NewInMemoryListener()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(lis) }()

	conn, err := lis.Dial()
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.ActiveConnections() == 1 }, 5*time.Second, 5*time.Millisecond)

	s.Shutdown()
	select {
	case <-canceled:
	case <-time.After(5 * time.Second):
		t.Fatal("handler context was not canceled")
	}
	require.NoError(t, <-errCh)
	assert.Zero(t, s.ActiveConnections())
}

func TestTCPServer_ShutdownTimeoutClosesConnections(t *testing.T) {
	s, err := NewTCPServer(FuncHandler(func(ctx context.Context, conn net.Conn) {
		// Ignores ctx and only returns once the connection is closed.
		io.Copy(io.Discard, conn)
	}), WithLogger(discardLogger()), WithShutdownTimeout(20*time.Millisecond))
	require.NoError(t, err)

	lis := testutil.NewInMemoryListener()
	go s.Serve(lis)

	conn, err := lis.Dial()
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.ActiveConnections() == 1 }, 5*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown hung on a stuck handler")
	}
}

func TestTCPServer_ServeAfterShutdown(t *testing.T) {
	s, err := NewTCPServer(echoHandler, WithLogger(discardLogger()))
	require.NoError(t, err)
	s.Shutdown()

	lis := testutil.NewInMemoryListener()
	assert.NoError(t, s.Serve(lis))
	_, err = lis.Dial()
	assert.ErrorIs(t, err, net.ErrClosed)
}
