package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

type Handler interface {
	HandleConnection(ctx context.Context, conn net.Conn)
}

type FuncHandler func(ctx context.Context, conn net.Conn)

var _ Handler = FuncHandler(nil)

func (f FuncHandler) HandleConnection(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

// Middleware wraps a Handler. Middlewares run in the order they were added
// with Use.
type Middleware func(Handler) Handler

type Option func(*TCPServerOptions)

type TCPServerOptions struct {
	Logger         *slog.Logger
	MaxConnections int
	// ShutdownTimeout bounds how long Shutdown waits for handlers to return
	// after their contexts are canceled.
	ShutdownTimeout time.Duration
}

// TCPServer accepts connections and runs each one through the middleware
// chain in its own goroutine. Handlers own the connection until they return;
// the server closes it afterwards.
type TCPServer struct {
	opts         *TCPServerOptions
	baseHandler  Handler
	chainHandler Handler
	logger       *slog.Logger

	middlewares []Middleware

	mu       sync.Mutex
	listener net.Listener
	active   map[net.Conn]struct{}
	wg       sync.WaitGroup
	slots    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func DefaultOptions() *TCPServerOptions {
	return &TCPServerOptions{
		Logger:          slog.Default(),
		MaxConnections:  0,
		ShutdownTimeout: 30 * time.Second,
	}
}

func NewTCPServer(handler Handler, opts ...Option) (*TCPServer, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	options := DefaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &TCPServer{
		opts:        options,
		baseHandler: handler,
		logger:      options.Logger.With("component", "TCPServer"),
		active:      make(map[net.Conn]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	if options.MaxConnections > 0 {
		s.slots = make(chan struct{}, options.MaxConnections)
	}
	return s, nil
}

func (s *TCPServer) buildChain() {
	s.chainHandler = s.baseHandler
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		s.chainHandler = s.middlewares[i](s.chainHandler)
	}
}

func (s *TCPServer) Use(middlewares ...Middleware) {
	s.middlewares = append(s.middlewares, middlewares...)
}

// Serve accepts connections on lis until Shutdown is called or the listener
// fails. It returns nil after a Shutdown.
func (s *TCPServer) Serve(lis net.Listener) error {
	s.buildChain()

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		lis.Close()
		return nil
	}
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("TCP server listening", "address", lis.Addr().String())
	for {
		conn, err := lis.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		if s.slots != nil {
			select {
			case s.slots <- struct{}{}:
			default:
				s.logger.Warn("Max connections reached, rejecting new connection.", "remote_addr", conn.RemoteAddr())
				conn.Close()
				continue
			}
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		go s.handleClient(conn)
	}
}

func (s *TCPServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.active[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *TCPServer) handleClient(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.active, conn)
		s.mu.Unlock()
		if s.slots != nil {
			<-s.slots
		}
		s.wg.Done()
		s.logger.Debug("Connection closed.", "remote_addr", conn.RemoteAddr())
	}()

	s.logger.Debug("New connection.", "remote_addr", conn.RemoteAddr())

	connCtx, connCancel := context.WithCancel(s.ctx)
	defer connCancel()

	s.chainHandler.HandleConnection(connCtx, conn)
}

// ActiveConnections returns the number of connections being handled.
func (s *TCPServer) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown stops accepting connections, cancels the handler contexts and
// waits for the handlers to return. Connections still open after
// ShutdownTimeout are closed forcibly.
func (s *TCPServer) Shutdown() {
	s.mu.Lock()
	s.cancel()
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("Error closing listener", "error", err)
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("All active connections handled. Server gracefully shut down.")
		return
	case <-time.After(s.opts.ShutdownTimeout):
	}

	s.logger.Error("Graceful shutdown timeout reached. Forcibly closing remaining connections.")
	s.mu.Lock()
	for conn := range s.active {
		conn.Close()
	}
	s.mu.Unlock()
	<-done
}

// WithMaxConnections sets the maximum number of concurrent connections.
// A value of 0 means no limit.
func WithMaxConnections(max int) Option {
	return func(o *TCPServerOptions) {
		o.MaxConnections = max
	}
}

// WithLogger sets a custom logger for the server.
func WithLogger(l *slog.Logger) Option {
	return func(o *TCPServerOptions) {
		o.Logger = l
	}
}

// WithShutdownTimeout sets the maximum time to wait for active connections to finish during shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *TCPServerOptions) {
		o.ShutdownTimeout = d
	}
}
