package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/INLOpen/walog/auth"
	"github.com/INLOpen/walog/config"
	"github.com/INLOpen/walog/hooks"
	"github.com/INLOpen/walog/replication"
	"github.com/INLOpen/walog/server/internal/tcp"
	"github.com/INLOpen/walog/wal"
)

const defaultShutdownTimeout = 5 * time.Second

// Options carries the runtime dependencies of a ReplicationServer that do
// not come from the configuration file.
type Options struct {
	Logger      *slog.Logger
	HookManager hooks.HookManager
	Metrics     *replication.Metrics
	// Authenticator overrides the one built from config.SecurityConfig.
	Authenticator auth.Authenticator
	// TCPListener and GRPCListener replace the configured listen addresses.
	TCPListener  net.Listener
	GRPCListener net.Listener
	// MaxConnections caps concurrent TCP slaves. Zero means no limit.
	MaxConnections  int
	ShutdownTimeout time.Duration
}

// ReplicationServer serves a master log to slaves over TCP and gRPC. Every
// accepted connection gets its own MasterNode.
type ReplicationServer struct {
	log              *wal.WAL
	authN            auth.Authenticator
	nodeOpts         replication.NodeOptions
	handshakeTimeout time.Duration
	shutdownTimeout  time.Duration

	tcpLis     net.Listener
	grpcLis    net.Listener
	tcpServer  *tcp.TCPServer
	grpcServer *grpc.Server
	healthSrv  *health.Server

	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

type transportKey struct{}

// NewReplicationServer creates the listeners named in cfg.Server (or taken
// from opts) and prepares both protocol servers. Nothing is served until
// Start is called.
func NewReplicationServer(log *wal.WAL, cfg *config.Config, opts Options) (*ReplicationServer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	authN := opts.Authenticator
	if authN == nil {
		if cfg.Security.Enabled {
			var err error
			authN, err = auth.NewAuthenticator(cfg.Security.UserFilePath, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize authenticator: %w", err)
			}
		} else {
			authN = auth.NewNonAuthenticator()
		}
	}

	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &ReplicationServer{
		log:   log,
		authN: authN,
		nodeOpts: replication.NodeOptions{
			Logger:       logger,
			HookManager:  opts.HookManager,
			Metrics:      opts.Metrics,
			PollInterval: config.ParseDuration(cfg.Log.PollInterval, wal.DefaultPollInterval, logger),
		},
		handshakeTimeout: config.ParseDuration(cfg.Server.HandshakeTimeout, 10*time.Second, logger),
		shutdownTimeout:  shutdownTimeout,
		logger:           logger.With("component", "ReplicationServer"),
		ctx:              ctx,
		cancel:           cancel,
	}

	var err error
	s.tcpLis, err = listen(opts.TCPListener, cfg.Server.TCPListenAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on TCP address %s: %w", cfg.Server.TCPListenAddress, err)
	}
	s.grpcLis, err = listen(opts.GRPCListener, cfg.Server.GRPCListenAddress)
	if err != nil {
		if s.tcpLis != nil {
			s.tcpLis.Close()
		}
		return nil, fmt.Errorf("failed to listen on gRPC address %s: %w", cfg.Server.GRPCListenAddress, err)
	}
	if s.tcpLis == nil && s.grpcLis == nil {
		return nil, errors.New("no replication listener configured")
	}

	if s.tcpLis != nil {
		s.tcpServer, err = tcp.NewTCPServer(tcp.FuncHandler(s.serveTCP),
			tcp.WithLogger(logger),
			tcp.WithMaxConnections(opts.MaxConnections),
			tcp.WithShutdownTimeout(shutdownTimeout),
		)
		if err != nil {
			s.closeListeners()
			return nil, err
		}
		s.tcpServer.Use(s.handshakeMiddleware)
		s.logger.Info("TCP replication listener ready", "address", s.tcpLis.Addr().String())
	}

	if s.grpcLis != nil {
		interceptor := NewAuthInterceptor(authN, logger)
		s.grpcServer = grpc.NewServer(
			grpc.ChainUnaryInterceptor(interceptor.Unary()),
			grpc.ChainStreamInterceptor(interceptor.Stream()),
		)
		s.healthSrv = health.NewServer()
		replication.RegisterStreamServer(s.grpcServer, replication.NewGRPCServer(log, authN, s.nodeOpts))
		grpc_health_v1.RegisterHealthServer(s.grpcServer, s.healthSrv)
		reflection.Register(s.grpcServer)
		s.logger.Info("gRPC replication listener ready", "address", s.grpcLis.Addr().String())
	}
	return s, nil
}

func listen(lis net.Listener, addr string) (net.Listener, error) {
	if lis != nil {
		return lis, nil
	}
	if addr == "" {
		return nil, nil
	}
	return net.Listen("tcp", addr)
}

func (s *ReplicationServer) closeListeners() {
	if s.tcpLis != nil {
		s.tcpLis.Close()
	}
	if s.grpcLis != nil {
		s.grpcLis.Close()
	}
}

// TCPAddr returns the TCP listener address, or nil when TCP is disabled.
func (s *ReplicationServer) TCPAddr() net.Addr {
	if s.tcpLis == nil {
		return nil
	}
	return s.tcpLis.Addr()
}

// GRPCAddr returns the gRPC listener address, or nil when gRPC is disabled.
func (s *ReplicationServer) GRPCAddr() net.Addr {
	if s.grpcLis == nil {
		return nil
	}
	return s.grpcLis.Addr()
}

// handshakeMiddleware authenticates a raw TCP slave and hands the resulting
// transport to the next handler through the context.
func (s *ReplicationServer) handshakeMiddleware(next tcp.Handler) tcp.Handler {
	return tcp.FuncHandler(func(ctx context.Context, conn net.Conn) {
		t, user, err := replication.AcceptTCP(conn, s.authN, s.handshakeTimeout)
		if err != nil {
			s.logger.Warn("Rejected replication connection.", "remote_addr", conn.RemoteAddr().String(), "error", err)
			return
		}
		defer t.Close()
		s.logger.Info("Slave authenticated.", "remote_addr", t.RemoteAddr(), "username", user.Username)
		next.HandleConnection(context.WithValue(ctx, transportKey{}, t), conn)
	})
}

func (s *ReplicationServer) serveTCP(ctx context.Context, conn net.Conn) {
	t, ok := ctx.Value(transportKey{}).(*replication.ConnTransport)
	if !ok {
		s.logger.Error("TCP connection reached the handler without a handshake.", "remote_addr", conn.RemoteAddr().String())
		return
	}

	opts := s.nodeOpts
	opts.RemoteAddr = t.RemoteAddr()
	node := replication.NewMasterNode(s.log, t, opts)
	if err := node.Start(); err != nil {
		s.logger.Error("Failed to start master node.", "remote_addr", opts.RemoteAddr, "error", err)
		return
	}
	defer node.Close()

	if err := t.Run(ctx, node); err != nil && ctx.Err() == nil {
		s.logger.Debug("Slave connection ended.", "remote_addr", opts.RemoteAddr, "error", err)
	}
}

// Start runs the configured servers in parallel. It blocks until Stop is
// called or one of them fails.
func (s *ReplicationServer) Start() error {
	g, ctx := errgroup.WithContext(s.ctx)

	if s.tcpServer != nil {
		g.Go(func() error {
			go func() {
				<-ctx.Done()
				s.logger.Info("Context cancelled, stopping TCP server...")
				s.tcpServer.Shutdown()
			}()
			return s.tcpServer.Serve(s.tcpLis)
		})
	}

	if s.grpcServer != nil {
		g.Go(func() error {
			go func() {
				<-ctx.Done()
				s.logger.Info("Context cancelled, stopping gRPC server...")
				s.stopGRPC()
			}()
			s.healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
			s.healthSrv.SetServingStatus(replication.ReplicationServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
			return s.grpcServer.Serve(s.grpcLis)
		})
	}

	s.logger.Info("Replication server started.")
	err := g.Wait()
	if err != nil && !errors.Is(err, grpc.ErrServerStopped) && !errors.Is(err, net.ErrClosed) {
		s.logger.Error("A replication server has failed.", "error", err)
		return fmt.Errorf("replication server failed: %w", err)
	}
	s.logger.Info("Replication server stopped.")
	return nil
}

// stopGRPC drains the gRPC server. Replication streams never end on their
// own, so after shutdownTimeout the remaining ones are cut.
func (s *ReplicationServer) stopGRPC() {
	s.healthSrv.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn("Graceful gRPC stop timed out, closing remaining streams.")
		s.grpcServer.Stop()
		<-done
	}
}

// Stop shuts both servers down. Start returns once they have stopped.
func (s *ReplicationServer) Stop() {
	s.cancel()
}
