package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/INLOpen/walog/auth"
	"github.com/INLOpen/walog/core"
	"github.com/INLOpen/walog/wal"
)

// ReplicationServiceName is the fully qualified gRPC service name. The
// service has a single bidirectional method, Stream, whose messages are
// google.protobuf.BytesValue chunks of the replication byte stream.
const ReplicationServiceName = "walog.replication.v1.Replication"

const streamMethod = "/" + ReplicationServiceName + "/Stream"

// StreamServer is the server API of the replication service.
type StreamServer interface {
	Stream(stream grpc.ServerStream) error
}

func streamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(StreamServer).Stream(stream)
}

// ReplicationServiceDesc describes the replication service for grpc.Server.
var ReplicationServiceDesc = grpc.ServiceDesc{
	ServiceName: ReplicationServiceName,
	HandlerType: (*StreamServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "walog/replication/v1/replication.proto",
}

// RegisterStreamServer registers srv with s.
func RegisterStreamServer(s grpc.ServiceRegistrar, srv StreamServer) {
	s.RegisterService(&ReplicationServiceDesc, srv)
}

type msgStream interface {
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

// GRPCTransport is a Link over one replication stream.
type GRPCTransport struct {
	stream  msgStream
	onClose func()

	smu       sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

var _ Link = (*GRPCTransport)(nil)

func newGRPCTransport(stream msgStream, onClose func()) *GRPCTransport {
	return &GRPCTransport{stream: stream, onClose: onClose, closed: make(chan struct{})}
}

func (t *GRPCTransport) Allocate(capacity int) []byte { return make([]byte, 0, capacity) }

func (t *GRPCTransport) Send(buf []byte) error {
	t.smu.Lock()
	defer t.smu.Unlock()
	select {
	case <-t.closed:
		return core.ErrClosed
	default:
	}
	return t.stream.SendMsg(&wrapperspb.BytesValue{Value: buf})
}

func (t *GRPCTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.onClose != nil {
			t.onClose()
		}
	})
	return nil
}

func (t *GRPCTransport) Run(ctx context.Context, r Receiver) error {
	for {
		msg := new(wrapperspb.BytesValue)
		if err := t.stream.RecvMsg(msg); err != nil {
			if st, ok := status.FromError(err); ok && st.Code() != codes.Canceled && st.Code() != codes.OK {
				return err
			}
			select {
			case <-t.closed:
				return core.ErrClosed
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: %w", ErrDisconnected, err)
			}
			return err
		}
		if err := r.Receive(msg.GetValue()); err != nil {
			return err
		}
	}
}

// DialGRPC opens a replication stream on conn. Closing the returned
// transport cancels the stream.
func DialGRPC(ctx context.Context, conn grpc.ClientConnInterface) (*GRPCTransport, error) {
	sctx, cancel := context.WithCancel(ctx)
	cs, err := conn.NewStream(sctx, &ReplicationServiceDesc.Streams[0], streamMethod)
	if err != nil {
		cancel()
		return nil, err
	}
	return newGRPCTransport(cs, func() {
		cs.CloseSend()
		cancel()
	}), nil
}

// GRPCSource streams from a remote master over gRPC.
type GRPCSource struct {
	Target   string
	Username string
	Password string
	// DialOptions are appended to the defaults (insecure transport and
	// Basic credentials).
	DialOptions []grpc.DialOption

	mu   sync.Mutex
	conn *grpc.ClientConn
}

var _ Source = (*GRPCSource)(nil)

func (s *GRPCSource) clientConn() (*grpc.ClientConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithPerRPCCredentials(auth.BasicCredentials{Username: s.Username, Password: s.Password}),
	}
	opts = append(opts, s.DialOptions...)
	conn, err := grpc.NewClient(s.Target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", s.Target, err)
	}
	s.conn = conn
	return conn, nil
}

func (s *GRPCSource) Stream(ctx context.Context, req StreamRequest) error {
	conn, err := s.clientConn()
	if err != nil {
		return err
	}
	t, err := DialGRPC(ctx, conn)
	if err != nil {
		return err
	}
	req.Node.RemoteAddr = s.Target
	return streamOver(ctx, t, req)
}

// Close releases the client connection.
func (s *GRPCSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// GRPCServer serves a master log over the replication service.
type GRPCServer struct {
	log    *wal.WAL
	authN  auth.Authenticator
	opts   NodeOptions
	logger *slog.Logger
}

var _ StreamServer = (*GRPCServer)(nil)

// NewGRPCServer creates the service implementation. authN may be nil when
// authentication is disabled; otherwise callers must install its stream
// interceptor so that the user is in the stream context.
func NewGRPCServer(log *wal.WAL, authN auth.Authenticator, opts NodeOptions) *GRPCServer {
	opts = opts.withDefaults()
	return &GRPCServer{
		log:    log,
		authN:  authN,
		opts:   opts,
		logger: opts.Logger.With("component", "ReplicationGRPCServer"),
	}
}

func (s *GRPCServer) Stream(stream grpc.ServerStream) error {
	ctx := stream.Context()
	if s.authN != nil {
		if err := s.authN.Authorize(ctx, auth.RoleReplica); err != nil {
			return err
		}
	}
	remote := "unknown"
	if p, ok := peer.FromContext(ctx); ok {
		remote = p.Addr.String()
	}

	t := newGRPCTransport(stream, nil)
	opts := s.opts
	opts.RemoteAddr = remote
	node := NewMasterNode(s.log, t, opts)
	if err := node.Start(); err != nil {
		return status.Error(codes.Internal, err.Error())
	}

	runErr := make(chan error, 1)
	go func() { runErr <- t.Run(ctx, node) }()

	select {
	case <-node.Done():
	case err := <-runErr:
		s.logger.Debug("Slave stream ended.", "remote_addr", remote, "error", err)
	case <-ctx.Done():
	}
	node.Close()

	var perr *core.ProtocolError
	if err := node.Err(); errors.As(err, &perr) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}
