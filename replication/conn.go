package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/INLOpen/walog/auth"
	"github.com/INLOpen/walog/compressors"
	"github.com/INLOpen/walog/core"
)

const defaultReadBufferSize = 32 << 10

// ConnTransport is a Link over a net.Conn, optionally compressed in both
// directions.
type ConnTransport struct {
	conn net.Conn
	comp compressors.Compressor

	wmu sync.Mutex
	w   compressors.FlushWriteCloser

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Link = (*ConnTransport)(nil)

// NewConnTransport wraps conn. A nil comp sends bytes as they are.
func NewConnTransport(conn net.Conn, comp compressors.Compressor) (*ConnTransport, error) {
	if comp == nil {
		comp = compressors.NewNoCompressionCompressor()
	}
	w, err := comp.NewWriter(conn)
	if err != nil {
		return nil, err
	}
	return &ConnTransport{
		conn:   conn,
		comp:   comp,
		w:      w,
		closed: make(chan struct{}),
	}, nil
}

// RemoteAddr returns the peer address.
func (t *ConnTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

func (t *ConnTransport) Allocate(capacity int) []byte { return make([]byte, 0, capacity) }

// Send writes buf and flushes the compressor so the peer can decode it.
func (t *ConnTransport) Send(buf []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	select {
	case <-t.closed:
		return core.ErrClosed
	default:
	}
	if _, err := t.w.Write(buf); err != nil {
		return err
	}
	return t.w.Flush()
}

func (t *ConnTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		// Closing the conn first unblocks a Send stuck in Write.
		err = t.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		t.wmu.Lock()
		t.w.Close()
		t.wmu.Unlock()
	})
	return err
}

// Run reads from the connection until it fails, r rejects the input or ctx
// is done. A peer that hangs up is reported as ErrDisconnected.
func (t *ConnTransport) Run(ctx context.Context, r Receiver) error {
	rd, err := t.comp.NewReader(t.conn)
	if err != nil {
		return err
	}
	defer rd.Close()

	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	buf := make([]byte, defaultReadBufferSize)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			if rerr := r.Receive(buf[:n]); rerr != nil {
				return rerr
			}
		}
		if err != nil {
			select {
			case <-t.closed:
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return core.ErrClosed
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: %w", ErrDisconnected, err)
			}
			return err
		}
	}
}

// TCPDialOptions configures DialTCP.
type TCPDialOptions struct {
	Username    string
	Password    string
	Compression compressors.CompressionType
	// HandshakeTimeout bounds the authentication exchange. Zero means 10s.
	HandshakeTimeout time.Duration
	// DialContext replaces net.Dialer, e.g. for in-memory listeners in tests.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// DialTCP connects to a master's TCP listener and authenticates.
func DialTCP(ctx context.Context, addr string, opts TCPDialOptions) (*ConnTransport, error) {
	comp, err := compressors.ForType(opts.Compression)
	if err != nil {
		return nil, err
	}
	dial := opts.DialContext
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial master %s: %w", addr, err)
	}
	if err := clientHandshake(conn, opts); err != nil {
		conn.Close()
		return nil, err
	}
	t, err := NewConnTransport(conn, comp)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

func clientHandshake(conn net.Conn, opts TCPDialOptions) error {
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	if err := auth.WriteHandshake(conn, opts.Username, opts.Password); err != nil {
		return err
	}
	if _, err := conn.Write([]byte{byte(opts.Compression)}); err != nil {
		return fmt.Errorf("failed to write compression type: %w", err)
	}
	return auth.ReadHandshakeResult(conn)
}

// AcceptTCP runs the server half of the handshake on conn: it checks the
// slave's credentials with authN and returns a transport using the
// compression the slave asked for.
func AcceptTCP(conn net.Conn, authN auth.Authenticator, timeout time.Duration) (*ConnTransport, auth.User, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	username, password, err := auth.ReadHandshake(conn)
	if err != nil {
		return nil, auth.User{}, err
	}
	var ct [1]byte
	if _, err := io.ReadFull(conn, ct[:]); err != nil {
		return nil, auth.User{}, fmt.Errorf("failed to read compression type: %w", err)
	}
	comp, err := compressors.ForType(compressors.CompressionType(ct[0]))
	if err != nil {
		auth.WriteHandshakeResult(conn, err)
		return nil, auth.User{}, err
	}

	user, err := authN.AuthenticateUserPass(username, password)
	if err == nil && user.Role != auth.RoleReplica && user.Role != auth.RoleAdmin {
		err = fmt.Errorf("user %q may not replicate", username)
	}
	if err != nil {
		auth.WriteHandshakeResult(conn, err)
		return nil, auth.User{}, fmt.Errorf("%w: %w", auth.ErrAuthenticationFailed, err)
	}
	if err := auth.WriteHandshakeResult(conn, nil); err != nil {
		return nil, auth.User{}, err
	}

	t, err := NewConnTransport(conn, comp)
	if err != nil {
		return nil, auth.User{}, err
	}
	return t, user, nil
}

// TCPSource streams from a remote master over TCP.
type TCPSource struct {
	Addr    string
	Options TCPDialOptions
}

var _ Source = (*TCPSource)(nil)

func (s *TCPSource) Stream(ctx context.Context, req StreamRequest) error {
	t, err := DialTCP(ctx, s.Addr, s.Options)
	if err != nil {
		if errors.Is(err, auth.ErrAuthenticationFailed) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	req.Node.RemoteAddr = s.Addr
	return streamOver(ctx, t, req)
}

// streamOver runs a SlaveNode over link until either fails.
func streamOver(ctx context.Context, link Link, req StreamRequest) error {
	node := NewSlaveNode(req.Applier, link, req.Node)

	runErr := make(chan error, 1)
	go func() { runErr <- link.Run(ctx, node) }()

	if err := node.Start(req.From); err != nil {
		link.Close()
		rerr := <-runErr
		// A peer that already ended the stream reports why through Run.
		if errors.Is(err, io.EOF) && rerr != nil && !errors.Is(rerr, core.ErrClosed) && ctx.Err() == nil {
			return rerr
		}
		return err
	}

	select {
	case <-node.Done():
		link.Close()
		<-runErr
		return node.Err()
	case err := <-runErr:
		if nerr := node.Err(); nerr != nil {
			return nerr
		}
		if ctx.Err() != nil {
			node.Close()
			return ctx.Err()
		}
		node.CloseWithError(err)
		return err
	case <-ctx.Done():
		node.Close()
		<-runErr
		return ctx.Err()
	}
}
