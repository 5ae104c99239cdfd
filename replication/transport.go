package replication

import (
	"context"
	"sync"

	"github.com/INLOpen/walog/core"
)

// Transport carries outbound bytes for a node. Send may be called with any
// buffer, not only one obtained from Allocate.
type Transport interface {
	Allocate(capacity int) []byte
	Send(buf []byte) error
	Close() error
}

// Receiver consumes inbound bytes. Chunk boundaries carry no meaning: a
// frame may be split across calls and one call may hold several frames.
// buf is only valid for the duration of the call.
type Receiver interface {
	Receive(buf []byte) error
}

// ReceiverFunc adapts a function to a Receiver.
type ReceiverFunc func(buf []byte) error

func (f ReceiverFunc) Receive(buf []byte) error { return f(buf) }

// Link is a Transport that also pumps inbound bytes into a Receiver.
type Link interface {
	Transport
	// Run delivers inbound bytes to r until the peer goes away, r returns an
	// error or ctx is done. It returns the reason it stopped.
	Run(ctx context.Context, r Receiver) error
}

// pipeEnd is one side of an in-process Pipe.
type pipeEnd struct {
	in   chan []byte
	peer *pipeEnd

	once   *sync.Once
	closed chan struct{}
}

// Pipe returns two connected in-process links. Bytes sent on one are
// received, in order, by the Receiver running on the other. Closing either
// end closes both.
func Pipe() (Link, Link) {
	once := new(sync.Once)
	closed := make(chan struct{})
	a := &pipeEnd{in: make(chan []byte, 64), once: once, closed: closed}
	b := &pipeEnd{in: make(chan []byte, 64), once: once, closed: closed}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeEnd) Allocate(capacity int) []byte { return make([]byte, 0, capacity) }

func (p *pipeEnd) Send(buf []byte) error {
	msg := make([]byte, len(buf))
	copy(msg, buf)
	select {
	case <-p.closed:
		return core.ErrClosed
	default:
	}
	select {
	case p.peer.in <- msg:
		return nil
	case <-p.closed:
		return core.ErrClosed
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeEnd) Run(ctx context.Context, r Receiver) error {
	for {
		select {
		case msg := <-p.in:
			if err := r.Receive(msg); err != nil {
				return err
			}
		case <-p.closed:
			// Deliver what was sent before the close.
			for {
				select {
				case msg := <-p.in:
					if err := r.Receive(msg); err != nil {
						return err
					}
				default:
					return core.ErrClosed
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
