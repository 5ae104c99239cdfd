package replication

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/INLOpen/walog/core"
	"github.com/INLOpen/walog/hooks"
)

// SlaveState is the lifecycle state of a SlaveNode.
type SlaveState int

const (
	SlaveUninitialized SlaveState = iota
	// SlaveWaiting has sent its request and waits for the first record.
	SlaveWaiting
	// SlaveAppending applies records as they arrive.
	SlaveAppending
	SlaveClosed
)

func (s SlaveState) String() string {
	switch s {
	case SlaveUninitialized:
		return "UNINITIALIZED"
	case SlaveWaiting:
		return "WAITING"
	case SlaveAppending:
		return "APPENDING"
	case SlaveClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("SlaveState(%d)", int(s))
	}
}

// Applier stores records received from the master, in order. masterLast is
// the master's last LSN as reported in the same frame.
type Applier interface {
	Apply(rec core.Record, masterLast uint64) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(rec core.Record, masterLast uint64) error

func (f ApplierFunc) Apply(rec core.Record, masterLast uint64) error { return f(rec, masterLast) }

// RemoteError carries the message of an error frame sent by the master.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "master: " + e.Message }

// SlaveNode drives the slave side of one connection. It asks the master for
// the records following the slave's last local LSN and hands each one to an
// Applier after checking it continues the log.
type SlaveNode struct {
	applier Applier
	t       Transport
	opts    NodeOptions
	logger  *slog.Logger

	mu        sync.Mutex
	state     SlaveState
	pending   []byte
	from      uint64
	prev      core.Record
	hasPrev   bool
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

var _ Receiver = (*SlaveNode)(nil)

// NewSlaveNode creates a node that applies the master's records with applier.
func NewSlaveNode(applier Applier, t Transport, opts NodeOptions) *SlaveNode {
	opts = opts.withDefaults()
	return &SlaveNode{
		applier: applier,
		t:       t,
		opts:    opts,
		logger:  opts.Logger.With("component", "SlaveNode", "remote_addr", opts.RemoteAddr),
		state:   SlaveUninitialized,
		done:    make(chan struct{}),
	}
}

// Start sends the fetch request. from is the last LSN already stored
// locally, or core.NoLSN when the local log is empty; the master then starts
// with that record, which the node skips.
func (n *SlaveNode) Start(from uint64) error {
	n.mu.Lock()
	if n.state != SlaveUninitialized {
		state := n.state
		n.mu.Unlock()
		return &core.ProtocolError{State: state.String(), Reason: "already started"}
	}
	n.from = from
	n.state = SlaveWaiting
	n.mu.Unlock()

	req := AppendRequest(n.t.Allocate(RequestSize)[:0], from)
	if err := n.t.Send(req); err != nil {
		err = fmt.Errorf("failed to send fetch request: %w", err)
		n.closeWith(err)
		return err
	}
	n.logger.Info("Fetch request sent.", "from_lsn", core.FormatLSN(from))
	return nil
}

// State returns the current state.
func (n *SlaveNode) State() SlaveState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Cursor returns the LSN of the last record applied or skipped on this
// connection.
func (n *SlaveNode) Cursor() (uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.prev.LSN, n.hasPrev
}

// Receive consumes bytes from the master. Partial frames are kept until the
// rest arrives. Any error closes the node.
func (n *SlaveNode) Receive(buf []byte) error {
	n.mu.Lock()
	switch n.state {
	case SlaveClosed:
		n.mu.Unlock()
		return core.ErrClosed
	case SlaveUninitialized:
		n.mu.Unlock()
		err := &core.ProtocolError{State: SlaveUninitialized.String(), Reason: "data received before the request was sent"}
		n.closeWith(err)
		return err
	}
	n.pending = append(n.pending, buf...)
	err := n.drainLocked()
	n.mu.Unlock()
	if err != nil {
		n.closeWith(err)
	}
	return err
}

// drainLocked processes every complete frame in pending.
func (n *SlaveNode) drainLocked() error {
	consumed := 0
	defer func() {
		rest := copy(n.pending, n.pending[consumed:])
		n.pending = n.pending[:rest]
	}()

	for {
		f, size, err := NextFrame(n.pending[consumed:])
		if err != nil {
			return &core.ProtocolError{State: n.state.String(), Reason: err.Error()}
		}
		if size == 0 {
			return nil
		}
		consumed += size
		n.opts.Metrics.received(size)

		if f.Status == StatusErr {
			return &RemoteError{Message: f.Message}
		}
		if err := n.handleRecordLocked(f); err != nil {
			return err
		}
	}
}

func (n *SlaveNode) handleRecordLocked(f Frame) error {
	rec := f.Record
	if n.state == SlaveWaiting {
		n.state = SlaveAppending
		if n.from != core.NoLSN {
			if rec.LSN != n.from {
				return &core.ProtocolError{
					State:  SlaveWaiting.String(),
					Reason: fmt.Sprintf("first record is %s, requested %s", core.FormatLSN(rec.LSN), core.FormatLSN(n.from)),
				}
			}
			// Already stored locally.
			n.prev, n.hasPrev = rec, true
			return nil
		}
	} else if n.hasPrev && !rec.Follows(n.prev) {
		n.opts.Metrics.ContinuityViolations.Inc()
		trigger(n.logger, n.opts.HookManager, hooks.NewPostContinuityViolationEvent(hooks.ContinuityPayload{
			Prev: n.prev.LSN,
			Got:  rec.LSN,
		}))
		return &core.ContinuityError{Prev: n.prev.LSN, Got: rec.LSN}
	}

	if err := n.applier.Apply(rec, f.MasterLast); err != nil {
		return fmt.Errorf("failed to apply record %s: %w", core.FormatLSN(rec.LSN), err)
	}
	n.prev, n.hasPrev = rec, true
	return nil
}

func (n *SlaveNode) closeWith(cause error) {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.state = SlaveClosed
		n.err = cause
		n.mu.Unlock()

		if err := n.t.Close(); err != nil {
			n.logger.Debug("Failed to close transport.", "error", err)
		}
		var remote *RemoteError
		switch {
		case cause == nil:
			n.logger.Info("Replication stream closed.")
		case errors.As(cause, &remote):
			n.logger.Error("Master rejected the replication stream.", "error", cause)
		default:
			n.logger.Warn("Replication stream failed.", "error", cause)
		}
		close(n.done)
	})
}

// Close closes the node and its transport.
func (n *SlaveNode) Close() error {
	n.closeWith(nil)
	return nil
}

// CloseWithError closes the node, recording err as the reason. Transports
// use it when the connection drops.
func (n *SlaveNode) CloseWithError(err error) {
	n.closeWith(err)
}

// Done is closed once the node reaches SlaveClosed.
func (n *SlaveNode) Done() <-chan struct{} { return n.done }

// Err returns why the node closed, nil for a local Close.
func (n *SlaveNode) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}
