package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/INLOpen/walog/core"
	"github.com/INLOpen/walog/hooks"
	"github.com/INLOpen/walog/wal"
)

// MasterState is the lifecycle state of a MasterNode.
type MasterState int

const (
	MasterUninitialized MasterState = iota
	// MasterWaiting waits for the slave's fetch request.
	MasterWaiting
	// MasterInitialized has accepted a request; the fetch loop is starting.
	MasterInitialized
	// MasterFetching streams records to the slave.
	MasterFetching
	MasterClosed
)

func (s MasterState) String() string {
	switch s {
	case MasterUninitialized:
		return "UNINITIALIZED"
	case MasterWaiting:
		return "WAITING"
	case MasterInitialized:
		return "INITIALIZED"
	case MasterFetching:
		return "FETCHING"
	case MasterClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("MasterState(%d)", int(s))
	}
}

// MasterNode serves one slave connection: it reads a single fetch request
// and then streams every record from the requested LSN on, blocking for new
// appends, until either side closes.
type MasterNode struct {
	log    *wal.WAL
	t      Transport
	opts   NodeOptions
	logger *slog.Logger

	mu        sync.Mutex
	state     MasterState
	pending   []byte
	from      uint64
	connected bool
	cancel    context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

var _ Receiver = (*MasterNode)(nil)

// NewMasterNode creates a node that serves log over t.
func NewMasterNode(log *wal.WAL, t Transport, opts NodeOptions) *MasterNode {
	opts = opts.withDefaults()
	return &MasterNode{
		log:    log,
		t:      t,
		opts:   opts,
		logger: opts.Logger.With("component", "MasterNode", "remote_addr", opts.RemoteAddr),
		state:  MasterUninitialized,
		done:   make(chan struct{}),
	}
}

// Start makes the node ready to accept the slave's request.
func (n *MasterNode) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != MasterUninitialized {
		return &core.ProtocolError{State: n.state.String(), Reason: "already started"}
	}
	n.state = MasterWaiting
	return nil
}

// State returns the current state.
func (n *MasterNode) State() MasterState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Receive consumes bytes from the slave. Only one fetch request is ever
// expected; anything else is a protocol error that closes the node.
func (n *MasterNode) Receive(buf []byte) error {
	n.mu.Lock()
	state := n.state
	switch state {
	case MasterClosed:
		n.mu.Unlock()
		return core.ErrClosed
	case MasterWaiting:
		n.pending = append(n.pending, buf...)
		if len(n.pending) < RequestSize {
			n.mu.Unlock()
			return nil
		}
		from, err := ParseRequest(n.pending)
		if err != nil {
			n.mu.Unlock()
			perr := &core.ProtocolError{State: state.String(), Reason: err.Error()}
			n.fail(perr)
			return perr
		}
		n.pending = nil
		n.from = from
		n.state = MasterInitialized
		ctx, cancel := context.WithCancel(context.Background())
		n.cancel = cancel
		n.wg.Add(1)
		n.mu.Unlock()

		n.logger.Info("Fetch request received.", "from_lsn", core.FormatLSN(from))
		go n.fetch(ctx, from)
		return nil
	default:
		n.mu.Unlock()
		perr := &core.ProtocolError{State: state.String(), Reason: fmt.Sprintf("unexpected %d bytes from slave", len(buf))}
		n.fail(perr)
		return perr
	}
}

func (n *MasterNode) fetch(ctx context.Context, from uint64) {
	defer n.wg.Done()

	n.mu.Lock()
	if n.state != MasterInitialized {
		n.mu.Unlock()
		return
	}
	n.state = MasterFetching
	n.connected = true
	n.mu.Unlock()

	n.opts.Metrics.ConnectedSlaves.Inc()
	trigger(n.logger, n.opts.HookManager, hooks.NewPostSlaveConnectedEvent(hooks.SlavePayload{
		RemoteAddr: n.opts.RemoteAddr,
		StartLSN:   from,
	}))

	if from != core.NoLSN {
		rec, err := n.log.Get(from)
		if err != nil {
			n.fail(fmt.Errorf("record %s: %w", core.FormatLSN(from), err))
			return
		}
		if rec == nil {
			n.fail(fmt.Errorf("record %s is not available on the master: %w", core.FormatLSN(from), core.ErrNotFound))
			return
		}
	}

	it := n.log.IteratorFrom(from, n.opts.PollInterval)
	defer it.Close()

	var masterLast uint64
	refreshLast := func() {
		if last, err := n.log.Last(); err == nil && last != nil && last.LSN > masterLast {
			masterLast = last.LSN
		}
	}
	refreshLast()

	var buf []byte
	for {
		if !it.NextContext(ctx) {
			err := it.Err()
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, core.ErrTimeout):
				refreshLast()
				continue
			case errors.Is(err, core.ErrClosed):
				// The master is shutting down; the slave will reconnect.
				n.closeWith(fmt.Errorf("master log closed: %w", err))
				return
			default:
				n.fail(err)
				return
			}
		}

		rec := it.Record()
		if rec.LSN >= masterLast {
			refreshLast()
			if rec.LSN > masterLast {
				masterLast = rec.LSN
			}
		}

		var err error
		buf, err = AppendWALFrame(n.t.Allocate(WALFrameSize(rec))[:0], masterLast, rec)
		if err != nil {
			n.fail(err)
			return
		}
		if err := n.t.Send(buf); err != nil {
			n.closeWith(fmt.Errorf("failed to send record %s: %w", core.FormatLSN(rec.LSN), err))
			return
		}
		n.opts.Metrics.sent(len(buf))
	}
}

// fail reports err to the slave with an error frame and closes the node.
func (n *MasterNode) fail(err error) {
	n.logger.Warn("Closing slave stream.", "error", err)
	msg := AppendErrFrame(nil, err.Error())
	if sendErr := n.t.Send(msg); sendErr != nil {
		n.logger.Debug("Failed to send error frame.", "error", sendErr)
	}
	n.closeWith(err)
}

func (n *MasterNode) closeWith(cause error) {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.state = MasterClosed
		n.err = cause
		connected, from := n.connected, n.from
		if n.cancel != nil {
			n.cancel()
		}
		n.mu.Unlock()

		if err := n.t.Close(); err != nil {
			n.logger.Debug("Failed to close transport.", "error", err)
		}
		if connected {
			n.opts.Metrics.ConnectedSlaves.Dec()
			trigger(n.logger, n.opts.HookManager, hooks.NewPostSlaveDisconnectedEvent(hooks.SlavePayload{
				RemoteAddr: n.opts.RemoteAddr,
				StartLSN:   from,
				Err:        cause,
			}))
		}
		n.logger.Info("Slave stream closed.", "error", cause)
		close(n.done)
	})
}

// Close stops the fetch loop and closes the transport.
func (n *MasterNode) Close() error {
	n.closeWith(nil)
	n.wg.Wait()
	return nil
}

// Done is closed once the node reaches MasterClosed.
func (n *MasterNode) Done() <-chan struct{} { return n.done }

// Err returns why the node closed, nil for a local Close.
func (n *MasterNode) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}
