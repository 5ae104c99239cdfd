package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/INLOpen/walog/core"
	"github.com/INLOpen/walog/hooks"
	"github.com/INLOpen/walog/wal"
)

// ErrDisconnected reports that the connection to the master went away.
var ErrDisconnected = errors.New("disconnected from master")

// StreamRequest is what a Source needs to stream records into a slave.
type StreamRequest struct {
	// From is the slave's last local LSN, or core.NoLSN for an empty log.
	From    uint64
	Applier Applier
	Node    NodeOptions
}

// Source delivers the master's records that follow req.From to req.Applier,
// in order, until ctx is done or an error occurs. It never returns nil
// while ctx is live.
type Source interface {
	Stream(ctx context.Context, req StreamRequest) error
}

// EngineState is the lifecycle state of a SlaveEngine.
type EngineState int

const (
	EngineIdle EngineState = iota
	EngineStreaming
	EngineRetrying
	EngineFailed
	EngineClosed
)

func (s EngineState) String() string {
	switch s {
	case EngineIdle:
		return "IDLE"
	case EngineStreaming:
		return "STREAMING"
	case EngineRetrying:
		return "RETRYING"
	case EngineFailed:
		return "FAILED"
	case EngineClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("EngineState(%d)", int(s))
	}
}

// SlaveOptions configures a SlaveEngine.
type SlaveOptions struct {
	// Log configures the local log. It is always opened read-only.
	Log         wal.Options
	Logger      *slog.Logger
	HookManager hooks.HookManager
	Metrics     *Metrics

	RetryInterval    time.Duration
	RetryMaxInterval time.Duration
	BackoffCoeff     int
}

func (o SlaveOptions) withDefaults() SlaveOptions {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.HookManager == nil {
		o.HookManager = hooks.NewHookManager(o.Logger)
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 100 * time.Millisecond
	}
	if o.RetryMaxInterval <= 0 {
		o.RetryMaxInterval = 10 * time.Second
	}
	if o.BackoffCoeff <= 0 {
		o.BackoffCoeff = 2
	}
	if o.Log.Logger == nil {
		o.Log.Logger = o.Logger
	}
	if o.Log.HookManager == nil {
		o.Log.HookManager = o.HookManager
	}
	o.Log.ReadOnly = true
	return o
}

// SlaveEngine is a read-only log kept in sync with a master. Local readers
// use it like any log; only the replicator appends to it.
type SlaveEngine struct {
	local  *wal.WAL
	opts   SlaveOptions
	logger *slog.Logger

	mu         sync.Mutex
	state      EngineState
	cursor     uint64
	hasCursor  bool
	masterLast uint64
	hasMaster  bool
	err        error

	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

var _ Applier = (*SlaveEngine)(nil)

// NewSlaveEngine opens the local log described by opts.Log.
func NewSlaveEngine(opts SlaveOptions) (*SlaveEngine, error) {
	opts = opts.withDefaults()
	local, err := wal.Open(opts.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to open local log: %w", err)
	}
	e := &SlaveEngine{
		local:  local,
		opts:   opts,
		logger: opts.Logger.With("component", "Replicator"),
		state:  EngineIdle,
		done:   make(chan struct{}),
	}
	last, err := local.Last()
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("failed to read local last record: %w", err)
	}
	if last != nil {
		e.cursor, e.hasCursor = last.LSN, true
	}
	return e, nil
}

// Local returns the underlying read-only log.
func (e *SlaveEngine) Local() *wal.WAL { return e.local }

// Append always fails: a slave only receives records from its master.
func (e *SlaveEngine) Append(payload []byte) (core.Record, error) {
	return core.Record{}, core.ErrReadOnly
}

func (e *SlaveEngine) Get(lsn uint64) (*core.Record, error) { return e.local.Get(lsn) }

func (e *SlaveEngine) First(timeout time.Duration) (*core.Record, error) {
	return e.local.First(timeout)
}

func (e *SlaveEngine) Last() (*core.Record, error) { return e.local.Last() }

func (e *SlaveEngine) Iterator(timeout time.Duration) *wal.Iterator {
	return e.local.Iterator(timeout)
}

func (e *SlaveEngine) IteratorFrom(lsn uint64, timeout time.Duration) *wal.Iterator {
	return e.local.IteratorFrom(lsn, timeout)
}

// State returns the replicator state.
func (e *SlaveEngine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Cursor returns the LSN of the last local record.
func (e *SlaveEngine) Cursor() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor, e.hasCursor
}

// StartLSN is the LSN a new stream should be requested from.
func (e *SlaveEngine) StartLSN() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasCursor {
		return core.NoLSN
	}
	return e.cursor
}

// BytesBehindMaster returns the distance between the master's last LSN, as
// last reported, and the local cursor. It is false until a record has been
// received from the master.
func (e *SlaveEngine) BytesBehindMaster() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.behindLocked()
}

func (e *SlaveEngine) behindLocked() (uint64, bool) {
	if !e.hasMaster || !e.hasCursor {
		return 0, false
	}
	if e.masterLast <= e.cursor {
		return 0, true
	}
	return e.masterLast - e.cursor, true
}

// Apply appends rec to the local log at its master LSN.
func (e *SlaveEngine) Apply(rec core.Record, masterLast uint64) error {
	if _, err := e.local.Replicate(rec.LSN, rec.Payload); err != nil {
		var ce *core.ContinuityError
		if errors.As(err, &ce) {
			e.opts.Metrics.ContinuityViolations.Inc()
			trigger(e.logger, e.opts.HookManager, hooks.NewPostContinuityViolationEvent(hooks.ContinuityPayload{
				Prev: ce.Prev,
				Got:  ce.Got,
			}))
		}
		return err
	}

	e.mu.Lock()
	e.cursor, e.hasCursor = rec.LSN, true
	if masterLast > e.masterLast || !e.hasMaster {
		e.masterLast, e.hasMaster = masterLast, true
	}
	behind, _ := e.behindLocked()
	e.mu.Unlock()

	e.opts.Metrics.RecordsApplied.Inc()
	e.opts.Metrics.BytesBehindMaster.Set(float64(behind))
	return nil
}

// Start launches the replicator goroutine streaming from src. It returns
// immediately; use Done and Err to observe a fatal stop.
func (e *SlaveEngine) Start(src Source) error {
	e.mu.Lock()
	if e.state != EngineIdle {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("replicator cannot start in state %s", state)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()
	e.setState(EngineStreaming)

	r := NewRetryer(func(ctx context.Context) error {
		e.setState(EngineStreaming)
		err := src.Stream(ctx, StreamRequest{
			From:    e.StartLSN(),
			Applier: e,
			Node: NodeOptions{
				Logger:      e.opts.Logger,
				HookManager: e.opts.HookManager,
				Metrics:     e.opts.Metrics,
			},
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			err = ErrDisconnected
		}
		if isTransient(err) {
			e.setState(EngineRetrying)
			return fmt.Errorf("%w: %w", ErrRetryable, err)
		}
		return err
	}, e.opts.RetryInterval, e.opts.RetryMaxInterval, e.opts.BackoffCoeff, e.logger)
	r.onRetry = func(error, time.Duration) { e.opts.Metrics.Reconnects.Inc() }

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(e.done)
		err := r.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		e.setState(EngineFailed)
		e.logger.Error("Replication stopped.", "error", err)
	}()
	return nil
}

func (e *SlaveEngine) setState(s EngineState) {
	e.mu.Lock()
	prev := e.state
	if prev == s || prev == EngineClosed {
		e.mu.Unlock()
		return
	}
	e.state = s
	e.mu.Unlock()
	e.logger.Debug("Replicator state changed.", "from", prev, "to", s)
	trigger(e.logger, e.opts.HookManager, hooks.NewPostReplicaStateChangeEvent(hooks.ReplicaStatePayload{
		From: prev.String(),
		To:   s.String(),
	}))
}

// Done is closed when the replicator goroutine exits.
func (e *SlaveEngine) Done() <-chan struct{} { return e.done }

// Err returns the fatal error that stopped replication, if any.
func (e *SlaveEngine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Close stops replication and closes the local log.
func (e *SlaveEngine) Close() error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.setState(EngineClosed)
	return e.local.Close()
}

// isTransient reports errors after which a fresh stream may succeed.
func isTransient(err error) bool {
	if core.IsRecoverable(err) || errors.Is(err, ErrDisconnected) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
			return true
		}
	}
	return false
}
