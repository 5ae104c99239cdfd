package wal

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/INLOpen/walog/core"
	"github.com/INLOpen/walog/hooks"
)

// Defaults used when the corresponding Options field is zero.
const (
	DefaultRollSize         int64 = 64 << 20
	DefaultBlockSize              = 4 << 10
	DefaultBlockCacheSize         = 1024
	DefaultSegmentCacheSize       = 16
	DefaultQueueSize              = 1024
	DefaultBatchSize              = 128
	DefaultAppendTimeout          = 30 * time.Second
	DefaultLockTimeout            = 10 * time.Second
	DefaultFlushPeriod            = 100 * time.Millisecond
	DefaultPollInterval           = 50 * time.Millisecond

	LockFileName = "append.lock"
)

// Options holds configuration for a log. Zero values select the defaults
// above; booleans are expressed so that false is the default.
type Options struct {
	Dir string

	// RollSize is the tail size that triggers a rollover before the next batch.
	RollSize  int64
	BlockSize int
	// BlockCacheSize and SegmentCacheSize count entries, not bytes.
	BlockCacheSize   int
	SegmentCacheSize int
	MaxPayloadSize   int

	QueueSize     int
	BatchSize     int
	AppendTimeout time.Duration
	LockTimeout   time.Duration

	// SyncMode runs appends in the caller's goroutine instead of the
	// background worker.
	SyncMode bool
	// DisableAutoFlush turns off periodic fsync; data is then only synced by
	// Sync, rollover and Close.
	DisableAutoFlush bool
	// FlushPeriod is the minimum time between automatic fsyncs. A negative
	// value syncs after every batch.
	FlushPeriod time.Duration
	// FlushUnlock releases the append lock after every successful fsync so
	// that another process may append.
	FlushUnlock bool

	// ReadOnly rejects public writes. Replicated appends are still allowed.
	ReadOnly bool

	// PollInterval bounds how long a blocked reader waits before re-checking
	// the directory for appends made by another process.
	PollInterval time.Duration

	Logger         *slog.Logger
	HookManager    hooks.HookManager
	TracerProvider trace.TracerProvider
	// MetricsPrefix, when set, publishes the log's counters through expvar.
	MetricsPrefix string
}

func (o Options) withDefaults() Options {
	if o.RollSize <= 0 {
		o.RollSize = DefaultRollSize
	}
	if o.RollSize > int64(core.MaxSegmentOffset) {
		o.RollSize = int64(core.MaxSegmentOffset)
	}
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.BlockCacheSize <= 0 {
		o.BlockCacheSize = DefaultBlockCacheSize
	}
	if o.SegmentCacheSize <= 0 {
		o.SegmentCacheSize = DefaultSegmentCacheSize
	}
	if o.MaxPayloadSize <= 0 || o.MaxPayloadSize > core.MaxPayloadSize {
		o.MaxPayloadSize = core.MaxPayloadSize
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.AppendTimeout <= 0 {
		o.AppendTimeout = DefaultAppendTimeout
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.FlushPeriod < 0 {
		o.FlushPeriod = 0
	} else if o.FlushPeriod == 0 {
		o.FlushPeriod = DefaultFlushPeriod
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.HookManager == nil {
		o.HookManager = hooks.NewHookManager(o.Logger)
	}
	if o.TracerProvider == nil {
		o.TracerProvider = noop.NewTracerProvider()
	}
	return o
}
