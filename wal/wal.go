package wal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/walog/cache"
	"github.com/INLOpen/walog/core"
	"github.com/INLOpen/walog/hooks"
	"github.com/INLOpen/walog/sys"
)

// WAL is an append-only log stored as a directory of segment files. Records
// are addressed by LSN. Appends from any number of goroutines are funneled
// through a single append pipeline; reads go through shared segment and
// block caches.
type WAL struct {
	dir     string
	opts    Options
	logger  *slog.Logger
	hooks   hooks.HookManager
	tracer  trace.Tracer
	metrics *Metrics
	lock    *sys.FileLock

	blockPool *core.BlockPool
	blocks    *blockCache
	segments  *cache.Cache[uint64, *Segment]
	segMu     sync.Mutex

	indexMu sync.RWMutex
	index   []uint64 // sorted base LSNs of known segments

	notifyMu sync.Mutex
	notify   chan struct{}

	pipeMu  sync.Mutex
	pipe    *pipeline
	closing chan struct{}
	closed  bool
}

var _ Log = (*WAL)(nil)

// Open creates or opens the log in opts.Dir. A damaged tail left by a crash
// is truncated back to its last intact record.
func Open(opts Options) (*WAL, error) {
	if opts.Dir == "" {
		return nil, errors.New("log directory must be set")
	}
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "WAL")

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", opts.Dir, err)
	}

	w := &WAL{
		dir:     opts.Dir,
		opts:    opts,
		logger:  logger,
		hooks:   opts.HookManager,
		tracer:  opts.TracerProvider.Tracer("github.com/INLOpen/walog/wal"),
		metrics: NewMetrics(opts.MetricsPrefix),
		lock:    sys.NewFileLock(filepath.Join(opts.Dir, LockFileName)),
		notify:  make(chan struct{}),
		closing: make(chan struct{}),
	}
	w.blockPool = core.NewBlockPool(opts.BlockSize, opts.BlockCacheSize/4)
	w.blocks = cache.New(opts.BlockCacheSize, func(_ blockKey, buf []byte) {
		w.blockPool.Put(buf)
	})
	w.blocks.SetMetrics(w.metrics.BlockCacheHits, w.metrics.BlockCacheMisses)
	w.segments = cache.New(opts.SegmentCacheSize, func(_ uint64, seg *Segment) {
		if err := seg.Close(); err != nil {
			w.logger.Warn("Failed to close segment.", "path", seg.Path(), "error", err)
		}
	})
	w.segments.SetMetrics(w.metrics.SegmentCacheHits, w.metrics.SegmentCacheMisses)

	index, err := w.refreshIndex()
	if err != nil {
		return nil, err
	}
	if len(index) > 0 {
		if err := w.recoverTail(index[len(index)-1]); err != nil {
			w.lock.Close()
			return nil, err
		}
	}

	w.logger.Info("Log opened.", "dir", w.dir, "segments", len(index), "read_only", opts.ReadOnly)
	return w, nil
}

// recoverTail repairs the newest segment unless another writer currently
// owns the directory; that writer is then responsible for it.
func (w *WAL) recoverTail(fileLSN uint64) error {
	if err := w.lock.Lock(0); err != nil {
		if errors.Is(err, core.ErrLockTimeout) {
			w.logger.Info("Append lock busy, skipping tail recovery.", "dir", w.dir)
			return nil
		}
		return err
	}
	defer w.lock.Unlock()

	seg, err := openSegment(w.dir, fileLSN, true, w.segmentConfig())
	if err != nil {
		return err
	}
	defer seg.Close()

	start := time.Now()
	truncated, err := seg.Recover()
	if err != nil {
		return fmt.Errorf("failed to recover segment %s: %w", seg.Path(), err)
	}
	if truncated > 0 {
		w.metrics.RecoveryTruncated.Add(truncated)
		w.trigger(hooks.NewPostRecoveryTruncateEvent(hooks.RecoveryTruncatePayload{
			Path:           seg.Path(),
			TruncatedBytes: truncated,
		}))
	}
	w.logger.Debug("Tail recovered.", "path", seg.Path(), "size", seg.Size(), "truncated_bytes", truncated, "duration", time.Since(start))
	return nil
}

func (w *WAL) segmentConfig() segmentConfig {
	return segmentConfig{
		blockSize: w.opts.BlockSize,
		blocks:    w.blocks,
		pool:      w.blockPool,
		logger:    w.logger,
		exclusive: w.lock.Held,
	}
}

// Dir returns the log directory.
func (w *WAL) Dir() string { return w.dir }

// ReadOnly reports whether public writes are rejected.
func (w *WAL) ReadOnly() bool { return w.opts.ReadOnly }

// Metrics returns the log's counters.
func (w *WAL) Metrics() *Metrics { return w.metrics }

// Segments returns the base LSNs of the segments currently known.
func (w *WAL) Segments() []uint64 { return w.indexSnapshot() }

// pipeline returns the append pipeline, starting it on first use.
func (w *WAL) pipeline() (*pipeline, error) {
	w.pipeMu.Lock()
	defer w.pipeMu.Unlock()
	if w.closed {
		return nil, fmt.Errorf("log %s: %w", w.dir, core.ErrClosed)
	}
	if w.pipe == nil {
		w.pipe = newPipeline(w)
	}
	return w.pipe, nil
}

func (w *WAL) submit(kind itemKind, payload []byte, lsn uint64) (*Item, error) {
	p, err := w.pipeline()
	if err != nil {
		return nil, err
	}
	it := newItem(kind, payload, lsn)
	if err := p.submit(it); err != nil {
		return nil, err
	}
	return it, nil
}

// AppendAsync submits payload and returns its future without waiting. The
// payload is copied.
func (w *WAL) AppendAsync(payload []byte) (*Item, error) {
	if w.opts.ReadOnly {
		return nil, core.ErrReadOnly
	}
	if len(payload) > w.opts.MaxPayloadSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds limit %d: %w", len(payload), w.opts.MaxPayloadSize, core.ErrInvalidRecord)
	}
	buf := append([]byte(nil), payload...)
	if err := w.hooks.Trigger(context.Background(), hooks.NewPreAppendEvent(hooks.PreAppendPayload{Payload: &buf})); err != nil {
		return nil, fmt.Errorf("append rejected: %w", err)
	}
	if len(buf) > w.opts.MaxPayloadSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds limit %d: %w", len(buf), w.opts.MaxPayloadSize, core.ErrInvalidRecord)
	}
	return w.submit(kindAppend, buf, 0)
}

// Append writes payload and waits up to the append timeout for its record.
// ErrNotCompleted means the append may still happen later.
func (w *WAL) Append(payload []byte) (core.Record, error) {
	it, err := w.AppendAsync(payload)
	if err != nil {
		return core.Record{}, err
	}
	return it.WaitTimeout(w.opts.AppendTimeout)
}

// Replicate writes payload at exactly lsn. lsn must directly follow the
// current last record, start the next segment, or start an empty log at a
// segment boundary; anything else fails with ErrContinuityViolation.
func (w *WAL) Replicate(lsn uint64, payload []byte) (core.Record, error) {
	if len(payload) > w.opts.MaxPayloadSize {
		return core.Record{}, fmt.Errorf("payload of %d bytes exceeds limit %d: %w", len(payload), w.opts.MaxPayloadSize, core.ErrInvalidRecord)
	}
	it, err := w.submit(kindReplicate, append([]byte(nil), payload...), lsn)
	if err != nil {
		return core.Record{}, err
	}
	return it.WaitTimeout(w.opts.AppendTimeout)
}

// control submits a non-data operation and reports whether it finished
// within the append timeout.
func (w *WAL) control(kind itemKind, lsn uint64) (bool, error) {
	it, err := w.submit(kind, nil, lsn)
	if err != nil {
		if errors.Is(err, core.ErrNotCompleted) {
			return false, nil
		}
		return false, err
	}
	if _, err := it.WaitTimeout(w.opts.AppendTimeout); err != nil {
		if errors.Is(err, core.ErrNotCompleted) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Sync forces unsynced appends to stable storage.
func (w *WAL) Sync() (bool, error) {
	return w.control(kindSync, 0)
}

// PurgeTo deletes the sealed segments whose base LSN is at or below the
// segment holding lsn. The tail segment is never deleted.
func (w *WAL) PurgeTo(lsn uint64) (bool, error) {
	if w.opts.ReadOnly {
		return false, core.ErrReadOnly
	}
	return w.control(kindPurge, core.FileLSN(lsn))
}

// PurgeToFile is PurgeTo addressed by segment file name.
func (w *WAL) PurgeToFile(name string) (bool, error) {
	fileLSN, err := core.ParseSegmentFileName(filepath.Base(name))
	if err != nil {
		return false, err
	}
	return w.PurgeTo(fileLSN)
}

// Clear deletes every segment. The next append gets LSN 0.
func (w *WAL) Clear() (bool, error) {
	if w.opts.ReadOnly {
		return false, core.ErrReadOnly
	}
	return w.control(kindClear, 0)
}

// Get returns the record at lsn, or nil when there is none.
func (w *WAL) Get(lsn uint64) (*core.Record, error) {
	if err := w.checkOpen(); err != nil {
		return nil, err
	}
	h, err := w.acquireSegment(core.FileLSN(lsn))
	if err != nil || h == nil {
		return nil, err
	}
	defer h.Release()
	rec, err := h.Value().Get(core.Offset(lsn))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// First returns the oldest record. See Iterator for timeout semantics; a
// nil record with a nil error means the log is empty.
func (w *WAL) First(timeout time.Duration) (*core.Record, error) {
	it := w.Iterator(timeout)
	defer it.Close()
	if !it.Next() {
		return nil, it.Err()
	}
	rec := it.Record()
	return &rec, nil
}

// Last returns the newest record, or nil when the log is empty.
func (w *WAL) Last() (*core.Record, error) {
	if err := w.checkOpen(); err != nil {
		return nil, err
	}
	index := w.indexSnapshot()
	if !w.localWriter() {
		var err error
		if index, err = w.refreshIndex(); err != nil {
			return nil, err
		}
	}
	for i := len(index) - 1; i >= 0; i-- {
		h, err := w.acquireSegment(index[i])
		if err != nil {
			return nil, err
		}
		if h == nil {
			continue
		}
		rec, ok, err := h.Value().LastRecord()
		h.Release()
		if err != nil {
			return nil, err
		}
		if ok {
			return &rec, nil
		}
	}
	return nil, nil
}

// Iterator returns an iterator positioned before the first record.
//
// timeout < 0 never blocks; 0 blocks until data arrives or the log is
// closed; > 0 blocks up to timeout and then reports ErrTimeout.
func (w *WAL) Iterator(timeout time.Duration) *Iterator {
	return newIterator(w, core.NoLSN, timeout)
}

// IteratorFrom returns an iterator whose first record is the one at lsn.
func (w *WAL) IteratorFrom(lsn uint64, timeout time.Duration) *Iterator {
	return newIterator(w, lsn, timeout)
}

// Close stops the append pipeline, syncs, and releases files and the lock.
// Blocked readers are woken up with ErrClosed.
func (w *WAL) Close() error {
	w.pipeMu.Lock()
	if w.closed {
		w.pipeMu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closing)
	p := w.pipe
	w.pipeMu.Unlock()

	var errs []error
	if p != nil {
		if err := p.close(); err != nil && !errors.Is(err, core.ErrClosed) {
			errs = append(errs, err)
		}
	}
	w.segments.Clear()
	w.blocks.Clear()
	if err := w.lock.Close(); err != nil {
		errs = append(errs, err)
	}
	w.hooks.Stop()

	err := errors.Join(errs...)
	if err != nil {
		w.logger.Error("Error during log close.", "error", err)
	} else {
		w.logger.Info("Log closed.", "dir", w.dir)
	}
	return err
}

func (w *WAL) checkOpen() error {
	w.pipeMu.Lock()
	defer w.pipeMu.Unlock()
	if w.closed {
		return fmt.Errorf("log %s: %w", w.dir, core.ErrClosed)
	}
	return nil
}

// localWriter reports whether this process currently owns the append lock,
// which makes the in-memory segment index authoritative.
func (w *WAL) localWriter() bool {
	w.pipeMu.Lock()
	p := w.pipe
	w.pipeMu.Unlock()
	return p != nil && w.lock.Held()
}

// broadcast wakes up every reader blocked waiting for new data.
func (w *WAL) broadcast() {
	w.notifyMu.Lock()
	close(w.notify)
	w.notify = make(chan struct{})
	w.notifyMu.Unlock()
}

func (w *WAL) notifyChan() <-chan struct{} {
	w.notifyMu.Lock()
	defer w.notifyMu.Unlock()
	return w.notify
}

func (w *WAL) trigger(event hooks.HookEvent) {
	if err := w.hooks.Trigger(context.Background(), event); err != nil {
		w.logger.Warn("Hook listener failed.", "event", event.Type(), "error", err)
	}
}

// refreshIndex rescans the directory for segment files.
func (w *WAL) refreshIndex() ([]uint64, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory %s: %w", w.dir, err)
	}
	index := make([]uint64, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fileLSN, err := core.ParseSegmentFileName(e.Name())
		if err != nil {
			continue
		}
		index = append(index, fileLSN)
	}
	sort.Slice(index, func(i, j int) bool { return index[i] < index[j] })

	w.indexMu.Lock()
	w.index = index
	w.indexMu.Unlock()
	return append([]uint64(nil), index...), nil
}

func (w *WAL) indexSnapshot() []uint64 {
	w.indexMu.RLock()
	defer w.indexMu.RUnlock()
	return append([]uint64(nil), w.index...)
}

// nextSegmentAfter returns the smallest known base LSN above fileLSN.
func (w *WAL) nextSegmentAfter(fileLSN uint64) (uint64, bool) {
	w.indexMu.RLock()
	defer w.indexMu.RUnlock()
	i := sort.Search(len(w.index), func(i int) bool { return w.index[i] > fileLSN })
	if i == len(w.index) {
		return 0, false
	}
	return w.index[i], true
}

func (w *WAL) firstSegment() (uint64, bool) {
	w.indexMu.RLock()
	defer w.indexMu.RUnlock()
	if len(w.index) == 0 {
		return 0, false
	}
	return w.index[0], true
}

// onlySegment reports whether fileLSN is the one and only segment.
func (w *WAL) onlySegment(fileLSN uint64) bool {
	w.indexMu.RLock()
	defer w.indexMu.RUnlock()
	return len(w.index) == 1 && w.index[0] == fileLSN
}

func (w *WAL) addToIndex(fileLSN uint64) {
	w.indexMu.Lock()
	defer w.indexMu.Unlock()
	i := sort.Search(len(w.index), func(i int) bool { return w.index[i] >= fileLSN })
	if i < len(w.index) && w.index[i] == fileLSN {
		return
	}
	w.index = append(w.index, 0)
	copy(w.index[i+1:], w.index[i:])
	w.index[i] = fileLSN
}

func (w *WAL) removeFromIndex(fileLSN uint64) {
	w.indexMu.Lock()
	defer w.indexMu.Unlock()
	i := sort.Search(len(w.index), func(i int) bool { return w.index[i] >= fileLSN })
	if i < len(w.index) && w.index[i] == fileLSN {
		w.index = append(w.index[:i], w.index[i+1:]...)
	}
}

// acquireSegment returns a pinned handle for the segment, opening it
// read-only on a cache miss. It returns nil when the file does not exist.
func (w *WAL) acquireSegment(fileLSN uint64) (*cache.Handle[uint64, *Segment], error) {
	w.segMu.Lock()
	defer w.segMu.Unlock()
	if h, ok := w.segments.Get(fileLSN); ok {
		return h, nil
	}
	seg, err := openSegment(w.dir, fileLSN, false, w.segmentConfig())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return w.segments.Insert(fileLSN, seg), nil
}

// createTail creates a writable segment at fileLSN and registers it. A
// leftover file with that name is reused after recovery.
func (w *WAL) createTail(fileLSN uint64) (*cache.Handle[uint64, *Segment], error) {
	seg, err := createSegment(w.dir, fileLSN, w.segmentConfig())
	if errors.Is(err, os.ErrExist) {
		seg, err = openSegment(w.dir, fileLSN, true, w.segmentConfig())
		if err == nil {
			if _, rerr := seg.Recover(); rerr != nil {
				seg.Close()
				return nil, rerr
			}
		}
	}
	if err != nil {
		return nil, err
	}
	w.segMu.Lock()
	h := w.segments.Insert(fileLSN, seg)
	w.segMu.Unlock()
	w.addToIndex(fileLSN)
	return h, nil
}

// openTail opens an existing segment for writing and registers it.
func (w *WAL) openTail(fileLSN uint64) (*cache.Handle[uint64, *Segment], error) {
	seg, err := openSegment(w.dir, fileLSN, true, w.segmentConfig())
	if err != nil {
		return nil, err
	}
	w.segMu.Lock()
	h := w.segments.Insert(fileLSN, seg)
	w.segMu.Unlock()
	w.addToIndex(fileLSN)
	return h, nil
}

// deleteSegment forgets a segment and removes its file. Readers holding a
// handle keep reading the unlinked file until they let go.
func (w *WAL) deleteSegment(fileLSN uint64) error {
	w.segMu.Lock()
	w.segments.Remove(fileLSN)
	w.segMu.Unlock()
	w.removeFromIndex(fileLSN)

	path := segmentPath(w.dir, fileLSN)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove segment %s: %w", path, err)
	}
	return nil
}

// forgetSegment drops seg from the cache if it is still the cached handle
// for its base LSN.
func (w *WAL) forgetSegment(seg *Segment) {
	w.segMu.Lock()
	defer w.segMu.Unlock()
	h, ok := w.segments.Get(seg.FileLSN())
	if !ok {
		return
	}
	same := h.Value() == seg
	h.Release()
	if same {
		w.segments.Remove(seg.FileLSN())
	}
}

func (w *WAL) known(fileLSN uint64) bool {
	w.indexMu.RLock()
	defer w.indexMu.RUnlock()
	i := sort.Search(len(w.index), func(i int) bool { return w.index[i] >= fileLSN })
	return i < len(w.index) && w.index[i] == fileLSN
}
