package wal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/walog/cache"
	"github.com/INLOpen/walog/core"
	"github.com/INLOpen/walog/hooks"
	"github.com/INLOpen/walog/sys"
)

// pipeline serializes every mutation of a log directory. In async mode a
// single worker drains a bounded queue and commits items in batches; in sync
// mode each caller commits its own item while holding a semaphore.
type pipeline struct {
	w      *WAL
	opts   Options
	logger *slog.Logger
	lock   *sys.FileLock

	queue chan *Item
	sem   chan struct{}

	stopCh  chan struct{} // asks the worker to stop
	stopped chan struct{} // closed once no more items are accepted
	wg      sync.WaitGroup

	stateMu  sync.Mutex
	closed   bool
	fatalErr error

	// Fields below are owned by the committing goroutine.
	tail      *cache.Handle[uint64, *Segment]
	lastLSN   uint64
	hot       bool
	lastSync  time.Time
	syncFlush *time.Timer // pending periodic flush in sync mode
}

func newPipeline(w *WAL) *pipeline {
	p := &pipeline{
		w:        w,
		opts:     w.opts,
		logger:   w.logger.With("component", "AppendPipeline"),
		lock:     w.lock,
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
		lastLSN:  core.NoLSN,
		lastSync: time.Now(),
	}
	if p.opts.SyncMode {
		p.sem = make(chan struct{}, 1)
	} else {
		p.queue = make(chan *Item, p.opts.QueueSize)
		p.wg.Add(1)
		go p.run()
	}
	p.logger.Debug("Append pipeline started.", "sync_mode", p.opts.SyncMode, "queue_size", p.opts.QueueSize, "batch_size", p.opts.BatchSize)
	return p
}

func (p *pipeline) closedErr() error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.fatalErr != nil {
		return fmt.Errorf("append pipeline failed: %w: %w", core.ErrClosed, p.fatalErr)
	}
	return fmt.Errorf("append pipeline: %w", core.ErrClosed)
}

func (p *pipeline) isClosed() bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.closed
}

// submit hands an item to the pipeline. It gives up with ErrNotCompleted if
// the item cannot be accepted within the append timeout.
func (p *pipeline) submit(it *Item) error {
	if p.isClosed() {
		return p.closedErr()
	}
	timer := time.NewTimer(p.opts.AppendTimeout)
	defer timer.Stop()

	if p.opts.SyncMode {
		select {
		case p.sem <- struct{}{}:
		case <-p.stopped:
			return p.closedErr()
		case <-timer.C:
			return core.ErrNotCompleted
		}
		defer func() { <-p.sem }()
		if p.isClosed() {
			return p.closedErr()
		}
		if err := p.commit([]*Item{it}); err != nil {
			p.fail(err, []*Item{it})
			return nil
		}
		p.armSyncFlush()
		return nil
	}

	select {
	case p.queue <- it:
	case <-p.stopped:
		return p.closedErr()
	case <-timer.C:
		return core.ErrNotCompleted
	}
	// The worker may have drained the queue for the last time just before
	// the send; such an item is still pending and can be withdrawn.
	select {
	case <-p.stopped:
		if it.Cancel() {
			return p.closedErr()
		}
	default:
	}
	return nil
}

// armSyncFlush schedules the periodic flush for sync mode, where no worker
// exists to run it. It must be called while holding the semaphore.
func (p *pipeline) armSyncFlush() {
	if !p.hot || p.opts.DisableAutoFlush || p.syncFlush != nil {
		return
	}
	wait := p.opts.FlushPeriod - time.Since(p.lastSync)
	if wait < 0 {
		wait = 0
	}
	p.syncFlush = time.AfterFunc(wait, p.syncModeFlush)
}

func (p *pipeline) syncModeFlush() {
	select {
	case p.sem <- struct{}{}:
	case <-p.stopped:
		return
	}
	defer func() { <-p.sem }()
	p.syncFlush = nil
	if p.isClosed() {
		return
	}
	if err := p.flush(); err != nil {
		p.fail(err, nil)
	}
}

// run is the async worker loop.
func (p *pipeline) run() {
	defer p.wg.Done()

	var flushTimer *time.Timer
	var flushC <-chan time.Time
	batch := make([]*Item, 0, p.opts.BatchSize)

	for {
		select {
		case it := <-p.queue:
			batch = append(batch[:0], it)
			var control *Item
			if isData(it.kind) {
			drain:
				for len(batch) < p.opts.BatchSize {
					select {
					case next := <-p.queue:
						if !isData(next.kind) {
							control = next
							break drain
						}
						batch = append(batch, next)
					default:
						break drain
					}
				}
			}
			if err := p.commit(batch); err != nil {
				p.fail(err, batch)
				return
			}
			if control != nil {
				if err := p.commit([]*Item{control}); err != nil {
					p.fail(err, []*Item{control})
					return
				}
			}
			if p.hot && !p.opts.DisableAutoFlush && flushC == nil {
				wait := p.opts.FlushPeriod - time.Since(p.lastSync)
				if wait < 0 {
					wait = 0
				}
				flushTimer = time.NewTimer(wait)
				flushC = flushTimer.C
			}
		case <-flushC:
			flushC = nil
			if err := p.flush(); err != nil {
				p.fail(err, nil)
				return
			}
		case <-p.stopCh:
			if flushTimer != nil {
				flushTimer.Stop()
			}
			p.shutdown()
			return
		}
	}
}

func isData(k itemKind) bool { return k == kindAppend || k == kindReplicate }

// commit executes one batch. Items that can be resolved individually are
// resolved here; a returned error is fatal for the pipeline.
func (p *pipeline) commit(items []*Item) error {
	live := make([]*Item, 0, len(items))
	for _, it := range items {
		if it.start() {
			live = append(live, it)
		}
	}
	if len(live) == 0 {
		return nil
	}

	ctx, span := p.w.tracer.Start(context.Background(), "AppendPipeline.commit",
		trace.WithAttributes(attribute.Int("wal.batch_size", len(live)), attribute.String("wal.kind", live[0].kind.String())))
	defer span.End()

	var err error
	switch kind := live[0].kind; kind {
	case kindAppend, kindReplicate:
		err = p.commitData(ctx, live)
	case kindSync:
		err = p.flush()
		if err == nil {
			live[0].resolve(core.Record{}, nil)
		}
	case kindPurge:
		err = p.withLock(live, func() error { return p.purge(ctx, live[0].lsn) })
	case kindClear:
		err = p.withLock(live, func() error { return p.clear(ctx) })
	default:
		err = fmt.Errorf("unknown pipeline item kind %v", kind)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit_failed")
	}
	return err
}

// withLock runs fn under the append lock and resolves the single control
// item with its outcome.
func (p *pipeline) withLock(items []*Item, fn func() error) error {
	if err := p.acquire(); err != nil {
		if errors.Is(err, core.ErrLockTimeout) {
			p.w.metrics.LockTimeoutsTotal.Add(1)
			items[0].resolve(core.Record{}, err)
			return nil
		}
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	items[0].resolve(core.Record{}, nil)
	p.w.broadcast()
	return p.flush()
}

// acquire takes the append lock if needed and makes sure the tail reflects
// what is on disk, since another process may have appended in between.
func (p *pipeline) acquire() error {
	if p.lock.Held() && p.tail != nil {
		return nil
	}
	if err := p.lock.Lock(p.opts.LockTimeout); err != nil {
		return err
	}
	if err := p.refreshTail(); err != nil {
		return err
	}
	return nil
}

// refreshTail reopens or re-validates the newest segment.
func (p *pipeline) refreshTail() error {
	index, err := p.w.refreshIndex()
	if err != nil {
		return err
	}
	if len(index) == 0 {
		p.releaseTail()
		h, err := p.w.createTail(0)
		if err != nil {
			return err
		}
		p.tail = h
		p.lastLSN = core.NoLSN
		return nil
	}

	newest := index[len(index)-1]
	if p.tail == nil || p.tail.Value().FileLSN() != newest {
		p.releaseTail()
		h, err := p.w.openTail(newest)
		if err != nil {
			return err
		}
		p.tail = h
	}
	truncated, err := p.tail.Value().Recover()
	if err != nil {
		return err
	}
	if truncated > 0 {
		p.w.metrics.RecoveryTruncated.Add(truncated)
		p.w.trigger(hooks.NewPostRecoveryTruncateEvent(hooks.RecoveryTruncatePayload{
			Path:           p.tail.Value().Path(),
			TruncatedBytes: truncated,
		}))
	}

	p.lastLSN = core.NoLSN
	if rec, ok, err := p.tail.Value().LastRecord(); err != nil {
		return err
	} else if ok {
		p.lastLSN = rec.LSN
	}
	return nil
}

func (p *pipeline) releaseTail() {
	if p.tail != nil {
		p.tail.Release()
		p.tail = nil
	}
}

// pendingRun accumulates consecutive records bound for the current tail so
// they hit the file in a single write.
type pendingRun struct {
	items    []*Item
	payloads [][]byte
	bytes    int64
}

func (r *pendingRun) add(it *Item) {
	r.items = append(r.items, it)
	r.payloads = append(r.payloads, it.payload)
	r.bytes += int64(core.EncodedSize(len(it.payload)))
}

func (r *pendingRun) reset() {
	r.items = r.items[:0]
	r.payloads = r.payloads[:0]
	r.bytes = 0
}

// outcome is the result an item gets once its whole batch is durable in the
// sense the flush policy asks for.
type outcome struct {
	it     *Item
	rec    core.Record
	err    error
	stored bool // written by this batch
}

func (p *pipeline) commitData(ctx context.Context, items []*Item) error {
	if err := p.acquire(); err != nil {
		if errors.Is(err, core.ErrLockTimeout) {
			p.w.metrics.LockTimeoutsTotal.Add(int64(len(items)))
			p.logger.Warn("Append lock timeout, batch rejected.", "items", len(items), "error", err)
			for _, it := range items {
				it.resolve(core.Record{}, err)
			}
			return nil
		}
		return err
	}

	if items[0].kind == kindAppend && p.tail.Value().Size() >= p.opts.RollSize {
		if err := p.roll(ctx); err != nil {
			return err
		}
	}

	var run pendingRun
	outcomes := make([]outcome, 0, len(items))
	written := 0
	var firstLSN uint64
	var batchBytes int64
	start := time.Now()
	flushRun := func() error {
		if len(run.items) == 0 {
			return nil
		}
		records, err := p.tail.Value().Append(run.payloads)
		if err != nil {
			return err
		}
		for i, it := range run.items {
			outcomes = append(outcomes, outcome{it: it, rec: records[i], stored: true})
		}
		if written == 0 {
			firstLSN = records[0].LSN
		}
		batchBytes += run.bytes
		p.lastLSN = records[len(records)-1].LSN
		written += len(records)
		run.reset()
		return nil
	}

	for _, it := range items {
		size := int64(core.EncodedSize(len(it.payload)))
		tail := p.tail.Value()
		next := core.MakeLSN(tail.FileLSN(), uint64(tail.Size()+run.bytes))

		if it.kind == kindAppend {
			if uint64(tail.Size()+run.bytes+size) > core.MaxSegmentOffset+1 {
				if err := flushRun(); err != nil {
					return err
				}
				if err := p.roll(ctx); err != nil {
					return err
				}
			}
			run.add(it)
			continue
		}

		// Replicated records must land on exactly the LSN they had upstream.
		switch {
		case it.lsn == next:
			run.add(it)
		case tail.Size()+run.bytes > 0 && isNextFile(tail.FileLSN(), it.lsn):
			if err := flushRun(); err != nil {
				return err
			}
			if err := p.rollTo(ctx, it.lsn); err != nil {
				return err
			}
			run.add(it)
		case tail.Size()+run.bytes == 0 && p.w.onlySegment(tail.FileLSN()) && core.Offset(it.lsn) == 0:
			if err := p.restartAt(it.lsn); err != nil {
				return err
			}
			run.add(it)
		default:
			if err := flushRun(); err != nil {
				return err
			}
			rec, err := p.existingReplica(it)
			outcomes = append(outcomes, outcome{it: it, rec: rec, err: err})
		}
	}
	if err := flushRun(); err != nil {
		return err
	}

	p.w.metrics.BatchesTotal.Add(1)
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Int("wal.records_written", written))
	if written > 0 {
		p.hot = true
		if !p.opts.DisableAutoFlush && time.Since(p.lastSync) >= p.opts.FlushPeriod {
			if err := p.flush(); err != nil {
				return err
			}
		}
	}

	for _, o := range outcomes {
		o.it.resolve(o.rec, o.err)
		if !o.stored {
			continue
		}
		if o.it.kind == kindReplicate {
			p.w.metrics.ReplicatedTotal.Add(1)
		} else {
			p.w.metrics.AppendsTotal.Add(1)
		}
	}
	if written == 0 {
		return nil
	}
	elapsed := time.Since(start)
	p.w.metrics.BytesWrittenTotal.Add(batchBytes)
	p.w.metrics.LastLSN.Set(int64(p.lastLSN))
	p.w.metrics.ObserveAppendLatency(elapsed)
	p.w.broadcast()
	p.w.trigger(hooks.NewPostAppendBatchEvent(hooks.AppendBatchPayload{
		Records:  written,
		Bytes:    batchBytes,
		FirstLSN: firstLSN,
		LastLSN:  p.lastLSN,
		Duration: elapsed,
	}))
	return nil
}

// existingReplica handles a replicated record whose LSN is already taken.
// A re-sent copy of a record already in the tail is accepted as is, which
// lets a replica retry an apply whose outcome it never saw.
func (p *pipeline) existingReplica(it *Item) (core.Record, error) {
	tail := p.tail.Value()
	if core.FileLSN(it.lsn) == tail.FileLSN() && int64(core.Offset(it.lsn)) < tail.Size() {
		rec, err := tail.Get(core.Offset(it.lsn))
		if err == nil && rec.LSN == it.lsn && bytes.Equal(rec.Payload, it.payload) {
			return rec, nil
		}
	}
	return core.Record{}, &core.ContinuityError{Prev: p.lastLSN, Got: it.lsn}
}

func isNextFile(fileLSN, lsn uint64) bool {
	next, err := core.NextFileLSN(fileLSN)
	return err == nil && next == lsn
}

// roll seals the tail and starts the segment that follows it.
func (p *pipeline) roll(ctx context.Context) error {
	next, err := core.NextFileLSN(p.tail.Value().FileLSN())
	if err != nil {
		return err
	}
	return p.rollTo(ctx, next)
}

func (p *pipeline) rollTo(ctx context.Context, next uint64) error {
	_, span := p.w.tracer.Start(ctx, "AppendPipeline.roll")
	defer span.End()

	old := p.tail.Value()
	if err := old.Sync(); err != nil {
		return err
	}
	h, err := p.w.createTail(next)
	if err != nil {
		return err
	}
	p.releaseTail()
	p.tail = h
	p.lastSync = time.Now()
	p.w.metrics.RollsTotal.Add(1)
	p.logger.Info("Rolled log segment.", "sealed", old.Path(), "new", h.Value().Path(), "sealed_size", old.Size())
	span.SetAttributes(attribute.String("wal.sealed", old.Path()), attribute.String("wal.new", h.Value().Path()))
	p.w.trigger(hooks.NewPostSegmentRollEvent(hooks.SegmentRollPayload{
		SealedFileLSN: old.FileLSN(),
		SealedSize:    old.Size(),
		NewFileLSN:    next,
		NewPath:       h.Value().Path(),
	}))
	return nil
}

// restartAt moves an empty log so that its first segment starts at fileLSN.
// Replicas use this to mirror a master whose oldest segments were purged.
func (p *pipeline) restartAt(fileLSN uint64) error {
	old := p.tail.Value()
	if old.FileLSN() == fileLSN {
		return nil
	}
	p.releaseTail()
	if err := p.w.deleteSegment(old.FileLSN()); err != nil {
		return err
	}
	h, err := p.w.createTail(fileLSN)
	if err != nil {
		return err
	}
	p.tail = h
	p.logger.Info("Log restarted at replicated position.", "file_lsn", core.FormatLSN(fileLSN))
	return nil
}

// flush fsyncs the tail if it holds unsynced data and, with FlushUnlock,
// gives the append lock back.
func (p *pipeline) flush() error {
	if p.hot && p.tail != nil {
		if err := p.tail.Value().Sync(); err != nil {
			return err
		}
		p.w.metrics.SyncsTotal.Add(1)
		p.hot = false
		p.lastSync = time.Now()
	}
	if p.opts.FlushUnlock && p.lock.Held() {
		if err := p.lock.Unlock(); err != nil {
			return err
		}
	}
	return nil
}

// purge removes sealed segments whose base LSN is at or below upTo. The
// tail is never removed.
func (p *pipeline) purge(ctx context.Context, upTo uint64) error {
	tailLSN := p.tail.Value().FileLSN()
	var removed []uint64
	for _, fileLSN := range p.w.indexSnapshot() {
		if fileLSN > upTo || fileLSN >= tailLSN {
			break
		}
		if err := p.w.deleteSegment(fileLSN); err != nil {
			return err
		}
		removed = append(removed, fileLSN)
	}
	if len(removed) == 0 {
		return nil
	}
	if err := sys.SyncDir(p.w.dir); err != nil {
		return fmt.Errorf("failed to sync log directory after purge: %w", err)
	}
	p.w.metrics.SegmentsPurged.Add(int64(len(removed)))
	p.logger.Info("Purged log segments.", "count", len(removed), "up_to", core.FormatLSN(upTo))
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("wal.segments_purged", len(removed)))
	p.w.trigger(hooks.NewPostPurgeEvent(hooks.PurgePayload{UpTo: upTo, Removed: removed}))
	return nil
}

// clear deletes every segment and restarts the log at LSN 0.
func (p *pipeline) clear(ctx context.Context) error {
	p.releaseTail()
	removed := p.w.indexSnapshot()
	for _, fileLSN := range removed {
		if err := p.w.deleteSegment(fileLSN); err != nil {
			return err
		}
	}
	h, err := p.w.createTail(0)
	if err != nil {
		return err
	}
	p.tail = h
	p.lastLSN = core.NoLSN
	p.hot = false
	p.w.metrics.ClearsTotal.Add(1)
	p.logger.Info("Cleared log.", "segments_removed", len(removed))
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("wal.segments_removed", len(removed)))
	p.w.trigger(hooks.NewPostClearEvent(hooks.ClearPayload{Dir: p.w.dir, Removed: removed}))
	return nil
}

// fail closes the pipeline after a fatal error. The failing batch and every
// queued item are resolved with the error.
func (p *pipeline) fail(cause error, batch []*Item) {
	p.logger.Error("Append pipeline failed, closing.", "error", cause)
	p.stateMu.Lock()
	if !p.closed {
		p.closed = true
		p.fatalErr = cause
		close(p.stopped)
	}
	p.stateMu.Unlock()

	for _, it := range batch {
		it.resolve(core.Record{}, cause)
	}
	p.w.metrics.AppendErrorsTotal.Add(int64(len(batch)))
	p.drain(p.closedErr())
	p.releaseTail()
	if err := p.lock.Unlock(); err != nil {
		p.logger.Warn("Failed to release append lock.", "error", err)
	}
	p.w.trigger(hooks.NewPostPipelineFatalEvent(hooks.PipelineFatalPayload{Dir: p.w.dir, Err: cause}))
}

// drain resolves everything still queued with err.
func (p *pipeline) drain(err error) {
	if p.queue == nil {
		return
	}
	for {
		select {
		case it := <-p.queue:
			if it.start() {
				it.resolve(core.Record{}, err)
			}
		default:
			return
		}
	}
}

// shutdown commits whatever is queued, then syncs and releases resources.
func (p *pipeline) shutdown() {
	p.stateMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.stopped)
	}
	p.stateMu.Unlock()

	for {
		var it *Item
		select {
		case it = <-p.queue:
		default:
		}
		if it == nil {
			break
		}
		if err := p.commit([]*Item{it}); err != nil {
			p.fail(err, []*Item{it})
			return
		}
	}

	if err := p.flush(); err != nil {
		p.logger.Error("Failed to sync log on close.", "error", err)
	}
	p.releaseTail()
	if err := p.lock.Unlock(); err != nil {
		p.logger.Warn("Failed to release append lock.", "error", err)
	}
}

// close stops the pipeline and waits for in-flight work.
func (p *pipeline) close() error {
	p.stateMu.Lock()
	alreadyFailed := p.fatalErr != nil
	p.stateMu.Unlock()

	if p.opts.SyncMode {
		p.sem <- struct{}{}
		defer func() { <-p.sem }()
		if p.syncFlush != nil {
			p.syncFlush.Stop()
			p.syncFlush = nil
		}
		if !alreadyFailed {
			p.shutdown()
		}
	} else {
		select {
		case <-p.stopCh:
		default:
			close(p.stopCh)
		}
		p.wg.Wait()
	}
	if alreadyFailed {
		return p.closedErr()
	}
	p.logger.Debug("Append pipeline stopped.")
	return nil
}
