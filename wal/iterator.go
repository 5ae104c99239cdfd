package wal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/INLOpen/walog/cache"
	"github.com/INLOpen/walog/core"
)

// Iterator walks the records of a log in LSN order, following segment
// rollovers. It may outlive the segments it has passed; a segment purged
// underneath it is reported as ErrNotFound.
//
// An Iterator is not safe for concurrent use.
type Iterator struct {
	w       *WAL
	timeout time.Duration

	next      uint64
	fromFirst bool
	seg       *cache.Handle[uint64, *Segment]

	rec    core.Record
	err    error
	closed bool
}

func newIterator(w *WAL, from uint64, timeout time.Duration) *Iterator {
	return &Iterator{
		w:         w,
		timeout:   timeout,
		next:      from,
		fromFirst: from == core.NoLSN,
	}
}

// Next advances to the next record. It returns false when no record is
// available within the iterator's timeout or on error; Err tells the two
// apart. After ErrTimeout, Next may be called again to keep waiting.
func (it *Iterator) Next() bool {
	return it.NextContext(context.Background())
}

// NextContext is Next with an additional cancellation source. A canceled ctx
// is reported through Err.
func (it *Iterator) NextContext(ctx context.Context) bool {
	if it.closed {
		it.err = fmt.Errorf("iterator: %w", core.ErrClosed)
		return false
	}
	if it.err != nil && !errors.Is(it.err, core.ErrTimeout) {
		return false
	}
	it.err = nil

	var deadline time.Time
	if it.timeout > 0 {
		deadline = time.Now().Add(it.timeout)
	}
	for {
		notify := it.w.notifyChan()
		ok, err := it.tryNext()
		if err != nil {
			it.err = err
			return false
		}
		if ok {
			return true
		}
		if it.timeout < 0 {
			return false
		}

		wait := it.w.opts.PollInterval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				it.err = core.ErrTimeout
				return false
			}
			if remaining < wait {
				wait = remaining
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-notify:
		case <-timer.C:
		case <-it.w.closing:
			timer.Stop()
			it.err = fmt.Errorf("log %s: %w", it.w.dir, core.ErrClosed)
			return false
		case <-ctx.Done():
			timer.Stop()
			it.err = ctx.Err()
			return false
		}
		timer.Stop()
	}
}

// tryNext makes one non-blocking attempt to read the next record.
func (it *Iterator) tryNext() (bool, error) {
	for {
		if it.seg == nil {
			found, err := it.position()
			if err != nil || !found {
				return false, err
			}
		}
		seg := it.seg.Value()
		if core.FileLSN(it.next) != seg.FileLSN() {
			it.release()
			continue
		}

		rec, err := seg.Get(core.Offset(it.next))
		if err == nil {
			it.accept(rec)
			return true, nil
		}
		if !errors.Is(err, io.EOF) {
			return false, err
		}

		// End of this segment: move on only once a later one exists, and
		// only after checking that nothing was appended here in between.
		if !it.w.localWriter() {
			if _, err := it.w.refreshIndex(); err != nil {
				return false, err
			}
		}
		nextFile, ok := it.w.nextSegmentAfter(seg.FileLSN())
		if !ok {
			if !it.w.known(seg.FileLSN()) && len(it.w.indexSnapshot()) > 0 {
				return false, fmt.Errorf("segment %s was removed: %w", seg.Path(), core.ErrNotFound)
			}
			replaced, err := seg.Replaced()
			if err != nil || !replaced {
				return false, err
			}
			// The log was cleared and restarted; follow it from its new start.
			it.w.forgetSegment(seg)
			it.release()
			it.fromFirst = true
			continue
		}
		rec, err = seg.Get(core.Offset(it.next))
		if err == nil {
			it.accept(rec)
			return true, nil
		}
		if !errors.Is(err, io.EOF) {
			return false, err
		}
		it.release()
		it.next = core.MakeLSN(nextFile, 0)
	}
}

// position pins the segment holding it.next, resolving "from first" to the
// oldest segment on disk.
func (it *Iterator) position() (bool, error) {
	if it.fromFirst || !it.w.localWriter() {
		if _, err := it.w.refreshIndex(); err != nil {
			return false, err
		}
	}
	for attempt := 0; attempt < 2; attempt++ {
		if it.fromFirst {
			first, ok := it.w.firstSegment()
			if !ok {
				return false, nil
			}
			it.next = core.MakeLSN(first, 0)
		}
		h, err := it.w.acquireSegment(core.FileLSN(it.next))
		if err != nil {
			return false, err
		}
		if h != nil {
			it.seg = h
			it.fromFirst = false
			return true, nil
		}
		if _, ok := it.w.nextSegmentAfter(core.FileLSN(it.next)); !ok {
			return false, nil
		}
		if !it.fromFirst {
			return false, fmt.Errorf("record %s: %w", core.FormatLSN(it.next), core.ErrNotFound)
		}
		// The oldest segment was purged between listing and opening.
		if _, err := it.w.refreshIndex(); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (it *Iterator) accept(rec core.Record) {
	it.rec = rec
	it.next = rec.NextLSN()
}

func (it *Iterator) release() {
	if it.seg != nil {
		it.seg.Release()
		it.seg = nil
	}
}

// Record returns the record Next advanced to.
func (it *Iterator) Record() core.Record { return it.rec }

// Err returns the error that stopped the last Next call, if any.
func (it *Iterator) Err() error { return it.err }

// Close releases the iterator's segment.
func (it *Iterator) Close() error {
	it.release()
	it.closed = true
	return nil
}
