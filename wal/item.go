package wal

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/INLOpen/walog/core"
)

type itemKind uint8

const (
	kindAppend itemKind = iota
	kindReplicate
	kindSync
	kindPurge
	kindClear
)

func (k itemKind) String() string {
	switch k {
	case kindAppend:
		return "append"
	case kindReplicate:
		return "replicate"
	case kindSync:
		return "sync"
	case kindPurge:
		return "purge"
	case kindClear:
		return "clear"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Item states. An item moves pending -> running -> done, or pending ->
// canceled; nothing else.
const (
	itemPending int32 = iota
	itemRunning
	itemDone
	itemCanceled
)

// Item is the future of one operation submitted to the append pipeline.
// Its result is assigned exactly once.
type Item struct {
	kind    itemKind
	payload []byte
	// lsn is the exact target of a replicated append, or the purge bound.
	lsn uint64

	state atomic.Int32
	done  chan struct{}

	record core.Record
	err    error
}

func newItem(kind itemKind, payload []byte, lsn uint64) *Item {
	return &Item{kind: kind, payload: payload, lsn: lsn, done: make(chan struct{})}
}

// start moves a pending item to running. It fails if the item was canceled.
func (it *Item) start() bool {
	return it.state.CompareAndSwap(itemPending, itemRunning)
}

// resolve completes a running or pending item.
func (it *Item) resolve(rec core.Record, err error) {
	for {
		s := it.state.Load()
		if s == itemDone || s == itemCanceled {
			return
		}
		if it.state.CompareAndSwap(s, itemDone) {
			it.record = rec
			it.err = err
			close(it.done)
			return
		}
	}
}

// Cancel withdraws the item if it has not been picked up yet.
func (it *Item) Cancel() bool {
	if !it.state.CompareAndSwap(itemPending, itemCanceled) {
		return false
	}
	it.err = core.ErrCanceled
	close(it.done)
	return true
}

// Done is closed once the item is resolved or canceled.
func (it *Item) Done() <-chan struct{} { return it.done }

// Result returns the outcome. It must only be called after Done is closed.
func (it *Item) Result() (core.Record, error) {
	return it.record, it.err
}

// Wait blocks until the item completes. When ctx ends first, Wait tries to
// cancel the item; if it is already running it waits for the real result.
func (it *Item) Wait(ctx context.Context) (core.Record, error) {
	select {
	case <-it.done:
		return it.Result()
	case <-ctx.Done():
	}
	if it.Cancel() {
		return core.Record{}, fmt.Errorf("%w: %w", core.ErrCanceled, ctx.Err())
	}
	<-it.done
	return it.Result()
}

// WaitTimeout waits up to d for the item. On timeout the item is left in
// the pipeline and ErrNotCompleted is returned.
func (it *Item) WaitTimeout(d time.Duration) (core.Record, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-it.done:
		return it.Result()
	case <-timer.C:
		return core.Record{}, core.ErrNotCompleted
	}
}
