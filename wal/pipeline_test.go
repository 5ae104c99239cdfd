package wal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/walog/core"
	"github.com/INLOpen/walog/sys"
)

func holdAppendLock(t *testing.T, dir string) *sys.FileLock {
	t.Helper()
	l := sys.NewFileLock(filepath.Join(dir, LockFileName))
	require.NoError(t, l.Lock(time.Second))
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestPipeline_LockTimeoutFailsOnlyItsBatch(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(t, dir)
	opts.FlushUnlock = true
	opts.FlushPeriod = -1
	opts.LockTimeout = 50 * time.Millisecond
	w := openTestWAL(t, opts)

	first, err := w.Append([]byte("first"))
	require.NoError(t, err)

	other := holdAppendLock(t, dir)
	_, err = w.Append([]byte("rejected"))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrLockTimeout)
	assert.Equal(t, int64(1), w.Metrics().LockTimeoutsTotal.Value())

	require.NoError(t, other.Unlock())
	rec, err := w.Append([]byte("second"))
	require.NoError(t, err, "the pipeline stays usable after a lock timeout")
	assert.Equal(t, first.NextLSN(), rec.LSN)

	all := collect(t, w)
	require.Len(t, all, 2)
	assert.Equal(t, []byte("second"), all[1].Payload)
}

func TestPipeline_ReadersDoNotWaitForAppendLock(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(t, dir)
	opts.FlushUnlock = true
	opts.FlushPeriod = -1
	opts.LockTimeout = 2 * time.Second
	w := openTestWAL(t, opts)

	_, err := w.Append([]byte("a"))
	require.NoError(t, err)

	other := holdAppendLock(t, dir)
	it, err := w.AppendAsync([]byte("b"))
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	start := time.Now()
	all := collect(t, w)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "a non-blocking read must not wait for the writer's lock")
	assert.Len(t, all, 1)

	require.NoError(t, other.Unlock())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := it.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), rec.Payload)
}

func TestPipeline_FatalErrorResolvesQueuedItems(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(t, dir)
	opts.RollSize = 64
	w := openTestWAL(t, opts)

	_, err := w.Append(make([]byte, 60))
	require.NoError(t, err)
	// A directory in place of the next segment makes the rollover fail.
	require.NoError(t, os.Mkdir(filepath.Join(dir, core.FormatSegmentFileName(1<<32)), 0755))

	var items []*Item
	for i := 0; i < 10; i++ {
		it, err := w.AppendAsync([]byte("after"))
		if err != nil {
			assert.ErrorIs(t, err, core.ErrClosed)
			continue
		}
		items = append(items, it)
	}
	require.NotEmpty(t, items)
	for i, it := range items {
		select {
		case <-it.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("item %d was never resolved", i)
		}
		_, err := it.Result()
		assert.Error(t, err, "item %d", i)
	}

	start := time.Now()
	_, err = w.Append([]byte("late"))
	assert.ErrorIs(t, err, core.ErrClosed)
	_, err = w.Sync()
	assert.ErrorIs(t, err, core.ErrClosed)
	assert.Less(t, time.Since(start), time.Second, "a failed pipeline rejects calls without waiting")
	assert.NoError(t, w.Close(), "closing a failed log still releases its files")
}

func TestPipeline_FailedBatchReportsNoSuccess(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(t, dir)
	opts.SyncMode = true
	opts.DisableAutoFlush = true
	w := openTestWAL(t, opts)
	require.NoError(t, os.Mkdir(filepath.Join(dir, core.FormatSegmentFileName(1<<32)), 0755))

	p, err := w.pipeline()
	require.NoError(t, err)
	a := newItem(kindReplicate, []byte("a"), 0)
	b := newItem(kindReplicate, []byte("b"), 1<<32)
	batch := []*Item{a, b}

	err = p.commit(batch)
	require.Error(t, err)
	p.fail(err, batch)

	for _, it := range batch {
		<-it.Done()
		_, err := it.Result()
		assert.Error(t, err, "no item of a failed batch may succeed")
	}
	assert.Zero(t, w.Metrics().ReplicatedTotal.Value())
}

func TestPipeline_RollsWhenOffsetsRunOut(t *testing.T) {
	opts := testOptions(t, t.TempDir())
	opts.SyncMode = true
	opts.DisableAutoFlush = true
	opts.RollSize = int64(core.MaxSegmentOffset)
	w := openTestWAL(t, opts)

	_, err := w.Append([]byte("a"))
	require.NoError(t, err)

	p, err := w.pipeline()
	require.NoError(t, err)
	seg := p.tail.Value()
	seg.mu.Lock()
	seg.size = int64(core.MaxSegmentOffset) - 8
	seg.mu.Unlock()

	rec, err := w.Append([]byte("does not fit"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1)<<32, rec.LSN, "the record starts the next segment")
	assert.Equal(t, []uint64{0, 1 << 32}, w.Segments())
	assert.Equal(t, int64(1), w.Metrics().RollsTotal.Value())
}

func TestPipeline_SyncModeFlushesAfterPeriod(t *testing.T) {
	opts := testOptions(t, t.TempDir())
	opts.SyncMode = true
	opts.FlushPeriod = 50 * time.Millisecond
	w := openTestWAL(t, opts)

	_, err := w.Append([]byte("a"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return w.Metrics().SyncsTotal.Value() == 1
	}, 2*time.Second, 5*time.Millisecond, "hot data is synced without another append")
}

func TestPipeline_RecordsAppendLatency(t *testing.T) {
	w := openTestWAL(t, testOptions(t, t.TempDir()))
	for i := 0; i < 20; i++ {
		_, err := w.Append([]byte("x"))
		require.NoError(t, err)
	}

	lat := w.Metrics().AppendLatency
	assert.Equal(t, w.Metrics().BatchesTotal.Value(), int64(lat.Count()))
	assert.GreaterOrEqual(t, lat.Quantile(0.99), lat.Quantile(0.50))
	snap := lat.Snapshot().(map[string]any)
	assert.Contains(t, snap, "p50")
	assert.Contains(t, snap, "p99")
}

func TestItem_CancelOnlyWhilePending(t *testing.T) {
	t.Run("pending", func(t *testing.T) {
		it := newItem(kindAppend, []byte("x"), 0)
		require.True(t, it.Cancel())
		<-it.Done()
		_, err := it.Result()
		assert.ErrorIs(t, err, core.ErrCanceled)
		assert.False(t, it.Cancel(), "an item is canceled once")
		assert.False(t, it.start(), "a canceled item is never committed")
	})

	t.Run("running", func(t *testing.T) {
		it := newItem(kindAppend, []byte("x"), 0)
		require.True(t, it.start())
		assert.False(t, it.Cancel())
		it.resolve(core.Record{LSN: 7}, nil)
		rec, err := it.Result()
		require.NoError(t, err)
		assert.Equal(t, uint64(7), rec.LSN)
	})

	t.Run("done", func(t *testing.T) {
		it := newItem(kindAppend, []byte("x"), 0)
		it.resolve(core.Record{}, nil)
		assert.False(t, it.Cancel())
		_, err := it.Result()
		assert.NoError(t, err)
	})

	t.Run("wait with expired context", func(t *testing.T) {
		it := newItem(kindAppend, []byte("x"), 0)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := it.Wait(ctx)
		assert.ErrorIs(t, err, core.ErrCanceled)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
