package replication

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/INLOpen/walog/core"
	"github.com/INLOpen/walog/wal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testLogOptions(dir string) wal.Options {
	return wal.Options{
		Dir:          dir,
		Logger:       testLogger(),
		PollInterval: 10 * time.Millisecond,
		LockTimeout:  time.Second,
	}
}

func openTestLog(t *testing.T, opts wal.Options) *wal.WAL {
	t.Helper()
	w, err := wal.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func testPayload(i int) []byte {
	return []byte(fmt.Sprintf("record-%04d-%s", i, "0123456789abcdef"))
}

func appendN(t *testing.T, w *wal.WAL, from, to int) []core.Record {
	t.Helper()
	var out []core.Record
	for i := from; i < to; i++ {
		rec, err := w.Append(testPayload(i))
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

// readAll returns every record of w without blocking.
func readAll(t *testing.T, w interface {
	Iterator(timeout time.Duration) *wal.Iterator
}) []core.Record {
	t.Helper()
	it := w.Iterator(-1)
	defer it.Close()
	var out []core.Record
	for it.Next() {
		out = append(out, it.Record())
	}
	require.NoError(t, it.Err())
	return out
}

// recordingApplier keeps copies of the records it is given.
type recordingApplier struct {
	mu         sync.Mutex
	records    []core.Record
	masterLast uint64
	err        error
}

func (a *recordingApplier) Apply(rec core.Record, masterLast uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.records = append(a.records, core.Record{LSN: rec.LSN, Payload: append([]byte(nil), rec.Payload...)})
	a.masterLast = masterLast
	return nil
}

func (a *recordingApplier) snapshot() []core.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]core.Record(nil), a.records...)
}

func (a *recordingApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

// captureTransport records everything sent on it.
type captureTransport struct {
	mu     sync.Mutex
	buf    []byte
	closed bool
}

func (c *captureTransport) Allocate(capacity int) []byte { return make([]byte, 0, capacity) }

func (c *captureTransport) Send(buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrClosed
	}
	c.buf = append(c.buf, buf...)
	return nil
}

func (c *captureTransport) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *captureTransport) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *captureTransport) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf...)
}

// frames decodes every complete frame sent so far.
func (c *captureTransport) frames(t *testing.T) []Frame {
	t.Helper()
	buf := c.bytes()
	var out []Frame
	for {
		f, n, err := NextFrame(buf)
		require.NoError(t, err)
		if n == 0 {
			return out
		}
		out = append(out, f)
		buf = buf[n:]
	}
}
