package replication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/walog/core"
	"github.com/INLOpen/walog/hooks"
)

func walFrame(t *testing.T, masterLast uint64, lsn uint64, payload string) []byte {
	t.Helper()
	buf, err := AppendWALFrame(nil, masterLast, core.Record{LSN: lsn, Payload: []byte(payload)})
	require.NoError(t, err)
	return buf
}

// startPipePair pumps both ends of a pipe into their nodes.
func startPipePair(t *testing.T, mnode *MasterNode, snode *SlaveNode, mEnd, sEnd Link) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		mEnd.Run(ctx, mnode)
		mnode.Close()
	}()
	go func() {
		err := sEnd.Run(ctx, snode)
		snode.CloseWithError(err)
	}()
}

func TestNodes_StreamOverPipe(t *testing.T) {
	master := openTestLog(t, testLogOptions(t.TempDir()))
	want := appendN(t, master, 0, 10)

	mEnd, sEnd := Pipe()
	opts := NodeOptions{Logger: testLogger(), PollInterval: 10 * time.Millisecond}
	mnode := NewMasterNode(master, mEnd, opts)
	applier := &recordingApplier{}
	snode := NewSlaveNode(applier, sEnd, opts)
	require.NoError(t, mnode.Start())
	startPipePair(t, mnode, snode, mEnd, sEnd)
	require.NoError(t, snode.Start(core.NoLSN))

	require.Eventually(t, func() bool { return applier.count() == 10 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, MasterFetching, mnode.State())
	assert.Equal(t, SlaveAppending, snode.State())

	want = append(want, appendN(t, master, 10, 15)...)
	require.Eventually(t, func() bool { return applier.count() == 15 }, 5*time.Second, 5*time.Millisecond)

	got := applier.snapshot()
	for i := range want {
		assert.Equal(t, want[i].LSN, got[i].LSN)
		assert.Equal(t, want[i].Payload, got[i].Payload)
	}
	cursor, ok := snode.Cursor()
	require.True(t, ok)
	assert.Equal(t, want[14].LSN, cursor)

	require.NoError(t, snode.Close())
	select {
	case <-mnode.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("master node did not notice the slave going away")
	}
	assert.Equal(t, MasterClosed, mnode.State())
}

func TestNodes_SlaveSkipsRecordItAlreadyHas(t *testing.T) {
	master := openTestLog(t, testLogOptions(t.TempDir()))
	want := appendN(t, master, 0, 8)

	mEnd, sEnd := Pipe()
	opts := NodeOptions{Logger: testLogger(), PollInterval: 10 * time.Millisecond}
	mnode := NewMasterNode(master, mEnd, opts)
	applier := &recordingApplier{}
	snode := NewSlaveNode(applier, sEnd, opts)
	require.NoError(t, mnode.Start())
	startPipePair(t, mnode, snode, mEnd, sEnd)
	require.NoError(t, snode.Start(want[4].LSN))

	require.Eventually(t, func() bool { return applier.count() == 3 }, 5*time.Second, 5*time.Millisecond)
	got := applier.snapshot()
	assert.Equal(t, want[5].LSN, got[0].LSN)
	assert.Equal(t, want[7].LSN, got[2].LSN)
	snode.Close()
}

func TestNodes_UnavailableStartLSN(t *testing.T) {
	master := openTestLog(t, testLogOptions(t.TempDir()))
	appendN(t, master, 0, 3)

	mEnd, sEnd := Pipe()
	opts := NodeOptions{Logger: testLogger(), PollInterval: 10 * time.Millisecond}
	mnode := NewMasterNode(master, mEnd, opts)
	snode := NewSlaveNode(&recordingApplier{}, sEnd, opts)
	require.NoError(t, mnode.Start())
	startPipePair(t, mnode, snode, mEnd, sEnd)
	require.NoError(t, snode.Start(core.MakeLSN(5<<32, 0)))

	select {
	case <-snode.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("slave was not closed")
	}
	var remote *RemoteError
	require.ErrorAs(t, snode.Err(), &remote)
	assert.Contains(t, remote.Message, "not available")
}

func TestSlaveNode_SplitAndCoalescedFrames(t *testing.T) {
	tr := &captureTransport{}
	applier := &recordingApplier{}
	n := NewSlaveNode(applier, tr, NodeOptions{Logger: testLogger()})
	require.NoError(t, n.Start(core.NoLSN))

	req, err := ParseRequest(tr.bytes())
	require.NoError(t, err)
	assert.Equal(t, core.NoLSN, req)

	// Records of 1 payload byte take 10 bytes.
	var stream []byte
	stream = append(stream, walFrame(t, 20, 0, "a")...)
	stream = append(stream, walFrame(t, 20, 10, "b")...)
	stream = append(stream, walFrame(t, 20, 20, "c")...)

	// Byte by byte for the first frame, the rest in one chunk.
	first := len(walFrame(t, 20, 0, "a"))
	for i := 0; i < first; i++ {
		require.NoError(t, n.Receive(stream[i:i+1]))
	}
	require.Equal(t, 1, applier.count())
	require.NoError(t, n.Receive(stream[first:]))

	got := applier.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, []byte("c"), got[2].Payload)
	assert.Equal(t, uint64(20), applier.masterLast)
}

func TestSlaveNode_AcceptsNextSegment(t *testing.T) {
	tr := &captureTransport{}
	applier := &recordingApplier{}
	n := NewSlaveNode(applier, tr, NodeOptions{Logger: testLogger()})
	require.NoError(t, n.Start(core.NoLSN))

	require.NoError(t, n.Receive(walFrame(t, 1<<32, 0, "a")))
	require.NoError(t, n.Receive(walFrame(t, 1<<32, 1<<32, "b")))
	assert.Equal(t, 2, applier.count())
}

func TestSlaveNode_ContinuityViolation(t *testing.T) {
	tr := &captureTransport{}
	metrics := NewMetrics(nil)
	hm := hooks.NewHookManager(testLogger())
	var violation hooks.ContinuityPayload
	hm.Register(hooks.EventPostContinuityViolation, hooks.ListenerFunc(func(ctx context.Context, e hooks.HookEvent) error {
		violation = e.Payload().(hooks.ContinuityPayload)
		return nil
	}))
	applier := &recordingApplier{}
	n := NewSlaveNode(applier, tr, NodeOptions{Logger: testLogger(), Metrics: metrics, HookManager: hm})
	require.NoError(t, n.Start(core.NoLSN))

	require.NoError(t, n.Receive(walFrame(t, 0, 0, "a")))
	err := n.Receive(walFrame(t, 0, 11, "b"))
	require.Error(t, err)
	assert.True(t, core.IsContinuityViolation(err))

	assert.Equal(t, SlaveClosed, n.State())
	assert.True(t, tr.isClosed())
	assert.Equal(t, 1, applier.count(), "the bad record must not reach the applier")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ContinuityViolations))
	assert.Equal(t, hooks.ContinuityPayload{Prev: 0, Got: 11}, violation)
	assert.ErrorIs(t, n.Receive(walFrame(t, 0, 10, "b")), core.ErrClosed)
}

func TestSlaveNode_FirstRecordMustMatchRequest(t *testing.T) {
	tr := &captureTransport{}
	n := NewSlaveNode(&recordingApplier{}, tr, NodeOptions{Logger: testLogger()})
	require.NoError(t, n.Start(100))

	err := n.Receive(walFrame(t, 0, 0, "a"))
	assert.ErrorIs(t, err, core.ErrProtocol)
	assert.Equal(t, SlaveClosed, n.State())
}

func TestSlaveNode_ErrorFrame(t *testing.T) {
	tr := &captureTransport{}
	n := NewSlaveNode(&recordingApplier{}, tr, NodeOptions{Logger: testLogger()})
	require.NoError(t, n.Start(core.NoLSN))

	err := n.Receive(AppendErrFrame(nil, "boom"))
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "boom", remote.Message)
	assert.Equal(t, err, n.Err())
	<-n.Done()
}

func TestSlaveNode_ApplierFailureCloses(t *testing.T) {
	tr := &captureTransport{}
	applier := &recordingApplier{err: errors.New("disk full")}
	n := NewSlaveNode(applier, tr, NodeOptions{Logger: testLogger()})
	require.NoError(t, n.Start(core.NoLSN))

	err := n.Receive(walFrame(t, 0, 0, "a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	_, ok := n.Cursor()
	assert.False(t, ok, "cursor must not advance past a failed apply")
}

func TestSlaveNode_DataBeforeStart(t *testing.T) {
	n := NewSlaveNode(&recordingApplier{}, &captureTransport{}, NodeOptions{Logger: testLogger()})
	assert.ErrorIs(t, n.Receive([]byte{1}), core.ErrProtocol)
}

func TestMasterNode_UnknownCommand(t *testing.T) {
	master := openTestLog(t, testLogOptions(t.TempDir()))
	tr := &captureTransport{}
	n := NewMasterNode(master, tr, NodeOptions{Logger: testLogger()})
	require.NoError(t, n.Start())
	assert.Equal(t, MasterWaiting, n.State())

	req := AppendRequest(nil, core.NoLSN)
	req[0] = 0x09
	// A request may arrive in pieces.
	require.NoError(t, n.Receive(req[:4]))
	err := n.Receive(req[4:])
	assert.ErrorIs(t, err, core.ErrProtocol)

	assert.Equal(t, MasterClosed, n.State())
	assert.True(t, tr.isClosed())
	frames := tr.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, StatusErr, frames[0].Status)
	assert.Contains(t, frames[0].Message, "unknown command")
}

func TestMasterNode_StreamsAndRejectsExtraInput(t *testing.T) {
	master := openTestLog(t, testLogOptions(t.TempDir()))
	recs := appendN(t, master, 0, 4)

	tr := &captureTransport{}
	metrics := NewMetrics(nil)
	n := NewMasterNode(master, tr, NodeOptions{Logger: testLogger(), Metrics: metrics, PollInterval: 10 * time.Millisecond})
	require.NoError(t, n.Start())
	require.NoError(t, n.Receive(AppendRequest(nil, recs[1].LSN)))

	require.Eventually(t, func() bool { return len(tr.frames(t)) == 3 }, 5*time.Second, 5*time.Millisecond)
	frames := tr.frames(t)
	for i, f := range frames {
		assert.Equal(t, StatusWAL, f.Status)
		assert.Equal(t, recs[i+1].LSN, f.Record.LSN)
		assert.Equal(t, recs[3].LSN, f.MasterLast)
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ConnectedSlaves))

	err := n.Receive([]byte{0x01})
	assert.ErrorIs(t, err, core.ErrProtocol)
	require.NoError(t, n.Close())
	assert.Equal(t, MasterClosed, n.State())
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.ConnectedSlaves))
}

func TestMasterNode_StartTwice(t *testing.T) {
	master := openTestLog(t, testLogOptions(t.TempDir()))
	n := NewMasterNode(master, &captureTransport{}, NodeOptions{Logger: testLogger()})
	require.NoError(t, n.Start())
	assert.ErrorIs(t, n.Start(), core.ErrProtocol)
	require.NoError(t, n.Close())
}
