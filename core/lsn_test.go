package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLSNDecomposition(t *testing.T) {
	lsns := []uint64{0, 1, MaxSegmentOffset, MaxSegmentOffset + 1, 0x0000_0003_0000_1234, MaxFileLSN, MaxFileLSN | 17}
	for _, lsn := range lsns {
		assert.Equal(t, lsn, MakeLSN(FileLSN(lsn), Offset(lsn)), "lsn %x", lsn)
		assert.LessOrEqual(t, Offset(lsn), MaxSegmentOffset)
		assert.Zero(t, Offset(FileLSN(lsn)))
	}
}

func TestNextFileLSN(t *testing.T) {
	next, err := NextFileLSN(0x10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1)<<OffsetBits, next)

	next, err = NextFileLSN(MakeLSN(5<<OffsetBits, 99))
	require.NoError(t, err)
	assert.Equal(t, uint64(6)<<OffsetBits, next)

	_, err = NextFileLSN(MaxFileLSN + 5)
	assert.ErrorIs(t, err, ErrLsnSpaceExhausted)
}

func TestSegmentFileName(t *testing.T) {
	assert.Equal(t, "0000000000000000.wal", FormatSegmentFileName(0))
	assert.Equal(t, "0000000100000000.wal", FormatSegmentFileName(1<<OffsetBits))
	assert.Equal(t, "0000000100000000.wal", FormatSegmentFileName(1<<OffsetBits|42), "offset bits are dropped")

	lsn, err := ParseSegmentFileName("00000002a0000000.wal")
	require.Error(t, err, "non-zero offset part")
	assert.Zero(t, lsn)

	lsn, err = ParseSegmentFileName("0000000a00000000.wal")
	require.NoError(t, err)
	assert.Equal(t, uint64(10)<<OffsetBits, lsn)

	for _, bad := range []string{"0000000000000000.log", "00.wal", "zzzzzzzzzzzzzzzz.wal", "append.lock"} {
		_, err := ParseSegmentFileName(bad)
		assert.Error(t, err, bad)
	}
}

func TestRecordNavigation(t *testing.T) {
	r := Record{LSN: MakeLSN(2<<OffsetBits, 100), Payload: []byte("abc")}
	assert.Equal(t, 1+3+TrailerSize, r.Size())
	assert.Equal(t, r.LSN+uint64(r.Size()), r.NextLSN())
	assert.Equal(t, uint64(2)<<OffsetBits, r.FileLSN())
	assert.Equal(t, uint64(100), r.Offset())

	nextFile, err := r.NextFileLSN()
	require.NoError(t, err)
	assert.Equal(t, uint64(3)<<OffsetBits, nextFile)

	assert.True(t, Record{LSN: r.NextLSN()}.Follows(r))
	assert.True(t, Record{LSN: nextFile}.Follows(r))
	assert.False(t, Record{LSN: r.NextLSN() + 1}.Follows(r))
	assert.False(t, Record{LSN: r.LSN}.Follows(r))
}

func TestErrorPredicates(t *testing.T) {
	ce := &CorruptError{Path: "x.wal", Offset: 9, Reason: "checksum mismatch"}
	assert.True(t, IsCorrupt(ce))
	assert.Contains(t, ce.Error(), "x.wal")

	cv := &ContinuityError{Prev: 0, Got: 100}
	assert.True(t, IsContinuityViolation(cv))
	assert.ErrorIs(t, cv, ErrContinuityViolation)

	assert.True(t, IsRecoverable(ErrLockTimeout))
	assert.True(t, IsRecoverable(ErrTimeout))
	assert.False(t, IsRecoverable(ErrClosed))
	assert.ErrorIs(t, &ProtocolError{State: "WAITING", Reason: "bad"}, ErrProtocol)
}
