package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/walog/cache"
	"github.com/INLOpen/walog/core"
	"github.com/INLOpen/walog/sys"
)

// blockKey identifies a cached block. Segment ids are unique per opened
// handle, so a re-created file never sees blocks of its predecessor.
type blockKey struct {
	segment uint64
	index   int64
}

type blockCache = cache.Cache[blockKey, []byte]

var segmentIDs atomic.Uint64

// Segment is one log file holding the records whose LSNs share its base LSN.
type Segment struct {
	id      uint64
	fileLSN uint64
	path    string
	logger  *slog.Logger

	blockSize int
	blocks    *blockCache
	pool      *core.BlockPool
	exclusive func() bool

	mu       sync.RWMutex
	file     *os.File
	size     int64
	writable bool
	closed   bool
}

type segmentConfig struct {
	blockSize int
	blocks    *blockCache
	pool      *core.BlockPool
	logger    *slog.Logger
	// exclusive reports whether this process holds the append lock.
	exclusive func() bool
}

func segmentPath(dir string, fileLSN uint64) string {
	return filepath.Join(dir, core.FormatSegmentFileName(fileLSN))
}

// createSegment creates a new, empty, writable segment. It fails if the
// file already exists.
func createSegment(dir string, fileLSN uint64, cfg segmentConfig) (*Segment, error) {
	path := segmentPath(dir, fileLSN)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}
	if err := sys.SyncDir(dir); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to sync log directory after creating %s: %w", path, err)
	}
	return newSegment(f, path, fileLSN, 0, true, cfg), nil
}

// openSegment opens an existing segment file. Writable handles must be
// recovered before the first append.
func openSegment(dir string, fileLSN uint64, writable bool, cfg segmentConfig) (*Segment, error) {
	path := segmentPath(dir, fileLSN)
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat segment file %s: %w", path, err)
	}
	return newSegment(f, path, fileLSN, stat.Size(), writable, cfg), nil
}

func newSegment(f *os.File, path string, fileLSN uint64, size int64, writable bool, cfg segmentConfig) *Segment {
	exclusive := cfg.exclusive
	if exclusive == nil {
		exclusive = func() bool { return true }
	}
	return &Segment{
		exclusive: exclusive,
		id:        segmentIDs.Add(1),
		fileLSN:   fileLSN,
		path:      path,
		logger:    cfg.logger,
		blockSize: cfg.blockSize,
		blocks:    cfg.blocks,
		pool:      cfg.pool,
		file:      f,
		size:      size,
		writable:  writable,
	}
}

// FileLSN returns the base LSN of the segment.
func (s *Segment) FileLSN() uint64 { return s.fileLSN }

// Path returns the segment file path.
func (s *Segment) Path() string { return s.path }

// Size returns the current write position.
func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Writable reports whether appends are allowed through this handle.
func (s *Segment) Writable() bool { return s.writable }

// Fits reports whether a record of n encoded bytes still fits in the
// segment's address space.
func (s *Segment) Fits(n int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(s.size)+uint64(n) <= core.MaxSegmentOffset+1
}

// Get reads the record stored at offset. It returns io.EOF when no complete
// record starts there yet.
func (s *Segment) Get(offset uint64) (core.Record, error) {
	size, err := s.readableSize(int64(offset))
	if err != nil {
		return core.Record{}, err
	}
	off := int64(offset)
	if off >= size {
		return core.Record{}, io.EOF
	}

	hdrLen := int64(4)
	if size-off < hdrLen {
		hdrLen = size - off
	}
	hdr, err := s.readAt(off, int(hdrLen), size)
	if err != nil {
		return core.Record{}, err
	}
	n, prefix, err := core.DecodeHeader(hdr)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return core.Record{}, io.EOF
		}
		return core.Record{}, &core.CorruptError{Path: s.path, Offset: offset, Reason: "bad length prefix", Err: err}
	}
	total := int64(prefix + n + core.TrailerSize)
	if off+total > size {
		// Another process may still be writing this record.
		return core.Record{}, io.EOF
	}
	buf, err := s.readAt(off, int(total), size)
	if err != nil {
		return core.Record{}, err
	}
	payload, _, err := core.DecodeRecord(buf, offset)
	if err != nil {
		var ce *core.CorruptError
		if errors.As(err, &ce) {
			ce.Path = s.path
		}
		return core.Record{}, err
	}
	return core.Record{LSN: core.MakeLSN(s.fileLSN, offset), Payload: payload}, nil
}

// Replaced reports whether the file at the segment's path is no longer the
// one this handle has open, as after a Clear recreated it.
func (s *Segment) Replaced() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, fmt.Errorf("segment %s: %w", s.path, core.ErrClosed)
	}
	onDisk, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat segment file %s: %w", s.path, err)
	}
	mine, err := s.file.Stat()
	if err != nil {
		return false, fmt.Errorf("failed to stat segment file %s: %w", s.path, err)
	}
	return !os.SameFile(onDisk, mine), nil
}

// readableSize returns the size reads may rely on. Handles look at the file
// again when asked past their last known end, unless this process owns the
// append lock and the write position is therefore exact.
func (s *Segment) readableSize(off int64) (int64, error) {
	s.mu.RLock()
	size, closed := s.size, s.closed
	s.mu.RUnlock()
	if closed {
		return 0, fmt.Errorf("segment %s: %w", s.path, core.ErrClosed)
	}
	if off < size || (s.writable && s.exclusive()) {
		return size, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("segment %s: %w", s.path, core.ErrClosed)
	}
	stat, err := s.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat segment file %s: %w", s.path, err)
	}
	if s.writable {
		// The write position only moves through Append and Recover.
		if stat.Size() > s.size {
			return stat.Size(), nil
		}
		return s.size, nil
	}
	if stat.Size() < s.size {
		// Truncated by another process's recovery.
		s.invalidateFromLocked(stat.Size())
	}
	s.size = stat.Size()
	return s.size, nil
}

// readAt assembles n bytes at off. Full blocks go through the block cache,
// the trailing partial block is read from the file directly.
func (s *Segment) readAt(off int64, n int, size int64) ([]byte, error) {
	out := make([]byte, n)
	bs := int64(s.blockSize)
	done := 0
	for done < n {
		pos := off + int64(done)
		idx := pos / bs
		start := idx * bs
		if s.blocks == nil || start+bs > size {
			k, err := s.file.ReadAt(out[done:], pos)
			done += k
			if done < n {
				if err == nil || err == io.EOF {
					err = io.ErrUnexpectedEOF
				}
				return nil, fmt.Errorf("failed to read segment %s at %d: %w", s.path, pos, err)
			}
			break
		}
		h, err := s.block(idx)
		if err != nil {
			return nil, err
		}
		done += copy(out[done:], h.Value()[pos-start:])
		h.Release()
	}
	return out, nil
}

func (s *Segment) block(idx int64) (*cache.Handle[blockKey, []byte], error) {
	key := blockKey{segment: s.id, index: idx}
	if h, ok := s.blocks.Get(key); ok {
		return h, nil
	}
	buf := s.pool.Get()
	if _, err := s.file.ReadAt(buf, idx*int64(s.blockSize)); err != nil {
		s.pool.Put(buf)
		return nil, fmt.Errorf("failed to read block %d of %s: %w", idx, s.path, err)
	}
	return s.blocks.Insert(key, buf), nil
}

// Append writes the payloads as consecutive records at the write position
// with a single write. The position only moves once the write succeeded.
func (s *Segment) Append(payloads [][]byte) ([]core.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("segment %s: %w", s.path, core.ErrClosed)
	}
	if !s.writable {
		return nil, fmt.Errorf("segment %s: %w", s.path, core.ErrReadOnly)
	}

	buf := core.EncodeBufferPool.Get()
	buf.Reset()
	defer core.EncodeBufferPool.Put(buf)

	records := make([]core.Record, len(payloads))
	off := uint64(s.size)
	for i, p := range payloads {
		size := uint64(core.EncodedSize(len(p)))
		if off+size > core.MaxSegmentOffset+1 {
			return nil, fmt.Errorf("segment %s cannot hold %d more bytes: %w", s.path, size, core.ErrLsnSpaceExhausted)
		}
		enc, err := core.AppendEncoded(buf.AvailableBuffer(), off, p)
		if err != nil {
			return nil, err
		}
		buf.Write(enc)
		records[i] = core.Record{LSN: core.MakeLSN(s.fileLSN, off), Payload: p}
		off += size
	}

	if _, err := s.file.WriteAt(buf.Bytes(), s.size); err != nil {
		return nil, fmt.Errorf("failed to write %d bytes to segment %s: %w", buf.Len(), s.path, err)
	}
	s.size = int64(off)
	return records, nil
}

// Recover validates the end of the file and truncates anything after the
// last intact record. It returns the number of bytes cut off.
func (s *Segment) Recover() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.writable {
		return 0, fmt.Errorf("recover segment %s: %w", s.path, core.ErrReadOnly)
	}

	stat, err := s.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat segment file %s: %w", s.path, err)
	}
	size := stat.Size()
	if size < s.size {
		s.invalidateFromLocked(size)
	}

	if size < core.MinRecordSize {
		return s.truncateLocked(size, 0)
	}
	if s.tailIsIntact(size) {
		s.size = size
		return 0, nil
	}

	valid, err := s.scanValid(size)
	if err != nil {
		return 0, err
	}
	return s.truncateLocked(size, valid)
}

// tailIsIntact follows the trailing self offset back to the last record and
// checks that it decodes and ends exactly at size.
func (s *Segment) tailIsIntact(size int64) bool {
	var trailer [core.TrailerSize]byte
	if _, err := s.file.ReadAt(trailer[:], size-core.TrailerSize); err != nil {
		return false
	}
	last := int64(binary.LittleEndian.Uint32(trailer[0:4]))
	if last >= size {
		return false
	}
	buf := make([]byte, size-last)
	if _, err := s.file.ReadAt(buf, last); err != nil {
		return false
	}
	_, n, err := core.DecodeRecord(buf, uint64(last))
	return err == nil && int64(n) == size-last
}

// scanValid walks the file from the start and returns the end offset of the
// last record that decodes cleanly.
func (s *Segment) scanValid(size int64) (int64, error) {
	r := bufio.NewReaderSize(io.NewSectionReader(s.file, 0, size), 1<<20)
	var off int64
	var rec []byte
	for off < size {
		peek := int64(4)
		if size-off < peek {
			peek = size - off
		}
		hdr, err := r.Peek(int(peek))
		if err != nil {
			return 0, fmt.Errorf("failed to scan segment %s at %d: %w", s.path, off, err)
		}
		n, prefix, err := core.DecodeHeader(hdr)
		if err != nil {
			break
		}
		total := int64(prefix + n + core.TrailerSize)
		if off+total > size {
			break
		}
		if int64(cap(rec)) < total {
			rec = make([]byte, total)
		}
		rec = rec[:total]
		if _, err := io.ReadFull(r, rec); err != nil {
			return 0, fmt.Errorf("failed to scan segment %s at %d: %w", s.path, off, err)
		}
		if _, _, err := core.DecodeRecord(rec, uint64(off)); err != nil {
			break
		}
		off += total
	}
	return off, nil
}

func (s *Segment) truncateLocked(size, valid int64) (int64, error) {
	s.size = valid
	if size == valid {
		return 0, nil
	}
	if err := s.file.Truncate(valid); err != nil {
		return 0, fmt.Errorf("failed to truncate segment %s to %d: %w", s.path, valid, err)
	}
	if err := s.file.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync segment %s after truncation: %w", s.path, err)
	}
	s.invalidateFromLocked(valid)
	s.logger.Warn("Truncated damaged segment tail", "path", s.path, "old_size", size, "new_size", valid)
	return size - valid, nil
}

// invalidateFromLocked drops cached blocks that reach past off.
func (s *Segment) invalidateFromLocked(off int64) {
	if s.blocks == nil {
		return
	}
	first := off / int64(s.blockSize)
	id := s.id
	s.blocks.RemoveFunc(func(k blockKey) bool {
		return k.segment == id && k.index >= first
	})
}

// LastRecord returns the last record of the segment, or false when empty.
func (s *Segment) LastRecord() (core.Record, bool, error) {
	size, err := s.readableSize(0)
	if err != nil {
		return core.Record{}, false, err
	}
	// Pick up appends made by other processes since the handle was opened.
	if size, err = s.readableSize(size); err != nil {
		return core.Record{}, false, err
	}
	if size < core.MinRecordSize {
		return core.Record{}, false, nil
	}
	trailer, err := s.readAt(size-core.TrailerSize, core.TrailerSize, size)
	if err != nil {
		return core.Record{}, false, err
	}
	last := uint64(binary.LittleEndian.Uint32(trailer[0:4]))
	rec, err := s.Get(last)
	if err != nil {
		return core.Record{}, false, err
	}
	return rec, true, nil
}

// Sync flushes written data to stable storage.
func (s *Segment) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment %s: %w", s.path, err)
	}
	return nil
}

// Close releases the file and the segment's cached blocks.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.invalidateFromLocked(0)
	return s.file.Close()
}
