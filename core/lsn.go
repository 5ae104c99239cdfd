package core

import (
	"fmt"
	"strconv"
	"strings"
)

// An LSN packs the base LSN of a segment file (high bits) and a byte offset
// inside that file (low OffsetBits bits).
const (
	OffsetBits       = 32
	MaxSegmentOffset = uint64(1)<<OffsetBits - 1
	fileMask         = ^MaxSegmentOffset

	// MaxFileLSN is the base LSN of the last segment that can be addressed.
	MaxFileLSN = fileMask

	// NoLSN asks for "the first record available" in fetch requests.
	NoLSN = ^uint64(0)

	SegmentFileSuffix = ".wal"
)

// FileLSN returns the base LSN of the segment containing lsn.
func FileLSN(lsn uint64) uint64 { return lsn & fileMask }

// Offset returns the in-segment byte offset of lsn.
func Offset(lsn uint64) uint64 { return lsn & MaxSegmentOffset }

// MakeLSN combines a segment base LSN and an offset.
func MakeLSN(fileLSN, offset uint64) uint64 {
	return FileLSN(fileLSN) | (offset & MaxSegmentOffset)
}

// NextFileLSN returns the base LSN of the segment following the one that
// holds lsn.
func NextFileLSN(lsn uint64) (uint64, error) {
	base := FileLSN(lsn)
	if base == MaxFileLSN {
		return 0, fmt.Errorf("segment after %016x: %w", base, ErrLsnSpaceExhausted)
	}
	return base + MaxSegmentOffset + 1, nil
}

// FormatSegmentFileName returns the file name for the segment starting at fileLSN.
func FormatSegmentFileName(fileLSN uint64) string {
	return fmt.Sprintf("%016x%s", FileLSN(fileLSN), SegmentFileSuffix)
}

// ParseSegmentFileName parses a segment file name back to its base LSN.
func ParseSegmentFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, SegmentFileSuffix) {
		return 0, fmt.Errorf("invalid segment file name %q: missing %s suffix", name, SegmentFileSuffix)
	}
	hex := strings.TrimSuffix(name, SegmentFileSuffix)
	if len(hex) != 16 {
		return 0, fmt.Errorf("invalid segment file name %q: expected 16 hex digits", name)
	}
	v, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid segment file name %q: %w", name, err)
	}
	if Offset(v) != 0 {
		return 0, fmt.Errorf("invalid segment file name %q: base lsn has a non-zero offset", name)
	}
	return v, nil
}

// FormatLSN renders an LSN as "file:offset" for logs.
func FormatLSN(lsn uint64) string {
	if lsn == NoLSN {
		return "none"
	}
	return fmt.Sprintf("%016x:%d", FileLSN(lsn), Offset(lsn))
}
