package core

import "fmt"

// Length prefix tags. Lengths up to MaxDirectLength are stored in the tag
// byte itself.
const (
	MaxDirectLength = 0xFA
	tagLength16     = 0xFC
	tagLength24     = 0xFD

	// MaxPayloadSize is the largest payload the codec can frame.
	MaxPayloadSize = 1<<24 - 1

	// TrailerSize covers the self offset and the checksum.
	TrailerSize = 8

	// MinRecordSize is the encoded size of an empty record.
	MinRecordSize = 1 + TrailerSize
)

// Record is a framed payload addressed by its LSN.
type Record struct {
	LSN     uint64
	Payload []byte
}

// PrefixSize returns the number of bytes used by the length prefix for a
// payload of n bytes.
func PrefixSize(n int) int {
	switch {
	case n <= MaxDirectLength:
		return 1
	case n <= 0xFFFF:
		return 3
	default:
		return 4
	}
}

// EncodedSize returns the on-disk size of a record carrying n payload bytes.
func EncodedSize(n int) int {
	return PrefixSize(n) + n + TrailerSize
}

// Tag returns the first byte of the length prefix.
func (r Record) Tag() byte {
	n := len(r.Payload)
	switch {
	case n <= MaxDirectLength:
		return byte(n)
	case n <= 0xFFFF:
		return tagLength16
	default:
		return tagLength24
	}
}

// Size returns the encoded size of the record.
func (r Record) Size() int { return EncodedSize(len(r.Payload)) }

// FileLSN returns the base LSN of the segment holding the record.
func (r Record) FileLSN() uint64 { return FileLSN(r.LSN) }

// Offset returns the in-segment offset of the record.
func (r Record) Offset() uint64 { return Offset(r.LSN) }

// NextLSN is the LSN of the record that follows in the same segment.
func (r Record) NextLSN() uint64 { return r.LSN + uint64(r.Size()) }

// NextFileLSN is the LSN of the first record of the following segment.
func (r Record) NextFileLSN() (uint64, error) { return NextFileLSN(r.LSN) }

// Follows reports whether r may directly follow prev in a log.
func (r Record) Follows(prev Record) bool {
	if r.LSN == prev.NextLSN() {
		return true
	}
	next, err := prev.NextFileLSN()
	return err == nil && r.LSN == next
}

func (r Record) String() string {
	return fmt.Sprintf("Record{lsn=%s, len=%d}", FormatLSN(r.LSN), len(r.Payload))
}
