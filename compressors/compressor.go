package compressors

import (
	"fmt"
	"io"
	"strings"
)

// CompressionType identifies a stream compression algorithm.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionLZ4
	CompressionZSTD
)

func (t CompressionType) String() string {
	switch t {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(t))
	}
}

// FlushWriteCloser is a compressing writer. Flush pushes everything written
// so far to the underlying writer so that the peer can decode it.
type FlushWriteCloser interface {
	io.WriteCloser
	Flush() error
}

// Compressor wraps byte streams.
type Compressor interface {
	Type() CompressionType
	NewWriter(w io.Writer) (FlushWriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// Parse returns the compressor registered under name. An empty name means none.
func Parse(name string) (Compressor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return NewNoCompressionCompressor(), nil
	case "snappy":
		return NewSnappyCompressor(), nil
	case "lz4":
		return NewLz4Compressor(), nil
	case "zstd":
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression %q", name)
	}
}

// ForType returns the compressor for t.
func ForType(t CompressionType) (Compressor, error) {
	return Parse(t.String())
}
