package compressors

import (
	"io"

	"github.com/golang/snappy"
)

// SnappyCompressor implements the Compressor interface using the Snappy
// framing format.
type SnappyCompressor struct{}

var _ Compressor = (*SnappyCompressor)(nil)

func NewSnappyCompressor() *SnappyCompressor {
	return &SnappyCompressor{}
}

func (c *SnappyCompressor) Type() CompressionType { return CompressionSnappy }

func (c *SnappyCompressor) NewWriter(w io.Writer) (FlushWriteCloser, error) {
	return snappy.NewBufferedWriter(w), nil
}

func (c *SnappyCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	// No resources to release for the snappy reader.
	return io.NopCloser(snappy.NewReader(r)), nil
}
