package compressors

import (
	"io"

	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements the Compressor interface using the LZ4 frame format.
type LZ4Compressor struct{}

var _ Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Type() CompressionType { return CompressionLZ4 }

func (c *LZ4Compressor) NewWriter(w io.Writer) (FlushWriteCloser, error) {
	zw := lz4.NewWriter(w)
	// Small blocks keep the latency of a flushed frame low.
	if err := zw.Apply(lz4.BlockSizeOption(lz4.Block64Kb)); err != nil {
		return nil, err
	}
	return zw, nil
}

func (c *LZ4Compressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}
