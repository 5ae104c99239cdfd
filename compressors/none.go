package compressors

import "io"

// NoCompressionCompressor passes data through unchanged.
type NoCompressionCompressor struct{}

var _ Compressor = (*NoCompressionCompressor)(nil)

func NewNoCompressionCompressor() *NoCompressionCompressor {
	return &NoCompressionCompressor{}
}

func (c *NoCompressionCompressor) Type() CompressionType { return CompressionNone }

func (c *NoCompressionCompressor) NewWriter(w io.Writer) (FlushWriteCloser, error) {
	return nopFlushWriter{w}, nil
}

func (c *NoCompressionCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type nopFlushWriter struct {
	io.Writer
}

func (nopFlushWriter) Flush() error { return nil }
func (nopFlushWriter) Close() error { return nil }
