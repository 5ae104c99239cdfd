package compressors

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	testCases := []struct {
		name string
		want CompressionType
	}{
		{"", CompressionNone},
		{"none", CompressionNone},
		{"Snappy", CompressionSnappy},
		{"lz4", CompressionLZ4},
		{" zstd ", CompressionZSTD},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Parse(tc.name)
			require.NoError(t, err)
			assert.Equal(t, tc.want, c.Type())
		})
	}

	_, err := Parse("brotli")
	assert.Error(t, err)
}

func TestCompressors_StreamRoundTrip(t *testing.T) {
	frames := [][]byte{
		[]byte("hello world, this is a test of the stream compressors"),
		bytes.Repeat([]byte("a"), 64<<10),
		{},
		[]byte("82f7b5a3e1d9c0f4b8a6d2c1e0f3a9b8d7c6e5f4a3b2c1d0e9f8a7b6c5d4e3f2"),
	}
	var want []byte
	for _, f := range frames {
		want = append(want, f...)
	}

	for _, typ := range []CompressionType{CompressionNone, CompressionSnappy, CompressionLZ4, CompressionZSTD} {
		t.Run(typ.String(), func(t *testing.T) {
			c, err := ForType(typ)
			require.NoError(t, err)

			var buf bytes.Buffer
			w, err := c.NewWriter(&buf)
			require.NoError(t, err)
			for _, f := range frames {
				_, err := w.Write(f)
				require.NoError(t, err)
				require.NoError(t, w.Flush())
			}
			require.NoError(t, w.Close())

			if typ != CompressionNone {
				assert.Less(t, buf.Len(), len(want), "repetitive input should shrink")
			}

			r, err := c.NewReader(&buf)
			require.NoError(t, err)
			defer r.Close()
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestSnappy_FlushMakesDataReadable(t *testing.T) {
	c := NewSnappyCompressor()
	pr, pw := io.Pipe()
	w, err := c.NewWriter(pw)
	require.NoError(t, err)

	go func() {
		w.Write([]byte("frame-1"))
		w.Flush()
	}()

	r, err := c.NewReader(pr)
	require.NoError(t, err)
	got := make([]byte, len("frame-1"))
	_, err = io.ReadFull(r, got)
	require.NoError(t, err)
	assert.Equal(t, []byte("frame-1"), got)
	pw.Close()
}
