package main

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/walog/wal"
)

func TestAppendLines(t *testing.T) {
	w, err := wal.Open(wal.Options{
		Dir:         t.TempDir(),
		LockTimeout: time.Second,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	defer w.Close()

	n, err := appendLines(w, strings.NewReader("alpha\nbeta\n\ngamma"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	it := w.Iterator(-1)
	defer it.Close()
	var got []string
	for it.Next() {
		got = append(got, string(it.Record().Payload))
	}
	assert.Equal(t, []string{"alpha", "beta", "", "gamma"}, got)
}
