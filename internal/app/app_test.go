package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/INLOpen/walog/config"
	"github.com/INLOpen/walog/hooks"
)

func TestCreateLogger(t *testing.T) {
	t.Run("file output", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "walog.log")
		logger, closer, err := CreateLogger(config.LoggingConfig{Level: "warn", Output: "file", File: path})
		require.NoError(t, err)
		require.NotNil(t, closer)

		logger.Info("dropped")
		logger.Warn("kept", "component", "test")
		require.NoError(t, closer.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "dropped")
		assert.Contains(t, string(data), `"msg":"kept"`)
	})

	t.Run("none", func(t *testing.T) {
		logger, closer, err := CreateLogger(config.LoggingConfig{Level: "DEBUG", Output: "none"})
		require.NoError(t, err)
		assert.Nil(t, closer)
		assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
	})

	errCases := []config.LoggingConfig{
		{Level: "verbose", Output: "stdout"},
		{Level: "info", Output: "syslog"},
		{Level: "info", Output: "file"},
	}
	for _, cfg := range errCases {
		_, _, err := CreateLogger(cfg)
		assert.Error(t, err, "%+v", cfg)
	}
}

func TestInitTracerProvider(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tp, cleanup, err := InitTracerProvider(config.TracingConfig{Enabled: false}, "walog-test", logger)
	require.NoError(t, err)
	assert.IsType(t, noop.TracerProvider{}, tp)
	cleanup()

	_, _, err = InitTracerProvider(config.TracingConfig{Enabled: true, Protocol: "carrier-pigeon"}, "walog-test", logger)
	assert.Error(t, err)
}

func TestLogEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	hm := hooks.NewHookManager(nil)
	LogEvents(hm, logger, hooks.EventPostSlaveConnected, hooks.EventPostPipelineFatal)

	require.NoError(t, hm.Trigger(context.Background(), hooks.NewPostSlaveConnectedEvent(hooks.SlavePayload{RemoteAddr: "10.0.0.7:4000"})))
	require.NoError(t, hm.Trigger(context.Background(), hooks.NewPostPurgeEvent(hooks.PurgePayload{UpTo: 1})))

	out := buf.String()
	assert.Contains(t, out, `"event":"PostSlaveConnected"`)
	assert.Contains(t, out, "10.0.0.7:4000")
	assert.NotContains(t, out, "PostPurge")
}
