// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-json-experiment/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/browserkit/internal/config"
)

func bufferSink() (*bytes.Buffer, zapcore.WriteSyncer) {
	var buf bytes.Buffer
	return &buf, zapcore.AddSync(&buf)
}

func TestNew(t *testing.T) {
	t.Run("console encoder colorizes levels", func(t *testing.T) {
		buf, sink := bufferSink()
		logger := New(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "browserkit",
			Colors:      config.ColorConfig{Info: "green", Warn: "none"},
		}, sink)

		logger.Named("launcher").Info("Browser spawned.")
		logger.Warn("Plain warning.")
		require.NoError(t, logger.Sync())

		out := buf.String()
		assert.Contains(t, out, "INFO")
		assert.Contains(t, out, ansi("green")+"INFO"+ansiReset)
		assert.Contains(t, out, "browserkit.launcher.")
		assert.Contains(t, out, "Browser spawned.")
		assert.Contains(t, out, "\tWARN\t", "a color of none leaves the level plain")
	})

	t.Run("json encoder", func(t *testing.T) {
		buf, sink := bufferSink()
		logger := New(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "JSONTest"}, sink)

		logger.Warn("Target crashed.", zap.String("target_id", "T1"))
		require.NoError(t, logger.Sync())

		var entry map[string]any
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
		assert.Equal(t, "warn", entry["level"])
		assert.Equal(t, "JSONTest", entry["logger"])
		assert.Equal(t, "Target crashed.", entry["msg"])
		assert.Equal(t, "T1", entry["target_id"])
	})

	t.Run("level filters output", func(t *testing.T) {
		buf, sink := bufferSink()
		logger := New(config.LoggerConfig{Level: "warn", Format: "json"}, sink)

		logger.Info("hidden")
		require.NoError(t, logger.Sync())
		assert.Empty(t, buf.String())
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		buf, sink := bufferSink()
		logger := New(config.LoggerConfig{Level: "loud", Format: "json"}, sink)

		logger.Debug("hidden")
		logger.Info("shown")
		require.NoError(t, logger.Sync())
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("writes to the rotated log file", func(t *testing.T) {
		_, sink := bufferSink()
		path := filepath.Join(t.TempDir(), "browserkit.log")
		logger := New(config.LoggerConfig{Level: "debug", Format: "console", LogFile: path, MaxSize: 1}, sink)

		logger.Error("This should go to the file.")
		_ = logger.Sync()

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(content), "This should go to the file.")
		assert.Contains(t, string(content), `"level":"error"`, "file output is always JSON")
	})
}

func TestANSI(t *testing.T) {
	assert.Equal(t, "\x1b[31m", ansi("red"))
	assert.Equal(t, "\x1b[36m", ansi("Cyan"))
	assert.Empty(t, ansi("none"))
}

func TestInitialize(t *testing.T) {
	t.Cleanup(ResetForTest)

	t.Run("only the first call wins", func(t *testing.T) {
		ResetForTest()
		buf, sink := bufferSink()

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "First"}, sink)
		first := GetLogger()
		Initialize(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "Second"}, sink)
		second := GetLogger()

		assert.Same(t, first, second)
		second.Info("test")
		Sync()

		assert.Contains(t, buf.String(), "First")
		assert.NotContains(t, buf.String(), "Second")
	})

	t.Run("fallback before initialization", func(t *testing.T) {
		ResetForTest()
		logger := GetLogger()
		require.NotNil(t, logger)
		assert.Nil(t, globalLogger.Load())
	})

	t.Run("returns the stored logger", func(t *testing.T) {
		ResetForTest()
		_, sink := bufferSink()
		Initialize(config.LoggerConfig{Level: "info", ServiceName: "GlobalTest"}, sink)
		assert.Same(t, globalLogger.Load(), GetLogger())
	})
}
