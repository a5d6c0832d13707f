// File: internal/observability/logger.go
package observability

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xkilldash9x/browserkit/internal/config"
)

var (
	globalLogger atomic.Pointer[zap.Logger]
	initOnce     sync.Once
)

const ansiReset = "\x1b[0m"

var colorNames = []string{"black", "red", "green", "yellow", "blue", "magenta", "cyan", "white"}

// ansi returns the foreground escape for a color name, or "" for unknown names.
func ansi(name string) string {
	for i, n := range colorNames {
		if strings.EqualFold(n, name) {
			return fmt.Sprintf("\x1b[%dm", 30+i)
		}
	}
	return ""
}

// levelColors merges the configured colors over the defaults. "none" disables a level's color.
func levelColors(c config.ColorConfig) map[zapcore.Level]string {
	palette := map[zapcore.Level]string{
		zapcore.DebugLevel:  "cyan",
		zapcore.InfoLevel:   "green",
		zapcore.WarnLevel:   "yellow",
		zapcore.ErrorLevel:  "red",
		zapcore.DPanicLevel: "magenta",
		zapcore.PanicLevel:  "magenta",
		zapcore.FatalLevel:  "magenta",
	}
	overrides := map[zapcore.Level]string{
		zapcore.DebugLevel:  c.Debug,
		zapcore.InfoLevel:   c.Info,
		zapcore.WarnLevel:   c.Warn,
		zapcore.ErrorLevel:  c.Error,
		zapcore.DPanicLevel: c.DPanic,
		zapcore.PanicLevel:  c.Panic,
		zapcore.FatalLevel:  c.Fatal,
	}
	out := make(map[zapcore.Level]string, len(palette))
	for lvl, name := range palette {
		if o := overrides[lvl]; o != "" {
			name = o
		}
		out[lvl] = ansi(name)
	}
	return out
}

// Initialize installs the process-wide logger. Later calls are no-ops, so the CLI can call it from
// every command without re-opening the log file.
func Initialize(cfg config.LoggerConfig, consoleWriter zapcore.WriteSyncer) {
	initOnce.Do(func() {
		logger := New(cfg, consoleWriter)
		globalLogger.Store(logger)
		zap.ReplaceGlobals(logger)
		zap.RedirectStdLog(logger)
	})
}

// InitializeLogger is Initialize with stdout as the console.
func InitializeLogger(cfg config.LoggerConfig) {
	Initialize(cfg, zapcore.Lock(os.Stdout))
}

// New builds a standalone logger. The console gets cfg.Format, the optional log file always gets
// JSON and is rotated by lumberjack.
func New(cfg config.LoggerConfig, consoleWriter zapcore.WriteSyncer) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	enabled := zap.NewAtomicLevelAt(level)

	core := zapcore.NewCore(encoderFor(cfg), consoleWriter, enabled)
	if cfg.LogFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		core = zapcore.NewTee(core, zapcore.NewCore(jsonEncoder(), zapcore.AddSync(rotated), enabled))
	}

	opts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
	if cfg.AddSource {
		opts = append(opts, zap.AddCaller())
	}
	return zap.New(core, opts...).Named(cfg.ServiceName)
}

// ResetForTest forgets the global logger so Initialize can run again.
func ResetForTest() {
	globalLogger.Store(nil)
	initOnce = sync.Once{}
}

func baseEncoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
	return ec
}

func jsonEncoder() zapcore.Encoder {
	ec := baseEncoderConfig()
	ec.EncodeLevel = zapcore.LowercaseLevelEncoder
	return zapcore.NewJSONEncoder(ec)
}

func encoderFor(cfg config.LoggerConfig) zapcore.Encoder {
	if cfg.Format != "console" {
		return jsonEncoder()
	}
	colors := levelColors(cfg.Colors)
	ec := baseEncoderConfig()
	ec.EncodeLevel = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		label := l.CapitalString()
		if c := colors[l]; c != "" {
			label = c + label + ansiReset
		}
		enc.AppendString(label)
	}
	// Trailing dot separates "browserkit.launcher." from the message.
	ec.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(name + ".")
	}
	return zapcore.NewConsoleEncoder(ec)
}

// GetLogger returns the global logger. Before Initialize it hands out a development logger on
// stderr and leaves the global unset.
func GetLogger() *zap.Logger {
	if logger := globalLogger.Load(); logger != nil {
		return logger
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l.Named("unconfigured")
}

// Sync flushes the global logger before exit.
func Sync() {
	logger := globalLogger.Load()
	if logger == nil {
		return
	}
	err := logger.Sync()
	// Terminals and pipes reject fsync.
	if err == nil || errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.ENOTSUP) {
		return
	}
	fmt.Fprintln(os.Stderr, "failed to sync logger:", err)
}
