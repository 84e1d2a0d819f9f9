package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger *zap.Logger
	globalMu     sync.RWMutex
)

func init() {
	// Default to a production logger until SetGlobal is called
	globalLogger, _ = zap.NewProduction()
}

// Options controls where and how verbosely the logger writes.
type Options struct {
	Level string
	// Output is "stdout", "stderr" or a file path. Files are rotated.
	Output     string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// New creates a new zap logger from a level string, writing to stdout.
func New(level string) (*zap.Logger, error) {
	return NewWithOptions(Options{Level: level, Output: "stdout"})
}

// NewWithOptions creates a zap logger with a JSON encoder and the given sink.
func NewWithOptions(opts Options) (*zap.Logger, error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var sink zapcore.WriteSyncer
	switch opts.Output {
	case "", "stdout":
		sink = zapcore.Lock(os.Stdout)
	case "stderr":
		sink = zapcore.Lock(os.Stderr)
	default:
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.Output,
			MaxSize:    opts.MaxSize,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAge,
			Compress:   opts.Compress,
		})
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, zap.NewAtomicLevelAt(ParseLevel(opts.Level)))
	return zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1), // Skip one level to account for our wrapper functions
		zap.AddStacktrace(zapcore.ErrorLevel),
	), nil
}

// ParseLevel maps a level name to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Global returns the global logger.
func Global() *zap.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// SetGlobal sets the global logger.
func SetGlobal(l *zap.Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// Info logs at info level using the global logger.
func Info(msg string, fields ...zap.Field) {
	Global().Info(msg, fields...)
}

// Warn logs at warn level using the global logger.
func Warn(msg string, fields ...zap.Field) {
	Global().Warn(msg, fields...)
}

// Error logs at error level using the global logger.
func Error(msg string, fields ...zap.Field) {
	Global().Error(msg, fields...)
}

// Debug logs at debug level using the global logger.
func Debug(msg string, fields ...zap.Field) {
	Global().Debug(msg, fields...)
}

// With creates a child logger with additional fields.
func With(fields ...zap.Field) *zap.Logger {
	return Global().With(fields...)
}

// Sync flushes any buffered log entries.
func Sync() {
	Global().Sync()
}
