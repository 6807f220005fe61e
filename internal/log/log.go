// Package log provides a structured wrapper around zap used by every assetcache component.
package log

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// LoggerKeyComponentName is the key used to identify the component name in the logger.
	LoggerKeyComponentName = "component"

	// LogLevelEnvironmentVariable names the variable holding the log level.
	LogLevelEnvironmentVariable = "ASSETCACHE_LOG_LEVEL"

	defaultLogLevel = "info"
)

var (
	logger *Logger
	once   sync.Once
	mu     sync.RWMutex
)

// Field is a key/value pair attached to a log entry.
type Field = zap.Field

// Logger is a thin wrapper around a zap logger.
type Logger struct {
	internal *zap.Logger
}

// GetLogger returns the process logger, creating it on first use.
func GetLogger() *Logger {
	once.Do(func() {
		l, err := newLogger(os.Getenv(LogLevelEnvironmentVariable))
		if err != nil {
			// Fall back to info level rather than refusing to run.
			l, _ = newLogger(defaultLogLevel)
		}
		mu.Lock()
		if logger == nil {
			logger = l
		}
		mu.Unlock()
	})

	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// SetLogger replaces the process logger. Hosts and tests use it to inject their own zap logger.
func SetLogger(z *zap.Logger) {
	once.Do(func() {})
	mu.Lock()
	defer mu.Unlock()
	logger = &Logger{internal: z}
}

// newLogger builds a console logger at the given level.
func newLogger(level string) (*Logger, error) {
	if level == "" {
		level = defaultLogLevel
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, err
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(zapcore.Lock(os.Stdout)),
		lvl,
	)

	return &Logger{internal: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))}, nil
}

// With creates a new logger instance with additional fields.
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{internal: l.internal.With(fields...)}
}

// IsDebugEnabled checks if the logger is set to debug level.
func (l *Logger) IsDebugEnabled() bool {
	return l.internal.Core().Enabled(zapcore.DebugLevel)
}

// Debug logs a debug message with custom fields.
func (l *Logger) Debug(msg string, fields ...Field) {
	l.internal.Debug(msg, fields...)
}

// Info logs an informational message with custom fields.
func (l *Logger) Info(msg string, fields ...Field) {
	l.internal.Info(msg, fields...)
}

// Warn logs a warning message with custom fields.
func (l *Logger) Warn(msg string, fields ...Field) {
	l.internal.Warn(msg, fields...)
}

// Error logs an error message with custom fields.
func (l *Logger) Error(msg string, fields ...Field) {
	l.internal.Error(msg, fields...)
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() {
	_ = l.internal.Sync()
}

// String constructs a string field.
func String(key, value string) Field { return zap.String(key, value) }

// Int constructs an int field.
func Int(key string, value int) Field { return zap.Int(key, value) }

// Int64 constructs an int64 field.
func Int64(key string, value int64) Field { return zap.Int64(key, value) }

// Bool constructs a bool field.
func Bool(key string, value bool) Field { return zap.Bool(key, value) }

// Duration constructs a duration field.
func Duration(key string, value time.Duration) Field { return zap.Duration(key, value) }

// Error constructs an error field under the "error" key.
func Error(err error) Field { return zap.Error(err) }

// Any constructs a field from an arbitrary value.
func Any(key string, value any) Field { return zap.Any(key, value) }
