// Package logging provides structured logging for the copy-trader service,
// backed by zap.
package logging

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap sugared logger with field-chaining helpers.
type Logger struct {
	sugar *zap.SugaredLogger
}

// NewLogger creates a new logger. Level is one of debug/info/warn/error,
// format is json or console.
func NewLogger(level, format string) *Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	if format == "console" {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Config is static apart from level and encoding, so Build only
		// fails on programmer error.
		base = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(cfg.EncoderConfig),
			zapcore.AddSync(os.Stdout),
			zapcore.InfoLevel,
		))
	}

	return &Logger{sugar: base.Sugar()}
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// WithField returns a logger with one extra field attached.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(key, value)}
}

// WithFields returns a logger with the given fields attached.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{sugar: l.sugar.With(args...)}
}

// WithError returns a logger with the error attached as a field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{sugar: l.sugar.With("error", err.Error())}
}

// Debug logs a debug message.
func (l *Logger) Debug(message string) { l.sugar.Debug(message) }

// Debugf logs a formatted debug message.
func (l *Logger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

// Info logs an info message.
func (l *Logger) Info(message string) { l.sugar.Info(message) }

// Infof logs a formatted info message.
func (l *Logger) Infof(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

// Warn logs a warning message.
func (l *Logger) Warn(message string) { l.sugar.Warn(message) }

// Warnf logs a formatted warning message.
func (l *Logger) Warnf(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

// Error logs an error message.
func (l *Logger) Error(message string) { l.sugar.Error(message) }

// Errorf logs a formatted error message.
func (l *Logger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(message string) { l.sugar.Fatal(message) }

// Fatalf logs a formatted fatal message and exits.
func (l *Logger) Fatalf(format string, args ...interface{}) { l.sugar.Fatalf(format, args...) }

// Sync flushes buffered log entries.
func (l *Logger) Sync() error { return l.sugar.Sync() }

// Global logger instance
var globalLogger *Logger

// InitGlobalLogger initializes the global logger.
func InitGlobalLogger(level, format string) {
	globalLogger = NewLogger(level, format)
}

// GetGlobalLogger returns the global logger, initializing a default one
// if needed.
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		globalLogger = NewLogger("info", "json")
	}
	return globalLogger
}

type loggerKey struct{}

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext retrieves a logger from the context, falling back to the
// global logger.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return logger
	}
	return GetGlobalLogger()
}
