// Package enginelog provides the structured logger used across the
// engine: the conventional Debug/Info/Warn/Error/Fatal method set with
// named loggers, backed by go.uber.org/zap.
package enginelog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap.SugaredLogger with the engine's conventional
// method names.
type Logger struct {
	s    *zap.SugaredLogger
	name string
}

// New builds a Logger at the given zapcore.Level, writing JSON to stdout.
func New(level zapcore.Level) *Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.AddSync(os.Stdout), level)
	base := zap.New(core)
	return &Logger{s: base.Sugar()}
}

// Named returns a derived Logger scoped to component.
func (l *Logger) Named(component string) *Logger {
	return &Logger{s: l.s.Named(component), name: component}
}

// With returns a derived Logger with the given structured fields attached.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{s: l.s.With(kv...), name: l.name}
}

// Name returns the logger's component name, if any.
func (l *Logger) Name() string { return l.name }

func (l *Logger) Debug(msg string, kv ...any) { l.s.Debugw(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.s.Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.s.Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.s.Errorw(msg, kv...) }
func (l *Logger) Fatal(msg string, kv ...any) { l.s.Fatalw(msg, kv...) }

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.s.Sync() }

var defaultLogger = New(zapcore.InfoLevel)

// Default returns the process-wide default Logger.
func Default() *Logger { return defaultLogger }

// SetDefault replaces the process-wide default Logger.
func SetDefault(l *Logger) { defaultLogger = l }
