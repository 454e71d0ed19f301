// Package logging provides the structured logger used across the counselor engine.
//
// Entries are written through zap. Components take a *Logger and scope it with
// WithPrefix; lifecycle milestones go through Event so they can be filtered by
// the "event" key downstream.
//
// Usage:
//
//	log, err := logging.Init(logging.DefaultConfig())
//	if err != nil {
//	    // handle error
//	}
//	defer log.Close()
//
//	log.Info("turn started", logging.StudentID("s-42"))
//	log.Event(logging.EventToolComplete, logging.ToolName("create_goal"))
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap logger with the project's field API.
// A nil *Logger is valid and discards everything.
type Logger struct {
	zl      *zap.Logger
	level   zap.AtomicLevel
	metrics *Metrics
	prefix  string
}

// global logger instance
var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// Init initializes the global logger with the given configuration.
// This should be called early in main() before any logging occurs.
func Init(cfg Config) (*Logger, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	logger, err := New(cfg)
	if err != nil {
		return nil, err
	}

	globalLogger = logger
	return logger, nil
}

// New creates a new Logger instance.
func New(cfg Config) (*Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.TimeKey = "ts"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zcfg.Level = zap.NewAtomicLevelAt(cfg.Level.zap())

	zl, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	if cfg.Service != "" {
		zl = zl.With(zap.String("service", cfg.Service))
	}

	return &Logger{
		zl:      zl,
		level:   zcfg.Level,
		metrics: NewMetrics(),
	}, nil
}

// NewWithCore builds a Logger on an existing zap core. Tests use it with an observer core.
func NewWithCore(core zapcore.Core) *Logger {
	return &Logger{
		zl:      zap.New(core),
		level:   zap.NewAtomicLevelAt(zapcore.DebugLevel),
		metrics: NewMetrics(),
	}
}

// Nop returns a logger that discards output but still counts metrics.
func Nop() *Logger {
	return &Logger{
		zl:      zap.NewNop(),
		level:   zap.NewAtomicLevel(),
		metrics: NewMetrics(),
	}
}

// Global returns the global logger instance.
// Returns nil if Init has not been called.
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// WithPrefix returns a new logger scoped to a component.
// The prefix appears as the zap logger name.
func (l *Logger) WithPrefix(prefix string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{
		zl:      l.zl.Named(prefix),
		level:   l.level,
		metrics: l.metrics,
		prefix:  prefix,
	}
}

// With returns a logger that adds fields to every entry.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{
		zl:      l.zl.With(toZap(fields)...),
		level:   l.level,
		metrics: l.metrics,
		prefix:  l.prefix,
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...Field) {
	if l == nil {
		return
	}
	l.zl.Debug(msg, toZap(fields)...)
}

// Info logs an informational message.
func (l *Logger) Info(msg string, fields ...Field) {
	if l == nil {
		return
	}
	l.zl.Info(msg, toZap(fields)...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...Field) {
	if l == nil {
		return
	}
	l.zl.Warn(msg, toZap(fields)...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...Field) {
	if l == nil {
		return
	}
	l.zl.Error(msg, toZap(fields)...)
}

// Event records a structured lifecycle event at info level.
func (l *Logger) Event(eventType string, fields ...Field) {
	if l == nil {
		return
	}
	zf := append([]zap.Field{zap.String("event", eventType)}, toZap(fields)...)
	l.zl.Info(eventType, zf...)
}

// Metrics returns the metrics collector shared by all derived loggers.
func (l *Logger) Metrics() *Metrics {
	if l == nil {
		return nil
	}
	return l.metrics
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level Level) {
	if l == nil {
		return
	}
	l.level.SetLevel(level.zap())
}

// IsDebugEnabled reports whether debug entries are written.
func (l *Logger) IsDebugEnabled() bool {
	return l != nil && l.level.Enabled(zapcore.DebugLevel)
}

// Zap exposes the underlying zap logger for libraries that want one.
func (l *Logger) Zap() *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l.zl
}

// Close flushes buffered entries.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	// Sync on stderr returns EINVAL on some platforms; nothing useful to report.
	_ = l.zl.Sync()
	return nil
}

// Package-level helpers write to the global logger.

// Debug logs to the global logger.
func Debug(msg string, fields ...Field) {
	Global().Debug(msg, fields...)
}

// Info logs to the global logger.
func Info(msg string, fields ...Field) {
	Global().Info(msg, fields...)
}

// Warn logs to the global logger.
func Warn(msg string, fields ...Field) {
	Global().Warn(msg, fields...)
}

// LogError logs an error to the global logger.
func LogError(msg string, fields ...Field) {
	Global().Error(msg, fields...)
}
