package logging

import (
	"context"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity of a log entry
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	case FATAL:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ContextKey for correlation ID
type contextKey string

const CorrelationIDKey contextKey = "correlation_id"

// Logger is the structured logger used across memguard. Entries are JSON
// encoded by zap and fanned out to every configured sink.
type Logger struct {
	level   LogLevel
	nodeID  string
	zl      *zap.Logger
	closers []io.Closer
	mu      sync.Mutex
	closed  bool
}

// Config for logger initialization
type Config struct {
	Level         LogLevel
	NodeID        string
	LogFile       string
	EnableConsole bool
	EnableFile    bool
	MaxFileSizeMB int // rotation threshold for LogFile
	MaxFiles      int // rotated files kept next to LogFile

	// Writers are extra sinks, mostly used by tests and sidecars.
	Writers []io.Writer
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "@timestamp",
		LevelKey:       "level",
		MessageKey:     "message",
		CallerKey:      "caller",
		FunctionKey:    "function",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// NewLogger creates a new structured logger instance
func NewLogger(config Config) *Logger {
	logger := &Logger{
		level:  config.Level,
		nodeID: config.NodeID,
	}

	enabler := zap.NewAtomicLevelAt(config.Level.zapLevel())
	encoder := zapcore.NewJSONEncoder(encoderConfig())

	var cores []zapcore.Core
	if config.EnableConsole {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), enabler))
	}

	if config.EnableFile && config.LogFile != "" {
		maxSize := config.MaxFileSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		rotator := &lumberjack.Logger{
			Filename:   config.LogFile,
			MaxSize:    maxSize,
			MaxBackups: config.MaxFiles,
		}
		logger.closers = append(logger.closers, rotator)
		cores = append(cores, zapcore.NewCore(encoder.Clone(), zapcore.AddSync(rotator), enabler))
	}

	for _, w := range config.Writers {
		cores = append(cores, zapcore.NewCore(encoder.Clone(), zapcore.AddSync(w), enabler))
	}

	// log() and the public wrappers sit between zap and the caller
	zl := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(2))
	if config.NodeID != "" {
		zl = zl.With(zap.String("node_id", config.NodeID))
	}
	logger.zl = zl

	return logger
}

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}

// GetCorrelationID retrieves the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// log is the internal logging method
func (l *Logger) log(ctx context.Context, level LogLevel, component, action, message string, fields map[string]interface{}, err error, duration *time.Duration) {
	if level < l.level {
		return
	}

	ce := l.zl.Check(level.zapLevel(), message)
	if ce == nil {
		return
	}

	zf := make([]zap.Field, 0, 6)
	if component != "" {
		zf = append(zf, zap.String("component", component))
	}
	if action != "" {
		zf = append(zf, zap.String("action", action))
	}
	if correlationID := GetCorrelationID(ctx); correlationID != "" {
		zf = append(zf, zap.String("correlation_id", correlationID))
	}
	if err != nil {
		zf = append(zf, zap.String("error", err.Error()))
	}
	if duration != nil {
		zf = append(zf, zap.Int64("duration_ms", duration.Milliseconds()))
	}
	if len(fields) > 0 {
		zf = append(zf, zap.Any("fields", fields))
	}

	ce.Write(zf...)
}

func firstFields(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(ctx context.Context, component, action, message string, fields ...map[string]interface{}) {
	l.log(ctx, DEBUG, component, action, message, firstFields(fields), nil, nil)
}

// Info logs an info message
func (l *Logger) Info(ctx context.Context, component, action, message string, fields ...map[string]interface{}) {
	l.log(ctx, INFO, component, action, message, firstFields(fields), nil, nil)
}

// Warn logs a warning message
func (l *Logger) Warn(ctx context.Context, component, action, message string, fields ...map[string]interface{}) {
	l.log(ctx, WARN, component, action, message, firstFields(fields), nil, nil)
}

// Error logs an error message
func (l *Logger) Error(ctx context.Context, component, action, message string, err error, fields ...map[string]interface{}) {
	l.log(ctx, ERROR, component, action, message, firstFields(fields), err, nil)
}

// Fatal logs a fatal message and exits the process.
func (l *Logger) Fatal(ctx context.Context, component, action, message string, err error, fields ...map[string]interface{}) {
	l.log(ctx, FATAL, component, action, message, firstFields(fields), err, nil)
}

// WithDuration logs with timing information
func (l *Logger) WithDuration(ctx context.Context, level LogLevel, component, action, message string, duration time.Duration, fields ...map[string]interface{}) {
	l.log(ctx, level, component, action, message, firstFields(fields), nil, &duration)
}

// StartTimer returns a function that logs duration when called
func (l *Logger) StartTimer(ctx context.Context, component, action, message string) func() {
	start := time.Now()
	return func() {
		duration := time.Since(start)
		l.log(ctx, INFO, component, action, message, nil, nil, &duration)
	}
}

// StdLogger adapts the logger for libraries that only accept *log.Logger.
// Lines are written at DEBUG since such libraries rarely tag severity.
func (l *Logger) StdLogger(component string) *log.Logger {
	zl := l.zl.WithOptions(zap.AddCallerSkip(-2)).With(zap.String("component", component))
	std, err := zap.NewStdLogAt(zl, zapcore.DebugLevel)
	if err != nil {
		return zap.NewStdLog(zl)
	}
	return std
}

// Close flushes buffered entries and closes file sinks.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true

	_ = l.zl.Sync()
	for _, c := range l.closers {
		_ = c.Close()
	}
}

// Global logger instance
var globalLogger *Logger
var loggerMutex sync.RWMutex

// SetGlobalLogger sets the global logger instance
func SetGlobalLogger(logger *Logger) {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	globalLogger = logger
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	loggerMutex.RLock()
	defer loggerMutex.RUnlock()
	return globalLogger
}

// Convenience functions that use the global logger. They call log directly so
// the caller frame skip matches the method form.
func Debug(ctx context.Context, component, action, message string, fields ...map[string]interface{}) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, DEBUG, component, action, message, firstFields(fields), nil, nil)
	}
}

func Info(ctx context.Context, component, action, message string, fields ...map[string]interface{}) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, INFO, component, action, message, firstFields(fields), nil, nil)
	}
}

func Warn(ctx context.Context, component, action, message string, fields ...map[string]interface{}) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, WARN, component, action, message, firstFields(fields), nil, nil)
	}
}

func Error(ctx context.Context, component, action, message string, err error, fields ...map[string]interface{}) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, ERROR, component, action, message, firstFields(fields), err, nil)
	}
}

func Fatal(ctx context.Context, component, action, message string, err error, fields ...map[string]interface{}) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, FATAL, component, action, message, firstFields(fields), err, nil)
	}
}

func WithDuration(ctx context.Context, level LogLevel, component, action, message string, duration time.Duration, fields ...map[string]interface{}) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, level, component, action, message, firstFields(fields), nil, &duration)
	}
}

func StartTimer(ctx context.Context, component, action, message string) func() {
	if logger := GetGlobalLogger(); logger != nil {
		return logger.StartTimer(ctx, component, action, message)
	}
	return func() {}
}

// StdLogger returns a *log.Logger for component, discarding output when no
// global logger is installed.
func StdLogger(component string) *log.Logger {
	if logger := GetGlobalLogger(); logger != nil {
		return logger.StdLogger(component)
	}
	return log.New(io.Discard, "", 0)
}
