package logger

import (
	"context"
	"io"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	apperrors "github.com/crochetai/backend/internal/errors"
)

// Level represents the log level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel converts a level name to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Fields are extra structured attributes attached to an entry.
type Fields = map[string]interface{}

// Config controls how a Logger writes.
type Config struct {
	Output io.Writer
	Level  Level
	// Console switches to the human readable encoder.
	Console bool
}

// Logger provides structured, component scoped logging on top of zap.
type Logger struct {
	z         *zap.Logger
	component string
}

var defaultLogger = New(&Config{Output: os.Stdout, Level: LevelInfo})

// New creates a new logger
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = &Config{}
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stack_trace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	if cfg.Console {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(out), cfg.Level.zapLevel())
	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))

	return &Logger{z: z}
}

// SetDefault sets the default logger
func SetDefault(l *Logger) {
	defaultLogger = l
}

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}

// WithComponent creates a new logger with the specified component name
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		z:         l.z.Named(component),
		component: component,
	}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

func (l *Logger) fields(ctx context.Context, fields []Fields, err error) []zap.Field {
	out := make([]zap.Field, 0, 4)
	if ctx != nil {
		if id := apperrors.GetRequestID(ctx); id != "" {
			out = append(out, zap.String("request_id", id))
		}
	}
	if len(fields) > 0 && fields[0] != nil {
		keys := make([]string, 0, len(fields[0]))
		for k := range fields[0] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, zap.Any(k, fields[0][k]))
		}
	}
	if err != nil {
		out = append(out, zap.Error(err))
		if appErr, ok := err.(*apperrors.AppError); ok {
			out = append(out, zap.String("error_code", appErr.Code), zap.String("error_category", string(appErr.Category)))
		}
	}
	return out
}

// Debug logs a debug message
func (l *Logger) Debug(ctx context.Context, msg string, fields ...Fields) {
	l.z.Debug(msg, l.fields(ctx, fields, nil)...)
}

// Info logs an info message
func (l *Logger) Info(ctx context.Context, msg string, fields ...Fields) {
	l.z.Info(msg, l.fields(ctx, fields, nil)...)
}

// Warn logs a warning message
func (l *Logger) Warn(ctx context.Context, msg string, fields ...Fields) {
	l.z.Warn(msg, l.fields(ctx, fields, nil)...)
}

// Error logs an error message
func (l *Logger) Error(ctx context.Context, msg string, err error, fields ...Fields) {
	l.z.Error(msg, l.fields(ctx, fields, err)...)
}

// Package-level convenience functions

func Debug(ctx context.Context, msg string, fields ...Fields) {
	defaultLogger.Debug(ctx, msg, fields...)
}

func Info(ctx context.Context, msg string, fields ...Fields) {
	defaultLogger.Info(ctx, msg, fields...)
}

func Warn(ctx context.Context, msg string, fields ...Fields) {
	defaultLogger.Warn(ctx, msg, fields...)
}

func Error(ctx context.Context, msg string, err error, fields ...Fields) {
	defaultLogger.Error(ctx, msg, err, fields...)
}
