// Package logging wraps a process-wide zap logger. Filesystem callbacks
// carry a request-scoped logger in their context, tagged with the
// operation and path being served.
package logging

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

var (
	mu     sync.RWMutex
	logger *zap.Logger
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config selects the level, the encoding and the destination of log output.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // console or json
	OutputPath string // stderr (default), stdout, or a file path
}

// Init replaces the process logger. An unknown level falls back to info.
func Init(cfg Config) error {
	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)

	out := cfg.OutputPath
	if out == "" {
		out = "stderr"
	}
	sink, _, err := zap.Open(out)
	if err != nil {
		return fmt.Errorf("open log output %s: %w", out, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	l := zap.New(zapcore.NewCore(enc, sink, level),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)

	mu.Lock()
	logger = l
	mu.Unlock()
	return nil
}

// L returns the process logger, creating a console logger on stderr if
// Init has not been called.
func L() *zap.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		encCfg := zap.NewDevelopmentEncoderConfig()
		logger = zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level),
			zap.AddCaller(), zap.AddCallerSkip(1))
	}
	return logger
}

// Sync flushes buffered entries.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		return nil
	}
	return logger.Sync()
}

// SetLevel changes the level at runtime. Unknown names are ignored.
func SetLevel(name string) {
	if lvl, err := zapcore.ParseLevel(name); err == nil {
		level.SetLevel(lvl)
	}
}

// WithContext returns the logger stored in ctx, or the process logger.
func WithContext(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
			return l
		}
	}
	return L()
}

// WithOp tags the context logger with the filesystem operation and the
// path it targets.
func WithOp(ctx context.Context, op, path string) context.Context {
	return NewContext(ctx, WithContext(ctx).With(zap.String("op", op), zap.String("path", path)))
}

// NewContext stores l in ctx.
func NewContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// Field constructors re-exported so callers need not import zap.
var (
	String   = zap.String
	Int      = zap.Int
	Int64    = zap.Int64
	Uint64   = zap.Uint64
	Duration = zap.Duration
	Err      = zap.Error
)
