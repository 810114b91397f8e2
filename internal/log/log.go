// Package log emits JSON log lines on stdout. Records carry level, message,
// and caller fields, plus trace_id/span_id when an OpenTelemetry span is
// active on the calling context.
package log

import (
	"context"
	"io"
	"os"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global atomic.Pointer[zap.Logger]

func init() {
	global.Store(New(os.Stdout, zapcore.InfoLevel))
}

// New builds a JSON logger writing to w at the given level.
func New(w io.Writer, level zapcore.Level) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(w),
		level,
	)

	return zap.New(core)
}

// Init replaces the process logger. level accepts zap level names; unknown
// values fall back to info.
func Init(level string) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	global.Store(New(os.Stdout, parsed))
}

// SetLogger swaps the process logger. Tests use this with an observer core.
func SetLogger(l *zap.Logger) {
	global.Store(l)
}

// L returns the process logger.
func L() *zap.Logger {
	return global.Load()
}

// For returns the process logger enriched with the active span identifiers
// from ctx: trace_id as 32 lowercase hex, span_id as 16.
func For(ctx context.Context) *zap.Logger {
	l := L()
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		l = l.With(
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// Debug logs at debug level with span enrichment from ctx.
func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	For(ctx).Debug(msg, fields...)
}

// Info logs at info level with span enrichment from ctx.
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	For(ctx).Info(msg, fields...)
}

// Warn logs at warn level with span enrichment from ctx.
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	For(ctx).Warn(msg, fields...)
}

// Error logs at error level with span enrichment from ctx.
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	For(ctx).Error(msg, fields...)
}
