package logging

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Fields represents structured log fields
type Fields map[string]interface{}

type ctxKeyCorrID struct{}

var base atomic.Pointer[zap.Logger]

func init() {
	l, err := New("info", "json")
	if err != nil {
		l = zap.NewNop()
	}
	base.Store(l)
}

// New builds a zap logger for the given level (debug|info|warn|error) and
// encoding (json|console).
func New(level, encoding string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if level == "" {
		level = "info"
	}
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	switch encoding {
	case "", "json":
		cfg.Encoding = "json"
	case "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, fmt.Errorf("invalid log encoding %q", encoding)
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	return cfg.Build()
}

// Configure replaces the process logger.
func Configure(level, encoding string) error {
	l, err := New(level, encoding)
	if err != nil {
		return err
	}
	SetLogger(l)
	return nil
}

// SetLogger installs l as the process logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	base.Store(l)
}

// L returns the process logger.
func L() *zap.Logger { return base.Load() }

// Sync flushes buffered entries.
func Sync() { _ = L().Sync() }

func Infof(format string, args ...any) {
	L().Sugar().Infof(format, args...)
}

func Warnf(format string, args ...any) {
	L().Sugar().Warnf(format, args...)
}

func Errorf(format string, args ...any) {
	L().Sugar().Errorf(format, args...)
}

// WithCorrelationID stores a correlation id (session id, request id) in ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyCorrID{}, id)
}

// CorrelationID returns the id stored by WithCorrelationID.
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(ctxKeyCorrID{}).(string)
	return id
}

// FromContext returns l annotated with the correlation id carried by ctx.
func FromContext(ctx context.Context, l *zap.Logger) *zap.Logger {
	if l == nil {
		l = L()
	}
	if id := CorrelationID(ctx); id != "" {
		return l.With(zap.String("correlation_id", id))
	}
	return l
}

var maskPatterns = []string{"password", "secret", "token", "apikey", "api_key", "authorization"}

// Sanitize converts fields to zap fields, masking values whose key looks sensitive.
// Attackers type credentials into decoys; those must not reach operator logs verbatim.
func Sanitize(fields Fields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		lk := strings.ToLower(k)
		masked := false
		for _, p := range maskPatterns {
			if strings.Contains(lk, p) {
				out = append(out, zap.String(k, "MASKED"))
				masked = true
				break
			}
		}
		if !masked {
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}
