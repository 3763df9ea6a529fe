// Package requestctx carries per-request values (logger, trace, cart session) through context.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	traceKey
	sessionKey
)

var noopLogger = zap.NewNop()

// TraceInfo is the trace of the current request, as parsed from the incoming headers.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

func value[T any](ctx context.Context, key ctxKey) (T, bool) {
	var zero T
	if ctx == nil {
		return zero, false
	}
	v, ok := ctx.Value(key).(T)
	return v, ok
}

func with(ctx context.Context, key ctxKey, v any) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key, v)
}

// WithLogger attaches logger; nil stores the no-op logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = noopLogger
	}
	return with(ctx, loggerKey, logger)
}

// Logger never returns nil.
func Logger(ctx context.Context) *zap.Logger {
	if logger, ok := value[*zap.Logger](ctx, loggerKey); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// NoopLogger is what Logger returns for a context without one.
func NoopLogger() *zap.Logger { return noopLogger }

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return with(ctx, traceKey, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	return value[TraceInfo](ctx, traceKey)
}

// TraceID is "" when the request carried no trace.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithSessionID records the cart session resolved for the request.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return with(ctx, sessionKey, sessionID)
}

// SessionID returns the cart session of the request, or "" when none was resolved.
func SessionID(ctx context.Context) string {
	id, _ := value[string](ctx, sessionKey)
	return id
}
