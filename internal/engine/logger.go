package engine

import (
	"context"

	"go.uber.org/zap"
)

type contextLoggerKey struct{}

// WithLogger attaches a request-scoped logger that engine calls made with ctx will use.
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, contextLoggerKey{}, l)
}

// LoggerFrom returns the logger carried by ctx, or a no-op logger.
func LoggerFrom(ctx context.Context) *zap.Logger {
	if l, ok := loggerFrom(ctx); ok {
		return l
	}
	return zap.NewNop()
}

func loggerFrom(ctx context.Context) (*zap.Logger, bool) {
	l, ok := ctx.Value(contextLoggerKey{}).(*zap.Logger)
	return l, ok && l != nil
}
