package logging

import (
	"context"

	"go.uber.org/zap"
)

type requestIDKeyType struct{}
type providerIDKeyType struct{}

var (
	requestIDKey  = requestIDKeyType{}
	providerIDKey = providerIDKeyType{}
)

// NewLogger creates a named zap production logger.
func NewLogger(name string) *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return logger.Named(name)
}

// WithRequestID returns a logger with request_id from context.
func WithRequestID(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if reqID, ok := ctx.Value(requestIDKey).(string); ok && reqID != "" {
		return logger.With(zap.String("request_id", reqID))
	}
	return logger
}

// SetRequestID stores request_id in context (call once in middleware).
func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves request_id from context.
func GetRequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDKey).(string); ok {
		return reqID
	}
	return ""
}

// SetProviderID binds the provider being served to the context.
func SetProviderID(ctx context.Context, providerID string) context.Context {
	return context.WithValue(ctx, providerIDKey, providerID)
}

// GetProviderID retrieves provider_id from context.
func GetProviderID(ctx context.Context) string {
	if id, ok := ctx.Value(providerIDKey).(string); ok {
		return id
	}
	return ""
}

// L returns base decorated with the request and provider bound to ctx.
func L(ctx context.Context, base *zap.Logger) *zap.Logger {
	logger := WithRequestID(ctx, base)
	if id := GetProviderID(ctx); id != "" {
		logger = logger.With(zap.String("provider_id", id))
	}
	return logger
}
