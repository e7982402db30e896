package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// ConnectionIDKey is the context key for the WebSocket connection ID
	ConnectionIDKey ContextKey = "connection_id"
	// UserIDKey is the context key for the authenticated user ID
	UserIDKey ContextKey = "user_id"
	// RequestIDKey is the context key for the client supplied request ID
	RequestIDKey ContextKey = "request_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID      string
	ConnectionID string
	UserID       string
	RequestID    string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithConnectionID adds a connection ID to the context
func WithConnectionID(ctx context.Context, connectionID string) context.Context {
	return context.WithValue(ctx, ConnectionIDKey, connectionID)
}

// WithUserID adds a user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithRequestID adds a client request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(key).(string); ok {
		return value
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

// GetConnectionID retrieves the connection ID from the context
func GetConnectionID(ctx context.Context) string {
	return stringValue(ctx, ConnectionIDKey)
}

// GetUserID retrieves the user ID from the context
func GetUserID(ctx context.Context) string {
	return stringValue(ctx, UserIDKey)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, RequestIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:      GetTraceID(ctx),
		ConnectionID: GetConnectionID(ctx),
		UserID:       GetUserID(ctx),
		RequestID:    GetRequestID(ctx),
	}
}

// NewRequestContext creates a new context for a client message with a fresh trace ID
func NewRequestContext(ctx context.Context, connectionID, userID, requestID string) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	if connectionID != "" {
		ctx = WithConnectionID(ctx, connectionID)
	}
	if userID != "" {
		ctx = WithUserID(ctx, userID)
	}
	if requestID != "" {
		ctx = WithRequestID(ctx, requestID)
	}
	return ctx
}

// LoggerFromContext adds tracing context to a zerolog logger
func LoggerFromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("traceId", tc.TraceID)
	}
	if tc.ConnectionID != "" {
		lc = lc.Str("connectionId", tc.ConnectionID)
	}
	if tc.UserID != "" {
		lc = lc.Str("userId", tc.UserID)
	}
	if tc.RequestID != "" {
		lc = lc.Str("requestId", tc.RequestID)
	}
	return lc.Logger()
}
