package observability

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit statuses.
const (
	AuditSuccess = "success"
	AuditFailure = "failure"
	AuditDenied  = "denied"
)

// AuditEvent is one security-relevant action taken on behalf of a connection.
type AuditEvent struct {
	Type         string                 `json:"event_type"`
	Timestamp    time.Time              `json:"timestamp"`
	UserID       string                 `json:"user_id,omitempty"`
	ConnectionID string                 `json:"connection_id,omitempty"`
	Action       string                 `json:"action"` // e.g. "authenticate", "subscribe:agents-list"
	Status       string                 `json:"status"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	TraceID      string                 `json:"trace_id,omitempty"`
}

// AuditLogger writes audit events as JSON lines.
// A nil *AuditLogger discards everything.
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

// NewAuditLogger writes audit events to logger.
func NewAuditLogger(logger zerolog.Logger) *AuditLogger {
	return &AuditLogger{logger: logger}
}

// OpenAuditLog appends audit events to the file at path.
func OpenAuditLog(path string) (*AuditLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}

	return &AuditLogger{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	}, nil
}

// Record emits event to the log and, when ctx carries a span, as a span event.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if a == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()

		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.user", event.UserID),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("userId", event.UserID).
		Str("connectionId", event.ConnectionID).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.TraceID != "" {
		entry.Str("traceId", event.TraceID)
	}
	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the underlying file, if any.
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// Security records an authentication or authorization decision.
func (a *AuditLogger) Security(ctx context.Context, connID, userID, action, status string, metadata map[string]interface{}) {
	a.Record(ctx, AuditEvent{
		Type:         "security",
		UserID:       userID,
		ConnectionID: connID,
		Action:       action,
		Status:       status,
		Metadata:     metadata,
	})
}

// Mutation records a client-initiated data change such as a lifetime extension.
func (a *AuditLogger) Mutation(ctx context.Context, connID, userID, action string, metadata map[string]interface{}) {
	a.Record(ctx, AuditEvent{
		Type:         "mutation",
		UserID:       userID,
		ConnectionID: connID,
		Action:       action,
		Status:       AuditSuccess,
		Metadata:     metadata,
	})
}
