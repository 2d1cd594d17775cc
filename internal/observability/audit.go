package observability

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/proxyd/internal/tracing"
)

// Audit event types
const (
	TypeLifecycle = "lifecycle"
	TypeIdentity  = "identity"
	TypeConsumer  = "consumer"
	TypeSecurity  = "security"
	TypeConfig    = "config"
)

// AuditEvent is one line of the audit log
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"` // lease holder, remote address or "scheduler"
	Action    string                 `json:"action"`          // e.g. "daemon_started", "lease_released"
	Status    string                 `json:"status"`          // "success", "failure"
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	RunID     string                 `json:"run_id,omitempty"`
}

// AuditLogger writes audit events as JSON lines
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

// NewAuditLogger writes events to w. A nil writer discards them.
func NewAuditLogger(w io.Writer) *AuditLogger {
	if w == nil {
		w = io.Discard
	}
	return &AuditLogger{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
}

// OpenAuditLog appends events to the file at path
func OpenAuditLog(path string) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	a := NewAuditLogger(file)
	a.file = file
	return a, nil
}

// Record emits an audit event and mirrors it onto the active span
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if a == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.TraceID == "" {
		event.TraceID = tracing.GetTraceID(ctx)
	}
	if event.RunID == "" {
		event.RunID = tracing.GetRunID(ctx)
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		if event.TraceID == "" {
			event.TraceID = span.SpanContext().TraceID().String()
		}
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Time("at", event.Timestamp).
		Str("type", event.Type).
		Str("action", event.Action).
		Str("status", event.Status)

	if event.Actor != "" {
		entry.Str("actor", event.Actor)
	}
	if event.TraceID != "" {
		entry.Str("trace_id", event.TraceID)
	}
	if event.RunID != "" {
		entry.Str("run_id", event.RunID)
	}
	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the underlying file, if any
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		err := a.file.Close()
		a.file = nil
		return err
	}
	return nil
}

func (a *AuditLogger) RecordLifecycle(ctx context.Context, action, status string, metadata map[string]interface{}) {
	a.Record(ctx, AuditEvent{
		Type:     TypeLifecycle,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

func (a *AuditLogger) RecordIdentity(ctx context.Context, actor, status string, metadata map[string]interface{}) {
	a.Record(ctx, AuditEvent{
		Type:     TypeIdentity,
		Actor:    actor,
		Action:   "new_identity",
		Status:   status,
		Metadata: metadata,
	})
}

func (a *AuditLogger) RecordConsumer(ctx context.Context, action, actor string, metadata map[string]interface{}) {
	a.Record(ctx, AuditEvent{
		Type:     TypeConsumer,
		Actor:    actor,
		Action:   action,
		Status:   "success",
		Metadata: metadata,
	})
}

func (a *AuditLogger) RecordSecurity(ctx context.Context, action, actor, status string, metadata map[string]interface{}) {
	a.Record(ctx, AuditEvent{
		Type:     TypeSecurity,
		Actor:    actor,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

func (a *AuditLogger) RecordConfig(ctx context.Context, action string, metadata map[string]interface{}) {
	a.Record(ctx, AuditEvent{
		Type:     TypeConfig,
		Action:   action,
		Status:   "success",
		Metadata: metadata,
	})
}
