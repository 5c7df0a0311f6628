package rbac

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sealcore/rbac/logger"
)

// ============================================================================
// AUDIT EVENTS
// ============================================================================

// AuditSeverity classifies audit events.
type AuditSeverity string

const (
	SeverityInfo    AuditSeverity = "info"
	SeverityWarning AuditSeverity = "warning"
	SeverityError   AuditSeverity = "error"
)

// AuditEvent is the structured record the engine emits for every mutation and
// decision. The engine never depends on a specific storage technology; a
// collaborator behind AuditSink persists or ships events.
type AuditEvent struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Severity  AuditSeverity  `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// SubjectID returns the subject_id field if present.
func (ev *AuditEvent) SubjectID() string {
	if ev.Fields == nil {
		return ""
	}
	if s, ok := ev.Fields["subject_id"].(string); ok {
		return s
	}
	return ""
}

func newAuditEvent(name string, severity AuditSeverity, fields map[string]any) AuditEvent {
	return AuditEvent{
		ID:        uuid.NewString(),
		Name:      name,
		Severity:  severity,
		Timestamp: time.Now(),
		Fields:    fields,
	}
}

// AuditSink receives audit events. Emit is called from the engine's audit
// worker goroutine, never from the decision path, so implementations may
// block or perform I/O.
type AuditSink interface {
	Emit(ctx context.Context, ev *AuditEvent) error
}

// AuditSinkFunc adapts a function to the AuditSink interface.
type AuditSinkFunc func(ctx context.Context, ev *AuditEvent) error

func (f AuditSinkFunc) Emit(ctx context.Context, ev *AuditEvent) error { return f(ctx, ev) }

// LoggerAuditSink writes events through the structured logger.
type LoggerAuditSink struct {
	log logger.Logger
}

func NewLoggerAuditSink(log logger.Logger) *LoggerAuditSink {
	return &LoggerAuditSink{log: log}
}

func (s *LoggerAuditSink) Emit(_ context.Context, ev *AuditEvent) error {
	keyvals := make([]any, 0, 2*len(ev.Fields)+4)
	keyvals = append(keyvals, "event", ev.Name, "event_id", ev.ID)
	for k, v := range ev.Fields {
		keyvals = append(keyvals, k, v)
	}
	switch ev.Severity {
	case SeverityError:
		s.log.Error("audit", keyvals...)
	case SeverityWarning:
		s.log.Info("audit", keyvals...)
	default:
		s.log.Info("audit", keyvals...)
	}
	return nil
}

// StoreAuditSink persists events into an AuditStore.
type StoreAuditSink struct {
	store AuditStore
}

func NewStoreAuditSink(store AuditStore) *StoreAuditSink {
	return &StoreAuditSink{store: store}
}

func (s *StoreAuditSink) Emit(ctx context.Context, ev *AuditEvent) error {
	return s.store.LogEvent(ctx, ev)
}

// MultiAuditSink fans one event out to several sinks. The first error wins
// but every sink still sees the event.
type MultiAuditSink []AuditSink

func (m MultiAuditSink) Emit(ctx context.Context, ev *AuditEvent) error {
	var first error
	for _, s := range m {
		if err := s.Emit(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
