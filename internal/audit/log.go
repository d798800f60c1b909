package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"beneficios.org/internal/auth"
	"beneficios.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogSink writes audit events as structured log lines.
type LogSink struct {
	log logrus.FieldLogger
}

// NewLogSink logs through log, or the shared logger when nil.
func NewLogSink(log logrus.FieldLogger) *LogSink {
	if log == nil {
		log = obs.Logger()
	}
	return &LogSink{log: log}
}

// Record implements auth.AuditSink.
func (s *LogSink) Record(ctx context.Context, event auth.AuditEvent) error {
	action := strings.TrimSpace(event.Action)
	if action == "" {
		return errors.New("audit: action is required")
	}
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	fields := logrus.Fields{
		"type":        "audit",
		"event":       action,
		"occurred_at": occurred.UTC().Format(time.RFC3339Nano),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		fields["request_id"] = rid
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		fields["user_id"] = userID
	}
	if event.ActorID != "" {
		fields["actor_id"] = event.ActorID
	}
	if event.SubjectID != "" {
		fields["subject_id"] = event.SubjectID
	}
	if event.ResourceType != "" {
		fields["resource_type"] = event.ResourceType
		fields["resource_id"] = event.ResourceID
	}
	details := make(map[string]any, len(event.Details))
	for k, v := range event.Details {
		details[k] = v
	}
	fields["details"] = details
	s.log.WithFields(fields).Info("audit")
	return nil
}

// Multi fans an event out to every sink. All sinks are attempted; the errors are joined.
func Multi(sinks ...auth.AuditSink) auth.AuditSink {
	filtered := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

type multiSink []auth.AuditSink

func (m multiSink) Record(ctx context.Context, event auth.AuditEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
