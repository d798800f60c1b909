package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"beneficios.org/internal/audit"
	"beneficios.org/internal/auth"
)

// AuditLog persists audit events to the audit_log table.
type AuditLog struct {
	store *Store
}

var _ auth.AuditSink = (*AuditLog)(nil)

// AuditLog returns a sink writing through this store.
func (s *Store) AuditLog() *AuditLog { return &AuditLog{store: s} }

// Record inserts event.
func (a *AuditLog) Record(ctx context.Context, event auth.AuditEvent) error {
	if a.store.db == nil {
		return errNoDB
	}
	details := []byte("{}")
	if len(event.Details) > 0 {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = raw
	}
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	_, err := a.store.db.ExecContext(ctx, `
		insert into audit_log (action, actor_id, subject_id, resource_type, resource_id, request_id, details, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, event.Action, nullIfEmpty(event.ActorID), nullIfEmpty(event.SubjectID), nullIfEmpty(event.ResourceType),
		nullIfEmpty(event.ResourceID), nullIfEmpty(audit.RequestIDFromContext(ctx)), details, occurred.UTC())
	return err
}
