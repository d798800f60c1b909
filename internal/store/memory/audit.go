package memory

import (
	"context"
	"sync"

	"beneficios.org/internal/auth"
)

// AuditRecorder keeps every recorded event in memory.
type AuditRecorder struct {
	mu     sync.Mutex
	events []auth.AuditEvent
}

var _ auth.AuditSink = (*AuditRecorder)(nil)

// Record implements auth.AuditSink.
func (r *AuditRecorder) Record(_ context.Context, event auth.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *AuditRecorder) Events() []auth.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]auth.AuditEvent(nil), r.events...)
}

// Actions returns the action names in record order.
func (r *AuditRecorder) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Action
	}
	return out
}
