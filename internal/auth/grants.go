package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"beneficios.org/internal/ids"
	"beneficios.org/internal/obs"
)

// GrantInput is the administrative request to grant a permission to a user.
type GrantInput struct {
	UserID     string
	Permission string
	ScopeType  ScopeType
	ScopeID    string
	ValidUntil *time.Time
}

// CheckInput asks whether a user holds a permission in a scope.
type CheckInput struct {
	UserID     string
	Permission string
	ScopeType  ScopeType
	ScopeID    string
	OwnerID    string
}

// GrantService is the administrative surface over the grant store.
type GrantService struct {
	store     GrantStore
	evaluator *Evaluator
	directory Directory
	audit     AuditSink
	now       func() time.Time
	log       logrus.FieldLogger
}

// GrantServiceOption configures GrantService.
type GrantServiceOption func(*GrantService)

// WithGrantAudit sets the audit sink.
func WithGrantAudit(sink AuditSink) GrantServiceOption {
	return func(s *GrantService) {
		if sink != nil {
			s.audit = sink
		}
	}
}

// WithGrantClock overrides the time source.
func WithGrantClock(fn func() time.Time) GrantServiceOption {
	return func(s *GrantService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewGrantService wires the grant store to the evaluator used by Check.
func NewGrantService(store GrantStore, evaluator *Evaluator, directory Directory, opts ...GrantServiceOption) (*GrantService, error) {
	if store == nil || evaluator == nil || directory == nil {
		return nil, errors.New("auth: grant service requires store, evaluator and directory")
	}
	s := &GrantService{
		store:     store,
		evaluator: evaluator,
		directory: directory,
		audit:     discardAudit{},
		now:       time.Now,
		log:       obs.Logger().WithField("component", "grants"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Grant creates or refreshes the active grant described by in.
func (s *GrantService) Grant(ctx context.Context, actorID string, in GrantInput) (UserGrant, error) {
	key := GrantKey{
		UserID:     strings.TrimSpace(in.UserID),
		Permission: strings.TrimSpace(in.Permission),
		ScopeType:  in.ScopeType,
		ScopeID:    strings.TrimSpace(in.ScopeID),
	}
	if err := s.validateKey(key); err != nil {
		return UserGrant{}, err
	}
	now := s.now().UTC()
	if in.ValidUntil != nil && !in.ValidUntil.After(now) {
		return UserGrant{}, fmt.Errorf("%w: valid_until must be in the future", ErrInvalidInput)
	}
	if _, err := s.directory.Principal(ctx, key.UserID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return UserGrant{}, fmt.Errorf("%w: user %s does not exist", ErrInvalidInput, key.UserID)
		}
		return UserGrant{}, err
	}

	grant, err := s.store.UpsertGrant(ctx, UserGrant{
		ID:             ids.NewAt(now),
		UserID:         key.UserID,
		PermissionName: key.Permission,
		ScopeType:      key.ScopeType,
		ScopeID:        key.ScopeID,
		ValidUntil:     in.ValidUntil,
		GrantedBy:      actorID,
		CreatedAt:      now,
	})
	if err != nil {
		return UserGrant{}, err
	}
	details := map[string]any{
		"permission": grant.PermissionName,
		"scope_type": grant.ScopeType,
		"scope_id":   grant.ScopeID,
	}
	if grant.ValidUntil != nil {
		details["valid_until"] = grant.ValidUntil.UTC().Format(time.RFC3339)
	}
	s.record(ctx, AuditEvent{
		Action:       "permission.grant",
		ActorID:      actorID,
		SubjectID:    grant.UserID,
		ResourceType: "user_grant",
		ResourceID:   grant.ID,
		Details:      details,
		OccurredAt:   now,
	})
	return grant, nil
}

// Revoke logically deletes the active grant for key. A second revoke is ErrNotFound.
func (s *GrantService) Revoke(ctx context.Context, actorID string, key GrantKey) (UserGrant, error) {
	key.UserID = strings.TrimSpace(key.UserID)
	key.Permission = strings.TrimSpace(key.Permission)
	key.ScopeID = strings.TrimSpace(key.ScopeID)
	if err := s.validateKey(key); err != nil {
		return UserGrant{}, err
	}
	now := s.now().UTC()
	grant, err := s.store.RevokeGrant(ctx, key, actorID, now)
	if err != nil {
		return UserGrant{}, err
	}
	s.record(ctx, AuditEvent{
		Action:       "permission.revoke",
		ActorID:      actorID,
		SubjectID:    grant.UserID,
		ResourceType: "user_grant",
		ResourceID:   grant.ID,
		Details: map[string]any{
			"permission": grant.PermissionName,
			"scope_type": grant.ScopeType,
			"scope_id":   grant.ScopeID,
		},
		OccurredAt: now,
	})
	return grant, nil
}

// Check evaluates in against the user's current roles and grants.
func (s *GrantService) Check(ctx context.Context, in CheckInput) (Decision, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return Decision{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if _, ok := s.evaluator.Catalog().Lookup(in.Permission); !ok {
		return Decision{}, fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, in.Permission)
	}
	if !in.ScopeType.Valid() {
		return Decision{}, fmt.Errorf("%w: unknown scope type %q", ErrInvalidInput, in.ScopeType)
	}
	if in.ScopeType == ScopeUnit && strings.TrimSpace(in.ScopeID) == "" {
		return Decision{}, fmt.Errorf("%w: UNIT scope requires a scope_id", ErrInvalidInput)
	}
	p, err := s.directory.Principal(ctx, in.UserID)
	if err != nil {
		return Decision{}, err
	}
	return s.evaluator.Evaluate(ctx, p, Request{
		Permission: in.Permission,
		ScopeType:  in.ScopeType,
		ScopeID:    in.ScopeID,
		OwnerID:    in.OwnerID,
	})
}

// ListForUser returns the user's non-revoked grants, including expired ones.
func (s *GrantService) ListForUser(ctx context.Context, userID string) ([]UserGrant, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.UserGrants(ctx, userID)
}

// ListForUnit returns the non-revoked UNIT grants of unitID, optionally filtered by permission.
func (s *GrantService) ListForUnit(ctx context.Context, unitID, permission string) ([]UserGrant, error) {
	if strings.TrimSpace(unitID) == "" {
		return nil, fmt.Errorf("%w: unit_id is required", ErrInvalidInput)
	}
	grants, err := s.store.UnitGrants(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if permission == "" {
		return grants, nil
	}
	filtered := grants[:0]
	for _, g := range grants {
		if g.PermissionName == permission {
			filtered = append(filtered, g)
		}
	}
	return filtered, nil
}

func (s *GrantService) validateKey(key GrantKey) error {
	if err := key.validate(); err != nil {
		return err
	}
	if _, ok := s.evaluator.Catalog().Lookup(key.Permission); !ok {
		return fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, key.Permission)
	}
	return nil
}

func (s *GrantService) record(ctx context.Context, event AuditEvent) {
	if err := s.audit.Record(ctx, event); err != nil {
		s.log.WithError(err).WithField("action", event.Action).Error("audit record failed")
	}
}
