package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"beneficios.org/internal/obs"
)

// Decision reasons.
const (
	ReasonBypassRole        = "bypass_role"
	ReasonRoleGrant         = "role_grant"
	ReasonUserGrant         = "user_grant"
	ReasonMissingPermission = "missing_permission"
	ReasonScopeMismatch     = "scope_mismatch"
	ReasonConfiguration     = "configuration_error"
	ReasonUnknownPermission = "unknown_permission"
	ReasonInactivePrincipal = "inactive_principal"
	ReasonLookupFailed      = "grant_lookup_failed"
)

// Request is a single authorization question.
type Request struct {
	Permission string
	ScopeType  ScopeType
	ScopeID    string
	// OwnerID is the declared owner of the target resource, when known.
	OwnerID string
	// BypassRoles overrides the bypass table when non-empty.
	BypassRoles []Role
}

// Decision is the typed outcome of an evaluation. Denial is not an error.
type Decision struct {
	Allowed        bool      `json:"allowed"`
	Reason         string    `json:"reason"`
	Permission     string    `json:"permission"`
	ScopeType      ScopeType `json:"scope_type"`
	ScopeID        string    `json:"scope_id,omitempty"`
	MatchedRole    Role      `json:"matched_role,omitempty"`
	MatchedGrantID string    `json:"matched_grant_id,omitempty"`
	Bypassed       bool      `json:"bypassed"`
	CheckedAt      time.Time `json:"checked_at"`
}

// GrantReader returns the non-revoked grants of a user. Expired rows may be included.
type GrantReader interface {
	UserGrants(ctx context.Context, userID string) ([]UserGrant, error)
}

// Evaluator combines the catalog, the bypass table and user grants into allow/deny.
type Evaluator struct {
	catalog *Catalog
	bypass  *BypassTable
	grants  GrantReader
	now     func() time.Time
	log     logrus.FieldLogger
}

// EvaluatorOption configures Evaluator behaviour.
type EvaluatorOption func(*Evaluator)

// WithEvaluatorClock overrides the time source used for grant validity.
func WithEvaluatorClock(fn func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithEvaluatorLogger sets the logger used for denials and defects.
func WithEvaluatorLogger(log logrus.FieldLogger) EvaluatorOption {
	return func(e *Evaluator) {
		if log != nil {
			e.log = log
		}
	}
}

// NewEvaluator constructs an Evaluator. A nil bypass table disables bypass entirely.
func NewEvaluator(catalog *Catalog, bypass *BypassTable, grants GrantReader, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		catalog: catalog,
		bypass:  bypass,
		grants:  grants,
		now:     time.Now,
		log:     obs.Logger().WithField("component", "authz"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog returns the catalog the evaluator checks against.
func (e *Evaluator) Catalog() *Catalog { return e.catalog }

// BypassRole returns the role that lets p skip scope checks for req, if any.
func (e *Evaluator) BypassRole(p Principal, permission string, override []Role) (Role, bool) {
	roles := override
	if len(roles) == 0 {
		roles = e.bypass.RolesFor(permission)
	}
	return p.FirstRoleIn(roles)
}

// Evaluate decides whether p may exercise req. A non-nil error always comes with
// a denying Decision; callers must treat it as a deny.
func (e *Evaluator) Evaluate(ctx context.Context, p Principal, req Request) (Decision, error) {
	d, err := e.evaluate(ctx, p, req)
	obs.RecordDecision(req.Permission, d.Allowed, d.Reason)
	if d.Reason == ReasonLookupFailed {
		e.log.WithError(err).WithFields(logrus.Fields{
			"user_id":    p.UserID,
			"permission": req.Permission,
		}).Warn("grant lookup failed, denying")
	}
	return d, err
}

func (e *Evaluator) evaluate(ctx context.Context, p Principal, req Request) (Decision, error) {
	now := e.now()
	d := Decision{
		Permission: req.Permission,
		ScopeType:  req.ScopeType,
		ScopeID:    req.ScopeID,
		CheckedAt:  now,
	}
	deny := func(reason string) Decision {
		d.Allowed = false
		d.Reason = reason
		return d
	}
	allow := func(reason string) Decision {
		d.Allowed = true
		d.Reason = reason
		return d
	}

	if !req.ScopeType.Valid() {
		return deny(ReasonConfiguration), &ConfigurationError{Permission: req.Permission, Detail: fmt.Sprintf("unknown scope type %q", req.ScopeType)}
	}
	if _, ok := e.catalog.Lookup(req.Permission); !ok {
		return deny(ReasonUnknownPermission), nil
	}
	if !p.Active || p.UserID == "" {
		return deny(ReasonInactivePrincipal), nil
	}

	if role, ok := e.BypassRole(p, req.Permission, req.BypassRoles); ok {
		d.MatchedRole = role
		d.Bypassed = true
		return allow(ReasonBypassRole), nil
	}

	if req.ScopeType == ScopeUnit && req.ScopeID == "" {
		return deny(ReasonConfiguration), &ConfigurationError{Permission: req.Permission, Detail: "unit scope without a scope id"}
	}

	holdsPermission := false
	for _, role := range p.Roles {
		if !e.catalog.RoleHas(role, req.Permission) {
			continue
		}
		holdsPermission = true
		if roleScopeMatches(p, req) {
			d.MatchedRole = role
			return allow(ReasonRoleGrant), nil
		}
	}

	grants, err := e.grants.UserGrants(ctx, p.UserID)
	if err != nil {
		return deny(ReasonLookupFailed), fmt.Errorf("load grants for %s: %w", p.UserID, err)
	}
	for _, g := range grants {
		if g.UserID != p.UserID || g.PermissionName != req.Permission || !g.Active(now) {
			continue
		}
		holdsPermission = true
		if grantScopeMatches(g, p, req) {
			d.MatchedGrantID = g.ID
			return allow(ReasonUserGrant), nil
		}
	}

	if holdsPermission {
		return deny(ReasonScopeMismatch), nil
	}
	return deny(ReasonMissingPermission), nil
}

func roleScopeMatches(p Principal, req Request) bool {
	switch req.ScopeType {
	case ScopeGlobal:
		return true
	case ScopeUnit:
		return p.InUnit(req.ScopeID)
	case ScopeOwn:
		return ownsTarget(p, req)
	}
	return false
}

func grantScopeMatches(g UserGrant, p Principal, req Request) bool {
	switch g.ScopeType {
	case ScopeGlobal:
		return true
	case ScopeUnit:
		return req.ScopeType == ScopeUnit && g.ScopeID != "" && g.ScopeID == req.ScopeID
	case ScopeOwn:
		if req.ScopeType != ScopeOwn || !ownsTarget(p, req) {
			return false
		}
		return g.ScopeID == "" || g.ScopeID == req.ScopeID
	}
	return false
}

func ownsTarget(p Principal, req Request) bool {
	if req.ScopeID != "" && req.ScopeID == p.UserID {
		return true
	}
	return req.OwnerID != "" && req.OwnerID == p.UserID
}
