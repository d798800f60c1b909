package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubGrants struct {
	grants []UserGrant
	err    error
	calls  int
}

func (s *stubGrants) UserGrants(_ context.Context, userID string) ([]UserGrant, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	var out []UserGrant
	for _, g := range s.grants {
		if g.UserID == userID {
			out = append(out, g)
		}
	}
	return out, nil
}

var evalNow = time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)

func newTestEvaluator(grants GrantReader) *Evaluator {
	return NewEvaluator(DefaultCatalog(), DefaultBypassTable(), grants, WithEvaluatorClock(func() time.Time { return evalNow }))
}

func technician() Principal {
	return Principal{UserID: "tech-1", Roles: []Role{RoleUnitTechnician}, Units: []string{"unit-a"}, PrimaryUnit: "unit-a", Active: true}
}

func TestEvaluateRoleGrantWithinUnit(t *testing.T) {
	e := newTestEvaluator(&stubGrants{})

	d, err := e.Evaluate(context.Background(), technician(), Request{Permission: PermCitizenView, ScopeType: ScopeUnit, ScopeID: "unit-a"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Allowed || d.Reason != ReasonRoleGrant || d.MatchedRole != RoleUnitTechnician {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if !d.CheckedAt.Equal(evalNow) {
		t.Fatalf("checked_at = %v", d.CheckedAt)
	}

	d, err = e.Evaluate(context.Background(), technician(), Request{Permission: PermCitizenView, ScopeType: ScopeUnit, ScopeID: "unit-b"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Allowed || d.Reason != ReasonScopeMismatch {
		t.Fatalf("expected scope mismatch, got %+v", d)
	}
}

func TestEvaluateGlobalRoleGrantIgnoresScopeID(t *testing.T) {
	grants := &stubGrants{}
	e := newTestEvaluator(grants)

	for _, scopeID := range []string{"", "unit-a", "unit-zzz", "tech-2"} {
		d, err := e.Evaluate(context.Background(), technician(), Request{Permission: PermCitizenView, ScopeType: ScopeGlobal, ScopeID: scopeID})
		if err != nil {
			t.Fatalf("scope id %q: %v", scopeID, err)
		}
		if !d.Allowed || d.Reason != ReasonRoleGrant || d.MatchedRole != RoleUnitTechnician {
			t.Fatalf("scope id %q: unexpected decision %+v", scopeID, d)
		}
	}
	if grants.calls != 0 {
		t.Fatalf("role grant should not consult user grants, got %d calls", grants.calls)
	}
}

func TestEvaluateAdministratorBypassesAnyUnit(t *testing.T) {
	e := newTestEvaluator(&stubGrants{})
	admin := Principal{UserID: "adm-1", Roles: []Role{RoleAdministrator}, Active: true}

	for _, scopeID := range []string{"unit-a", "unit-zzz", ""} {
		d, err := e.Evaluate(context.Background(), admin, Request{Permission: PermBenefitConfigure, ScopeType: ScopeUnit, ScopeID: scopeID})
		if err != nil {
			t.Fatalf("scope id %q: %v", scopeID, err)
		}
		if !d.Allowed || !d.Bypassed || d.Reason != ReasonBypassRole || d.MatchedRole != RoleAdministrator {
			t.Fatalf("scope id %q: unexpected decision %+v", scopeID, d)
		}
	}
}

func TestEvaluateBypassRoles(t *testing.T) {
	e := newTestEvaluator(&stubGrants{})
	manager := Principal{UserID: "mgr-1", Roles: []Role{RoleUnitManager}, Units: []string{"unit-a"}, Active: true}

	d, err := e.Evaluate(context.Background(), manager, Request{Permission: PermBenefitConfigure, ScopeType: ScopeUnit, ScopeID: "unit-z"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Allowed || !d.Bypassed || d.Reason != ReasonBypassRole || d.MatchedRole != RoleUnitManager {
		t.Fatalf("expected manager bypass, got %+v", d)
	}

	// System administration is administrator-only even for bypass roles.
	d, err = e.Evaluate(context.Background(), manager, Request{Permission: PermSystemPermissionGrant, ScopeType: ScopeGlobal})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Allowed || d.Reason != ReasonMissingPermission {
		t.Fatalf("expected manager denied on system permission, got %+v", d)
	}

	admin := Principal{UserID: "adm-1", Roles: []Role{RoleAdministrator}, Active: true}
	d, err = e.Evaluate(context.Background(), admin, Request{Permission: PermSystemPermissionGrant, ScopeType: ScopeGlobal})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Allowed || !d.Bypassed {
		t.Fatalf("expected administrator bypass, got %+v", d)
	}
}

func TestEvaluateRequestBypassOverride(t *testing.T) {
	e := newTestEvaluator(&stubGrants{})
	auditor := Principal{UserID: "aud-1", Roles: []Role{RoleAuditor}, PrimaryUnit: "unit-a", Active: true}

	d, err := e.Evaluate(context.Background(), auditor, Request{
		Permission:  PermReportView,
		ScopeType:   ScopeUnit,
		ScopeID:     "unit-q",
		BypassRoles: []Role{RoleAuditor},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Allowed || d.MatchedRole != RoleAuditor {
		t.Fatalf("expected override bypass, got %+v", d)
	}
}

func TestEvaluateDeniesWithoutError(t *testing.T) {
	e := newTestEvaluator(&stubGrants{})

	d, err := e.Evaluate(context.Background(), technician(), Request{Permission: "nao.existe", ScopeType: ScopeGlobal})
	if err != nil || d.Allowed || d.Reason != ReasonUnknownPermission {
		t.Fatalf("unknown permission: %+v, %v", d, err)
	}

	inactive := technician()
	inactive.Active = false
	d, err = e.Evaluate(context.Background(), inactive, Request{Permission: PermCitizenView, ScopeType: ScopeGlobal})
	if err != nil || d.Allowed || d.Reason != ReasonInactivePrincipal {
		t.Fatalf("inactive principal: %+v, %v", d, err)
	}

	d, err = e.Evaluate(context.Background(), technician(), Request{Permission: PermBenefitRequestApprove, ScopeType: ScopeGlobal})
	if err != nil || d.Allowed || d.Reason != ReasonMissingPermission {
		t.Fatalf("missing permission: %+v, %v", d, err)
	}
}

func TestEvaluateConfigurationErrors(t *testing.T) {
	e := newTestEvaluator(&stubGrants{})

	d, err := e.Evaluate(context.Background(), technician(), Request{Permission: PermCitizenView, ScopeType: ScopeUnit})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if d.Allowed || d.Reason != ReasonConfiguration {
		t.Fatalf("configuration error must deny: %+v", d)
	}

	_, err = e.Evaluate(context.Background(), technician(), Request{Permission: PermCitizenView, ScopeType: "REGION"})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for unknown scope, got %v", err)
	}
}

func TestEvaluateUserGrants(t *testing.T) {
	expired := evalNow.Add(-time.Minute)
	revokedAt := evalNow.Add(-time.Hour)
	grants := &stubGrants{grants: []UserGrant{
		{ID: "g-unit", UserID: "tech-1", PermissionName: PermBenefitRequestApprove, ScopeType: ScopeUnit, ScopeID: "unit-b"},
		{ID: "g-expired", UserID: "tech-1", PermissionName: PermReportGenerate, ScopeType: ScopeGlobal, ValidUntil: &expired},
		{ID: "g-revoked", UserID: "tech-1", PermissionName: PermReportView, ScopeType: ScopeGlobal, RevokedAt: &revokedAt},
		{ID: "g-other", UserID: "someone-else", PermissionName: PermUserManage, ScopeType: ScopeGlobal},
	}}
	e := newTestEvaluator(grants)
	ctx := context.Background()

	d, err := e.Evaluate(ctx, technician(), Request{Permission: PermBenefitRequestApprove, ScopeType: ScopeUnit, ScopeID: "unit-b"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Allowed || d.Reason != ReasonUserGrant || d.MatchedGrantID != "g-unit" {
		t.Fatalf("expected user grant allow, got %+v", d)
	}

	d, _ = e.Evaluate(ctx, technician(), Request{Permission: PermBenefitRequestApprove, ScopeType: ScopeUnit, ScopeID: "unit-c"})
	if d.Allowed || d.Reason != ReasonScopeMismatch {
		t.Fatalf("grant for unit-b must not cover unit-c: %+v", d)
	}

	d, _ = e.Evaluate(ctx, technician(), Request{Permission: PermReportGenerate, ScopeType: ScopeGlobal})
	if d.Allowed || d.Reason != ReasonMissingPermission {
		t.Fatalf("expired grant must be ignored: %+v", d)
	}

	d, _ = e.Evaluate(ctx, technician(), Request{Permission: PermReportView, ScopeType: ScopeGlobal})
	if d.Allowed {
		t.Fatalf("revoked grant must be ignored: %+v", d)
	}

	d, _ = e.Evaluate(ctx, technician(), Request{Permission: PermUserManage, ScopeType: ScopeGlobal})
	if d.Allowed {
		t.Fatalf("another user's grant must be ignored: %+v", d)
	}
}

func TestEvaluateRoleMatchSkipsGrantLookup(t *testing.T) {
	grants := &stubGrants{}
	e := newTestEvaluator(grants)

	if _, err := e.Evaluate(context.Background(), technician(), Request{Permission: PermCitizenView, ScopeType: ScopeGlobal}); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if grants.calls != 0 {
		t.Fatalf("grant store consulted %d times", grants.calls)
	}
}

func TestEvaluateOwnScope(t *testing.T) {
	e := newTestEvaluator(&stubGrants{})
	p := technician()

	d, _ := e.Evaluate(context.Background(), p, Request{Permission: PermCitizenEdit, ScopeType: ScopeOwn, ScopeID: p.UserID})
	if !d.Allowed {
		t.Fatalf("owner should be allowed: %+v", d)
	}
	d, _ = e.Evaluate(context.Background(), p, Request{Permission: PermCitizenEdit, ScopeType: ScopeOwn, OwnerID: p.UserID})
	if !d.Allowed {
		t.Fatalf("declared owner should be allowed: %+v", d)
	}
	d, _ = e.Evaluate(context.Background(), p, Request{Permission: PermCitizenEdit, ScopeType: ScopeOwn, ScopeID: "someone-else"})
	if d.Allowed || d.Reason != ReasonScopeMismatch {
		t.Fatalf("non-owner should be denied: %+v", d)
	}
}

func TestEvaluateStoreFailureDenies(t *testing.T) {
	boom := errors.New("connection refused")
	e := newTestEvaluator(&stubGrants{err: boom})

	d, err := e.Evaluate(context.Background(), technician(), Request{Permission: PermBenefitRequestApprove, ScopeType: ScopeGlobal})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
	if d.Allowed || d.Reason != ReasonLookupFailed {
		t.Fatalf("store failure must deny: %+v", d)
	}
}
