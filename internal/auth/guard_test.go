package auth

import (
	"context"
	"errors"
	"testing"
)

func TestRequirementValidate(t *testing.T) {
	catalog := DefaultCatalog()
	cases := []struct {
		name string
		req  PermissionRequirement
		ok   bool
	}{
		{"global", Require(PermAuditView, ScopeGlobal), true},
		{"unit from path", RequireScoped(PermUnitView, ScopeUnit, "path:unitID"), true},
		{"own from self", RequireScoped(PermCitizenView, ScopeOwn, "self"), true},
		{"own implicit", Require(PermCitizenView, ScopeOwn), true},
		{"undeclared permission", Require("x.y", ScopeGlobal), false},
		{"unknown scope", Require(PermUnitView, "REGION"), false},
		{"global with expression", RequireScoped(PermUnitView, ScopeGlobal, "path:unitID"), false},
		{"unit without expression", Require(PermUnitView, ScopeUnit), false},
		{"unit from self", RequireScoped(PermUnitView, ScopeUnit, "self"), false},
		{"unknown source", RequireScoped(PermUnitView, ScopeUnit, "cookie:unit"), false},
		{"missing name", RequireScoped(PermUnitView, ScopeUnit, "query:"), false},
		{"bad bypass role", PermissionRequirement{Permission: PermUnitView, ScopeType: ScopeGlobal, BypassRoles: []Role{"root"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate(catalog)
			if tc.ok && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !tc.ok {
				var cfgErr *ConfigurationError
				if !errors.As(err, &cfgErr) {
					t.Fatalf("expected ConfigurationError, got %v", err)
				}
			}
		})
	}
}

func TestScopeResolverUnitPrecedence(t *testing.T) {
	var r ScopeResolver
	req := RequireScoped(PermUnitView, ScopeUnit, "header:X-Unit-ID")
	member := Principal{UserID: "u1", Units: []string{"unit-a", "unit-b"}, PrimaryUnit: "unit-a", Active: true}
	floating := Principal{UserID: "u2", Units: []string{"unit-a"}, Active: true}

	cases := []struct {
		name     string
		p        Principal
		params   ParamMap
		bypassed bool
		want     string
		wantErr  bool
	}{
		{"requested unit held", member, ParamMap{"header:X-Unit-ID": "unit-b"}, false, "unit-b", false},
		{"foreign unit replaced by primary", member, ParamMap{"header:X-Unit-ID": "unit-z"}, false, "unit-a", false},
		{"nothing requested uses primary", member, nil, false, "unit-a", false},
		{"bypass keeps requested", member, ParamMap{"header:X-Unit-ID": "unit-z"}, true, "unit-z", false},
		{"no primary keeps requested", floating, ParamMap{"header:X-Unit-ID": "unit-z"}, false, "unit-z", false},
		{"unresolvable", floating, nil, false, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.Resolve(tc.p, req, tc.params, tc.bypassed)
			if tc.wantErr {
				if !errors.Is(err, ErrConfiguration) {
					t.Fatalf("expected configuration error, got %q, %v", got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tc.want {
				t.Fatalf("Resolve = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestScopeResolverOwnAndGlobal(t *testing.T) {
	var r ScopeResolver
	p := Principal{UserID: "u1", Active: true}

	got, err := r.Resolve(p, RequireScoped(PermCitizenView, ScopeOwn, "self"), nil, false)
	if err != nil || got != "u1" {
		t.Fatalf("self: %q, %v", got, err)
	}
	got, err = r.Resolve(p, RequireScoped(PermCitizenView, ScopeOwn, "path:userID"), ParamMap{"path:userID": "u9"}, false)
	if err != nil || got != "u9" {
		t.Fatalf("path: %q, %v", got, err)
	}
	got, err = r.Resolve(p, Require(PermCitizenView, ScopeOwn), nil, false)
	if err != nil || got != "u1" {
		t.Fatalf("implicit: %q, %v", got, err)
	}
	got, err = r.Resolve(p, Require(PermAuditView, ScopeGlobal), ParamMap{"path:unitID": "x"}, false)
	if err != nil || got != "" {
		t.Fatalf("global: %q, %v", got, err)
	}
}

func TestGuardAllRequirementsMustPass(t *testing.T) {
	g := NewGuard(newTestEvaluator(&stubGrants{}), nil)
	p := technician()
	params := ParamMap{"path:unitID": "unit-a"}

	ctx, err := g.Check(context.Background(), p, []PermissionRequirement{
		RequireScoped(PermCitizenView, ScopeUnit, "path:unitID"),
		RequireScoped(PermUnitView, ScopeUnit, "path:unitID"),
	}, params)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	scope, ok := ScopeFromContext(ctx)
	if !ok || scope.ID != "unit-a" || scope.Permission != PermUnitView || scope.Bypassed {
		t.Fatalf("unexpected resolved scope: %+v (%v)", scope, ok)
	}

	_, err = g.Check(context.Background(), p, []PermissionRequirement{
		RequireScoped(PermCitizenView, ScopeUnit, "path:unitID"),
		Require(PermBenefitRequestApprove, ScopeGlobal),
		Require(PermAuditView, ScopeGlobal),
	}, params)
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if denied.Index != 1 || denied.Permission != PermBenefitRequestApprove {
		t.Fatalf("expected first failing requirement, got %+v", denied)
	}
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("DeniedError must unwrap to ErrForbidden")
	}
}

func TestGuardEmptyRequirementsAllow(t *testing.T) {
	g := NewGuard(newTestEvaluator(&stubGrants{}), nil)
	ctx, err := g.Check(context.Background(), technician(), nil, nil)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if _, ok := ScopeFromContext(ctx); ok {
		t.Fatalf("no scope expected without requirements")
	}
}

func TestGuardSpoofedUnitFallsBackToPrimary(t *testing.T) {
	g := NewGuard(newTestEvaluator(&stubGrants{}), nil)
	auditor := Principal{UserID: "aud-1", Roles: []Role{RoleAuditor}, Units: []string{"unit-a"}, PrimaryUnit: "unit-a", Active: true}

	ctx, err := g.Check(context.Background(), auditor, []PermissionRequirement{
		RequireScoped(PermReportView, ScopeUnit, "query:unit"),
	}, ParamMap{"query:unit": "unit-b"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	scope, _ := ScopeFromContext(ctx)
	if scope.ID != "unit-a" {
		t.Fatalf("spoofed unit must be replaced by primary unit, got %q", scope.ID)
	}
}

func TestGuardConfigurationErrorCarriesIndex(t *testing.T) {
	g := NewGuard(newTestEvaluator(&stubGrants{}), nil)
	floating := Principal{UserID: "u2", Roles: []Role{RoleUnitTechnician}, Units: []string{"unit-a"}, Active: true}

	_, err := g.Check(context.Background(), floating, []PermissionRequirement{
		Require(PermCitizenView, ScopeGlobal),
		RequireScoped(PermUnitView, ScopeUnit, "path:unitID"),
	}, ParamMap{})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if cfgErr.Index != 1 {
		t.Fatalf("index = %d, want 1", cfgErr.Index)
	}
}

func TestGuardBypassSkipsUnresolvableScope(t *testing.T) {
	g := NewGuard(newTestEvaluator(&stubGrants{}), nil)
	admin := Principal{UserID: "adm-1", Roles: []Role{RoleAdministrator}, Active: true}

	ctx, err := g.Check(context.Background(), admin, []PermissionRequirement{
		RequireScoped(PermUnitManage, ScopeUnit, "path:unitID"),
	}, ParamMap{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	scope, _ := ScopeFromContext(ctx)
	if !scope.Bypassed {
		t.Fatalf("expected bypassed scope, got %+v", scope)
	}
}

func TestGuardStoreErrorIsNotDenied(t *testing.T) {
	boom := errors.New("db down")
	g := NewGuard(newTestEvaluator(&stubGrants{err: boom}), nil)

	_, err := g.Check(context.Background(), technician(), []PermissionRequirement{
		Require(PermBenefitRequestApprove, ScopeGlobal),
	}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
	var denied *DeniedError
	if errors.As(err, &denied) {
		t.Fatalf("store failure must not look like a plain denial")
	}
}
