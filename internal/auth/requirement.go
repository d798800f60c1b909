package auth

import (
	"fmt"
	"strings"
)

// Scope-id expression sources understood by the resolver.
const (
	SourcePath   = "path"
	SourceQuery  = "query"
	SourceHeader = "header"
	SourceSelf   = "self"
)

// PermissionRequirement is declared per protected operation at registration time.
// All requirements attached to one operation must pass.
type PermissionRequirement struct {
	Permission string
	ScopeType  ScopeType
	// ScopeIDExpression is "path:<name>", "query:<name>", "header:<name>" or "self".
	ScopeIDExpression string
	// BypassRoles overrides the central bypass table for this requirement when non-empty.
	BypassRoles []Role
}

// Require is a shorthand for a requirement without a scope expression.
func Require(permission string, scope ScopeType) PermissionRequirement {
	return PermissionRequirement{Permission: permission, ScopeType: scope}
}

// RequireScoped is a shorthand for a requirement with a scope expression.
func RequireScoped(permission string, scope ScopeType, expr string) PermissionRequirement {
	return PermissionRequirement{Permission: permission, ScopeType: scope, ScopeIDExpression: expr}
}

// Validate rejects declarations the guard could never evaluate safely.
func (r PermissionRequirement) Validate(catalog *Catalog) error {
	fail := func(format string, args ...any) error {
		return &ConfigurationError{Permission: r.Permission, Detail: fmt.Sprintf(format, args...)}
	}
	if catalog != nil {
		if _, ok := catalog.Lookup(r.Permission); !ok {
			return fail("permission is not declared in the catalog")
		}
	}
	if !r.ScopeType.Valid() {
		return fail("unknown scope type %q", r.ScopeType)
	}
	source, _, err := parseScopeExpression(r.ScopeIDExpression)
	if err != nil {
		return fail("%v", err)
	}
	switch r.ScopeType {
	case ScopeGlobal:
		if r.ScopeIDExpression != "" {
			return fail("GLOBAL scope does not take a scope id expression")
		}
	case ScopeUnit:
		if r.ScopeIDExpression == "" {
			return fail("UNIT scope requires a scope id expression")
		}
		if source == SourceSelf {
			return fail("UNIT scope cannot resolve from self")
		}
	}
	for _, role := range r.BypassRoles {
		if _, err := ParseRole(string(role)); err != nil {
			return fail("%v", err)
		}
	}
	return nil
}

func (r PermissionRequirement) String() string {
	if r.ScopeIDExpression == "" {
		return fmt.Sprintf("%s@%s", r.Permission, r.ScopeType)
	}
	return fmt.Sprintf("%s@%s(%s)", r.Permission, r.ScopeType, r.ScopeIDExpression)
}

func parseScopeExpression(expr string) (source, name string, err error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", "", nil
	}
	if expr == SourceSelf {
		return SourceSelf, "", nil
	}
	source, name, ok := strings.Cut(expr, ":")
	if !ok || strings.TrimSpace(name) == "" {
		return "", "", fmt.Errorf("malformed scope expression %q", expr)
	}
	switch source {
	case SourcePath, SourceQuery, SourceHeader:
		return source, strings.TrimSpace(name), nil
	}
	return "", "", fmt.Errorf("unknown scope expression source %q", source)
}
