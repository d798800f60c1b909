package auth

import (
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of roles a principal may hold.
type Role string

const (
	RoleAdministrator  Role = "administrator"
	RoleUnitManager    Role = "unit_manager"
	RoleUnitTechnician Role = "unit_technician"
	RoleAuditor        Role = "auditor"
)

// AllRoles lists every known role in declaration order.
var AllRoles = []Role{RoleAdministrator, RoleUnitManager, RoleUnitTechnician, RoleAuditor}

// ParseRole normalizes raw and rejects names outside the closed role set.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.TrimSpace(strings.ToLower(raw)))
	for _, known := range AllRoles {
		if role == known {
			return role, nil
		}
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
}

// ParseRoles parses every entry of raw, failing on the first unknown role.
func ParseRoles(raw []string) ([]Role, error) {
	out := make([]Role, 0, len(raw))
	for _, r := range raw {
		role, err := ParseRole(r)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return dedupeRoles(out), nil
}

// ScopeType is the boundary within which a permission applies.
type ScopeType string

const (
	ScopeGlobal ScopeType = "GLOBAL"
	ScopeUnit   ScopeType = "UNIT"
	ScopeOwn    ScopeType = "OWN"
)

// Valid reports whether s is one of the known scope types.
func (s ScopeType) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeUnit, ScopeOwn:
		return true
	}
	return false
}

// ParseScopeType accepts scope names case-insensitively.
func ParseScopeType(raw string) (ScopeType, error) {
	s := ScopeType(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown scope type %q", ErrInvalidInput, raw)
	}
	return s, nil
}

// TokenKind distinguishes access and refresh credentials.
type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
	// TokenAll selects both kinds in bulk operations.
	TokenAll TokenKind = ""
)

// ParseTokenKind accepts "access", "refresh" or an empty string (both).
func ParseTokenKind(raw string) (TokenKind, error) {
	switch k := TokenKind(strings.ToLower(strings.TrimSpace(raw))); k {
	case TokenAccess, TokenRefresh, TokenAll:
		return k, nil
	}
	if strings.EqualFold(strings.TrimSpace(raw), "all") {
		return TokenAll, nil
	}
	return "", fmt.Errorf("%w: unknown token type %q", ErrInvalidInput, raw)
}

func (k TokenKind) includes(other TokenKind) bool {
	return k == TokenAll || k == other
}

// Permission is an immutable catalog entry.
type Permission struct {
	Name        string `json:"name"`
	Module      string `json:"module"`
	Description string `json:"description"`
}

// RolePermission maps a role to a permission name.
type RolePermission struct {
	Role       Role   `json:"role"`
	Permission string `json:"permission"`
}

// UserGrant is a persisted per-user permission override.
type UserGrant struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	PermissionName string     `json:"permission"`
	ScopeType      ScopeType  `json:"scope_type"`
	ScopeID        string     `json:"scope_id,omitempty"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`
	GrantedBy      string     `json:"granted_by"`
	CreatedAt      time.Time  `json:"created_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	RevokedBy      string     `json:"revoked_by,omitempty"`
}

// Active reports whether the grant is neither revoked nor past its validity.
func (g UserGrant) Active(now time.Time) bool {
	if g.RevokedAt != nil {
		return false
	}
	return g.ValidUntil == nil || g.ValidUntil.After(now)
}

// Key returns the identity of the grant used by revoke.
func (g UserGrant) Key() GrantKey {
	return GrantKey{UserID: g.UserID, Permission: g.PermissionName, ScopeType: g.ScopeType, ScopeID: g.ScopeID}
}

// GrantKey identifies a grant by (user, permission, scope).
type GrantKey struct {
	UserID     string
	Permission string
	ScopeType  ScopeType
	ScopeID    string
}

func (k GrantKey) validate() error {
	if strings.TrimSpace(k.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(k.Permission) == "" {
		return fmt.Errorf("%w: permission is required", ErrInvalidInput)
	}
	switch k.ScopeType {
	case ScopeGlobal:
		if k.ScopeID != "" {
			return fmt.Errorf("%w: GLOBAL scope does not take a scope_id", ErrInvalidInput)
		}
	case ScopeUnit:
		if strings.TrimSpace(k.ScopeID) == "" {
			return fmt.Errorf("%w: UNIT scope requires a scope_id", ErrInvalidInput)
		}
	case ScopeOwn:
	default:
		return fmt.Errorf("%w: unknown scope type %q", ErrInvalidInput, k.ScopeType)
	}
	return nil
}

// BlacklistEntry marks a token identifier as unusable until ExpiresAt.
type BlacklistEntry struct {
	JTI       string    `json:"jti"`
	UserID    string    `json:"user_id"`
	TokenType TokenKind `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// BlacklistFilter narrows List results.
type BlacklistFilter struct {
	UserID    string
	TokenType TokenKind
	Limit     int
}

// BlacklistStats summarises the blacklist table.
type BlacklistStats struct {
	Total          int64 `json:"total"`
	Access         int64 `json:"access"`
	Refresh        int64 `json:"refresh"`
	PendingCleanup int64 `json:"pending_cleanup"`
}

// RefreshTokenState is the lifecycle state of a refresh token.
type RefreshTokenState string

const (
	RefreshActive  RefreshTokenState = "active"
	RefreshRevoked RefreshTokenState = "revoked"
	RefreshExpired RefreshTokenState = "expired"
)

// RefreshToken is the persisted half of a refresh credential.
type RefreshToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TokenHash string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}

// State derives the lifecycle state. Revoked takes precedence over Expired.
func (t RefreshToken) State(now time.Time) RefreshTokenState {
	if t.Revoked {
		return RefreshRevoked
	}
	if !now.Before(t.ExpiresAt) {
		return RefreshExpired
	}
	return RefreshActive
}

// InvalidationRequest describes a bulk per-user invalidation.
type InvalidationRequest struct {
	UserID string
	Reason string
	Kind   TokenKind
	// Cutoff is the invalidation instant: refresh tokens created at or before it are revoked
	// and access tokens issued before it are rejected.
	Cutoff time.Time
	// RetainUntil bounds how long the access-token cutoff must be kept.
	RetainUntil time.Time
}

// InvalidationResult reports what a bulk invalidation touched.
type InvalidationResult struct {
	UserID          string    `json:"user_id"`
	RefreshRevoked  int       `json:"refresh_tokens_revoked"`
	RevokedTokenIDs []string  `json:"revoked_token_ids,omitempty"`
	AccessCutoff    bool      `json:"access_cutoff"`
	Cutoff          time.Time `json:"cutoff"`
}

// CleanupResult counts rows removed by a cleanup run.
type CleanupResult struct {
	Blacklist     int64 `json:"blacklist"`
	RefreshTokens int64 `json:"refresh_tokens"`
	Cutoffs       int64 `json:"cutoffs"`
}

// Total returns the number of rows removed across all tables.
func (r CleanupResult) Total() int64 {
	return r.Blacklist + r.RefreshTokens + r.Cutoffs
}

// Credentials are the login secrets the identity directory exposes.
type Credentials struct {
	UserID       string
	PasswordHash string
	Active       bool
}

// ClientInfo is recorded alongside refresh tokens.
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

// TokenPair represents access and refresh tokens along with their expirations.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// AuditEvent is a single entry handed to the audit sink.
type AuditEvent struct {
	Action       string         `json:"action"`
	ActorID      string         `json:"actor_id,omitempty"`
	SubjectID    string         `json:"subject_id,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

func dedupeRoles(roles []Role) []Role {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[Role]struct{}, len(roles))
	var normalized []Role
	for _, role := range roles {
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}
