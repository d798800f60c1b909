package auth

import (
	"context"
	"time"
)

// GrantStore persists per-user permission overrides.
type GrantStore interface {
	GrantReader
	// UpsertGrant inserts an active grant or refreshes the validity of the existing
	// active grant with the same key.
	UpsertGrant(ctx context.Context, grant UserGrant) (UserGrant, error)
	// RevokeGrant logically deletes the active grant for key. ErrNotFound when none is active.
	RevokeGrant(ctx context.Context, key GrantKey, revokedBy string, at time.Time) (UserGrant, error)
	// UnitGrants returns the non-revoked UNIT grants scoped to unitID.
	UnitGrants(ctx context.Context, unitID string) ([]UserGrant, error)
}

// CatalogStore mirrors the static catalog into persistent storage.
type CatalogStore interface {
	SyncCatalog(ctx context.Context, perms []Permission, mappings []RolePermission) error
}

// RefreshTokenStore holds the persisted half of refresh credentials.
type RefreshTokenStore interface {
	CreateRefreshToken(ctx context.Context, token RefreshToken) error
	FindRefreshToken(ctx context.Context, id string) (RefreshToken, error)
	// RevokeRefreshToken flips revoked false->true and reports whether this call did it.
	RevokeRefreshToken(ctx context.Context, id string) (bool, error)
}

// RevocationStore is the blacklist plus the refresh-token table.
type RevocationStore interface {
	RefreshTokenStore
	// AddBlacklistEntry inserts entry unless the jti is already present.
	AddBlacklistEntry(ctx context.Context, entry BlacklistEntry) (bool, error)
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
	GetBlacklistEntry(ctx context.Context, jti string) (BlacklistEntry, error)
	RemoveBlacklistEntry(ctx context.Context, jti string) error
	ListBlacklist(ctx context.Context, filter BlacklistFilter) ([]BlacklistEntry, error)
	BlacklistStats(ctx context.Context, now time.Time) (BlacklistStats, error)
	// InvalidateUser revokes and blacklists every active refresh token created at or
	// before req.Cutoff and records an access-token cutoff, in one transaction.
	InvalidateUser(ctx context.Context, req InvalidationRequest) (InvalidationResult, error)
	// AccessCutoff returns the instant before which the user's access tokens are rejected.
	AccessCutoff(ctx context.Context, userID string) (time.Time, bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (CleanupResult, error)
}

// Directory is the identity collaborator: principals, unit membership and credentials.
type Directory interface {
	Principal(ctx context.Context, userID string) (Principal, error)
	CredentialsByEmail(ctx context.Context, email string) (Credentials, error)
}

// AuditSink receives audit events. Implementations must be safe for concurrent use.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
}

// BlacklistCache is an optional positive cache in front of RevocationStore.IsBlacklisted.
type BlacklistCache interface {
	Mark(ctx context.Context, jti string, ttl time.Duration) error
	Contains(ctx context.Context, jti string) (bool, error)
	Forget(ctx context.Context, jti string) error
}

type discardAudit struct{}

func (discardAudit) Record(context.Context, AuditEvent) error { return nil }
