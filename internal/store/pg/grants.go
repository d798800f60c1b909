package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"beneficios.org/internal/auth"
)

const grantColumns = `id, user_id, permission_name, scope_type, scope_id, valid_until, granted_by, created_at, revoked_at, coalesce(revoked_by, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (auth.UserGrant, error) {
	var (
		g          auth.UserGrant
		scopeType  string
		validUntil sql.NullTime
		revokedAt  sql.NullTime
	)
	if err := row.Scan(&g.ID, &g.UserID, &g.PermissionName, &scopeType, &g.ScopeID, &validUntil, &g.GrantedBy, &g.CreatedAt, &revokedAt, &g.RevokedBy); err != nil {
		return auth.UserGrant{}, err
	}
	g.ScopeType = auth.ScopeType(scopeType)
	g.ValidUntil = timePtr(validUntil)
	g.RevokedAt = timePtr(revokedAt)
	g.CreatedAt = g.CreatedAt.UTC()
	return g, nil
}

func (s *Store) queryGrants(ctx context.Context, query string, args ...any) ([]auth.UserGrant, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []auth.UserGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return grants, nil
}

// UserGrants returns the user's non-revoked grants. Expiry is left to the evaluator.
func (s *Store) UserGrants(ctx context.Context, userID string) ([]auth.UserGrant, error) {
	return s.queryGrants(ctx, `
		select `+grantColumns+`
		from user_grants
		where user_id = $1 and revoked_at is null
		order by created_at, id
	`, userID)
}

// UnitGrants returns the non-revoked UNIT grants for unitID.
func (s *Store) UnitGrants(ctx context.Context, unitID string) ([]auth.UserGrant, error) {
	return s.queryGrants(ctx, `
		select `+grantColumns+`
		from user_grants
		where scope_type = 'UNIT' and scope_id = $1 and revoked_at is null
		order by user_id, permission_name
	`, unitID)
}

// UpsertGrant relies on the partial unique index over active grants, so a
// concurrent grant and revoke resolve last-write-wins.
func (s *Store) UpsertGrant(ctx context.Context, grant auth.UserGrant) (auth.UserGrant, error) {
	if s.db == nil {
		return auth.UserGrant{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		insert into user_grants (id, user_id, permission_name, scope_type, scope_id, valid_until, granted_by, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		on conflict (user_id, permission_name, scope_type, scope_id) where revoked_at is null
		do update set valid_until = excluded.valid_until, granted_by = excluded.granted_by
		returning `+grantColumns,
		grant.ID, grant.UserID, grant.PermissionName, string(grant.ScopeType), grant.ScopeID,
		nullTime(grant.ValidUntil), grant.GrantedBy, grant.CreatedAt.UTC())
	out, err := scanGrant(row)
	if err != nil {
		return auth.UserGrant{}, translate(err)
	}
	return out, nil
}

// RevokeGrant marks the active grant for key as revoked.
func (s *Store) RevokeGrant(ctx context.Context, key auth.GrantKey, revokedBy string, at time.Time) (auth.UserGrant, error) {
	if s.db == nil {
		return auth.UserGrant{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		update user_grants
		set revoked_at = $5, revoked_by = $6
		where user_id = $1 and permission_name = $2 and scope_type = $3 and scope_id = $4
		  and revoked_at is null
		returning `+grantColumns,
		key.UserID, key.Permission, string(key.ScopeType), key.ScopeID, at.UTC(), nullIfEmpty(revokedBy))
	out, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.UserGrant{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.UserGrant{}, err
	}
	return out, nil
}
