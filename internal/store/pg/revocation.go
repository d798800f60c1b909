package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"beneficios.org/internal/auth"
)

// CreateRefreshToken stores the hashed half of a refresh credential.
func (s *Store) CreateRefreshToken(ctx context.Context, token auth.RefreshToken) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, token_hash, expires_at, revoked, created_at, ip_address, user_agent)
		values ($1, $2, $3, $4, false, $5, $6, $7)
	`, token.ID, token.UserID, token.TokenHash, token.ExpiresAt.UTC(), token.CreatedAt.UTC(),
		nullIfEmpty(token.IPAddress), nullIfEmpty(token.UserAgent))
	return translate(err)
}

// FindRefreshToken returns the record by id.
func (s *Store) FindRefreshToken(ctx context.Context, id string) (auth.RefreshToken, error) {
	if s.db == nil {
		return auth.RefreshToken{}, errNoDB
	}
	var t auth.RefreshToken
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, revoked, created_at, coalesce(ip_address, ''), coalesce(user_agent, '')
		from refresh_tokens
		where id = $1
	`, id).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.Revoked, &t.CreatedAt, &t.IPAddress, &t.UserAgent)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RefreshToken{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.RefreshToken{}, err
	}
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

// RevokeRefreshToken flips the revoked flag; the returned bool is false when it was already set.
func (s *Store) RevokeRefreshToken(ctx context.Context, id string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `update refresh_tokens set revoked = true where id = $1 and not revoked`, id)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if aff == 1 {
		return true, nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `select 1 from refresh_tokens where id = $1`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, auth.ErrNotFound
	}
	return false, err
}

// AddBlacklistEntry inserts the entry unless the jti is already listed.
func (s *Store) AddBlacklistEntry(ctx context.Context, entry auth.BlacklistEntry) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		insert into token_blacklist (jti, user_id, token_type, expires_at, reason, created_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (jti) do nothing
	`, entry.JTI, entry.UserID, string(entry.TokenType), entry.ExpiresAt.UTC(), entry.Reason, entry.CreatedAt.UTC())
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff == 1, nil
}

// IsBlacklisted reports presence of jti regardless of expiry; cleanup removes stale rows.
func (s *Store) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, `select exists(select 1 from token_blacklist where jti = $1)`, jti).Scan(&exists)
	return exists, err
}

const blacklistColumns = `jti, user_id, token_type, expires_at, reason, created_at`

func scanBlacklist(row rowScanner) (auth.BlacklistEntry, error) {
	var (
		e         auth.BlacklistEntry
		tokenType string
	)
	if err := row.Scan(&e.JTI, &e.UserID, &tokenType, &e.ExpiresAt, &e.Reason, &e.CreatedAt); err != nil {
		return auth.BlacklistEntry{}, err
	}
	e.TokenType = auth.TokenKind(tokenType)
	e.ExpiresAt = e.ExpiresAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

// GetBlacklistEntry returns the entry for jti.
func (s *Store) GetBlacklistEntry(ctx context.Context, jti string) (auth.BlacklistEntry, error) {
	if s.db == nil {
		return auth.BlacklistEntry{}, errNoDB
	}
	e, err := scanBlacklist(s.db.QueryRowContext(ctx, `select `+blacklistColumns+` from token_blacklist where jti = $1`, jti))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.BlacklistEntry{}, auth.ErrNotFound
	}
	return e, err
}

// RemoveBlacklistEntry deletes the entry for jti.
func (s *Store) RemoveBlacklistEntry(ctx context.Context, jti string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from token_blacklist where jti = $1`, jti)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// ListBlacklist returns entries newest first.
func (s *Store) ListBlacklist(ctx context.Context, filter auth.BlacklistFilter) ([]auth.BlacklistEntry, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.TokenType != auth.TokenAll {
		args = append(args, string(filter.TokenType))
		where = append(where, fmt.Sprintf("token_type = $%d", len(args)))
	}
	query := `select ` + blacklistColumns + ` from token_blacklist`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	query += ` order by created_at desc, jti desc`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.BlacklistEntry
	for rows.Next() {
		e, err := scanBlacklist(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// BlacklistStats counts entries by type and those awaiting cleanup.
func (s *Store) BlacklistStats(ctx context.Context, now time.Time) (auth.BlacklistStats, error) {
	if s.db == nil {
		return auth.BlacklistStats{}, errNoDB
	}
	var st auth.BlacklistStats
	err := s.db.QueryRowContext(ctx, `
		select count(*),
		       count(*) filter (where token_type = 'access'),
		       count(*) filter (where token_type = 'refresh'),
		       count(*) filter (where expires_at <= $1)
		from token_blacklist
	`, now.UTC()).Scan(&st.Total, &st.Access, &st.Refresh, &st.PendingCleanup)
	return st, err
}

// InvalidateUser revokes and blacklists the user's refresh tokens created at or before
// the cutoff and records the access cutoff, atomically.
func (s *Store) InvalidateUser(ctx context.Context, req auth.InvalidationRequest) (auth.InvalidationResult, error) {
	if s.db == nil {
		return auth.InvalidationResult{}, errNoDB
	}
	res := auth.InvalidationResult{UserID: req.UserID, Cutoff: req.Cutoff}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.InvalidationResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if req.Kind == auth.TokenAll || req.Kind == auth.TokenRefresh {
		type revoked struct {
			id        string
			expiresAt time.Time
		}
		rows, err := tx.QueryContext(ctx, `
			update refresh_tokens
			set revoked = true
			where user_id = $1 and not revoked and created_at <= $2
			returning id, expires_at
		`, req.UserID, req.Cutoff.UTC())
		if err != nil {
			return auth.InvalidationResult{}, err
		}
		var tokens []revoked
		for rows.Next() {
			var r revoked
			if err := rows.Scan(&r.id, &r.expiresAt); err != nil {
				rows.Close()
				return auth.InvalidationResult{}, err
			}
			tokens = append(tokens, r)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return auth.InvalidationResult{}, err
		}
		rows.Close()

		for _, t := range tokens {
			if _, err := tx.ExecContext(ctx, `
				insert into token_blacklist (jti, user_id, token_type, expires_at, reason, created_at)
				values ($1, $2, 'refresh', $3, $4, $5)
				on conflict (jti) do nothing
			`, t.id, req.UserID, t.expiresAt.UTC(), req.Reason, req.Cutoff.UTC()); err != nil {
				return auth.InvalidationResult{}, err
			}
			res.RevokedTokenIDs = append(res.RevokedTokenIDs, t.id)
		}
		res.RefreshRevoked = len(tokens)
	}

	if req.Kind == auth.TokenAll || req.Kind == auth.TokenAccess {
		if _, err := tx.ExecContext(ctx, `
			insert into user_token_cutoffs (user_id, cutoff_at, retain_until)
			values ($1, $2, $3)
			on conflict (user_id) do update
			set cutoff_at = greatest(user_token_cutoffs.cutoff_at, excluded.cutoff_at),
			    retain_until = greatest(user_token_cutoffs.retain_until, excluded.retain_until)
		`, req.UserID, req.Cutoff.UTC(), req.RetainUntil.UTC()); err != nil {
			return auth.InvalidationResult{}, err
		}
		res.AccessCutoff = true
	}

	if err := tx.Commit(); err != nil {
		return auth.InvalidationResult{}, err
	}
	return res, nil
}

// AccessCutoff returns the user's current access-token cutoff, if any.
func (s *Store) AccessCutoff(ctx context.Context, userID string) (time.Time, bool, error) {
	if s.db == nil {
		return time.Time{}, false, errNoDB
	}
	var at time.Time
	err := s.db.QueryRowContext(ctx, `select cutoff_at from user_token_cutoffs where user_id = $1`, userID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at.UTC(), true, nil
}

// DeleteExpired removes expired blacklist rows, refresh tokens and cutoffs in one transaction.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (auth.CleanupResult, error) {
	if s.db == nil {
		return auth.CleanupResult{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.CleanupResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var res auth.CleanupResult
	steps := []struct {
		query string
		dst   *int64
	}{
		{`delete from token_blacklist where expires_at <= $1`, &res.Blacklist},
		{`delete from refresh_tokens where expires_at <= $1`, &res.RefreshTokens},
		{`delete from user_token_cutoffs where retain_until <= $1`, &res.Cutoffs},
	}
	for _, step := range steps {
		out, err := tx.ExecContext(ctx, step.query, now.UTC())
		if err != nil {
			return auth.CleanupResult{}, err
		}
		if *step.dst, err = out.RowsAffected(); err != nil {
			return auth.CleanupResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return auth.CleanupResult{}, err
	}
	return res, nil
}
