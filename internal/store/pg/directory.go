package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"beneficios.org/internal/auth"
)

// Principal loads the user with roles and unit memberships.
func (s *Store) Principal(ctx context.Context, userID string) (auth.Principal, error) {
	if s.db == nil {
		return auth.Principal{}, errNoDB
	}
	var p auth.Principal
	err := s.db.QueryRowContext(ctx, `
		select id, email, active, coalesce(primary_unit, '')
		from users
		where id = $1
	`, userID).Scan(&p.UserID, &p.Email, &p.Active, &p.PrimaryUnit)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Principal{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Principal{}, err
	}

	roles, err := s.userStrings(ctx, `select role from user_roles where user_id = $1 order by role`, userID)
	if err != nil {
		return auth.Principal{}, err
	}
	for _, raw := range roles {
		role, err := auth.ParseRole(raw)
		if err != nil {
			// The check constraint should make this unreachable; an unknown role grants nothing.
			continue
		}
		p.Roles = append(p.Roles, role)
	}
	p.Units, err = s.userStrings(ctx, `select unit_id from user_units where user_id = $1 order by unit_id`, userID)
	if err != nil {
		return auth.Principal{}, err
	}
	return p, nil
}

// CredentialsByEmail looks the user up case-insensitively.
func (s *Store) CredentialsByEmail(ctx context.Context, email string) (auth.Credentials, error) {
	if s.db == nil {
		return auth.Credentials{}, errNoDB
	}
	var c auth.Credentials
	err := s.db.QueryRowContext(ctx, `
		select id, password_hash, active
		from users
		where lower(email) = $1
	`, strings.ToLower(strings.TrimSpace(email))).Scan(&c.UserID, &c.PasswordHash, &c.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Credentials{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Credentials{}, err
	}
	return c, nil
}

func (s *Store) userStrings(ctx context.Context, query, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
