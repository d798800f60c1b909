package pg

import (
	"context"

	"beneficios.org/internal/auth"
)

// SyncCatalog upserts every permission and replaces the role mapping in one transaction.
// Permissions missing from perms are kept because grants may still reference them.
func (s *Store) SyncCatalog(ctx context.Context, perms []auth.Permission, mappings []auth.RolePermission) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range perms {
		if _, err := tx.ExecContext(ctx, `
			insert into permissions (name, module, description)
			values ($1, $2, $3)
			on conflict (name) do update
			set module = excluded.module, description = excluded.description
		`, p.Name, p.Module, p.Description); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions`); err != nil {
		return err
	}
	for _, m := range mappings {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role, permission_name)
			values ($1, $2)
		`, string(m.Role), m.Permission); err != nil {
			return translate(err)
		}
	}
	return tx.Commit()
}
