package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store handles RBAC data persistence over the permissions, roles,
// role_permissions and user_permissions relations. Every committed mutation
// is reported to the change notifier before the call returns.
type Store struct {
	db       *sql.DB
	notifier ChangeNotifier
	catalog  *Catalog
	now      func() time.Time
}

// NewStore creates a new RBAC store
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:       db,
		notifier: noopNotifier{},
		now:      time.Now,
	}
}

// SetNotifier sets the change notifier driven by every mutation
func (s *Store) SetNotifier(n ChangeNotifier) {
	if n == nil {
		n = noopNotifier{}
	}
	s.notifier = n
}

// SetCatalog registers and unregisters names in catalog as permissions are
// created and deleted through the store
func (s *Store) SetCatalog(c *Catalog) {
	s.catalog = c
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit transaction", err)
	}
	return nil
}

// notified wraps a notifier failure after a committed write so the caller
// knows the data changed but invalidation could not be confirmed
func notified(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("change committed but cache invalidation failed: %w", err)
}

// isUniqueViolation detects a Postgres unique_violation raced past the pre-checks
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// CreatePermission registers a new permission name
func (s *Store) CreatePermission(ctx context.Context, perm *Permission) error {
	if _, err := ParseRule(perm.Name); err != nil {
		return err
	}

	now := s.now().UTC()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getPermissionByName(ctx, tx, perm.Name); err == nil {
			return conflictErr("permission %q already exists", perm.Name)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		err := tx.QueryRowContext(ctx,
			`INSERT INTO permissions (name, description, created_at) VALUES ($1, $2, $3) RETURNING id`,
			perm.Name, perm.Description, now,
		).Scan(&perm.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return conflictErr("permission %q already exists", perm.Name)
			}
			return storeErr("create permission", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	perm.CreatedAt = now
	if s.catalog != nil {
		// already parsed above
		_ = s.catalog.Register(perm.Name)
	}
	return notified(s.notifier.OnCatalogChanged(ctx, perm.ID, ChangeCatalogCreated))
}

// GetPermission retrieves a permission by ID
func (s *Store) GetPermission(ctx context.Context, id int64) (*Permission, error) {
	return getPermission(ctx, s.db, id)
}

// GetPermissionByName retrieves a permission by its canonical name
func (s *Store) GetPermissionByName(ctx context.Context, name string) (*Permission, error) {
	return getPermissionByName(ctx, s.db, name)
}

func getPermission(ctx context.Context, q querier, id int64) (*Permission, error) {
	var p Permission
	err := q.QueryRowContext(ctx,
		`SELECT id, name, description, created_at FROM permissions WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, notFoundErr("permission %d", id)
	}
	if err != nil {
		return nil, storeErr("get permission", err)
	}
	return &p, nil
}

func getPermissionByName(ctx context.Context, q querier, name string) (*Permission, error) {
	var p Permission
	err := q.QueryRowContext(ctx,
		`SELECT id, name, description, created_at FROM permissions WHERE name = $1`, name,
	).Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, notFoundErr("permission %q", name)
	}
	if err != nil {
		return nil, storeErr("get permission by name", err)
	}
	return &p, nil
}

// ListPermissions returns every registered permission ordered by name
func (s *Store) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, created_at FROM permissions ORDER BY name`)
	if err != nil {
		return nil, storeErr("list permissions", err)
	}
	defer rows.Close()

	perms := []Permission{}
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, storeErr("scan permission", err)
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list permissions", err)
	}
	return perms, nil
}

// LoadCatalog builds a catalog from the permissions table. Rows written
// outside the store that do not parse are left out and reported in the
// error, which then comes with the catalog of every other row.
func (s *Store) LoadCatalog(ctx context.Context) (*Catalog, error) {
	perms, err := s.ListPermissions(ctx)
	if err != nil {
		return nil, err
	}

	catalog, err := NewCatalog()
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, p := range perms {
		if err := catalog.Register(p.Name); err != nil {
			errs = append(errs, fmt.Errorf("permission %d: %w", p.ID, err))
		}
	}
	return catalog, errors.Join(errs...)
}

// DeletePermission removes a permission. A permission still referenced by a
// role or a user override is rejected unless cascade is set, in which case the
// references are removed in the same transaction.
func (s *Store) DeletePermission(ctx context.Context, id int64, cascade bool) error {
	var name string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		perm, err := getPermission(ctx, tx, id)
		if err != nil {
			return err
		}
		name = perm.Name

		var roleRefs, userRefs int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM role_permissions WHERE permission_id = $1`, id).Scan(&roleRefs); err != nil {
			return storeErr("count role references", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_permissions WHERE permission_id = $1`, id).Scan(&userRefs); err != nil {
			return storeErr("count override references", err)
		}

		if roleRefs+userRefs > 0 {
			if !cascade {
				return conflictErr("permission %d is referenced by %d roles and %d overrides", id, roleRefs, userRefs)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE permission_id = $1`, id); err != nil {
				return storeErr("delete role references", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM user_permissions WHERE permission_id = $1`, id); err != nil {
				return storeErr("delete override references", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM permissions WHERE id = $1`, id); err != nil {
			return storeErr("delete permission", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.catalog != nil {
		s.catalog.Unregister(name)
	}
	return notified(s.notifier.OnCatalogChanged(ctx, id, ChangeCatalogDeleted))
}

// CreateRole creates a new role
func (s *Store) CreateRole(ctx context.Context, role *Role) error {
	if err := ValidateRoleName(role.Name); err != nil {
		return err
	}

	now := s.now().UTC()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getRoleByName(ctx, tx, role.Name); err == nil {
			return conflictErr("role %q already exists", role.Name)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		err := tx.QueryRowContext(ctx, `
			INSERT INTO roles (name, description, is_system_role, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, role.Name, role.Description, role.IsSystemRole, now, now).Scan(&role.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return conflictErr("role %q already exists", role.Name)
			}
			return storeErr("create role", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	role.CreatedAt = now
	role.UpdatedAt = now
	return notified(s.notifier.OnRoleChanged(ctx, role.ID, ChangeRoleCreated))
}

// GetRole retrieves a role by ID
func (s *Store) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	return getRole(ctx, s.db, roleID)
}

// GetRoleByName retrieves a role by name
func (s *Store) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	return getRoleByName(ctx, s.db, name)
}

const roleColumns = `id, name, description, is_system_role, created_at, updated_at`

func scanRole(row interface{ Scan(...interface{}) error }) (*Role, error) {
	var r Role
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.IsSystemRole, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func getRole(ctx context.Context, q querier, roleID int64) (*Role, error) {
	role, err := scanRole(q.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, roleID))
	if err == sql.ErrNoRows {
		return nil, notFoundErr("role %d", roleID)
	}
	if err != nil {
		return nil, storeErr("get role", err)
	}
	return role, nil
}

func getRoleByName(ctx context.Context, q querier, name string) (*Role, error) {
	role, err := scanRole(q.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name))
	if err == sql.ErrNoRows {
		return nil, notFoundErr("role %q", name)
	}
	if err != nil {
		return nil, storeErr("get role by name", err)
	}
	return role, nil
}

// ListRoles returns all roles ordered by name
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY name`)
	if err != nil {
		return nil, storeErr("list roles", err)
	}
	defer rows.Close()

	roles := []Role{}
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, storeErr("scan role", err)
		}
		roles = append(roles, *role)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list roles", err)
	}
	return roles, nil
}

// RenameRole changes a role's name. System roles cannot be renamed.
func (s *Store) RenameRole(ctx context.Context, roleID int64, newName string) error {
	if err := ValidateRoleName(newName); err != nil {
		return err
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		role, err := getRole(ctx, tx, roleID)
		if err != nil {
			return err
		}
		if role.IsSystemRole {
			return conflictErr("system role %q cannot be renamed", role.Name)
		}
		if role.Name == newName {
			return nil
		}
		if _, err := getRoleByName(ctx, tx, newName); err == nil {
			return conflictErr("role %q already exists", newName)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE roles SET name = $1, updated_at = $2 WHERE id = $3`,
			newName, s.now().UTC(), roleID,
		); err != nil {
			if isUniqueViolation(err) {
				return conflictErr("role %q already exists", newName)
			}
			return storeErr("rename role", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return notified(s.notifier.OnRoleChanged(ctx, roleID, ChangeRoleRenamed))
}

// DeleteRole deletes a role. System roles and roles still held by a user are rejected.
func (s *Store) DeleteRole(ctx context.Context, roleID int64) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		role, err := getRole(ctx, tx, roleID)
		if err != nil {
			return err
		}
		if role.IsSystemRole {
			return conflictErr("system role %q cannot be deleted", role.Name)
		}

		holders, err := countRoleHolders(ctx, tx, roleID)
		if err != nil {
			return err
		}
		if holders > 0 {
			return conflictErr("role %q is assigned to %d users", role.Name, holders)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return storeErr("delete role permissions", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, roleID); err != nil {
			return storeErr("delete role", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return notified(s.notifier.OnRoleChanged(ctx, roleID, ChangeRoleDeleted))
}

// GetRolePermissions returns the permissions attached to a role
func (s *Store) GetRolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	if _, err := s.GetRole(ctx, roleID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.description, p.created_at
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1
		ORDER BY p.name
	`, roleID)
	if err != nil {
		return nil, storeErr("get role permissions", err)
	}
	defer rows.Close()

	perms := []Permission{}
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, storeErr("scan role permission", err)
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("get role permissions", err)
	}
	return perms, nil
}

// RolePermissionNames returns the permission names attached to a role. A
// zero roleID yields an empty set.
func (s *Store) RolePermissionNames(ctx context.Context, roleID int64) ([]string, error) {
	if roleID == 0 {
		return []string{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.name
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1
		ORDER BY p.name
	`, roleID)
	if err != nil {
		return nil, storeErr("get role permission names", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storeErr("scan role permission name", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("get role permission names", err)
	}
	return names, nil
}

// AddPermission links a permission to a role. Adding an existing link is a
// successful no-op.
func (s *Store) AddPermission(ctx context.Context, roleID, permissionID int64) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getRole(ctx, tx, roleID); err != nil {
			return err
		}
		if _, err := getPermission(ctx, tx, permissionID); err != nil {
			return err
		}
		return insertRolePermission(ctx, tx, roleID, permissionID, s.now().UTC())
	})
	if err != nil {
		return err
	}

	return notified(s.notifier.OnRoleChanged(ctx, roleID, ChangePermissionAdded))
}

func insertRolePermission(ctx context.Context, q querier, roleID, permissionID int64, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO role_permissions (role_id, permission_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (role_id, permission_id) DO NOTHING
	`, roleID, permissionID, now)
	if err != nil {
		return storeErr("add role permission", err)
	}
	return nil
}

// RemovePermission unlinks a permission from a role. Removing a missing link
// is a successful no-op.
func (s *Store) RemovePermission(ctx context.Context, roleID, permissionID int64) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getRole(ctx, tx, roleID); err != nil {
			return err
		}
		if _, err := getPermission(ctx, tx, permissionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`,
			roleID, permissionID,
		); err != nil {
			return storeErr("remove role permission", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return notified(s.notifier.OnRoleChanged(ctx, roleID, ChangePermissionRemoved))
}

// SetRolePermissions replaces the full permission set of a role in one
// transaction and drives a single invalidation
func (s *Store) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getRole(ctx, tx, roleID); err != nil {
			return err
		}
		for _, id := range permissionIDs {
			if _, err := getPermission(ctx, tx, id); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return storeErr("clear role permissions", err)
		}
		now := s.now().UTC()
		for _, id := range permissionIDs {
			if err := insertRolePermission(ctx, tx, roleID, id, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return notified(s.notifier.OnRoleChanged(ctx, roleID, ChangePermissionsSet))
}

// GetOverrides returns every override row for a user
func (s *Store) GetOverrides(ctx context.Context, userID string) ([]UserPermissionOverride, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT up.user_id, up.permission_id, p.name, up.denied, up.created_at, up.updated_at
		FROM user_permissions up
		JOIN permissions p ON p.id = up.permission_id
		WHERE up.user_id = $1
		ORDER BY p.name
	`, userID)
	if err != nil {
		return nil, storeErr("get overrides", err)
	}
	defer rows.Close()

	overrides := []UserPermissionOverride{}
	for rows.Next() {
		var o UserPermissionOverride
		if err := rows.Scan(&o.UserID, &o.PermissionID, &o.Permission, &o.Denied, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, storeErr("scan override", err)
		}
		overrides = append(overrides, o)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("get overrides", err)
	}
	return overrides, nil
}

// SetOverride upserts a user override. An existing row has its denied flag replaced.
func (s *Store) SetOverride(ctx context.Context, userID string, permissionID int64, denied bool) error {
	if userID == "" {
		return validationErr("user id is required")
	}

	now := s.now().UTC()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getPermission(ctx, tx, permissionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_permissions (user_id, permission_id, denied, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $4)
			ON CONFLICT (user_id, permission_id)
			DO UPDATE SET denied = excluded.denied, updated_at = excluded.updated_at
		`, userID, permissionID, denied, now); err != nil {
			return storeErr("set override", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return notified(s.notifier.OnUserOverrideChanged(ctx, userID, ChangeOverrideSet))
}

// ClearOverride deletes a single override so the user falls back to the role default
func (s *Store) ClearOverride(ctx context.Context, userID string, permissionID int64) error {
	if userID == "" {
		return validationErr("user id is required")
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM user_permissions WHERE user_id = $1 AND permission_id = $2`,
		userID, permissionID,
	); err != nil {
		return storeErr("clear override", err)
	}

	return notified(s.notifier.OnUserOverrideChanged(ctx, userID, ChangeOverrideCleared))
}

// ResetAllOverrides deletes every override for a user and returns how many were removed
func (s *Store) ResetAllOverrides(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, validationErr("user id is required")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM user_permissions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, storeErr("reset overrides", err)
	}
	removed, _ := res.RowsAffected()

	return removed, notified(s.notifier.OnUserOverrideChanged(ctx, userID, ChangeOverridesReset))
}
