package rbac

import (
	"context"
	"database/sql"
)

// ProfileDirectory maps a user to the single role the application assigned
// them. A zero role ID means the user holds no role.
type ProfileDirectory interface {
	RoleOf(ctx context.Context, userID string) (int64, error)
	AssignRole(ctx context.Context, userID string, roleID int64) error
	CountUsersWithRole(ctx context.Context, roleID int64) (int, error)
}

// SQLProfileDirectory reads role assignments from the application's profiles table
type SQLProfileDirectory struct {
	db       *sql.DB
	notifier ChangeNotifier
}

// NewSQLProfileDirectory creates a profile directory backed by profiles(id, role_id)
func NewSQLProfileDirectory(db *sql.DB) *SQLProfileDirectory {
	return &SQLProfileDirectory{db: db, notifier: noopNotifier{}}
}

// SetNotifier sets the notifier told about role reassignments
func (d *SQLProfileDirectory) SetNotifier(n ChangeNotifier) {
	if n == nil {
		n = noopNotifier{}
	}
	d.notifier = n
}

// RoleOf returns the role ID held by userID
func (d *SQLProfileDirectory) RoleOf(ctx context.Context, userID string) (int64, error) {
	var roleID sql.NullInt64
	err := d.db.QueryRowContext(ctx, `SELECT role_id FROM profiles WHERE id = $1`, userID).Scan(&roleID)
	if err == sql.ErrNoRows {
		return 0, notFoundErr("user %q", userID)
	}
	if err != nil {
		return 0, storeErr("get user role", err)
	}
	return roleID.Int64, nil
}

// AssignRole moves a user to a new role and invalidates their cached set.
// A zero roleID clears the assignment.
func (d *SQLProfileDirectory) AssignRole(ctx context.Context, userID string, roleID int64) error {
	if userID == "" {
		return validationErr("user id is required")
	}

	var oldRole int64
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer tx.Rollback()

	var current sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT role_id FROM profiles WHERE id = $1`, userID).Scan(&current)
	if err == sql.ErrNoRows {
		return notFoundErr("user %q", userID)
	}
	if err != nil {
		return storeErr("get user role", err)
	}
	oldRole = current.Int64

	var newRole sql.NullInt64
	if roleID != 0 {
		if _, err := getRole(ctx, tx, roleID); err != nil {
			return err
		}
		newRole = sql.NullInt64{Int64: roleID, Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE profiles SET role_id = $1 WHERE id = $2`, newRole, userID); err != nil {
		return storeErr("assign role", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit transaction", err)
	}

	return notified(d.notifier.OnRoleAssigned(ctx, userID, oldRole, roleID))
}

// CountUsersWithRole returns how many profiles currently hold roleID
func (d *SQLProfileDirectory) CountUsersWithRole(ctx context.Context, roleID int64) (int, error) {
	return countRoleHolders(ctx, d.db, roleID)
}

func countRoleHolders(ctx context.Context, q querier, roleID int64) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles WHERE role_id = $1`, roleID).Scan(&n); err != nil {
		return 0, storeErr("count role holders", err)
	}
	return n, nil
}

// ListUserIDs returns every profile ID in ascending order
func (d *SQLProfileDirectory) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id FROM profiles ORDER BY id`)
	if err != nil {
		return nil, storeErr("list users", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan user", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list users", err)
	}
	return ids, nil
}
