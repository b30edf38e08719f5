package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// PGRepository provides PostgreSQL backed persistence for the policy matrix.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// LoadMatrix reads the full role, permission and grant state in one pass.
func (r *PGRepository) LoadMatrix(ctx context.Context) ([]Role, []Permission, []RolePermission, error) {
	roles, err := r.listRoles(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	perms, err := r.listPermissions(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	grants, err := r.listGrants(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	return roles, perms, grants, nil
}

func (r *PGRepository) listRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, is_system, created_at, updated_at FROM roles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("policy: list roles: %w", err)
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.IsSystem, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r *PGRepository) listPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, key, category, level FROM permissions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("policy: list permissions: %w", err)
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var perm Permission
		if err := rows.Scan(&perm.ID, &perm.Key, &perm.Category, &perm.Level); err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

func (r *PGRepository) listGrants(ctx context.Context) ([]RolePermission, error) {
	rows, err := r.pool.Query(ctx, `SELECT rp.role_id, rp.permission_id, p.key, rp.scope
 FROM role_permissions rp JOIN permissions p ON p.id = rp.permission_id`)
	if err != nil {
		return nil, fmt.Errorf("policy: list grants: %w", err)
	}
	defer rows.Close()
	var grants []RolePermission
	for rows.Next() {
		var grant RolePermission
		var scope string
		if err := rows.Scan(&grant.RoleID, &grant.PermissionID, &grant.PermissionKey, &scope); err != nil {
			return nil, err
		}
		grant.Scope = Scope(scope)
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

// CreateRole inserts a role.
func (r *PGRepository) CreateRole(ctx context.Context, name string, isSystem bool) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, `INSERT INTO roles (name, is_system, created_at, updated_at)
 VALUES ($1, $2, NOW(), NOW()) RETURNING id, name, is_system, created_at, updated_at`,
		name, isSystem).Scan(&role.ID, &role.Name, &role.IsSystem, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Role{}, fmt.Errorf("policy: role %q already exists", name)
		}
		return Role{}, fmt.Errorf("policy: create role: %w", err)
	}
	return role, nil
}

// DeleteRole removes a role and its grants. Returns rows affected for the
// role itself.
func (r *PGRepository) DeleteRole(ctx context.Context, roleID int64) (int64, error) {
	if _, err := r.pool.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return 0, fmt.Errorf("policy: delete role grants: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1 AND is_system = FALSE`, roleID)
	if err != nil {
		return 0, fmt.Errorf("policy: delete role: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpsertRolePermission stores a grant, replacing any prior scope for the
// (role, permission) pair.
func (r *PGRepository) UpsertRolePermission(ctx context.Context, roleID, permissionID int64, scope Scope) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id, scope)
 VALUES ($1, $2, $3)
 ON CONFLICT (role_id, permission_id) DO UPDATE SET scope = EXCLUDED.scope`,
		roleID, permissionID, string(scope))
	return err
}

// DeleteRolePermission removes a grant row. Deleting an absent row is a no-op
// since absence already means scope none.
func (r *PGRepository) DeleteRolePermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`,
		roleID, permissionID)
	return err
}
