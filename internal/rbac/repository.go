package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-acl/internal/platform/db"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Repository implements Store on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// ListRoles returns all roles ordered by name.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, description FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// CreateRole inserts a role.
func (r *Repository) CreateRole(ctx context.Context, name, description string) (Role, error) {
	role := Role{Name: name, Description: description}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO roles (name, description) VALUES ($1, $2) RETURNING id`, name, description).Scan(&role.ID)
	if err != nil {
		return Role{}, mapPgError(err)
	}
	return role, nil
}

// DeleteRole removes a role and reports its former holders.
func (r *Repository) DeleteRole(ctx context.Context, roleID int64) ([]int64, error) {
	var affected []int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		if affected, err = roleHolders(ctx, tx, roleID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	return affected, err
}

// SetRolePermissions replaces the permissions granted by a role.
func (r *Repository) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) ([]int64, error) {
	if permissionIDs == nil {
		permissionIDs = []int64{}
	}
	var affected []int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM roles WHERE id = $1)`, roleID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM role_permission WHERE role_id = $1 AND NOT (permission_id = ANY($2))`, roleID, permissionIDs); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO role_permission (role_id, permission_id)
			SELECT $1, unnest($2::bigint[]) ON CONFLICT DO NOTHING`, roleID, permissionIDs); err != nil {
			return mapPgError(err)
		}
		var err error
		affected, err = roleHolders(ctx, tx, roleID)
		return err
	})
	return affected, err
}

// ListPermissions returns all permissions ordered by ability.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, action, description, requires_owner, tenant_scoped FROM permissions ORDER BY action`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Ability, &p.Description, &p.RequiresOwner, &p.TenantScoped); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// EnsurePermission upserts a permission keyed by its ability.
func (r *Repository) EnsurePermission(ctx context.Context, perm Permission) (Permission, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO permissions (action, description, requires_owner, tenant_scoped)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (action) DO UPDATE SET description = EXCLUDED.description,
			requires_owner = EXCLUDED.requires_owner, tenant_scoped = EXCLUDED.tenant_scoped
		RETURNING id`, perm.Ability, perm.Description, perm.RequiresOwner, perm.TenantScoped).Scan(&perm.ID)
	if err != nil {
		return Permission{}, mapPgError(err)
	}
	return perm, nil
}

// SetLimit upserts the usage cap of a permission.
func (r *Repository) SetLimit(ctx context.Context, limit Limit) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO permission_limits (permission_id, limit_type, limit_value)
		VALUES ($1, $2, $3)
		ON CONFLICT (permission_id) DO UPDATE SET limit_type = EXCLUDED.limit_type, limit_value = EXCLUDED.limit_value`,
		limit.PermissionID, limit.Type, limit.Value)
	return mapPgError(err)
}

// ClearLimit removes the usage cap of a permission.
func (r *Repository) ClearLimit(ctx context.Context, permissionID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM permission_limits WHERE permission_id = $1`, permissionID)
	return err
}

// AssignRole assigns a role to the given user. Assigning twice is a no-op.
func (r *Repository) AssignRole(ctx context.Context, userID, roleID int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_role (user_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, userID, roleID)
	return mapPgError(err)
}

// RemoveRole removes a role from a user.
func (r *Repository) RemoveRole(ctx context.Context, userID, roleID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM user_role WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	return err
}

// SetOverride records an explicit allow or deny.
func (r *Repository) SetOverride(ctx context.Context, userID, permissionID int64, allowed bool) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO user_permissions (user_id, permission_id, allowed) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, permission_id) DO UPDATE SET allowed = EXCLUDED.allowed`, userID, permissionID, allowed)
	return mapPgError(err)
}

// ClearOverride drops the explicit flag so role grants apply again.
func (r *Repository) ClearOverride(ctx context.Context, userID, permissionID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM user_permissions WHERE user_id = $1 AND permission_id = $2`, userID, permissionID)
	return err
}

// Block upserts the block record of a user.
func (r *Repository) Block(ctx context.Context, block Block) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO blocked_users (user_id, blocked_until, reason) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET blocked_until = EXCLUDED.blocked_until, reason = EXCLUDED.reason`,
		block.UserID, block.Until, block.Reason)
	return mapPgError(err)
}

// Unblock lifts the block of a user.
func (r *Repository) Unblock(ctx context.Context, userID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM blocked_users WHERE user_id = $1`, userID)
	return err
}

func roleHolders(ctx context.Context, tx pgx.Tx, roleID int64) ([]int64, error) {
	rows, err := tx.Query(ctx, `SELECT user_id FROM user_role WHERE role_id = $1 ORDER BY user_id`, roleID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}
