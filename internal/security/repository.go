package security

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads ACL tables from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

const activeBlockPredicate = `user_id = $1 AND (blocked_until IS NULL OR blocked_until > $2)`

// FindUser loads a user by id.
func (r *Repository) FindUser(ctx context.Context, id int64) (User, error) {
	var user User
	err := r.pool.QueryRow(ctx, `SELECT id, tenant_id FROM users WHERE id = $1`, id).Scan(&user.ID, &user.TenantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	return user, nil
}

// ActiveBlock reports whether the user has a block that is still in effect at now.
func (r *Repository) ActiveBlock(ctx context.Context, userID int64, now time.Time) (bool, error) {
	var blocked bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM blocked_users WHERE `+activeBlockPredicate+`)`, userID, now).Scan(&blocked)
	return blocked, err
}

// FindPermission resolves a permission by ability name.
func (r *Repository) FindPermission(ctx context.Context, ability string) (Permission, bool, error) {
	var perm Permission
	err := r.pool.QueryRow(ctx,
		`SELECT id, action, requires_owner, tenant_scoped FROM permissions WHERE action = $1`, ability).
		Scan(&perm.ID, &perm.Ability, &perm.RequiresOwner, &perm.TenantScoped)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, false, nil
		}
		return Permission{}, false, err
	}
	return perm, true, nil
}

// FindOverride returns the explicit per-user flag for a permission.
func (r *Repository) FindOverride(ctx context.Context, userID, permissionID int64) (Override, bool, error) {
	ov := Override{UserID: userID, PermissionID: permissionID}
	err := r.pool.QueryRow(ctx,
		`SELECT allowed FROM user_permissions WHERE user_id = $1 AND permission_id = $2`, userID, permissionID).
		Scan(&ov.Allowed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Override{}, false, nil
		}
		return Override{}, false, err
	}
	return ov, true, nil
}

// RoleGrants reports whether any role assigned to the user grants the permission.
func (r *Repository) RoleGrants(ctx context.Context, userID, permissionID int64) (bool, error) {
	var granted bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM user_role ur
		JOIN role_permission rp ON rp.role_id = ur.role_id
		WHERE ur.user_id = $1 AND rp.permission_id = $2)`, userID, permissionID).Scan(&granted)
	return granted, err
}

// FindLimit returns the usage cap of a permission.
func (r *Repository) FindLimit(ctx context.Context, permissionID int64) (Limit, bool, error) {
	limit := Limit{PermissionID: permissionID}
	err := r.pool.QueryRow(ctx,
		`SELECT limit_type, limit_value FROM permission_limits WHERE permission_id = $1`, permissionID).
		Scan(&limit.Type, &limit.Value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Limit{}, false, nil
		}
		return Limit{}, false, err
	}
	return limit, true, nil
}

// LoadGrants reads the user's ACL state in a single batch round-trip.
func (r *Repository) LoadGrants(ctx context.Context, userID int64, abilities []string, now time.Time) (Grants, error) {
	grants := NewGrants()
	batch := &pgx.Batch{}
	batch.Queue(`SELECT EXISTS (SELECT 1 FROM blocked_users WHERE `+activeBlockPredicate+`)`, userID, now).
		QueryRow(func(row pgx.Row) error {
			return row.Scan(&grants.Blocked)
		})
	batch.Queue(`SELECT DISTINCT p.action FROM user_role ur
		JOIN role_permission rp ON rp.role_id = ur.role_id
		JOIN permissions p ON p.id = rp.permission_id
		WHERE ur.user_id = $1`, userID).
		Query(func(rows pgx.Rows) error {
			for rows.Next() {
				var ability string
				if err := rows.Scan(&ability); err != nil {
					return err
				}
				grants.RoleAbilities[ability] = struct{}{}
			}
			return rows.Err()
		})
	batch.Queue(`SELECT p.action, up.allowed FROM user_permissions up
		JOIN permissions p ON p.id = up.permission_id
		WHERE up.user_id = $1`, userID).
		Query(func(rows pgx.Rows) error {
			for rows.Next() {
				var ability string
				var allowed bool
				if err := rows.Scan(&ability, &allowed); err != nil {
					return err
				}
				grants.Overrides[ability] = allowed
			}
			return rows.Err()
		})
	if len(abilities) > 0 {
		batch.Queue(`SELECT p.id, p.action, p.requires_owner, p.tenant_scoped, l.limit_type, l.limit_value
			FROM permissions p
			LEFT JOIN permission_limits l ON l.permission_id = p.id
			WHERE p.action = ANY($1)`, abilities).
			Query(func(rows pgx.Rows) error {
				for rows.Next() {
					var perm Permission
					var limitType *string
					var limitValue *int64
					if err := rows.Scan(&perm.ID, &perm.Ability, &perm.RequiresOwner, &perm.TenantScoped, &limitType, &limitValue); err != nil {
						return err
					}
					grants.Permissions[perm.Ability] = perm
					if limitType != nil && limitValue != nil {
						grants.Limits[perm.ID] = Limit{PermissionID: perm.ID, Type: *limitType, Value: *limitValue}
					}
				}
				return rows.Err()
			})
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return Grants{}, err
	}
	return grants, nil
}
