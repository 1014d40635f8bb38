package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-acl/internal/platform/httpx"
)

// Sentinel errors returned by the store and service. They wrap the httpx
// sentinels so handlers map them without a translation table.
var (
	ErrNotFound  = fmt.Errorf("rbac: %w", httpx.ErrNotFound)
	ErrDuplicate = fmt.Errorf("rbac: %w", httpx.ErrDuplicate)
	ErrInvalid   = fmt.Errorf("rbac: %w", httpx.ErrValidation)
)

// Role represents a high-level permission grouping.
type Role struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Permission represents an atomic capability and its context constraints.
type Permission struct {
	ID            int64  `json:"id"`
	Ability       string `json:"ability"`
	Description   string `json:"description"`
	RequiresOwner bool   `json:"requires_owner"`
	TenantScoped  bool   `json:"tenant_scoped"`
}

// Limit caps how often a permission may be used per period.
type Limit struct {
	PermissionID int64  `json:"permission_id"`
	Type         string `json:"type"`
	Value        int64  `json:"value"`
}

// Block suspends a user until Until, or indefinitely when Until is nil.
type Block struct {
	UserID int64      `json:"user_id"`
	Until  *time.Time `json:"until,omitempty"`
	Reason string     `json:"reason"`
}

// Store persists ACL mutations. Methods that change effective permissions
// return the ids of the users whose permission sets may differ afterwards.
type Store interface {
	ListRoles(ctx context.Context) ([]Role, error)
	CreateRole(ctx context.Context, name, description string) (Role, error)
	DeleteRole(ctx context.Context, roleID int64) ([]int64, error)
	SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) ([]int64, error)

	ListPermissions(ctx context.Context) ([]Permission, error)
	EnsurePermission(ctx context.Context, perm Permission) (Permission, error)
	SetLimit(ctx context.Context, limit Limit) error
	ClearLimit(ctx context.Context, permissionID int64) error

	AssignRole(ctx context.Context, userID, roleID int64) error
	RemoveRole(ctx context.Context, userID, roleID int64) error
	SetOverride(ctx context.Context, userID, permissionID int64, allowed bool) error
	ClearOverride(ctx context.Context, userID, permissionID int64) error
	Block(ctx context.Context, block Block) error
	Unblock(ctx context.Context, userID int64) error
}
