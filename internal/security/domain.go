package security

import (
	"context"
	"time"
)

// LimitMonthlyCount caps how many times a permission may be exercised per calendar month.
const LimitMonthlyCount = "monthly_count"

// AbilitySecurityManage guards administrative ACL mutations.
const AbilitySecurityManage = "security.manage"

// User is the subject of an authorization check. Users are owned elsewhere; the
// security domain only reads their id and tenant.
type User struct {
	ID       int64
	TenantID *int64
}

// Permission is a named ability with optional context constraints.
type Permission struct {
	ID            int64
	Ability       string
	RequiresOwner bool
	TenantScoped  bool
}

// Role groups permissions.
type Role struct {
	ID   int64
	Name string
}

// Override is an explicit per-user allow or deny for a single permission.
type Override struct {
	UserID       int64
	PermissionID int64
	Allowed      bool
}

// Limit caps usage of a permission.
type Limit struct {
	PermissionID int64
	Type         string
	Value        int64
}

// Block marks a user as denied for every ability until Until (forever when nil).
type Block struct {
	UserID int64
	Until  *time.Time
}

// Active reports whether the block still applies at now.
func (b Block) Active(now time.Time) bool {
	return b.Until == nil || b.Until.After(now)
}

// Authorizer answers authorization questions for a user.
type Authorizer interface {
	Check(ctx context.Context, user User, ability string, c *Context) (bool, error)
	GetPermissionsFor(ctx context.Context, user User) ([]string, error)
	GetPermissionMapFor(ctx context.Context, user User, abilities []string, c *Context) (map[string]bool, error)
	InvalidateUserCache(ctx context.Context, userID int64)
}
