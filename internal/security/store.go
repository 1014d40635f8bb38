package security

import (
	"context"
	"time"
)

// Store is the read side of the ACL tables used by the Evaluator.
type Store interface {
	FindUser(ctx context.Context, id int64) (User, error)
	ActiveBlock(ctx context.Context, userID int64, now time.Time) (bool, error)
	FindPermission(ctx context.Context, ability string) (Permission, bool, error)
	FindOverride(ctx context.Context, userID, permissionID int64) (Override, bool, error)
	RoleGrants(ctx context.Context, userID, permissionID int64) (bool, error)
	FindLimit(ctx context.Context, permissionID int64) (Limit, bool, error)
	// LoadGrants reads everything needed to decide many abilities at once. When
	// abilities is empty only the blocked flag, role abilities and overrides are loaded.
	LoadGrants(ctx context.Context, userID int64, abilities []string, now time.Time) (Grants, error)
}

// Grants is a per-user snapshot of the ACL state.
type Grants struct {
	Blocked bool
	// RoleAbilities holds every ability granted by at least one assigned role.
	RoleAbilities map[string]struct{}
	// Overrides maps ability to the explicit allowed flag.
	Overrides map[string]bool
	// Permissions holds the records of the requested abilities that exist.
	Permissions map[string]Permission
	// Limits is keyed by permission id.
	Limits map[int64]Limit
}

// NewGrants returns an empty snapshot with initialised maps.
func NewGrants() Grants {
	return Grants{
		RoleAbilities: make(map[string]struct{}),
		Overrides:     make(map[string]bool),
		Permissions:   make(map[string]Permission),
		Limits:        make(map[int64]Limit),
	}
}

// Canonical returns (role abilities ∪ explicit allows) minus explicit denies.
func (g Grants) Canonical() map[string]struct{} {
	set := make(map[string]struct{}, len(g.RoleAbilities)+len(g.Overrides))
	for ability := range g.RoleAbilities {
		set[ability] = struct{}{}
	}
	for ability, allowed := range g.Overrides {
		if allowed {
			set[ability] = struct{}{}
		} else {
			delete(set, ability)
		}
	}
	return set
}
