package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-acl/internal/security"
)

// Service orchestrates ACL mutations. Every committed change that can alter a
// user's effective permissions is followed by a PermissionsChanged event.
type Service struct {
	store     Store
	publisher security.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs a Service. publisher may be nil when no cache sits in front of the evaluator.
func NewService(store Store, publisher security.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, publisher: publisher, logger: logger, now: time.Now}
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// CreateRole inserts a new role.
func (s *Service) CreateRole(ctx context.Context, name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name required", ErrInvalid)
	}
	return s.store.CreateRole(ctx, name, strings.TrimSpace(description))
}

// DeleteRole removes a role and invalidates its former holders.
func (s *Service) DeleteRole(ctx context.Context, roleID int64) error {
	affected, err := s.store.DeleteRole(ctx, roleID)
	if err != nil {
		return err
	}
	s.publish(ctx, "delete role", affected...)
	return nil
}

// SetRolePermissions replaces the permissions of a role and invalidates its holders.
func (s *Service) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	affected, err := s.store.SetRolePermissions(ctx, roleID, dedupIDs(permissionIDs))
	if err != nil {
		return err
	}
	s.publish(ctx, "set role permissions", affected...)
	return nil
}

// ListPermissions returns all permissions ordered by ability.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// EnsurePermission upserts a permission under its canonical ability name.
// Context flags are evaluated live, so no cached set needs invalidating.
func (s *Service) EnsurePermission(ctx context.Context, perm Permission) (Permission, error) {
	perm.Ability = security.NormalizeAbility(perm.Ability)
	if perm.Ability == "" {
		return Permission{}, fmt.Errorf("%w: ability required", ErrInvalid)
	}
	perm.Description = strings.TrimSpace(perm.Description)
	return s.store.EnsurePermission(ctx, perm)
}

// SetLimit caps the usage of a permission.
func (s *Service) SetLimit(ctx context.Context, limit Limit) error {
	if limit.Type != security.LimitMonthlyCount {
		return fmt.Errorf("%w: unsupported limit type %q", ErrInvalid, limit.Type)
	}
	if limit.Value < 0 {
		return fmt.Errorf("%w: limit value must not be negative", ErrInvalid)
	}
	return s.store.SetLimit(ctx, limit)
}

// ClearLimit removes the usage cap of a permission.
func (s *Service) ClearLimit(ctx context.Context, permissionID int64) error {
	return s.store.ClearLimit(ctx, permissionID)
}

// AssignRole assigns a role to the given user.
func (s *Service) AssignRole(ctx context.Context, userID, roleID int64) error {
	if err := s.store.AssignRole(ctx, userID, roleID); err != nil {
		return err
	}
	s.publish(ctx, "assign role", userID)
	return nil
}

// RemoveRole removes a role from a user.
func (s *Service) RemoveRole(ctx context.Context, userID, roleID int64) error {
	if err := s.store.RemoveRole(ctx, userID, roleID); err != nil {
		return err
	}
	s.publish(ctx, "remove role", userID)
	return nil
}

// SetOverride records an explicit allow or deny for a user.
func (s *Service) SetOverride(ctx context.Context, userID, permissionID int64, allowed bool) error {
	if err := s.store.SetOverride(ctx, userID, permissionID, allowed); err != nil {
		return err
	}
	s.publish(ctx, "set override", userID)
	return nil
}

// ClearOverride drops an explicit flag.
func (s *Service) ClearOverride(ctx context.Context, userID, permissionID int64) error {
	if err := s.store.ClearOverride(ctx, userID, permissionID); err != nil {
		return err
	}
	s.publish(ctx, "clear override", userID)
	return nil
}

// BlockUser suspends a user. A past Until is rejected since it would have no effect.
func (s *Service) BlockUser(ctx context.Context, block Block) error {
	if block.Until != nil && !block.Until.After(s.now()) {
		return fmt.Errorf("%w: block must end in the future", ErrInvalid)
	}
	block.Reason = strings.TrimSpace(block.Reason)
	if err := s.store.Block(ctx, block); err != nil {
		return err
	}
	s.publish(ctx, "block user", block.UserID)
	return nil
}

// UnblockUser lifts a block.
func (s *Service) UnblockUser(ctx context.Context, userID int64) error {
	if err := s.store.Unblock(ctx, userID); err != nil {
		return err
	}
	s.publish(ctx, "unblock user", userID)
	return nil
}

// publish announces a committed change. Delivery failures are logged only:
// the mutation already succeeded and cached sets still expire by TTL.
func (s *Service) publish(ctx context.Context, op string, userIDs ...int64) {
	if s.publisher == nil || len(userIDs) == 0 {
		return
	}
	event := security.NewPermissionsChanged(userIDs...)
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("rbac publish permissions changed",
			slog.String("op", op),
			slog.String("event_id", event.ID),
			slog.Any("error", err))
	}
}

func dedupIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
