package security

import (
	"context"
	"log/slog"
)

// Policy is the entry point for consuming domains. Decisions fail closed: an
// unavailable authorization service is logged and treated as a deny.
type Policy struct {
	auth   Authorizer
	logger *slog.Logger
}

// NewPolicy builds a Policy over auth.
func NewPolicy(auth Authorizer, logger *slog.Logger) Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return Policy{auth: auth, logger: logger}
}

// Allows reports whether user may perform ability under c.
func (p Policy) Allows(ctx context.Context, user User, ability string, c *Context) bool {
	allowed, err := p.auth.Check(ctx, user, ability, c)
	if err != nil {
		p.logger.Error("security policy check", slog.String("ability", ability), slog.Int64("user_id", user.ID), slog.Any("error", err))
		return false
	}
	return allowed
}

// CanManage reports whether user may administer roles, overrides and blocks.
func (p Policy) CanManage(ctx context.Context, user User) bool {
	return p.Allows(ctx, user, AbilitySecurityManage, nil)
}

// CanOnResource checks ability against a concrete resource owned by ownerID in tenantID.
func (p Policy) CanOnResource(ctx context.Context, user User, ability string, resourceID, ownerID, tenantID int64) bool {
	return p.Allows(ctx, user, ability, NewResourceContext(resourceID, ownerID, tenantID))
}
