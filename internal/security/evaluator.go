package security

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// Evaluator computes authoritative decisions straight from storage. It is meant
// to sit behind a CachedAuthorizer in production.
type Evaluator struct {
	store  Store
	usage  UsageCounter
	now    func() time.Time
	logger *slog.Logger
}

// EvaluatorOption customises an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithUsageCounter plugs a metering store used by usage limits.
func WithUsageCounter(counter UsageCounter) EvaluatorOption {
	return func(e *Evaluator) {
		if counter != nil {
			e.usage = counter
		}
	}
}

// WithClock overrides the time source used for blocks and limit periods.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// WithEvaluatorLogger sets the logger used for debug traces of denials.
func WithEvaluatorLogger(logger *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

// NewEvaluator constructs an Evaluator over store.
func NewEvaluator(store Store, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{store: store, usage: ZeroUsage{}, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ Authorizer = (*Evaluator)(nil)

// Check reports whether user may perform ability under c.
//
// Order: active block, permission lookup, explicit override (final), role grant,
// context constraints, usage limit. Every missing piece of data denies; only
// storage failures produce an error, always an *UnavailableError.
func (e *Evaluator) Check(ctx context.Context, user User, ability string, c *Context) (bool, error) {
	ability = NormalizeAbility(ability)
	now := e.now()

	blocked, err := e.store.ActiveBlock(ctx, user.ID, now)
	if err != nil {
		return false, unavailable("check", err)
	}
	if blocked {
		e.trace("blocked", user, ability)
		return false, nil
	}

	perm, ok, err := e.store.FindPermission(ctx, ability)
	if err != nil {
		return false, unavailable("check", err)
	}
	if !ok {
		e.trace("unknown ability", user, ability)
		return false, nil
	}

	override, hasOverride, err := e.store.FindOverride(ctx, user.ID, perm.ID)
	if err != nil {
		return false, unavailable("check", err)
	}
	if hasOverride {
		return override.Allowed, nil
	}

	granted, err := e.store.RoleGrants(ctx, user.ID, perm.ID)
	if err != nil {
		return false, unavailable("check", err)
	}
	if !granted {
		e.trace("no role grant", user, ability)
		return false, nil
	}

	if c != nil && !passesContext(user, perm, c) {
		e.trace("context constraint", user, ability)
		return false, nil
	}

	limit, hasLimit, err := e.store.FindLimit(ctx, perm.ID)
	if err != nil {
		return false, unavailable("check", err)
	}
	if !hasLimit {
		return true, nil
	}
	within, err := e.withinLimit(ctx, user, perm, limit, now)
	if err != nil {
		return false, unavailable("check", err)
	}
	if !within {
		e.trace("usage limit reached", user, ability)
	}
	return within, nil
}

// GetPermissionsFor returns the sorted canonical ability set of user:
// (role grants ∪ explicit allows) minus explicit denies. A blocked user has none.
func (e *Evaluator) GetPermissionsFor(ctx context.Context, user User) ([]string, error) {
	grants, err := e.store.LoadGrants(ctx, user.ID, nil, e.now())
	if err != nil {
		return nil, unavailable("permissions", err)
	}
	if grants.Blocked {
		return []string{}, nil
	}
	set := grants.Canonical()
	perms := make([]string, 0, len(set))
	for ability := range set {
		perms = append(perms, ability)
	}
	sort.Strings(perms)
	return perms, nil
}

// GetPermissionMapFor decides every ability with the same rules as Check, reading
// the ACL state once. The result is keyed by the abilities exactly as passed.
func (e *Evaluator) GetPermissionMapFor(ctx context.Context, user User, abilities []string, c *Context) (map[string]bool, error) {
	result := make(map[string]bool, len(abilities))
	if len(abilities) == 0 {
		return result, nil
	}
	now := e.now()
	grants, err := e.store.LoadGrants(ctx, user.ID, NormalizeAbilities(abilities), now)
	if err != nil {
		return nil, unavailable("permission map", err)
	}
	for _, requested := range abilities {
		ability := NormalizeAbility(requested)
		perm, ok := grants.Permissions[ability]
		if grants.Blocked || !ok {
			result[requested] = false
			continue
		}
		if allowed, ok := grants.Overrides[ability]; ok {
			result[requested] = allowed
			continue
		}
		if _, ok := grants.RoleAbilities[ability]; !ok {
			result[requested] = false
			continue
		}
		var limitPtr *Limit
		if limit, ok := grants.Limits[perm.ID]; ok {
			limitPtr = &limit
		}
		allowed, err := e.constrained(ctx, user, perm, limitPtr, c, now)
		if err != nil {
			return nil, unavailable("permission map", err)
		}
		result[requested] = allowed
	}
	return result, nil
}

// Consume checks ability against storage and, when allowed, records one use
// of it with the configured counter. Counters that cannot record only check.
func (e *Evaluator) Consume(ctx context.Context, user User, ability string, c *Context) (bool, error) {
	allowed, err := e.Check(ctx, user, ability, c)
	if err != nil || !allowed {
		return false, err
	}
	recorder, ok := e.usage.(UsageRecorder)
	if !ok {
		return true, nil
	}
	perm, found, err := e.store.FindPermission(ctx, NormalizeAbility(ability))
	if err != nil {
		return false, unavailable("consume", err)
	}
	if !found {
		return false, nil
	}
	if err := recorder.Record(ctx, user.ID, perm.ID, e.now()); err != nil {
		return false, unavailable("consume", err)
	}
	return true, nil
}

// InvalidateUserCache is a no-op; the evaluator holds no cache.
func (e *Evaluator) InvalidateUserCache(context.Context, int64) {}

// constrained applies context constraints and the usage limit to a role-granted permission.
func (e *Evaluator) constrained(ctx context.Context, user User, perm Permission, limit *Limit, c *Context, now time.Time) (bool, error) {
	if c != nil && !passesContext(user, perm, c) {
		e.trace("context constraint", user, perm.Ability)
		return false, nil
	}
	if limit == nil {
		return true, nil
	}
	within, err := e.withinLimit(ctx, user, perm, *limit, now)
	if err != nil {
		return false, err
	}
	if !within {
		e.trace("usage limit reached", user, perm.Ability)
	}
	return within, nil
}

func passesContext(user User, perm Permission, c *Context) bool {
	if perm.RequiresOwner {
		if c.Meta.OwnerID == nil || *c.Meta.OwnerID != user.ID {
			return false
		}
	}
	if perm.TenantScoped {
		if c.TenantID == nil || user.TenantID == nil || *c.TenantID != *user.TenantID {
			return false
		}
	}
	return true
}

func (e *Evaluator) withinLimit(ctx context.Context, user User, perm Permission, limit Limit, now time.Time) (bool, error) {
	switch limit.Type {
	case LimitMonthlyCount:
		count, err := e.usage.Count(ctx, user.ID, perm.ID, MonthStart(now))
		if err != nil {
			return false, err
		}
		return count < limit.Value, nil
	default:
		return true, nil
	}
}

func (e *Evaluator) trace(reason string, user User, ability string) {
	if e.logger == nil {
		return
	}
	e.logger.Debug("security deny", slog.String("reason", reason), slog.Int64("user_id", user.ID), slog.String("ability", ability))
}
