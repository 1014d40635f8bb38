package security

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// CachedAuthorizer decorates an Authorizer with a request memo and a versioned
// per-user Redis cache of canonical permission sets.
//
// Batch lookups resolve abilities purely by membership in the cached set, so
// context constraints and usage limits are not re-evaluated on this path.
type CachedAuthorizer struct {
	inner   Authorizer
	cache   *PermissionCache
	group   singleflight.Group
	logger  *slog.Logger
	metrics *Metrics
}

// NewCachedAuthorizer wraps inner. logger and metrics may be nil.
func NewCachedAuthorizer(inner Authorizer, cache *PermissionCache, logger *slog.Logger, metrics *Metrics) *CachedAuthorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedAuthorizer{inner: inner, cache: cache, logger: logger, metrics: metrics}
}

var _ Authorizer = (*CachedAuthorizer)(nil)

// loadTimeout bounds a shared cache fill, which outlives any single caller.
const loadTimeout = 15 * time.Second

// Check answers from the request memo when possible, otherwise from the cached set.
func (a *CachedAuthorizer) Check(ctx context.Context, user User, ability string, c *Context) (bool, error) {
	ability = NormalizeAbility(ability)
	memo := MemoFromContext(ctx)
	if allowed, ok := memo.get(user.ID, ability); ok {
		a.metrics.memoHit()
		return allowed, nil
	}
	decisions, err := a.GetPermissionMapFor(ctx, user, []string{ability}, c)
	if err != nil {
		a.metrics.decision(false, err)
		return false, unavailable("cached check", err)
	}
	allowed := decisions[ability]
	memo.put(user.ID, ability, allowed)
	a.metrics.decision(allowed, nil)
	return allowed, nil
}

// GetPermissionsFor returns the cached canonical set, computing and storing it on a miss.
func (a *CachedAuthorizer) GetPermissionsFor(ctx context.Context, user User) ([]string, error) {
	perms, err := a.permissions(ctx, user)
	if err != nil {
		return nil, unavailable("cached permissions", err)
	}
	return perms, nil
}

// GetPermissionMapFor tests each ability for membership in the cached set.
func (a *CachedAuthorizer) GetPermissionMapFor(ctx context.Context, user User, abilities []string, _ *Context) (map[string]bool, error) {
	result := make(map[string]bool, len(abilities))
	if len(abilities) == 0 {
		return result, nil
	}
	perms, err := a.permissions(ctx, user)
	if err != nil {
		return nil, unavailable("cached permission map", err)
	}
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	for _, requested := range abilities {
		_, ok := set[NormalizeAbility(requested)]
		result[requested] = ok
	}
	return result, nil
}

// InvalidateUserCache drops the cached set and the request memo of userID.
// Failures are logged and swallowed so ACL mutations never fail on cache cleanup.
func (a *CachedAuthorizer) InvalidateUserCache(ctx context.Context, userID int64) {
	err := a.cache.Forget(ctx, userID)
	a.metrics.invalidation(err)
	if err != nil {
		a.logger.Warn("security invalidate user cache", slog.Int64("user_id", userID), slog.Any("error", err))
	}
	MemoFromContext(ctx).Forget(userID)
	a.inner.InvalidateUserCache(ctx, userID)
}

// BumpVersion invalidates every user's cached set by advancing the global version.
func (a *CachedAuthorizer) BumpVersion(ctx context.Context) error {
	ver, err := a.cache.Bump(ctx)
	if err != nil {
		return unavailable("bump version", err)
	}
	a.logger.Info("security acl version bumped", slog.Int64("version", ver))
	return nil
}

func (a *CachedAuthorizer) permissions(ctx context.Context, user User) ([]string, error) {
	key, err := a.cache.Key(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	perms, ok, err := a.cache.get(ctx, key)
	if err != nil {
		return nil, err
	}
	a.metrics.cacheLookup(ok)
	if ok {
		return perms, nil
	}

	resultCh := a.group.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		loaded, err := a.inner.GetPermissionsFor(loadCtx, user)
		if err != nil {
			return nil, err
		}
		if err := a.cache.put(loadCtx, key, loaded); err != nil {
			return nil, err
		}
		return loaded, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return append([]string(nil), res.Val.([]string)...), nil
	}
}
