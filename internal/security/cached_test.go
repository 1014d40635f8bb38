package security

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// countingAuthorizer records how often the wrapped evaluator is reached.
type countingAuthorizer struct {
	Authorizer
	permissionCalls int
	invalidations   []int64
}

func (c *countingAuthorizer) GetPermissionsFor(ctx context.Context, user User) ([]string, error) {
	c.permissionCalls++
	return c.Authorizer.GetPermissionsFor(ctx, user)
}

func (c *countingAuthorizer) InvalidateUserCache(ctx context.Context, userID int64) {
	c.invalidations = append(c.invalidations, userID)
}

type cachedHarness struct {
	mr      *miniredis.Miniredis
	client  *redis.Client
	cache   *PermissionCache
	inner   *countingAuthorizer
	auth    *CachedAuthorizer
	metrics *Metrics
}

func newCachedHarness(t *testing.T, store Store) *cachedHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewPermissionCache(client, "", 0)
	inner := &countingAuthorizer{Authorizer: newTestEvaluator(store)}
	metrics := NewMetrics(prometheus.NewRegistry())
	return &cachedHarness{
		mr:      mr,
		client:  client,
		cache:   cache,
		inner:   inner,
		auth:    NewCachedAuthorizer(inner, cache, nil, metrics),
		metrics: metrics,
	}
}

func TestCachedGetPermissionsForPopulatesCache(t *testing.T) {
	store, _ := editorFixture()
	h := newCachedHarness(t, store)
	ctx := context.Background()

	perms, err := h.auth.GetPermissionsFor(ctx, User{ID: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"post.update"}, perms)
	require.Equal(t, 1, h.inner.permissionCalls)

	raw, err := h.mr.Get("security:user:permissions:1:v1")
	require.NoError(t, err)
	require.JSONEq(t, `["post.update"]`, raw)
	require.Equal(t, DefaultCacheTTL, h.mr.TTL("security:user:permissions:1:v1"))

	perms, err = h.auth.GetPermissionsFor(ctx, User{ID: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"post.update"}, perms)
	require.Equal(t, 1, h.inner.permissionCalls, "second call within TTL must not reach the evaluator")
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.cacheLookups.WithLabelValues("hit")))
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.cacheLookups.WithLabelValues("miss")))
}

func TestCachedEntryExpiresAfterTTL(t *testing.T) {
	store, _ := editorFixture()
	h := newCachedHarness(t, store)
	ctx := context.Background()

	_, err := h.auth.GetPermissionsFor(ctx, User{ID: 1})
	require.NoError(t, err)
	h.mr.FastForward(DefaultCacheTTL + time.Second)
	_, err = h.auth.GetPermissionsFor(ctx, User{ID: 1})
	require.NoError(t, err)
	require.Equal(t, 2, h.inner.permissionCalls)
}

func TestCachedEmptySetIsCached(t *testing.T) {
	h := newCachedHarness(t, newFakeStore())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		perms, err := h.auth.GetPermissionsFor(ctx, User{ID: 42})
		require.NoError(t, err)
		require.Empty(t, perms)
	}
	require.Equal(t, 1, h.inner.permissionCalls)
}

func TestInvalidateUserCacheForcesReload(t *testing.T) {
	store, _ := editorFixture()
	h := newCachedHarness(t, store)
	ctx := context.Background()

	_, err := h.auth.GetPermissionsFor(ctx, User{ID: 1})
	require.NoError(t, err)

	h.auth.InvalidateUserCache(ctx, 1)
	require.False(t, h.mr.Exists("security:user:permissions:1:v1"))
	require.Equal(t, []int64{1}, h.inner.invalidations)

	_, err = h.auth.GetPermissionsFor(ctx, User{ID: 1})
	require.NoError(t, err)
	require.Equal(t, 2, h.inner.permissionCalls)

	// Repeated invalidation of an absent entry is a no-op.
	h.auth.InvalidateUserCache(ctx, 99)
	h.auth.InvalidateUserCache(ctx, 99)
	require.Equal(t, 3.0, testutil.ToFloat64(h.metrics.invalidations.WithLabelValues("success")))
}

func TestOverrideFlipsDecisionAfterInvalidation(t *testing.T) {
	store, postUpdate := editorFixture()
	h := newCachedHarness(t, store)
	ctx := WithRequestMemo(context.Background())
	user := User{ID: 1}

	allowed, err := h.auth.Check(ctx, user, "post.update", nil)
	require.NoError(t, err)
	require.True(t, allowed)

	store.override(1, postUpdate, false)
	h.auth.InvalidateUserCache(ctx, 1)
	require.Zero(t, MemoFromContext(ctx).Len(1))

	allowed, err = h.auth.Check(ctx, user, "post.update", nil)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestCheckUsesRequestMemo(t *testing.T) {
	store, _ := editorFixture()
	h := newCachedHarness(t, store)
	ctx := WithRequestMemo(context.Background())

	allowed, err := h.auth.Check(ctx, User{ID: 1}, "post.update", nil)
	require.NoError(t, err)
	require.True(t, allowed)
	denied, err := h.auth.Check(ctx, User{ID: 1}, "post.delete", nil)
	require.NoError(t, err)
	require.False(t, denied)
	require.Equal(t, 2, MemoFromContext(ctx).Len(1))

	// With the cache gone, memoized answers are still served.
	h.mr.Close()
	allowed, err = h.auth.Check(ctx, User{ID: 1}, "post.update", nil)
	require.NoError(t, err)
	require.True(t, allowed)
	denied, err = h.auth.Check(ctx, User{ID: 1}, "post.delete", nil)
	require.NoError(t, err)
	require.False(t, denied)
	require.Equal(t, 2.0, testutil.ToFloat64(h.metrics.memoHits))

	// A fresh request has no memo and surfaces the outage.
	_, err = h.auth.Check(context.Background(), User{ID: 1}, "post.update", nil)
	require.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestCachedFailuresAreUnavailable(t *testing.T) {
	store, _ := editorFixture()
	h := newCachedHarness(t, store)
	ctx := context.Background()
	h.mr.Close()

	_, err := h.auth.Check(ctx, User{ID: 1}, "post.update", nil)
	require.ErrorIs(t, err, ErrServiceUnavailable)
	_, err = h.auth.GetPermissionsFor(ctx, User{ID: 1})
	require.ErrorIs(t, err, ErrServiceUnavailable)
	_, err = h.auth.GetPermissionMapFor(ctx, User{ID: 1}, []string{"post.update"}, nil)
	require.ErrorIs(t, err, ErrServiceUnavailable)
	require.Zero(t, h.inner.permissionCalls, "cache read failure must not fall through to storage")
}

func TestEvaluatorFailureIsUnavailableThroughDecorator(t *testing.T) {
	store, _ := editorFixture()
	store.err = context.DeadlineExceeded
	h := newCachedHarness(t, store)

	_, err := h.auth.Check(context.Background(), User{ID: 1}, "post.update", nil)
	require.ErrorIs(t, err, ErrServiceUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, h.mr.Exists("security:user:permissions:1:v1"))
}

func TestInvalidateUserCacheSwallowsErrors(t *testing.T) {
	store, _ := editorFixture()
	h := newCachedHarness(t, store)
	ctx := WithRequestMemo(context.Background())

	_, err := h.auth.Check(ctx, User{ID: 1}, "post.update", nil)
	require.NoError(t, err)
	h.mr.Close()

	require.NotPanics(t, func() { h.auth.InvalidateUserCache(ctx, 1) })
	require.Zero(t, MemoFromContext(ctx).Len(1), "memo is cleared even when the cache is unreachable")
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.invalidations.WithLabelValues("failure")))
}

func TestCachedMapResolvesByMembership(t *testing.T) {
	store := newFakeStore()
	edit := store.addPermission(Permission{ID: 1, Ability: "doc.edit", RequiresOwner: true})
	store.addRole(1, edit)
	store.assign(7, 1)
	h := newCachedHarness(t, store)
	ctx := context.Background()

	// Context constraints are not re-evaluated on the cached path.
	foreign := NewResourceContext(1, 8, 0)
	batch, err := h.auth.GetPermissionMapFor(ctx, User{ID: 7}, []string{"doc.edit", "Doc.Edit", "doc.view"}, foreign)
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"doc.edit": true, "Doc.Edit": true, "doc.view": false}, batch)

	direct, err := h.inner.Authorizer.Check(ctx, User{ID: 7}, "doc.edit", foreign)
	require.NoError(t, err)
	require.False(t, direct)
}

func TestBumpVersionInvalidatesEveryUser(t *testing.T) {
	store, _ := editorFixture()
	store.assign(2, 10)
	h := newCachedHarness(t, store)
	ctx := context.Background()

	for _, id := range []int64{1, 2} {
		_, err := h.auth.GetPermissionsFor(ctx, User{ID: id})
		require.NoError(t, err)
	}
	require.Equal(t, 2, h.inner.permissionCalls)

	require.NoError(t, h.auth.BumpVersion(ctx))
	key, err := h.cache.Key(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "security:user:permissions:1:v2", key)

	for _, id := range []int64{1, 2} {
		_, err := h.auth.GetPermissionsFor(ctx, User{ID: id})
		require.NoError(t, err)
	}
	require.Equal(t, 4, h.inner.permissionCalls)
}

func TestPermissionCacheVersionDefaults(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cache := NewPermissionCache(client, "acl:perms", time.Minute)
	ctx := context.Background()

	ver, err := cache.Version(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, ver)
	require.False(t, mr.Exists(DefaultVersionKey), "reading the version must not write it")

	require.NoError(t, mr.Set(DefaultVersionKey, "7"))
	key, err := cache.Key(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, "acl:perms:3:v7", key)

	next, err := cache.Bump(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 8, next)

	require.NoError(t, mr.Set("acl:perms:3:v8", "not json"))
	_, _, err = cache.Get(ctx, 3)
	require.Error(t, err)
}

// gatedAuthorizer holds every permission load until release is closed.
type gatedAuthorizer struct {
	Authorizer
	started chan struct{}
	release chan struct{}
	loads   atomic.Int32
}

func (g *gatedAuthorizer) GetPermissionsFor(ctx context.Context, user User) ([]string, error) {
	if g.loads.Add(1) == 1 {
		close(g.started)
	}
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.Authorizer.GetPermissionsFor(ctx, user)
}

func TestSharedLoadSurvivesCancelledCaller(t *testing.T) {
	store, _ := editorFixture()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	inner := &gatedAuthorizer{
		Authorizer: newTestEvaluator(store),
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	auth := NewCachedAuthorizer(inner, NewPermissionCache(client, "", 0), nil, nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := auth.GetPermissionsFor(firstCtx, User{ID: 1})
		firstErr <- err
	}()
	<-inner.started

	type result struct {
		perms []string
		err   error
	}
	second := make(chan result, 1)
	go func() {
		perms, err := auth.GetPermissionsFor(context.Background(), User{ID: 1})
		second <- result{perms, err}
	}()
	// Let the second caller reach the in-flight load.
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	close(inner.release)

	select {
	case res := <-second:
		require.NoError(t, res.err)
		require.Equal(t, []string{"post.update"}, res.perms)
	case <-time.After(5 * time.Second):
		t.Fatal("second caller did not return")
	}
	require.True(t, mr.Exists("security:user:permissions:1:v1"), "the shared load still fills the cache")
}
