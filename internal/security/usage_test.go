package security

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMonthStart(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	got := MonthStart(time.Date(2025, 4, 1, 3, 0, 0, 0, loc))
	require.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestRedisUsageCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	counter := NewRedisUsageCounter(client, "")
	ctx := context.Background()
	march := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

	n, err := counter.Count(ctx, 1, 9, MonthStart(march))
	require.NoError(t, err)
	require.Zero(t, n)

	for i := 0; i < 3; i++ {
		require.NoError(t, counter.Record(ctx, 1, 9, march))
	}
	require.NoError(t, counter.Record(ctx, 1, 9, march.AddDate(0, 1, 0)))

	n, err = counter.Count(ctx, 1, 9, MonthStart(march))
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
	require.True(t, mr.Exists("security:usage:1:9:2025-03"))
	require.Greater(t, mr.TTL("security:usage:1:9:2025-03"), time.Duration(0))

	n, err = counter.Count(ctx, 1, 9, MonthStart(march.AddDate(0, 1, 0)))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestEvaluatorWithRedisUsageCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	counter := NewRedisUsageCounter(client, "usage")

	store := newFakeStore()
	upload := store.addPermission(Permission{ID: 9, Ability: "upload.create"})
	store.addRole(1, upload)
	store.assign(1, 1)
	store.limits[upload.ID] = Limit{PermissionID: upload.ID, Type: LimitMonthlyCount, Value: 2}
	eval := newTestEvaluator(store, WithUsageCounter(counter))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, err := eval.Check(ctx, User{ID: 1}, "upload.create", nil)
		require.NoError(t, err)
		require.True(t, allowed)
		require.NoError(t, counter.Record(ctx, 1, upload.ID, testNow))
	}
	allowed, err := eval.Check(ctx, User{ID: 1}, "upload.create", nil)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestConsumeRecordsUntilLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := newFakeStore()
	export := store.addPermission(Permission{ID: 4, Ability: "report.export"})
	store.addRole(1, export)
	store.assign(1, 1)
	store.limits[export.ID] = Limit{PermissionID: export.ID, Type: LimitMonthlyCount, Value: 2}
	eval := newTestEvaluator(store, WithUsageCounter(NewRedisUsageCounter(client, "")))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, err := eval.Consume(ctx, User{ID: 1}, "Report.Export", nil)
		require.NoError(t, err)
		require.True(t, allowed)
	}
	allowed, err := eval.Consume(ctx, User{ID: 1}, "report.export", nil)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Equal(t, "2", mustGet(t, mr, "security:usage:1:4:2025-03"))
}

func TestConsumeWithoutRecorderOnlyChecks(t *testing.T) {
	store, _ := editorFixture()
	eval := newTestEvaluator(store)

	allowed, err := eval.Consume(context.Background(), User{ID: 1}, "post.update", nil)
	require.NoError(t, err)
	require.True(t, allowed)
	allowed, err = eval.Consume(context.Background(), User{ID: 1}, "post.delete", nil)
	require.NoError(t, err)
	require.False(t, allowed)
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
