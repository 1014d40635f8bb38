//go:build integration

package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/odyssey-erp/odyssey-acl/internal/security"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("acl"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, security.Migrate(ctx, pool))
	return pool
}

func TestRepositoryMutationsAreVisibleToEvaluator(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	_, err := pool.Exec(ctx, `INSERT INTO users (id) VALUES (1), (2)`)
	require.NoError(t, err)

	repo := NewRepository(pool)
	eval := security.NewEvaluator(security.NewRepository(pool))
	pub := &recordingPublisher{}
	svc := NewService(repo, pub, nil)

	role, err := svc.CreateRole(ctx, "editor", "")
	require.NoError(t, err)
	_, err = svc.CreateRole(ctx, "editor", "")
	require.ErrorIs(t, err, ErrDuplicate)

	update, err := svc.EnsurePermission(ctx, Permission{Ability: "post.update"})
	require.NoError(t, err)
	read, err := svc.EnsurePermission(ctx, Permission{Ability: "post.read"})
	require.NoError(t, err)

	require.NoError(t, svc.AssignRole(ctx, 1, role.ID))
	require.NoError(t, svc.AssignRole(ctx, 1, role.ID))
	require.ErrorIs(t, svc.AssignRole(ctx, 404, role.ID), ErrNotFound)
	require.NoError(t, svc.SetRolePermissions(ctx, role.ID, []int64{update.ID, read.ID}))

	perms, err := eval.GetPermissionsFor(ctx, security.User{ID: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"post.read", "post.update"}, perms)

	require.NoError(t, svc.SetRolePermissions(ctx, role.ID, []int64{read.ID}))
	require.NoError(t, svc.SetOverride(ctx, 1, read.ID, false))
	require.NoError(t, svc.SetOverride(ctx, 2, update.ID, true))
	perms, err = eval.GetPermissionsFor(ctx, security.User{ID: 1})
	require.NoError(t, err)
	require.Empty(t, perms)
	perms, err = eval.GetPermissionsFor(ctx, security.User{ID: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"post.update"}, perms)

	require.NoError(t, svc.BlockUser(ctx, Block{UserID: 2, Reason: "test"}))
	allowed, err := eval.Check(ctx, security.User{ID: 2}, "post.update", nil)
	require.NoError(t, err)
	require.False(t, allowed)
	require.NoError(t, svc.UnblockUser(ctx, 2))

	require.NoError(t, svc.DeleteRole(ctx, role.ID))
	require.ErrorIs(t, svc.DeleteRole(ctx, role.ID), ErrNotFound)
	require.Equal(t, []int64{1}, pub.events[len(pub.events)-1].AffectedUserIDs)
}
