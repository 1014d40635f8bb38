package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-acl/internal/app"
	"github.com/odyssey-erp/odyssey-acl/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-acl/internal/platform/db"
	"github.com/odyssey-erp/odyssey-acl/internal/rbac"
	"github.com/odyssey-erp/odyssey-acl/internal/security"
)

func main() {
	catalogPath := flag.String("catalog", "scripts/seed/catalog.yaml", "path to the ACL catalog")
	flush := flag.Bool("flush", true, "bump the permission cache version after seeding")
	flag.Parse()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := run(context.Background(), cfg, logger, *catalogPath, *flush); err != nil {
		logger.Error("seed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("seed complete")
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger, catalogPath string, flush bool) error {
	f, err := os.Open(catalogPath)
	if err != nil {
		return err
	}
	catalog, err := DecodeCatalog(f)
	_ = f.Close()
	if err != nil {
		return err
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{})
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := security.Migrate(ctx, pool); err != nil {
		return err
	}

	svc := rbac.NewService(rbac.NewRepository(pool), nil, logger)
	if err := apply(ctx, svc, pool, catalog); err != nil {
		return err
	}

	if !flush {
		return nil
	}
	client, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Warn("skip cache flush", slog.Any("error", err))
		return nil
	}
	defer client.Close()
	ver, err := security.NewPermissionCache(client, cfg.ACLCachePrefix, cfg.ACLCacheTTL).Bump(ctx)
	if err != nil {
		return fmt.Errorf("seed: bump cache version: %w", err)
	}
	logger.Info("permission cache flushed", slog.Int64("version", ver))
	return nil
}

func apply(ctx context.Context, svc *rbac.Service, pool *pgxpool.Pool, catalog Catalog) error {
	permIDs := make(map[string]int64, len(catalog.Permissions))
	for _, p := range catalog.Permissions {
		perm, err := svc.EnsurePermission(ctx, rbac.Permission{
			Ability:       p.Ability,
			Description:   p.Description,
			RequiresOwner: p.RequiresOwner,
			TenantScoped:  p.TenantScoped,
		})
		if err != nil {
			return fmt.Errorf("seed: permission %q: %w", p.Ability, err)
		}
		permIDs[perm.Ability] = perm.ID
		if p.Limit == nil {
			err = svc.ClearLimit(ctx, perm.ID)
		} else {
			err = svc.SetLimit(ctx, rbac.Limit{PermissionID: perm.ID, Type: p.Limit.Type, Value: p.Limit.Value})
		}
		if err != nil {
			return fmt.Errorf("seed: limit of %q: %w", p.Ability, err)
		}
	}

	existing, err := svc.ListRoles(ctx)
	if err != nil {
		return err
	}
	roleIDs := make(map[string]int64, len(catalog.Roles))
	for _, r := range existing {
		roleIDs[r.Name] = r.ID
	}
	for _, r := range catalog.Roles {
		if _, ok := roleIDs[r.Name]; !ok {
			role, err := svc.CreateRole(ctx, r.Name, r.Description)
			if err != nil && !errors.Is(err, rbac.ErrDuplicate) {
				return fmt.Errorf("seed: role %q: %w", r.Name, err)
			}
			roleIDs[r.Name] = role.ID
		}
		ids := make([]int64, 0, len(r.Permissions))
		for _, a := range r.Permissions {
			ids = append(ids, permIDs[security.NormalizeAbility(a)])
		}
		if err := svc.SetRolePermissions(ctx, roleIDs[r.Name], ids); err != nil {
			return fmt.Errorf("seed: role %q permissions: %w", r.Name, err)
		}
	}

	for _, u := range catalog.Users {
		if _, err := pool.Exec(ctx,
			`INSERT INTO users (id, tenant_id) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id`,
			u.ID, u.TenantID); err != nil {
			return fmt.Errorf("seed: user %d: %w", u.ID, err)
		}
		for _, name := range u.Roles {
			if err := svc.AssignRole(ctx, u.ID, roleIDs[name]); err != nil {
				return fmt.Errorf("seed: user %d role %q: %w", u.ID, name, err)
			}
		}
		for ability, allowed := range u.Overrides {
			if err := svc.SetOverride(ctx, u.ID, permIDs[security.NormalizeAbility(ability)], allowed); err != nil {
				return fmt.Errorf("seed: user %d override %q: %w", u.ID, ability, err)
			}
		}
	}
	return nil
}
