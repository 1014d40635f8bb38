package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-acl/internal/app"
	"github.com/odyssey-erp/odyssey-acl/internal/observability"
	"github.com/odyssey-erp/odyssey-acl/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-acl/internal/platform/db"
	"github.com/odyssey-erp/odyssey-acl/internal/rbac"
	"github.com/odyssey-erp/odyssey-acl/internal/security"
	"github.com/odyssey-erp/odyssey-acl/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("acl service", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{})
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := security.Migrate(ctx, pool); err != nil {
		return err
	}

	redisOpts := cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	redisClient, err := cache.New(ctx, redisOpts)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	store := security.NewRepository(pool)
	evaluator := security.NewEvaluator(store,
		security.WithUsageCounter(usageCounter(cfg, redisClient, pool)),
		security.WithEvaluatorLogger(logger))
	permissionCache := security.NewPermissionCache(redisClient, cfg.ACLCachePrefix, cfg.ACLCacheTTL)
	authorizer := security.NewCachedAuthorizer(evaluator, permissionCache, logger, security.NewMetrics(metrics.Registerer()))
	invalidator := security.NewInvalidator(authorizer, logger)

	group, ctx := errgroup.WithContext(ctx)

	var publisher security.Publisher
	var jobHandler *jobs.Handler
	switch cfg.ACLInvalidation {
	case app.InvalidationQueue:
		client := jobs.NewClient(redisOpts.AsynqOpt())
		defer client.Close()
		inspector := asynq.NewInspector(redisOpts.AsynqOpt())
		defer inspector.Close()
		publisher = client
		jobHandler = jobs.NewHandler(inspector, logger)
	default:
		queue := security.NewInvalidationQueue(invalidator, cfg.ACLQueueSize)
		group.Go(func() error {
			if err := queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		publisher = queue
	}

	guard := security.Middleware{Auth: authorizer, Logger: logger}
	adminService := rbac.NewService(rbac.NewRepository(pool), publisher, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		Users:             store,
		PermissionHandler: security.NewHandler(logger, authorizer, evaluator),
		AdminHandler:      rbac.NewHandler(logger, adminService, guard, authorizer),
		JobHandler:        jobHandler,
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group.Go(func() error {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("invalidation", cfg.ACLInvalidation),
			slog.String("usage_counter", cfg.ACLUsageCounter))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.AppShutdownTimeout)
		defer cancel()
		logger.Info("shutting down http server")
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func usageCounter(cfg *app.Config, client *redis.Client, pool *pgxpool.Pool) security.UsageCounter {
	switch cfg.ACLUsageCounter {
	case app.UsageCounterRedis:
		return security.NewRedisUsageCounter(client, "")
	case app.UsageCounterSQL:
		return security.NewSQLUsageCounter(pool)
	default:
		return security.ZeroUsage{}
	}
}
