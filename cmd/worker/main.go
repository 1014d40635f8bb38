package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-acl/internal/app"
	jobmetrics "github.com/odyssey-erp/odyssey-acl/internal/jobs"
	"github.com/odyssey-erp/odyssey-acl/internal/observability"
	"github.com/odyssey-erp/odyssey-acl/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-acl/internal/platform/db"
	"github.com/odyssey-erp/odyssey-acl/internal/security"
	"github.com/odyssey-erp/odyssey-acl/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts := cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	redisClient, err := cache.New(ctx, redisOpts)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	evaluator := security.NewEvaluator(security.NewRepository(pool), security.WithEvaluatorLogger(logger))
	permissionCache := security.NewPermissionCache(redisClient, cfg.ACLCachePrefix, cfg.ACLCacheTTL)
	authorizer := security.NewCachedAuthorizer(evaluator, permissionCache, logger, security.NewMetrics(metrics.Registerer()))
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	invalidationJob := jobs.NewInvalidationJob(security.NewInvalidator(authorizer, logger), logger, jobMetrics)
	flushJob := jobs.NewFlushJob(authorizer, logger, jobMetrics)

	var cron []jobs.CronRegistration
	if cfg.ACLFlushCron != "" {
		cron = append(cron, jobs.CronRegistration{
			Spec:    cfg.ACLFlushCron,
			Task:    jobs.NewFlushPermissionCacheTask(),
			Options: []asynq.Option{asynq.MaxRetry(3)},
		})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts.AsynqOpt(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPermissionsChanged, Handler: invalidationJob.Handle},
			{Type: jobs.TaskFlushPermissionCache, Handler: flushJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           app.NewMetricsRouter(metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		logger.Info("starting worker metrics server", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.AppShutdownTimeout)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
