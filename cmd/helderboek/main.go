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

	"github.com/helderboek/helderboek/internal/admin"
	adminhttp "github.com/helderboek/helderboek/internal/admin/http"
	"github.com/helderboek/helderboek/internal/app"
	"github.com/helderboek/helderboek/internal/audit"
	bulkpkg "github.com/helderboek/helderboek/internal/bulk"
	bulkhttp "github.com/helderboek/helderboek/internal/bulk/http"
	"github.com/helderboek/helderboek/internal/ledger"
	"github.com/helderboek/helderboek/internal/observability"
	"github.com/helderboek/helderboek/internal/period"
	periodhttp "github.com/helderboek/helderboek/internal/period/http"
	"github.com/helderboek/helderboek/internal/platform/cache"
	"github.com/helderboek/helderboek/internal/platform/db"
	"github.com/helderboek/helderboek/internal/shared"
	"github.com/helderboek/helderboek/internal/snapshot"
	"github.com/helderboek/helderboek/internal/validation"
	"github.com/helderboek/helderboek/jobs"
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

	if err := db.Migrate(cfg.PGDSN, cfg.MigrationsURL); err != nil {
		logger.Error("apply migrations", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		// Transitions fall back to row locks only; the queue client keeps
		// its own connection and retries.
		logger.Warn("redis unavailable", slog.Any("error", err))
		redisClient = nil
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()

	auditLog := audit.NewLog(pool)
	validationRepo := validation.NewRepository(pool)
	snapshotStore := snapshot.NewStore(pool)
	periodRepo := period.NewRepository(pool, snapshotStore)
	recalculator := validation.NewRecalculator(validationRepo, periodRepo, logger)
	ledgerRepo := ledger.NewRepository(pool)
	builder := ledger.NewBuilder(ledgerRepo)
	locker := shared.NewPeriodLocker(redisClient, cfg.TransitionLockTTL)

	deps := period.ServiceDeps{
		Repo:      periodRepo,
		Catalog:   validationRepo,
		Recalc:    recalculator,
		Builder:   builder,
		Acks:      validationRepo,
		Audit:     auditLog,
		History:   auditLog,
		Locker:    locker,
		Snapshots: snapshotStore,
		Metrics:   metrics,
		Logger:    logger,
	}
	if cfg.SnapshotArchiveBucket != "" {
		archiver, err := snapshot.NewS3Archiver(ctx, snapshot.S3Config{
			Region:    cfg.SnapshotArchiveRegion,
			Bucket:    cfg.SnapshotArchiveBucket,
			Endpoint:  cfg.SnapshotArchiveEndpoint,
			PathStyle: cfg.SnapshotArchivePathStyle,
		})
		if err != nil {
			logger.Warn("snapshot archiver disabled", slog.Any("error", err))
		} else {
			deps.Archiver = archiver
		}
	}
	periodService := period.NewService(deps)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	queueClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()

	bulkStore := bulkpkg.NewStore(pool)
	bulkService := bulkpkg.NewService(bulkStore, queueClient, logger)
	adminRepo := admin.NewRepository(pool)

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		AdminHandler:  adminhttp.NewHandler(logger, adminRepo),
		PeriodHandler: periodhttp.NewHandler(logger, periodService, periodRepo),
		BulkHandler:   bulkhttp.NewHandler(logger, bulkService),
		JobHandler:    jobs.NewHandler(asynq.NewInspector(redisOpts), logger),
		Pool:          pool,
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", slog.Any("error", err))
	}
}
