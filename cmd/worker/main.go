package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/helderboek/helderboek/internal/admin"
	"github.com/helderboek/helderboek/internal/app"
	"github.com/helderboek/helderboek/internal/audit"
	bulkpkg "github.com/helderboek/helderboek/internal/bulk"
	"github.com/helderboek/helderboek/internal/ledger"
	"github.com/helderboek/helderboek/internal/notify"
	"github.com/helderboek/helderboek/internal/observability"
	"github.com/helderboek/helderboek/internal/period"
	"github.com/helderboek/helderboek/internal/platform/cache"
	"github.com/helderboek/helderboek/internal/platform/db"
	"github.com/helderboek/helderboek/internal/shared"
	"github.com/helderboek/helderboek/internal/snapshot"
	"github.com/helderboek/helderboek/internal/validation"
	"github.com/helderboek/helderboek/internal/vat"
	"github.com/helderboek/helderboek/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
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

	adminRepo := admin.NewRepository(pool)
	vatGenerator := vat.NewGenerator(pool, ledgerRepo, validationRepo, periodRepo)
	dispatcher := notify.NewDispatcher(pool, queueClient, cfg.ReminderDedupeWindow)

	executor := bulkpkg.NewActionExecutor(
		periodRepo,
		periodService,
		recalculator,
		validationRepo,
		vatGenerator,
		adminRepo,
		dispatcher,
	)
	engine := bulkpkg.NewEngine(bulkpkg.NewStore(pool), adminRepo, executor, metrics, logger, cfg.BulkParallelism)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeBulkExecute, Handler: jobs.NewBulkExecuteHandler(engine, logger)},
			{Type: jobs.TaskTypeSendEmail, Handler: jobs.NewSendEmailHandler(jobs.MailConfig{Addr: cfg.SMTPAddr, From: cfg.SMTPFrom}, logger)},
		},
	})
	if err != nil {
		logger.Error("configure worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started", slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker shut down")
}
