package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/you/jobq/internal/config"
	"github.com/you/jobq/internal/logging"
	"github.com/you/jobq/internal/periodic"
	"github.com/you/jobq/internal/queue"
	"github.com/you/jobq/internal/queuemanager"
	"github.com/you/jobq/internal/redisconn"
	"github.com/you/jobq/internal/reporter"
	"github.com/you/jobq/internal/storage"
	"github.com/you/jobq/internal/tracing"
)

const archiveJobID = "failed-job-archiver"

func main() {
	cfg := config.MustLoad()
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn("shutdown tracer provider", zap.Error(err))
		}
	}()

	if cfg.PostgresDSN == "" {
		logger.Fatal("POSTGRES_DSN is required by the scheduler")
	}
	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()
	if err := storage.Migrate(ctx, db, logger); err != nil {
		logger.Fatal("migrate archive", zap.Error(err))
	}

	rdb, err := redisconn.Connect(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("connect redis", zap.Error(err))
	}
	defer rdb.Close()

	configs := make([]queuemanager.QueueConfig, 0, len(cfg.Queues))
	for _, id := range cfg.Queues {
		configs = append(configs, queuemanager.QueueConfig{QueueID: id})
	}
	registry, err := queuemanager.NewRegistry(cfg.ServiceName, configs...)
	if err != nil {
		logger.Fatal("build queue registry", zap.Error(err))
	}
	manager := queuemanager.New(rdb, registry, queuemanager.Options{
		Prefix:   cfg.Redis.KeyPrefix,
		LazyInit: cfg.Worker.LazyInit,
		Index:    queue.NewIndex(rdb, cfg.IndexRetention),
		Logger:   logger,
	})
	defer manager.Dispose()
	if err := manager.Start(ctx); err != nil {
		logger.Fatal("start queues", zap.Error(err))
	}

	archiver := storage.NewArchiver(manager, storage.New(db), cfg.Scheduler.ArchiveBatch, logger)
	job, err := periodic.New(archiver.Run, periodic.Options{
		JobID:          archiveJobID,
		Schedule:       periodic.Schedule{Interval: cfg.Scheduler.ArchiveInterval},
		SingleConsumer: true,
		Redis:          rdb,
		LockPrefix:     cfg.Redis.KeyPrefix + ":periodic",
		LockSuffix:     cfg.Lock.Suffix,
		LockTTL:        cfg.Lock.TTL,
		PostSuccessTTL: cfg.Lock.PostSuccessTTL,
		RunImmediately: true,
		Logger:         logger,
		Reporter:       reporter.NewLogReporter(logger),
		Tracer:         tracing.NewOTel(nil),
	})
	if err != nil {
		logger.Fatal("create archive job", zap.Error(err))
	}
	job.Start()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := job.Dispose(shutdownCtx); err != nil {
		logger.Warn("dispose archive job", zap.Error(err))
	}
	logger.Info("scheduler stopped")
}
