package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/you/jobq/internal/api"
	"github.com/you/jobq/internal/config"
	"github.com/you/jobq/internal/logging"
	"github.com/you/jobq/internal/queue"
	"github.com/you/jobq/internal/queuemanager"
	"github.com/you/jobq/internal/redisconn"
	"github.com/you/jobq/internal/storage"
)

func main() {
	cfg := config.MustLoad()
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
	index := queue.NewIndex(rdb, cfg.IndexRetention)
	manager := queuemanager.New(rdb, registry, queuemanager.Options{
		Prefix:   cfg.Redis.KeyPrefix,
		LazyInit: cfg.Worker.LazyInit,
		Index:    index,
		Logger:   logger,
	})
	defer manager.Dispose()
	if !cfg.Worker.LazyInit {
		if err := manager.Start(ctx); err != nil {
			logger.Fatal("start queues", zap.Error(err))
		}
	}

	opts := api.Options{Index: index, Logger: logger}
	if cfg.PostgresDSN != "" {
		db, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("connect postgres", zap.Error(err))
		}
		defer db.Close()
		opts.Archive = storage.New(db)
	}

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.New(manager, opts).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown api", zap.Error(err))
		}
	}()

	logger.Info("api listening", zap.String("addr", cfg.APIAddr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("api stopped", zap.Error(err))
	}
}
