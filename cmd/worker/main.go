package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"labelflow/internal/config"
	"labelflow/internal/engine"
	"labelflow/internal/lock"
	"labelflow/internal/reconcile"
	"labelflow/internal/store"
	"labelflow/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := telemetry.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	if cfg.StoreDriver == "memory" {
		log.Fatalf("the reconcile worker needs a shared store; STORE_DRIVER=memory runs reconciliation inside the api process")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, closeStore, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer closeStore()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	job := reconcile.NewJob(st, engine.New(st, logger), lock.NewRedisLocker(rdb, lock.TaskPrefix), reconcile.Options{
		LockTTL: cfg.LockTTL,
		Grace:   cfg.IntakeGrace,
		Logger:  logger,
	})
	sched := reconcile.NewScheduler(st, job, cfg.ReconcileInterval, cfg.TaskSyncInterval, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error("metrics server stopped", "err", err)
		}
	}()

	logger.Info("reconcile worker started", "interval", cfg.ReconcileInterval.String(),
		"task_sync_interval", cfg.TaskSyncInterval.String(), "grace", cfg.IntakeGrace.String())
	if err := sched.Start(ctx); err != nil {
		logger.Error("reconcile worker stopped", "err", err)
	}
}
