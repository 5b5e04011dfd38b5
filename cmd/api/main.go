package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"labelflow/internal/admin"
	"labelflow/internal/api"
	"labelflow/internal/archive"
	"labelflow/internal/config"
	"labelflow/internal/engine"
	"labelflow/internal/lock"
	"labelflow/internal/ratelimit"
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
	locker := lock.NewRedisLocker(rdb, lock.TaskPrefix)
	limiter := ratelimit.NewClaimLimiter(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill)

	uploader, err := archive.NewUploader(ctx, cfg.Archive)
	if err != nil {
		log.Fatalf("init archive uploader: %v", err)
	}
	eng := engine.New(st, logger)
	svc := admin.NewService(st, archive.NewArchiver(st, uploader, cfg.Archive.Prefix), locker, logger)

	// the in-memory store is private to this process, so reconciliation has to run here too
	if cfg.StoreDriver == "memory" {
		job := reconcile.NewJob(st, eng, locker, reconcile.Options{LockTTL: cfg.LockTTL, Grace: cfg.IntakeGrace, Logger: logger})
		sched := reconcile.NewScheduler(st, job, cfg.ReconcileInterval, cfg.TaskSyncInterval, logger)
		go func() {
			if err := sched.Start(ctx); err != nil {
				logger.Error("reconcile scheduler stopped", "err", err)
			}
		}()
	}

	server := api.New(eng, svc, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "store", cfg.StoreDriver)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
