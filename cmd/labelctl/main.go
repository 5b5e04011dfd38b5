package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"labelflow/internal/config"
	"labelflow/internal/lock"
	"labelflow/internal/store"
	"labelflow/internal/telemetry"
)

// Version is set via ldflags at build time.
var Version = "dev"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "labelctl",
		Short:         "labelflow operator tooling",
		Long:          "Runs migrations, one-off reconciliations and task deletion against a labelflow deployment.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newReconcileCmd())
	cmd.AddCommand(newDeleteTaskCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "labelctl %s\n", Version)
		},
	}
}

// deps are the shared handles every command needs.
type deps struct {
	cfg    config.Config
	log    *slog.Logger
	store  store.Store
	locker *lock.RedisLocker
	close  func()
}

func loadDeps(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	st, closeStore, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	closeAll := func() {
		rdb.Close()
		closeStore()
	}
	return &deps{
		cfg:    cfg,
		log:    telemetry.NewLogger(cfg.Env),
		store:  st,
		locker: lock.NewRedisLocker(rdb, lock.TaskPrefix),
		close:  closeAll,
	}, nil
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
