package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"labelflow/internal/admin"
	"labelflow/internal/archive"
	"labelflow/internal/engine"
	"labelflow/internal/reconcile"
	"labelflow/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded Postgres migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := loadDeps(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()
			if _, ok := d.store.(*store.Postgres); !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "store driver %s has no migrations\n", d.cfg.StoreDriver)
				return nil
			}
			// store.Open already migrated
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newReconcileCmd() *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass for a task",
		Long:  "Reclaims expired claims, replays unfinished resolutions, admits upstream items and recreates discarded ones. Skips if the task lock is held.",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := loadDeps(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()

			job := reconcile.NewJob(d.store, engine.New(d.store, d.log), d.locker, reconcile.Options{
				LockTTL: d.cfg.LockTTL,
				Grace:   d.cfg.IntakeGrace,
				Logger:  d.log,
			})
			report, err := job.Run(cmd.Context(), taskID)
			if err != nil {
				return fmt.Errorf("reconcile %s: %w", taskID, err)
			}
			out := cmd.OutOrStdout()
			if report.Skipped {
				fmt.Fprintf(out, "task %s is locked by another run, skipped\n", taskID)
				return nil
			}
			fmt.Fprintf(out, "reclaimed=%d settled=%d replayed=%d scanned=%d admitted=%d recreated=%d\n",
				report.Reclaimed, report.Settled, report.Replayed, report.Scanned, report.Admitted, report.Recreated)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func newDeleteTaskCmd() *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "delete-task",
		Short: "Archive and delete a task with everything it owns",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := loadDeps(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()

			uploader, err := archive.NewUploader(cmd.Context(), d.cfg.Archive)
			if err != nil {
				return fmt.Errorf("init archive uploader: %w", err)
			}
			svc := admin.NewService(d.store, archive.NewArchiver(d.store, uploader, d.cfg.Archive.Prefix), d.locker, d.log)
			if err := svc.DeleteTask(cmd.Context(), taskID); err != nil {
				return fmt.Errorf("delete %s: %w", taskID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s deleted\n", taskID)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}
