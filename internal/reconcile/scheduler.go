package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"labelflow/internal/models"
	"labelflow/internal/store"
	"labelflow/internal/telemetry"
)

// Scheduler keeps one periodic reconciliation entry per open task.
type Scheduler struct {
	store        store.Store
	job          *Job
	interval     time.Duration
	syncInterval time.Duration
	log          *slog.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
}

func NewScheduler(st store.Store, job *Job, interval, syncInterval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{log: logger}
	return &Scheduler{
		store:        st,
		job:          job,
		interval:     interval,
		syncInterval: syncInterval,
		log:          logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		entries: map[string]cron.EntryID{},
		ctx:     context.Background(),
	}
}

// Start syncs the task entries once, then runs the cron loop until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.Sync(ctx); err != nil {
		return err
	}
	s.cron.Schedule(cron.Every(s.syncInterval), cron.FuncJob(func() {
		if err := s.Sync(ctx); err != nil {
			s.log.Error("sync reconcile entries", "err", err)
		}
	}))
	s.cron.Start()

	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// Sync adds entries for newly opened tasks and drops entries of tasks that closed or vanished.
func (s *Scheduler) Sync(ctx context.Context) error {
	open, err := s.store.ListTasks(ctx, models.TaskOpen)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(open))
	for _, t := range open {
		seen[t.ID] = true
		if _, ok := s.entries[t.ID]; ok {
			continue
		}
		taskID := t.ID
		s.entries[taskID] = s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(func() {
			s.runTask(taskID)
		}))
		s.log.Info("reconcile scheduled", "task_id", taskID, "interval", s.interval.String())
	}
	for taskID, id := range s.entries {
		if !seen[taskID] {
			s.cron.Remove(id)
			delete(s.entries, taskID)
			s.log.Info("reconcile unscheduled", "task_id", taskID)
		}
	}
	telemetry.ScheduledTasks.Set(float64(len(s.entries)))
	return nil
}

// Scheduled returns the ids of tasks that currently have an entry.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	return out
}

func (s *Scheduler) runTask(taskID string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if _, err := s.job.Run(ctx, taskID); err != nil {
		s.log.Error("reconcile run", "task_id", taskID, "err", err)
	}
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
