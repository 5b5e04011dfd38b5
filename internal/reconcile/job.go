package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"labelflow/internal/engine"
	"labelflow/internal/lock"
	"labelflow/internal/models"
	"labelflow/internal/sampler"
	"labelflow/internal/store"
	"labelflow/internal/telemetry"
)

// Locker grants non-blocking per-task leases.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (*lock.Lease, error)
}

// Report summarizes one reconciliation run.
type Report struct {
	Skipped   bool
	Reclaimed int
	Settled   int
	Replayed  int
	Scanned   int
	Admitted  int
	Recreated int
}

// Job repairs abandoned claims and feeds completed upstream items into audit tasks.
type Job struct {
	store   store.Store
	engine  *engine.Engine
	locker  Locker
	lockTTL time.Duration
	grace   time.Duration
	log     *slog.Logger
	now     func() time.Time
}

// Options tunes a Job; zero values fall back to defaults.
type Options struct {
	LockTTL time.Duration
	// Grace is the trailing window left alone by intake, settling and resolution replay.
	Grace  time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

func NewJob(st store.Store, eng *engine.Engine, locker Locker, opts Options) *Job {
	j := &Job{
		store:   st,
		engine:  eng,
		locker:  locker,
		lockTTL: opts.LockTTL,
		grace:   opts.Grace,
		log:     opts.Logger,
		now:     opts.Now,
	}
	if j.lockTTL <= 0 {
		j.lockTTL = 2 * time.Minute
	}
	if j.grace < 0 {
		j.grace = 0
	}
	if j.log == nil {
		j.log = slog.Default()
	}
	if j.now == nil {
		j.now = time.Now
	}
	return j
}

// Run reconciles one task. A run that finds the task lock held is skipped, not queued.
func (j *Job) Run(ctx context.Context, taskID string) (Report, error) {
	var report Report
	log := j.log.With("task_id", taskID)

	if j.locker != nil {
		lease, err := j.locker.TryAcquire(ctx, taskID, j.lockTTL)
		if errors.Is(err, lock.ErrLockBusy) {
			log.Info("reconcile skipped, lock held")
			telemetry.ReconcileRuns.WithLabelValues("skipped").Inc()
			report.Skipped = true
			return report, nil
		}
		if err != nil {
			telemetry.ReconcileRuns.WithLabelValues("error").Inc()
			return report, err
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("release reconcile lock", "err", err)
			}
		}()
	}

	task, err := j.store.GetTask(ctx, taskID)
	if err != nil {
		telemetry.ReconcileRuns.WithLabelValues("error").Inc()
		return report, err
	}
	if task.Status != models.TaskOpen {
		return report, nil
	}

	var errs []error
	if err := j.reclaim(ctx, task, &report); err != nil {
		errs = append(errs, fmt.Errorf("reclaim: %w", err))
	}
	if err := j.settle(ctx, task, &report); err != nil {
		errs = append(errs, fmt.Errorf("settle: %w", err))
	}
	if task.IsAudit() {
		if err := j.replay(ctx, task, &report); err != nil {
			errs = append(errs, fmt.Errorf("replay: %w", err))
		}
		if err := j.intake(ctx, task, &report); err != nil {
			errs = append(errs, fmt.Errorf("intake: %w", err))
		}
		if err := j.recreate(ctx, task, &report); err != nil {
			errs = append(errs, fmt.Errorf("recreate: %w", err))
		}
	}

	err = errors.Join(errs...)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.ReconcileRuns.WithLabelValues(outcome).Inc()
	log.Debug("reconcile finished", "reclaimed", report.Reclaimed, "settled", report.Settled, "replayed", report.Replayed,
		"scanned", report.Scanned, "admitted", report.Admitted, "recreated", report.Recreated)
	return report, err
}

type leaseScope struct {
	index int
	lease time.Duration
}

// reclaim deletes claims older than their round's lease and returns the items to pending.
func (j *Job) reclaim(ctx context.Context, task models.Task, report *Report) error {
	scopes := []leaseScope{{index: models.LabelFlowIndex, lease: task.Lease()}}
	if task.IsAudit() {
		flows, err := j.store.ListFlows(ctx, task.ID)
		if err != nil {
			return err
		}
		scopes = scopes[:0]
		for _, f := range flows {
			scopes = append(scopes, leaseScope{index: f.Index, lease: f.Lease()})
		}
	}

	now := j.now()
	for _, s := range scopes {
		if s.lease <= 0 {
			continue
		}
		expired, err := j.store.ListExpiredRecords(ctx, task.ID, s.index, now.Add(-s.lease))
		if err != nil {
			return err
		}
		for _, r := range expired {
			ok, err := j.engine.Reclaim(ctx, task, r)
			if err != nil {
				j.log.Warn("reclaim lease", "task_id", task.ID, "record_id", r.ID, "data_id", r.DataID, "err", err)
				continue
			}
			if ok {
				report.Reclaimed++
				telemetry.LeasesReclaimed.Inc()
			}
		}
	}
	return nil
}

// settle repairs items stuck in processing without a live claim, which is what a
// commit interrupted after its record was submitted leaves behind.
func (j *Job) settle(ctx context.Context, task models.Task, report *Report) error {
	cutoff := j.now().Add(-j.grace)
	if !task.IsAudit() {
		items, err := j.store.ListProcessingData(ctx, task.ID, cutoff)
		if err != nil {
			return err
		}
		for _, d := range items {
			ok, err := j.engine.SettleData(ctx, task, d, cutoff)
			if err != nil {
				j.log.Warn("settle item", "task_id", task.ID, "data_id", d.ID, "err", err)
				continue
			}
			if ok {
				report.Settled++
				telemetry.ItemsSettled.Inc()
			}
		}
		return nil
	}

	rows, err := j.store.ListProcessingFlowData(ctx, task.ID, cutoff)
	if err != nil {
		return err
	}
	for _, fd := range rows {
		ok, err := j.engine.SettleFlowData(ctx, task, fd, cutoff)
		if err != nil {
			j.log.Warn("settle round row", "task_id", task.ID, "data_id", fd.DataID, "flow_index", fd.Index, "err", err)
			continue
		}
		if ok {
			report.Settled++
			telemetry.ItemsSettled.Inc()
		}
	}
	return nil
}

// replay finishes resolutions whose verdict landed but whose follow-up writes did not.
func (j *Job) replay(ctx context.Context, task models.Task, report *Report) error {
	rows, err := j.store.ListUnresolvedFlowData(ctx, task.ID, j.now().Add(-j.grace))
	if err != nil {
		return err
	}
	for _, fd := range rows {
		if err := j.engine.ResolveRound(ctx, task, fd); err != nil {
			j.log.Warn("replay resolution", "task_id", task.ID, "data_id", fd.DataID, "flow_index", fd.Index, "err", err)
			continue
		}
		report.Replayed++
	}
	return nil
}

// intake admits upstream items completed since the watermark into round 1.
func (j *Job) intake(ctx context.Context, task models.Task, report *Report) error {
	if task.TargetTaskID == "" {
		return nil
	}
	first, err := j.store.GetFlow(ctx, task.ID, 1)
	if errors.Is(err, models.ErrNotFound) {
		j.log.Warn("audit task has no first flow", "task_id", task.ID)
		return nil
	}
	if err != nil {
		return err
	}

	now := j.now()
	items, err := j.store.ListCompletedData(ctx, task.TargetTaskID, task.TargetDataLastTime, now.Add(-j.grace))
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	report.Scanned += len(items)
	telemetry.IntakeScanned.Add(float64(len(items)))

	chosen := make(map[int]bool)
	for _, i := range sampler.Sample(first.SampleRatio, len(items)) {
		chosen[i] = true
	}

	var high time.Time
	var failed error
	for i, src := range items {
		if chosen[i] {
			admitted, err := j.admit(ctx, task, first, src, now)
			if err != nil {
				// stop short of the failed item so the next run sees it again
				failed = fmt.Errorf("admit %s: %w", src.ID, err)
				if cut := src.UpdatedAt.Add(-time.Microsecond); high.After(cut) {
					high = cut
				}
				break
			}
			if admitted {
				report.Admitted++
				telemetry.IntakeAdmitted.Inc()
			}
		}
		if src.UpdatedAt.After(high) {
			high = src.UpdatedAt
		}
	}

	if high.After(task.TargetDataLastTime) {
		if err := j.store.AdvanceWatermark(ctx, task.ID, high); err != nil {
			return errors.Join(failed, err)
		}
	}
	return failed
}

// admit copies src into the audit task with a round-1 row. Items already copied
// from src only get their round-1 row ensured.
func (j *Job) admit(ctx context.Context, task models.Task, first models.Flow, src models.Data, now time.Time) (bool, error) {
	existing, err := j.store.FindDataBySource(ctx, task.ID, src.ID)
	if err == nil {
		return false, j.store.InsertFlowData(ctx, first.NewFlowData(existing.ID, now))
	}
	if !errors.Is(err, models.ErrNotFound) {
		return false, err
	}

	d := models.Data{
		ID:                  uuid.NewString(),
		TaskID:              task.ID,
		SourceDataID:        src.ID,
		QuestionnaireID:     src.QuestionnaireID,
		Status:              models.DataPending,
		Prompt:              src.Prompt,
		ConversationID:      src.ConversationID,
		Conversation:        src.Conversation,
		ReferenceEvaluation: src.ReferenceEvaluation,
		Evaluation:          src.Evaluation,
		Custom:              src.Custom,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := j.store.InsertData(ctx, []models.Data{d}); err != nil {
		return false, err
	}
	if err := j.store.InsertFlowData(ctx, first.NewFlowData(d.ID, now)); err != nil {
		return false, err
	}
	return true, nil
}

var recreateNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("labelflow/recreate"))

// recreate sends discarded audit items back to the upstream label task.
func (j *Job) recreate(ctx context.Context, task models.Task, report *Report) error {
	if len(task.RecreateDataIDs) == 0 {
		return nil
	}
	if _, err := j.store.GetTask(ctx, task.TargetTaskID); err != nil {
		return fmt.Errorf("upstream task %s: %w", task.TargetTaskID, err)
	}

	processed := make([]string, 0, len(task.RecreateDataIDs))
	for _, id := range task.RecreateDataIDs {
		created, err := j.recreateOne(ctx, task, id)
		if err != nil && !errors.Is(err, models.ErrInconsistent) {
			j.log.Warn("recreate item", "task_id", task.ID, "data_id", id, "err", err)
			continue
		}
		if err != nil {
			j.log.Warn("dropping recreate entry", "task_id", task.ID, "data_id", id, "err", err)
		}
		if created {
			report.Recreated++
			telemetry.ItemsRecreated.Inc()
		}
		processed = append(processed, id)
	}
	return j.store.RemoveRecreateDataIDs(ctx, task.ID, processed)
}

func (j *Job) recreateOne(ctx context.Context, task models.Task, dataID string) (bool, error) {
	d, err := j.store.GetData(ctx, dataID)
	if errors.Is(err, models.ErrNotFound) {
		return false, fmt.Errorf("data %s: %w", dataID, models.ErrInconsistent)
	}
	if err != nil {
		return false, err
	}

	discarded := models.DataDiscarded
	if err := j.store.UpdateData(ctx, dataID, models.DataUpdate{Status: &discarded}); err != nil {
		return false, err
	}
	if err := j.store.DiscardRecords(ctx, store.DiscardQuery{TaskID: task.ID, DataID: dataID}); err != nil {
		return false, err
	}

	src := d
	if d.SourceDataID != "" {
		if upstream, err := j.store.GetData(ctx, d.SourceDataID); err == nil {
			src = upstream
		}
	}

	// the id is derived from the audit item so a repeated run finds its own copy
	id := uuid.NewSHA1(recreateNamespace, []byte(task.ID+"/"+dataID)).String()
	if _, err := j.store.GetData(ctx, id); err == nil {
		return false, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return false, err
	}

	now := j.now()
	fresh := models.Data{
		ID:                  id,
		TaskID:              task.TargetTaskID,
		SourceDataID:        src.ID,
		QuestionnaireID:     src.QuestionnaireID,
		Status:              models.DataPending,
		Prompt:              src.Prompt,
		ConversationID:      src.ConversationID,
		Conversation:        src.Conversation,
		ReferenceEvaluation: src.ReferenceEvaluation,
		Custom:              src.Custom,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := j.store.InsertData(ctx, []models.Data{fresh}); err != nil {
		return false, err
	}
	j.log.Info("item recreated upstream", "task_id", task.ID, "data_id", dataID, "new_data_id", id, "target_task_id", task.TargetTaskID)
	return true, nil
}
