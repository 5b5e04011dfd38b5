package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"labelflow/internal/models"
	"labelflow/internal/store"
	"labelflow/internal/telemetry"
)

// Get returns the worker's current claim in the round, or leases a new item.
// flowIndex is ignored for label tasks.
func (e *Engine) Get(ctx context.Context, taskID string, w Worker, flowIndex int) (Claim, error) {
	rd, err := e.openRound(ctx, taskID, flowIndex)
	if err != nil {
		return Claim{}, err
	}
	if !models.SharesTeam(rd.teams, w.Teams) {
		return Claim{}, fmt.Errorf("user %s not in task %s round %d teams: %w", w.ID, taskID, rd.index, models.ErrForbidden)
	}

	now := e.now()
	rec, err := e.store.FindOpenRecord(ctx, store.OpenRecordQuery{
		TaskID:       taskID,
		UserID:       w.ID,
		FlowIndex:    rd.index,
		CreatedAfter: now.Add(-rd.lease),
	})
	switch {
	case err == nil:
		d, err := e.store.GetData(ctx, rec.DataID)
		if err != nil {
			return Claim{}, fmt.Errorf("claimed data %s: %w", rec.DataID, err)
		}
		return e.claim(d, rd, rec.CreatedAt, now), nil
	case !errors.Is(err, models.ErrNotFound):
		return Claim{}, err
	}

	if err := e.reclaimOwn(ctx, rd, w.ID); err != nil {
		return Claim{}, err
	}

	submitted, err := e.store.ListSubmittedRecords(ctx, taskID, w.ID)
	if err != nil {
		return Claim{}, err
	}

	var d models.Data
	if rd.task.IsAudit() {
		d, err = e.claimAudit(ctx, rd, submitted)
	} else {
		d, err = e.claimLabel(ctx, rd, submitted)
	}
	if errors.Is(err, models.ErrExhausted) {
		telemetry.ClaimsExhausted.WithLabelValues(rd.kind()).Inc()
	}
	if err != nil {
		return Claim{}, err
	}

	rec = models.Record{
		ID:              uuid.NewString(),
		TaskID:          taskID,
		DataID:          d.ID,
		FlowIndex:       rd.index,
		QuestionnaireID: d.QuestionnaireID,
		CreatorID:       w.ID,
		CreatedAt:       now,
		Status:          models.RecordProcessing,
	}
	if err := e.store.InsertRecord(ctx, rec); err != nil {
		if rerr := e.revert(ctx, rd.task, rd.index, d.ID); rerr != nil {
			e.log.Error("revert claimed item", "task_id", taskID, "data_id", d.ID, "flow_index", rd.index, "err", rerr)
		}
		return Claim{}, err
	}

	telemetry.Claims.WithLabelValues(rd.kind()).Inc()
	e.log.Debug("item claimed", "task_id", taskID, "data_id", d.ID, "flow_index", rd.index, "user_id", w.ID, "record_id", rec.ID)
	return e.claim(d, rd, now, now), nil
}

// claimLabel excludes questionnaires the worker already labeled in this task.
func (e *Engine) claimLabel(ctx context.Context, rd round, submitted []models.Record) (models.Data, error) {
	exclude := make([]string, 0, len(submitted))
	for _, r := range submitted {
		exclude = append(exclude, r.QuestionnaireID)
	}
	return e.store.ClaimPendingData(ctx, rd.task.ID, exclude)
}

// maxOrphanSkips bounds how many round rows without data one claim steps over.
const maxOrphanSkips = 8

// claimAudit excludes items the worker already audited in any round of this task.
// Round rows whose data is gone are put back and skipped.
func (e *Engine) claimAudit(ctx context.Context, rd round, submitted []models.Record) (models.Data, error) {
	exclude := make([]string, 0, len(submitted))
	for _, r := range submitted {
		exclude = append(exclude, r.DataID)
	}
	for skipped := 0; ; skipped++ {
		fd, err := e.store.ClaimPendingFlowData(ctx, rd.task.ID, rd.index, exclude)
		if err != nil {
			return models.Data{}, err
		}
		d, err := e.store.GetData(ctx, fd.DataID)
		if err == nil {
			return d, nil
		}
		if rerr := e.revert(ctx, rd.task, rd.index, fd.DataID); rerr != nil {
			e.log.Error("revert claimed round row", "task_id", rd.task.ID, "data_id", fd.DataID, "flow_index", rd.index, "err", rerr)
		}
		if !errors.Is(err, models.ErrNotFound) {
			return models.Data{}, err
		}
		e.log.Warn("round row without data skipped", "task_id", rd.task.ID, "data_id", fd.DataID, "flow_index", rd.index)
		if skipped+1 >= maxOrphanSkips {
			return models.Data{}, fmt.Errorf("task %s flow %d: %w", rd.task.ID, rd.index, models.ErrExhausted)
		}
		exclude = append(exclude, fd.DataID)
	}
}

// reclaimOwn frees the worker's expired claim in this round so a new one can be taken.
func (e *Engine) reclaimOwn(ctx context.Context, rd round, userID string) error {
	stale, err := e.store.FindOpenRecord(ctx, store.OpenRecordQuery{
		TaskID:    rd.task.ID,
		UserID:    userID,
		FlowIndex: rd.index,
	})
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := e.Reclaim(ctx, rd.task, stale); err != nil && !errors.Is(err, models.ErrInconsistent) {
		return err
	}
	return nil
}

// Reclaim deletes an unsubmitted record and returns its item to pending.
// It reports false when the record was already submitted or removed.
func (e *Engine) Reclaim(ctx context.Context, task models.Task, r models.Record) (bool, error) {
	deleted, err := e.store.DeleteOpenRecord(ctx, r.ID)
	if err != nil || !deleted {
		return false, err
	}
	if err := e.revert(ctx, task, r.FlowIndex, r.DataID); err != nil {
		return true, err
	}
	e.log.Info("claim reclaimed", "task_id", task.ID, "data_id", r.DataID, "flow_index", r.FlowIndex, "user_id", r.CreatorID, "record_id", r.ID)
	return true, nil
}

func (e *Engine) revert(ctx context.Context, task models.Task, flowIndex int, dataID string) error {
	var err error
	if task.IsAudit() {
		err = e.store.SetFlowDataStatus(ctx, task.ID, flowIndex, dataID, models.FlowDataPending)
	} else {
		pending := models.DataPending
		err = e.store.UpdateData(ctx, dataID, models.DataUpdate{Status: &pending})
	}
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("revert %s: %w", dataID, models.ErrInconsistent)
	}
	return err
}

// ownRecord finds the worker's unexpired claim on dataID.
func (e *Engine) ownRecord(ctx context.Context, rd round, userID, dataID string) (models.Record, error) {
	rec, err := e.store.FindOpenRecord(ctx, store.OpenRecordQuery{
		TaskID:       rd.task.ID,
		UserID:       userID,
		FlowIndex:    rd.index,
		DataID:       dataID,
		CreatedAfter: e.now().Add(-rd.lease),
	})
	if errors.Is(err, models.ErrNotFound) {
		return models.Record{}, fmt.Errorf("data %s: %w", dataID, models.ErrNotOwner)
	}
	return rec, err
}

// Release gives a claimed item back before its lease runs out.
func (e *Engine) Release(ctx context.Context, taskID string, w Worker, dataID string, flowIndex int) error {
	rd, err := e.openRound(ctx, taskID, flowIndex)
	if err != nil {
		return err
	}
	rec, err := e.ownRecord(ctx, rd, w.ID, dataID)
	if err != nil {
		return err
	}
	deleted, err := e.Reclaim(ctx, rd.task, rec)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("data %s: %w", dataID, models.ErrNotOwner)
	}
	telemetry.Releases.Inc()
	return nil
}

// Commit records the worker's judgment on a claimed item and advances it.
func (e *Engine) Commit(ctx context.Context, taskID string, w Worker, dataID string, flowIndex int, j models.Judgment) error {
	rd, err := e.openRound(ctx, taskID, flowIndex)
	if err != nil {
		return err
	}
	rec, err := e.ownRecord(ctx, rd, w.ID, dataID)
	if err != nil {
		return err
	}
	d, err := e.store.GetData(ctx, dataID)
	if err != nil {
		return err
	}
	if d.TaskID != taskID {
		return fmt.Errorf("data %s in task %s: %w", dataID, taskID, models.ErrNotFound)
	}

	if !rd.task.IsAudit() {
		if err := e.store.SubmitRecord(ctx, rec.ID, models.Submission{At: e.now(), Evaluation: j.LabelEvaluation()}); err != nil {
			return err
		}
		completed := models.DataCompleted
		eval := d.Evaluation.WithLabel(j)
		if err := e.store.UpdateData(ctx, dataID, models.DataUpdate{Status: &completed, Evaluation: &eval}); err != nil {
			return err
		}
		telemetry.Commits.WithLabelValues(rd.kind()).Inc()
		return nil
	}

	// the submitted record carries the verdict, so a commit cut short here is settled by reconciliation
	pass := j.Pass
	if err := e.store.SubmitRecord(ctx, rec.ID, models.Submission{At: e.now(), Evaluation: j.AuditEvaluation(), Pass: &pass}); err != nil {
		return err
	}
	if err := e.store.AppendDataEvaluation(ctx, dataID, j.AuditEntry(rec.ID)); err != nil {
		return err
	}
	telemetry.Commits.WithLabelValues(rd.kind()).Inc()

	_, err = e.advance(ctx, rd, dataID, w.ID, j.Pass)
	return err
}
