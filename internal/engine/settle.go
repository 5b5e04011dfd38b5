package engine

import (
	"context"
	"errors"
	"slices"
	"time"

	"labelflow/internal/models"
)

// SettleData repairs a label item left processing with no open claim. A submitted
// record means the commit stopped after submission, so the item is completed with
// that label; otherwise it goes back to pending. Records submitted after cutoff may
// belong to a commit still running and leave the item alone.
func (e *Engine) SettleData(ctx context.Context, task models.Task, d models.Data, cutoff time.Time) (bool, error) {
	recs, err := e.store.ListItemRecords(ctx, task.ID, models.LabelFlowIndex, d.ID)
	if err != nil {
		return false, err
	}
	var last *models.Record
	for i, r := range recs {
		if !r.Submitted() || r.SubmittedAt.After(cutoff) {
			return false, nil
		}
		if r.Status == models.RecordCompleted && r.Evaluation != nil {
			last = &recs[i]
		}
	}

	if last == nil {
		if err := e.revert(ctx, task, models.LabelFlowIndex, d.ID); err != nil {
			return false, err
		}
		e.log.Info("unclaimed item returned to pending", "task_id", task.ID, "data_id", d.ID)
		return true, nil
	}

	completed := models.DataCompleted
	eval := d.Evaluation.WithLabel(last.Evaluation.LabelJudgment())
	if err := e.updateData(ctx, d.ID, models.DataUpdate{Status: &completed, Evaluation: &eval}); err != nil {
		return false, err
	}
	e.log.Info("interrupted commit completed", "task_id", task.ID, "data_id", d.ID, "record_id", last.ID, "user_id", last.CreatorID)
	return true, nil
}

// SettleFlowData repairs a round row left processing with no open claim. Verdicts
// stored on submitted records but missing from the row are applied again; a row
// with none goes back to pending.
func (e *Engine) SettleFlowData(ctx context.Context, task models.Task, fd models.FlowData, cutoff time.Time) (bool, error) {
	recs, err := e.store.ListItemRecords(ctx, task.ID, fd.Index, fd.DataID)
	if err != nil {
		return false, err
	}
	var missing []models.Record
	for _, r := range recs {
		if !r.Submitted() {
			return false, nil
		}
		if r.Status != models.RecordCompleted || r.Pass == nil {
			continue
		}
		if slices.Contains(fd.PassAuditUserIDs, r.CreatorID) || slices.Contains(fd.RejectAuditUserIDs, r.CreatorID) {
			continue
		}
		if r.SubmittedAt.After(cutoff) {
			return false, nil
		}
		missing = append(missing, r)
	}

	if len(missing) == 0 {
		if err := e.revert(ctx, task, fd.Index, fd.DataID); err != nil {
			return false, err
		}
		e.log.Info("unclaimed round row returned to pending", "task_id", task.ID, "data_id", fd.DataID, "flow_index", fd.Index)
		return true, nil
	}

	for _, r := range missing {
		if r.Evaluation != nil && len(r.Evaluation.DataEvaluation) > 0 {
			entry := models.TagEntry(r.Evaluation.DataEvaluation[0], r.ID)
			if err := e.store.AppendDataEvaluation(ctx, fd.DataID, entry); err != nil {
				return false, err
			}
		}
		next, err := e.store.ApplyVerdict(ctx, task.ID, fd.Index, fd.DataID, r.CreatorID, *r.Pass)
		if errors.Is(err, models.ErrPreconditionFailed) {
			continue
		}
		if err != nil {
			return false, err
		}
		e.log.Info("interrupted verdict applied", "task_id", task.ID, "data_id", fd.DataID, "flow_index", fd.Index,
			"record_id", r.ID, "user_id", r.CreatorID, "pass", *r.Pass)
		if next.Resolve() != models.Indeterminate {
			return true, e.ResolveRound(ctx, task, next)
		}
	}
	return true, nil
}
