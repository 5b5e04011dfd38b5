package engine

import (
	"context"
	"errors"
	"fmt"

	"labelflow/internal/models"
	"labelflow/internal/sampler"
	"labelflow/internal/store"
	"labelflow/internal/telemetry"
)

// advance applies one audit verdict and resolves the round when its budgets settle.
func (e *Engine) advance(ctx context.Context, rd round, dataID, userID string, pass bool) (models.Resolution, error) {
	fd, err := e.store.ApplyVerdict(ctx, rd.task.ID, rd.index, dataID, userID, pass)
	if err != nil {
		return models.Indeterminate, err
	}
	res := fd.Resolve()
	if res == models.Indeterminate {
		return res, nil
	}
	return res, e.ResolveRound(ctx, rd.task, fd)
}

// ResolveRound carries out the outcome of a round whose budgets are settled.
// Every step is safe to repeat and the round row is completed last, so a run
// interrupted part way can be replayed.
func (e *Engine) ResolveRound(ctx context.Context, task models.Task, fd models.FlowData) error {
	res := fd.Resolve()
	if res == models.Indeterminate {
		return nil
	}
	flow, err := e.store.GetFlow(ctx, task.ID, fd.Index)
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("flow %d of task %s: %w", fd.Index, task.ID, models.ErrInconsistent)
	}
	if err != nil {
		return err
	}

	switch res {
	case models.Accepted:
		err = e.accept(ctx, task, flow, fd)
	case models.Exhausted:
		err = e.exhaust(ctx, task, fd)
	}
	if err != nil {
		return err
	}

	done, err := e.store.CompleteFlowData(ctx, task.ID, fd.Index, fd.DataID)
	if err != nil {
		return err
	}
	if done {
		if res == models.Accepted {
			telemetry.RoundsAccepted.Inc()
		} else {
			telemetry.ItemsDiscarded.Inc()
		}
		e.log.Info("round resolved", "task_id", task.ID, "data_id", fd.DataID, "flow_index", fd.Index, "outcome", res.String())
	}
	return nil
}

func (e *Engine) accept(ctx context.Context, task models.Task, flow models.Flow, fd models.FlowData) error {
	if err := e.discardVotes(ctx, fd, fd.RejectAuditUserIDs); err != nil {
		return err
	}
	if flow.IsLast {
		completed := models.DataCompleted
		return e.updateData(ctx, fd.DataID, models.DataUpdate{Status: &completed})
	}

	next, err := e.store.GetFlow(ctx, task.ID, flow.Index+1)
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("flow %d of task %s: %w", flow.Index+1, task.ID, models.ErrInconsistent)
	}
	if err != nil {
		return err
	}
	// Accepted items only reach the next round when its sampling draw admits them.
	if !sampler.Admit(next.SampleRatio) {
		e.log.Debug("next round not sampled", "task_id", task.ID, "data_id", fd.DataID, "flow_index", next.Index)
		return nil
	}
	if err := e.store.InsertFlowData(ctx, next.NewFlowData(fd.DataID, e.now())); err != nil {
		return err
	}
	telemetry.RoundAdmissions.Inc()
	return nil
}

func (e *Engine) exhaust(ctx context.Context, task models.Task, fd models.FlowData) error {
	if err := e.discardVotes(ctx, fd, fd.PassAuditUserIDs); err != nil {
		return err
	}
	discarded := models.DataDiscarded
	if err := e.updateData(ctx, fd.DataID, models.DataUpdate{Status: &discarded}); err != nil {
		return err
	}
	if task.IsDataRecreate {
		return e.store.AppendRecreateDataID(ctx, task.ID, fd.DataID)
	}
	return nil
}

// discardVotes marks the submitted records of the losing side as discarded.
func (e *Engine) discardVotes(ctx context.Context, fd models.FlowData, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	index := fd.Index
	return e.store.DiscardRecords(ctx, store.DiscardQuery{
		TaskID:        fd.TaskID,
		DataID:        fd.DataID,
		FlowIndex:     &index,
		UserIDs:       userIDs,
		SubmittedOnly: true,
	})
}

func (e *Engine) updateData(ctx context.Context, dataID string, u models.DataUpdate) error {
	err := e.store.UpdateData(ctx, dataID, u)
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("data %s: %w", dataID, models.ErrInconsistent)
	}
	return err
}
