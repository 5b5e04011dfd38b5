package admin

import (
	"context"
	"fmt"

	"labelflow/internal/models"
)

// TaskPatch is a partial task edit. Nil fields are left as they are.
type TaskPatch struct {
	Title       *string            `json:"title"`
	Description *string            `json:"description"`
	Status      *models.TaskStatus `json:"status"`
	ToolConfig  map[string]any     `json:"tool_config"`

	// Label tasks.
	ExpireTime      *int      `json:"expire_time"`
	DistributeCount *int      `json:"distribute_count"`
	Teams           *[]string `json:"teams"`

	// Audit tasks.
	TargetTaskID   *string     `json:"target_task_id"`
	IsDataRecreate *bool       `json:"is_data_recreate"`
	Flows          []FlowInput `json:"flows"`
}

func (p TaskPatch) structural() bool {
	return p.ToolConfig != nil || p.ExpireTime != nil || p.DistributeCount != nil ||
		p.TargetTaskID != nil || p.IsDataRecreate != nil || p.Flows != nil
}

var transitions = map[models.TaskStatus]models.TaskStatus{
	models.TaskCreated: models.TaskOpen,
	models.TaskOpen:    models.TaskDone,
}

func (s *Service) UpdateTask(ctx context.Context, taskID string, p TaskPatch) (TaskDetail, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return TaskDetail{}, err
	}
	switch t.Status {
	case models.TaskDone:
		return TaskDetail{}, fmt.Errorf("task %s is done: %w", taskID, models.ErrPreconditionFailed)
	case models.TaskOpen:
		if p.structural() {
			return TaskDetail{}, fmt.Errorf("task %s is open, only title, description, teams and status may change: %w", taskID, models.ErrPreconditionFailed)
		}
	}
	if t.IsAudit() && (p.ExpireTime != nil || p.DistributeCount != nil || p.Teams != nil) {
		return TaskDetail{}, fmt.Errorf("audit tasks configure leases and teams per flow: %w", models.ErrInvalidArgument)
	}
	if !t.IsAudit() && (p.TargetTaskID != nil || p.IsDataRecreate != nil || p.Flows != nil) {
		return TaskDetail{}, fmt.Errorf("label tasks have no target or flows: %w", models.ErrInvalidArgument)
	}

	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.ToolConfig != nil {
		t.ToolConfig = p.ToolConfig
	}
	if p.ExpireTime != nil {
		if *p.ExpireTime <= 0 {
			return TaskDetail{}, fmt.Errorf("expire_time must be positive: %w", models.ErrInvalidArgument)
		}
		t.ExpireTime = *p.ExpireTime
	}
	if p.DistributeCount != nil {
		if *p.DistributeCount < 1 {
			return TaskDetail{}, fmt.Errorf("distribute_count must be positive: %w", models.ErrInvalidArgument)
		}
		t.DistributeCount = *p.DistributeCount
	}
	if p.Teams != nil {
		t.Teams = *p.Teams
	}
	if p.IsDataRecreate != nil {
		t.IsDataRecreate = *p.IsDataRecreate
	}
	if p.TargetTaskID != nil && *p.TargetTaskID != t.TargetTaskID {
		if *p.TargetTaskID != "" {
			if err := s.checkTarget(ctx, t.ID, *p.TargetTaskID); err != nil {
				return TaskDetail{}, err
			}
		}
		t.TargetTaskID = *p.TargetTaskID
	}

	var flows []models.Flow
	if p.Flows != nil {
		if flows, err = buildFlows(t.ID, p.Flows, s.now()); err != nil {
			return TaskDetail{}, err
		}
	}

	if p.Status != nil && *p.Status != t.Status {
		if transitions[t.Status] != *p.Status {
			return TaskDetail{}, fmt.Errorf("cannot move task from %s to %s: %w", t.Status, *p.Status, models.ErrPreconditionFailed)
		}
		if *p.Status == models.TaskOpen && t.IsAudit() {
			if err := s.checkOpenable(ctx, t, flows); err != nil {
				return TaskDetail{}, err
			}
		}
		t.Status = *p.Status
	}

	if flows != nil {
		if err := s.store.ReplaceFlows(ctx, t.ID, flows); err != nil {
			return TaskDetail{}, err
		}
	}
	t.UpdatedAt = s.now()
	if err := s.store.SaveTask(ctx, t); err != nil {
		return TaskDetail{}, err
	}
	s.log.Info("task updated", "task_id", t.ID, "status", t.Status)
	return s.GetTask(ctx, t.ID)
}

// checkOpenable requires a target and at least one flow, counting flows about to be written.
func (s *Service) checkOpenable(ctx context.Context, t models.Task, pending []models.Flow) error {
	if t.TargetTaskID == "" {
		return fmt.Errorf("audit task %s has no target task: %w", t.ID, models.ErrPreconditionFailed)
	}
	if len(pending) > 0 {
		return nil
	}
	existing, err := s.store.ListFlows(ctx, t.ID)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return fmt.Errorf("audit task %s has no flows: %w", t.ID, models.ErrPreconditionFailed)
	}
	return nil
}

// UpdateFlowTeams changes which teams may audit one round. Allowed on open tasks.
func (s *Service) UpdateFlowTeams(ctx context.Context, taskID string, index int, teams []string) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !t.IsAudit() {
		return fmt.Errorf("task %s has no flows: %w", taskID, models.ErrInvalidArgument)
	}
	if t.Status == models.TaskDone {
		return fmt.Errorf("task %s is done: %w", taskID, models.ErrPreconditionFailed)
	}
	if _, err := s.store.GetFlow(ctx, taskID, index); err != nil {
		return err
	}
	if teams == nil {
		teams = []string{}
	}
	if err := s.store.SetFlowTeams(ctx, taskID, index, teams); err != nil {
		return err
	}
	s.log.Info("flow teams updated", "task_id", taskID, "flow_index", index, "teams", teams)
	return nil
}
