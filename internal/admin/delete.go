package admin

import (
	"context"
	"fmt"

	"labelflow/internal/models"
)

// DeleteTask removes a task and everything it owns. Tasks that were ever opened are
// archived first; a failed archive aborts the delete.
func (s *Service) DeleteTask(ctx context.Context, taskID string) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !t.IsAudit() {
		audit, err := s.store.FindAuditTaskByTarget(ctx, taskID)
		if err == nil {
			return fmt.Errorf("task %s is audited by %s: %w", taskID, audit.ID, models.ErrPreconditionFailed)
		}
		if !isNotFound(err) {
			return err
		}
	}

	if t.Status != models.TaskCreated {
		if s.archiver == nil {
			return fmt.Errorf("no archive configured for task %s: %w", taskID, models.ErrPreconditionFailed)
		}
		location, err := s.archiver.Backup(ctx, taskID)
		if err != nil {
			return fmt.Errorf("archive task %s: %w", taskID, err)
		}
		s.log.Info("task archived", "task_id", taskID, "location", location)
	}

	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	s.log.Info("task deleted", "task_id", taskID, "kind", t.Kind)
	return nil
}
