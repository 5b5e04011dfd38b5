package admin

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"labelflow/internal/lock"
	"labelflow/internal/models"
	"labelflow/internal/store"
)

// DataInput is one item to import into a label task.
type DataInput struct {
	// QuestionnaireID is generated when empty; all copies of an item share it.
	QuestionnaireID     string             `json:"questionnaire_id"`
	Prompt              string             `json:"prompt"`
	ConversationID      string             `json:"conversation_id"`
	Conversation        []models.Message   `json:"conversation"`
	ReferenceEvaluation *models.Evaluation `json:"reference_evaluation"`
	Custom              map[string]any     `json:"custom"`
}

// ImportData stores every input distribute_count times and returns the number of rows written.
func (s *Service) ImportData(ctx context.Context, taskID string, in []DataInput) (int, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if t.IsAudit() {
		return 0, fmt.Errorf("audit tasks take their data from the target task: %w", models.ErrInvalidArgument)
	}
	if t.Status == models.TaskDone {
		return 0, fmt.Errorf("task %s is done: %w", taskID, models.ErrPreconditionFailed)
	}
	if len(in) == 0 {
		return 0, nil
	}

	copies := max(t.DistributeCount, 1)
	now := s.now()
	items := make([]models.Data, 0, len(in)*copies)
	for _, d := range in {
		qid := d.QuestionnaireID
		if qid == "" {
			qid = uuid.NewString()
		}
		for i := 0; i < copies; i++ {
			items = append(items, models.Data{
				ID:                  uuid.NewString(),
				TaskID:              taskID,
				QuestionnaireID:     qid,
				Status:              models.DataPending,
				Prompt:              d.Prompt,
				ConversationID:      d.ConversationID,
				Conversation:        d.Conversation,
				ReferenceEvaluation: d.ReferenceEvaluation,
				Custom:              d.Custom,
				CreatedAt:           now,
				UpdatedAt:           now,
			})
		}
	}
	if err := s.store.InsertData(ctx, items); err != nil {
		return 0, err
	}
	s.log.Info("data imported", "task_id", taskID, "items", len(in), "rows", len(items))
	return len(items), nil
}

// ClearData removes every item of a task that has not been opened yet.
func (s *Service) ClearData(ctx context.Context, taskID string) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != models.TaskCreated {
		return fmt.Errorf("task %s is %s, only created tasks can be cleared: %w", taskID, t.Status, models.ErrPreconditionFailed)
	}
	if err := s.store.DeleteData(ctx, taskID); err != nil {
		return err
	}
	s.log.Info("data cleared", "task_id", taskID)
	return nil
}

var rejectNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("labelflow/reject"))

// RejectUserData throws away everything one worker submitted to a label task and puts
// fresh copies of those items back into the pool. It shares the reconciliation lock.
func (s *Service) RejectUserData(ctx context.Context, taskID, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("user id is required: %w", models.ErrInvalidArgument)
	}
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if t.IsAudit() {
		return 0, fmt.Errorf("only label task submissions can be rejected: %w", models.ErrInvalidArgument)
	}

	if s.locker != nil {
		lease, err := s.locker.TryAcquire(ctx, taskID, s.lockTTL)
		if errors.Is(err, lock.ErrLockBusy) {
			return 0, fmt.Errorf("task %s: %w: %w", taskID, err, models.ErrPreconditionFailed)
		}
		if err != nil {
			return 0, err
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("release reject lock", "task_id", taskID, "err", err)
			}
		}()
	}

	records, err := s.store.ListSubmittedRecords(ctx, taskID, userID)
	if err != nil {
		return 0, err
	}
	recreated := 0
	for _, r := range records {
		if r.Status != models.RecordCompleted {
			continue
		}
		ok, err := s.rejectOne(ctx, t, r)
		if err != nil {
			return recreated, fmt.Errorf("reject record %s: %w", r.ID, err)
		}
		if ok {
			recreated++
		}
	}
	s.log.Info("user data rejected", "task_id", taskID, "user_id", userID, "recreated", recreated)
	return recreated, nil
}

func (s *Service) rejectOne(ctx context.Context, t models.Task, r models.Record) (bool, error) {
	d, err := s.store.GetData(ctx, r.DataID)
	if err != nil {
		return false, err
	}
	discarded := models.DataDiscarded
	if err := s.store.UpdateData(ctx, d.ID, models.DataUpdate{Status: &discarded}); err != nil {
		return false, err
	}
	if err := s.store.DiscardRecords(ctx, store.DiscardQuery{TaskID: t.ID, DataID: d.ID}); err != nil {
		return false, err
	}

	id := uuid.NewSHA1(rejectNamespace, []byte(r.ID)).String()
	if _, err := s.store.GetData(ctx, id); err == nil {
		return false, nil
	} else if !isNotFound(err) {
		return false, err
	}
	now := s.now()
	fresh := models.Data{
		ID:                  id,
		TaskID:              t.ID,
		SourceDataID:        d.ID,
		QuestionnaireID:     d.QuestionnaireID,
		Status:              models.DataPending,
		Prompt:              d.Prompt,
		ConversationID:      d.ConversationID,
		Conversation:        d.Conversation,
		ReferenceEvaluation: d.ReferenceEvaluation,
		Custom:              d.Custom,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.store.InsertData(ctx, []models.Data{fresh}); err != nil {
		return false, err
	}
	return true, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}
