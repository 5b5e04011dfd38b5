// Package admin implements the operator side of the task lifecycle.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"labelflow/internal/archive"
	"labelflow/internal/lock"
	"labelflow/internal/models"
	"labelflow/internal/store"
)

// Locker grants non-blocking per-task leases shared with the reconciliation job.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (*lock.Lease, error)
}

// Service creates, edits, fills and removes tasks.
type Service struct {
	store    store.Store
	archiver *archive.Archiver
	locker   Locker
	lockTTL  time.Duration
	log      *slog.Logger
	now      func() time.Time
}

func NewService(st store.Store, archiver *archive.Archiver, locker Locker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		archiver: archiver,
		locker:   locker,
		lockTTL:  2 * time.Minute,
		log:      logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// LabelTaskInput describes a new label task.
type LabelTaskInput struct {
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	CreatorID       string         `json:"-"`
	ToolConfig      map[string]any `json:"tool_config"`
	DistributeCount int            `json:"distribute_count"`
	ExpireTime      int            `json:"expire_time"`
	Teams           []string       `json:"teams"`
}

// AuditTaskInput describes a new audit task. Target and flows may be set later.
type AuditTaskInput struct {
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	CreatorID      string         `json:"-"`
	ToolConfig     map[string]any `json:"tool_config"`
	TargetTaskID   string         `json:"target_task_id"`
	IsDataRecreate bool           `json:"is_data_recreate"`
	Flows          []FlowInput    `json:"flows"`
}

// FlowInput is one audit round as configured by an operator.
type FlowInput struct {
	// SampleRatio defaults to 100 when unset.
	SampleRatio    *int     `json:"sample_ratio"`
	MaxAuditCount  int      `json:"max_audit_count"`
	PassAuditCount int      `json:"pass_audit_count"`
	ExpireTime     int      `json:"expire_time"`
	Teams          []string `json:"teams"`
}

// TaskDetail is a task with its flows.
type TaskDetail struct {
	models.Task
	Flows []models.Flow `json:"flows,omitempty"`
}

// Progress counts a task's items by status, and for audit tasks its round rows.
type Progress struct {
	TaskID string                                `json:"task_id"`
	Total  int                                   `json:"total"`
	Data   map[models.DataStatus]int             `json:"data"`
	Flows  map[int]map[models.FlowDataStatus]int `json:"flows,omitempty"`
}

func (s *Service) CreateLabelTask(ctx context.Context, in LabelTaskInput) (models.Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return models.Task{}, fmt.Errorf("title is required: %w", models.ErrInvalidArgument)
	}
	if in.DistributeCount == 0 {
		in.DistributeCount = 1
	}
	if in.DistributeCount < 1 {
		return models.Task{}, fmt.Errorf("distribute_count must be positive: %w", models.ErrInvalidArgument)
	}
	if in.ExpireTime <= 0 {
		return models.Task{}, fmt.Errorf("expire_time must be positive: %w", models.ErrInvalidArgument)
	}
	now := s.now()
	t := models.Task{
		ID:              uuid.NewString(),
		Kind:            models.KindLabel,
		Title:           in.Title,
		Description:     in.Description,
		CreatorID:       in.CreatorID,
		Status:          models.TaskCreated,
		ToolConfig:      in.ToolConfig,
		DistributeCount: in.DistributeCount,
		ExpireTime:      in.ExpireTime,
		Teams:           in.Teams,
		RecreateDataIDs: []string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return models.Task{}, err
	}
	s.log.Info("label task created", "task_id", t.ID, "user_id", in.CreatorID)
	return t, nil
}

func (s *Service) CreateAuditTask(ctx context.Context, in AuditTaskInput) (TaskDetail, error) {
	if strings.TrimSpace(in.Title) == "" {
		return TaskDetail{}, fmt.Errorf("title is required: %w", models.ErrInvalidArgument)
	}
	now := s.now()
	t := models.Task{
		ID:              uuid.NewString(),
		Kind:            models.KindAudit,
		Title:           in.Title,
		Description:     in.Description,
		CreatorID:       in.CreatorID,
		Status:          models.TaskCreated,
		ToolConfig:      in.ToolConfig,
		IsDataRecreate:  in.IsDataRecreate,
		RecreateDataIDs: []string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if in.TargetTaskID != "" {
		if err := s.checkTarget(ctx, t.ID, in.TargetTaskID); err != nil {
			return TaskDetail{}, err
		}
		t.TargetTaskID = in.TargetTaskID
	}
	var flows []models.Flow
	if in.Flows != nil {
		var err error
		if flows, err = buildFlows(t.ID, in.Flows, now); err != nil {
			return TaskDetail{}, err
		}
	}

	if err := s.store.CreateTask(ctx, t); err != nil {
		return TaskDetail{}, err
	}
	if flows != nil {
		if err := s.store.ReplaceFlows(ctx, t.ID, flows); err != nil {
			return TaskDetail{}, err
		}
	}
	s.log.Info("audit task created", "task_id", t.ID, "user_id", in.CreatorID, "target_task_id", t.TargetTaskID)
	return TaskDetail{Task: t, Flows: flows}, nil
}

func (s *Service) GetTask(ctx context.Context, taskID string) (TaskDetail, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return TaskDetail{}, err
	}
	detail := TaskDetail{Task: t}
	if t.IsAudit() {
		if detail.Flows, err = s.store.ListFlows(ctx, taskID); err != nil {
			return TaskDetail{}, err
		}
	}
	return detail, nil
}

func (s *Service) Progress(ctx context.Context, taskID string) (Progress, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return Progress{}, err
	}
	counts, err := s.store.CountData(ctx, taskID)
	if err != nil {
		return Progress{}, err
	}
	p := Progress{TaskID: taskID, Data: counts}
	for _, n := range counts {
		p.Total += n
	}
	if t.IsAudit() {
		rows, err := s.store.ListFlowData(ctx, taskID)
		if err != nil {
			return Progress{}, err
		}
		p.Flows = map[int]map[models.FlowDataStatus]int{}
		for _, fd := range rows {
			if p.Flows[fd.Index] == nil {
				p.Flows[fd.Index] = map[models.FlowDataStatus]int{}
			}
			p.Flows[fd.Index][fd.Status]++
		}
	}
	return p, nil
}

// checkTarget requires an existing label task that no other audit task audits.
func (s *Service) checkTarget(ctx context.Context, auditTaskID, targetTaskID string) error {
	target, err := s.store.GetTask(ctx, targetTaskID)
	if err != nil {
		return fmt.Errorf("target task: %w", err)
	}
	if target.IsAudit() {
		return fmt.Errorf("target %s is not a label task: %w", targetTaskID, models.ErrInvalidArgument)
	}
	other, err := s.store.FindAuditTaskByTarget(ctx, targetTaskID)
	if err == nil && other.ID != auditTaskID {
		return fmt.Errorf("task %s already audited by %s: %w", targetTaskID, other.ID, models.ErrPreconditionFailed)
	}
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// buildFlows validates flow inputs and numbers them 1..n; the last one is terminal.
func buildFlows(taskID string, in []FlowInput, now time.Time) ([]models.Flow, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("at least one flow is required: %w", models.ErrInvalidArgument)
	}
	flows := make([]models.Flow, 0, len(in))
	for i, f := range in {
		ratio := 100
		if f.SampleRatio != nil {
			ratio = *f.SampleRatio
		}
		switch {
		case ratio < 0 || ratio > 100:
			return nil, fmt.Errorf("flow %d: sample_ratio must be within 0..100: %w", i+1, models.ErrInvalidArgument)
		case f.PassAuditCount < 1 || f.PassAuditCount > f.MaxAuditCount:
			return nil, fmt.Errorf("flow %d: need 1 <= pass_audit_count <= max_audit_count: %w", i+1, models.ErrInvalidArgument)
		case f.ExpireTime <= 0:
			return nil, fmt.Errorf("flow %d: expire_time must be positive: %w", i+1, models.ErrInvalidArgument)
		}
		flows = append(flows, models.Flow{
			TaskID:         taskID,
			Index:          i + 1,
			SampleRatio:    ratio,
			MaxAuditCount:  f.MaxAuditCount,
			PassAuditCount: f.PassAuditCount,
			ExpireTime:     f.ExpireTime,
			Teams:          f.Teams,
			IsLast:         i == len(in)-1,
			CreatedAt:      now,
		})
	}
	return flows, nil
}
