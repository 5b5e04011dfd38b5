package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"labelflow/internal/models"
	"labelflow/internal/store"
)

// Worker is the authenticated caller of the claim operations.
type Worker struct {
	ID    string
	Teams []string
}

// Claim is an item leased to a worker.
type Claim struct {
	Data       models.Data
	FlowIndex  int
	ExpiresAt  time.Time
	RemainTime time.Duration
}

// Engine hands out, releases and commits leased work items.
type Engine struct {
	store store.Store
	log   *slog.Logger
	now   func() time.Time
}

func New(st store.Store, logger *slog.Logger) *Engine {
	return NewWithClock(st, logger, time.Now)
}

// NewWithClock creates an engine that reads lease time from now.
func NewWithClock(st store.Store, logger *slog.Logger, now func() time.Time) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{store: st, log: logger, now: now}
}

// round is the claim scope of one request: the label task itself, or one flow of an audit task.
type round struct {
	task  models.Task
	flow  models.Flow
	index int
	lease time.Duration
	teams []string
}

func (r round) kind() string {
	return string(r.task.Kind)
}

func (e *Engine) openRound(ctx context.Context, taskID string, flowIndex int) (round, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return round{}, err
	}
	if task.Status != models.TaskOpen {
		return round{}, fmt.Errorf("task %s is %s: %w", taskID, task.Status, models.ErrPreconditionFailed)
	}
	if !task.IsAudit() {
		return round{
			task:  task,
			index: models.LabelFlowIndex,
			lease: task.Lease(),
			teams: task.Teams,
		}, nil
	}
	flow, err := e.store.GetFlow(ctx, taskID, flowIndex)
	if err != nil {
		return round{}, err
	}
	return round{task: task, flow: flow, index: flow.Index, lease: flow.Lease(), teams: flow.Teams}, nil
}

func (e *Engine) claim(d models.Data, rd round, createdAt, now time.Time) Claim {
	expires := createdAt.Add(rd.lease)
	remain := expires.Sub(now)
	if remain < 0 {
		remain = 0
	}
	return Claim{Data: d, FlowIndex: rd.index, ExpiresAt: expires, RemainTime: remain}
}
