package models

import (
	"time"
)

// TaskKind distinguishes first-stage labeling from multi-round auditing.
type TaskKind string

const (
	KindLabel TaskKind = "label"
	KindAudit TaskKind = "audit"
)

// TaskStatus only ever moves forward: created -> open -> done.
type TaskStatus string

const (
	TaskCreated TaskStatus = "created"
	TaskOpen    TaskStatus = "open"
	TaskDone    TaskStatus = "done"
)

// Task is a configured unit of work distribution.
type Task struct {
	ID          string         `json:"id"`
	Kind        TaskKind       `json:"kind"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	CreatorID   string         `json:"creator_id"`
	Status      TaskStatus     `json:"status"`
	ToolConfig  map[string]any `json:"tool_config"`

	// Label tasks.
	DistributeCount int      `json:"distribute_count,omitempty"`
	ExpireTime      int      `json:"expire_time,omitempty"`
	Teams           []string `json:"teams,omitempty"`

	// Audit tasks.
	TargetTaskID string `json:"target_task_id,omitempty"`
	// TargetDataLastTime is the upstream intake watermark.
	TargetDataLastTime time.Time `json:"target_data_last_time"`
	IsDataRecreate     bool      `json:"is_data_recreate"`
	RecreateDataIDs    []string  `json:"recreate_data_ids"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsAudit reports whether the task audits an upstream label task.
func (t Task) IsAudit() bool {
	return t.Kind == KindAudit
}

// Lease returns the claim lease of a label task.
func (t Task) Lease() time.Duration {
	return time.Duration(t.ExpireTime) * time.Second
}

// Flow is one audit round of an audit task.
type Flow struct {
	TaskID         string    `json:"task_id"`
	Index          int       `json:"index"`
	SampleRatio    int       `json:"sample_ratio"`
	MaxAuditCount  int       `json:"max_audit_count"`
	PassAuditCount int       `json:"pass_audit_count"`
	ExpireTime     int       `json:"expire_time"`
	Teams          []string  `json:"teams"`
	IsLast         bool      `json:"is_last"`
	CreatedAt      time.Time `json:"created_at"`
}

// Lease returns the claim lease of this round.
func (f Flow) Lease() time.Duration {
	return time.Duration(f.ExpireTime) * time.Second
}

// NewFlowData returns the round row for dataID with this flow's fresh budgets.
func (f Flow) NewFlowData(dataID string, now time.Time) FlowData {
	return FlowData{
		TaskID:             f.TaskID,
		Index:              f.Index,
		DataID:             dataID,
		RemainAuditCount:   f.MaxAuditCount,
		RemainPassCount:    f.PassAuditCount,
		PassAuditUserIDs:   []string{},
		RejectAuditUserIDs: []string{},
		Status:             FlowDataPending,
		UpdatedAt:          now,
	}
}

// SharesTeam reports whether any of teams is allowed by allowed.
// An empty allowed list admits everyone.
func SharesTeam(allowed, teams []string) bool {
	if len(allowed) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(allowed))
	for _, t := range allowed {
		set[t] = struct{}{}
	}
	for _, t := range teams {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}
