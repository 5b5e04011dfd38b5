package models

import (
	"time"
)

// RecordStatus is the standing of one claim attempt.
type RecordStatus string

const (
	RecordProcessing RecordStatus = "processing"
	RecordCompleted  RecordStatus = "completed"
	RecordDiscarded  RecordStatus = "discarded"
)

// LabelFlowIndex is the flow index recorded for label-task claims.
const LabelFlowIndex = 0

// Record is one claim by one worker on one item; an unsubmitted record is the lease.
type Record struct {
	ID              string       `json:"id"`
	TaskID          string       `json:"task_id"`
	DataID          string       `json:"data_id"`
	FlowIndex       int          `json:"flow_index"`
	QuestionnaireID string       `json:"questionnaire_id"`
	CreatorID       string       `json:"creator_id"`
	CreatedAt       time.Time    `json:"created_at"`
	SubmittedAt     *time.Time   `json:"submitted_at,omitempty"`
	Evaluation      *Evaluation  `json:"evaluation,omitempty"`
	Pass            *bool        `json:"is_pass,omitempty"`
	Status          RecordStatus `json:"status"`
}

// Submitted reports whether the record has been committed.
func (r Record) Submitted() bool {
	return r.SubmittedAt != nil
}

// Submission is what a commit writes onto a record. Pass is nil for label claims.
type Submission struct {
	At         time.Time
	Evaluation Evaluation
	Pass       *bool
}

// ExpiresAt returns when the lease held by r runs out.
func (r Record) ExpiresAt(lease time.Duration) time.Time {
	return r.CreatedAt.Add(lease)
}
