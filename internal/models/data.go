package models

import (
	"time"
)

// DataStatus is the lifecycle of a work item.
type DataStatus string

const (
	DataPending    DataStatus = "pending"
	DataProcessing DataStatus = "processing"
	DataCompleted  DataStatus = "completed"
	DataDiscarded  DataStatus = "discarded"
)

// FlowDataStatus is the lifecycle of a work item inside one audit round.
type FlowDataStatus string

const (
	FlowDataPending    FlowDataStatus = "pending"
	FlowDataProcessing FlowDataStatus = "processing"
	FlowDataCompleted  FlowDataStatus = "completed"
)

// Message is one turn of the conversation being judged.
type Message struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Content string         `json:"content"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// QuestionnaireEvaluation judges the whole questionnaire.
type QuestionnaireEvaluation struct {
	IsInvalid bool `json:"is_invalid_questionnaire"`
}

// Evaluation accumulates every judgment recorded against a work item.
type Evaluation struct {
	MessageEvaluation       map[string]any           `json:"message_evaluation,omitempty"`
	ConversationEvaluation  map[string]any           `json:"conversation_evaluation,omitempty"`
	QuestionnaireEvaluation *QuestionnaireEvaluation `json:"questionnaire_evaluation,omitempty"`
	DataEvaluation          []map[string]any         `json:"data_evaluation,omitempty"`
}

// Judgment is one worker's submitted verdict.
type Judgment struct {
	MessageEvaluation       map[string]any           `json:"message_evaluation,omitempty"`
	ConversationEvaluation  map[string]any           `json:"conversation_evaluation,omitempty"`
	QuestionnaireEvaluation *QuestionnaireEvaluation `json:"questionnaire_evaluation,omitempty"`
	DataEvaluation          map[string]any           `json:"data_evaluation,omitempty"`
	// Pass is the audit verdict; ignored for label tasks.
	Pass bool `json:"is_pass"`
}

// LabelEvaluation returns the judgment as a label-stage evaluation.
func (j Judgment) LabelEvaluation() Evaluation {
	return Evaluation{
		MessageEvaluation:       j.MessageEvaluation,
		ConversationEvaluation:  j.ConversationEvaluation,
		QuestionnaireEvaluation: j.QuestionnaireEvaluation,
	}
}

// AuditEvaluation returns the judgment as a single audit entry.
func (j Judgment) AuditEvaluation() Evaluation {
	if j.DataEvaluation == nil {
		return Evaluation{DataEvaluation: []map[string]any{{}}}
	}
	return Evaluation{DataEvaluation: []map[string]any{j.DataEvaluation}}
}

// EntryRecordKey tags an audit entry with the record that produced it.
const EntryRecordKey = "record_id"

// AuditEntry returns the judgment's audit entry tagged with recordID.
func (j Judgment) AuditEntry(recordID string) map[string]any {
	return TagEntry(j.AuditEvaluation().DataEvaluation[0], recordID)
}

// TagEntry copies entry and stamps it with recordID.
func TagEntry(entry map[string]any, recordID string) map[string]any {
	out := make(map[string]any, len(entry)+1)
	for k, v := range entry {
		out[k] = v
	}
	out[EntryRecordKey] = recordID
	return out
}

// HasEntry reports whether an audit entry from recordID was already appended.
func (e Evaluation) HasEntry(recordID string) bool {
	for _, entry := range e.DataEvaluation {
		if id, ok := entry[EntryRecordKey].(string); ok && id == recordID {
			return true
		}
	}
	return false
}

// LabelJudgment returns the label fields of e as a judgment.
func (e Evaluation) LabelJudgment() Judgment {
	return Judgment{
		MessageEvaluation:       e.MessageEvaluation,
		ConversationEvaluation:  e.ConversationEvaluation,
		QuestionnaireEvaluation: e.QuestionnaireEvaluation,
	}
}

// WithLabel overwrites the label fields with j.
func (e Evaluation) WithLabel(j Judgment) Evaluation {
	e.MessageEvaluation = j.MessageEvaluation
	e.ConversationEvaluation = j.ConversationEvaluation
	e.QuestionnaireEvaluation = j.QuestionnaireEvaluation
	return e
}

// Data is a unit of work belonging to one task.
type Data struct {
	ID                  string         `json:"id"`
	TaskID              string         `json:"task_id"`
	SourceDataID        string         `json:"source_data_id,omitempty"`
	QuestionnaireID     string         `json:"questionnaire_id"`
	Status              DataStatus     `json:"status"`
	Prompt              string         `json:"prompt"`
	ConversationID      string         `json:"conversation_id"`
	Conversation        []Message      `json:"conversation"`
	ReferenceEvaluation *Evaluation    `json:"reference_evaluation,omitempty"`
	Evaluation          Evaluation     `json:"evaluation"`
	Custom              map[string]any `json:"custom,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// DataUpdate holds the optional fields written by UpdateData; update time is always bumped.
type DataUpdate struct {
	Status     *DataStatus
	Evaluation *Evaluation
}

// FlowData tracks the remaining budgets of one item in one audit round.
type FlowData struct {
	TaskID             string         `json:"task_id"`
	Index              int            `json:"index"`
	DataID             string         `json:"data_id"`
	RemainAuditCount   int            `json:"remain_audit_count"`
	RemainPassCount    int            `json:"remain_pass_count"`
	PassAuditUserIDs   []string       `json:"pass_audit_user_ids"`
	RejectAuditUserIDs []string       `json:"reject_audit_user_ids"`
	Status             FlowDataStatus `json:"status"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Resolution is the outcome of a round after a verdict.
type Resolution int

const (
	// Indeterminate rounds still accept audits.
	Indeterminate Resolution = iota
	Accepted
	Exhausted
)

func (r Resolution) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Exhausted:
		return "exhausted"
	default:
		return "indeterminate"
	}
}

// Resolve derives the round outcome from the remaining budgets.
func (fd FlowData) Resolve() Resolution {
	if fd.RemainPassCount <= 0 {
		return Accepted
	}
	if fd.RemainAuditCount <= 0 || fd.RemainAuditCount < fd.RemainPassCount {
		return Exhausted
	}
	return Indeterminate
}
