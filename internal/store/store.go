package store

import (
	"context"
	"time"

	"labelflow/internal/models"
)

// Store persists tasks, flows, data, flow progress and claim records as independent
// documents. No method spans more than one document kind atomically.
type Store interface {
	CreateTask(ctx context.Context, t models.Task) error
	GetTask(ctx context.Context, id string) (models.Task, error)
	// SaveTask writes the operator-editable fields of t.
	SaveTask(ctx context.Context, t models.Task) error
	ListTasks(ctx context.Context, status models.TaskStatus) ([]models.Task, error)
	FindAuditTaskByTarget(ctx context.Context, targetTaskID string) (models.Task, error)
	// AdvanceWatermark never moves the intake watermark backwards.
	AdvanceWatermark(ctx context.Context, taskID string, t time.Time) error
	// AppendRecreateDataID adds dataID to the recreation backlog if absent.
	AppendRecreateDataID(ctx context.Context, taskID, dataID string) error
	RemoveRecreateDataIDs(ctx context.Context, taskID string, ids []string) error
	// DeleteTask removes the task and every flow, flow data, record and data row it owns.
	DeleteTask(ctx context.Context, taskID string) error

	ReplaceFlows(ctx context.Context, taskID string, flows []models.Flow) error
	ListFlows(ctx context.Context, taskID string) ([]models.Flow, error)
	GetFlow(ctx context.Context, taskID string, index int) (models.Flow, error)
	SetFlowTeams(ctx context.Context, taskID string, index int, teams []string) error

	InsertData(ctx context.Context, items []models.Data) error
	GetData(ctx context.Context, id string) (models.Data, error)
	UpdateData(ctx context.Context, id string, u models.DataUpdate) error
	// AppendDataEvaluation adds an audit entry. An entry carrying a record id already
	// present on the item is not appended twice.
	AppendDataEvaluation(ctx context.Context, id string, entry map[string]any) error
	// ClaimPendingData picks one random pending item outside the excluded questionnaires
	// and marks it processing in the same operation.
	ClaimPendingData(ctx context.Context, taskID string, excludeQuestionnaireIDs []string) (models.Data, error)
	// ListCompletedData returns completed items with after < update time <= before, oldest first.
	ListCompletedData(ctx context.Context, taskID string, after, before time.Time) ([]models.Data, error)
	FindDataBySource(ctx context.Context, taskID, sourceDataID string) (models.Data, error)
	ListData(ctx context.Context, taskID string) ([]models.Data, error)
	// ListProcessingData returns processing items last updated before the given time.
	ListProcessingData(ctx context.Context, taskID string, before time.Time) ([]models.Data, error)
	DeleteData(ctx context.Context, taskID string) error
	CountData(ctx context.Context, taskID string) (map[models.DataStatus]int, error)

	// InsertFlowData is a no-op when the (task, index, data) row already exists.
	InsertFlowData(ctx context.Context, fd models.FlowData) error
	GetFlowData(ctx context.Context, taskID string, index int, dataID string) (models.FlowData, error)
	// ClaimPendingFlowData picks one random pending, unresolved round row and marks it processing.
	ClaimPendingFlowData(ctx context.Context, taskID string, index int, excludeDataIDs []string) (models.FlowData, error)
	SetFlowDataStatus(ctx context.Context, taskID string, index int, dataID string, status models.FlowDataStatus) error
	// ApplyVerdict decrements the round budgets for one vote and returns the row to pending.
	// Completed rows, rows without audit budget and users who already voted on the row are
	// left untouched (ErrPreconditionFailed).
	ApplyVerdict(ctx context.Context, taskID string, index int, dataID, userID string, pass bool) (models.FlowData, error)
	// CompleteFlowData reports whether this call moved the row to completed.
	CompleteFlowData(ctx context.Context, taskID string, index int, dataID string) (bool, error)
	// ListUnresolvedFlowData returns rows whose budgets are resolved but whose status is not
	// completed, last touched before the given time.
	ListUnresolvedFlowData(ctx context.Context, taskID string, before time.Time) ([]models.FlowData, error)
	// ListProcessingFlowData returns processing round rows last updated before the given time.
	ListProcessingFlowData(ctx context.Context, taskID string, before time.Time) ([]models.FlowData, error)
	ListFlowData(ctx context.Context, taskID string) ([]models.FlowData, error)

	InsertRecord(ctx context.Context, r models.Record) error
	FindOpenRecord(ctx context.Context, q OpenRecordQuery) (models.Record, error)
	ListSubmittedRecords(ctx context.Context, taskID, userID string) ([]models.Record, error)
	// SubmitRecord closes an unsubmitted record; a submitted one yields ErrNotOwner.
	SubmitRecord(ctx context.Context, id string, sub models.Submission) error
	// DeleteOpenRecord removes the record only while unsubmitted.
	DeleteOpenRecord(ctx context.Context, id string) (bool, error)
	DiscardRecords(ctx context.Context, q DiscardQuery) error
	// ListExpiredRecords returns unsubmitted records created before cutoff.
	ListExpiredRecords(ctx context.Context, taskID string, flowIndex int, cutoff time.Time) ([]models.Record, error)
	ListRecords(ctx context.Context, taskID string) ([]models.Record, error)
	// ListItemRecords returns every record on one item in one round, oldest first.
	ListItemRecords(ctx context.Context, taskID string, flowIndex int, dataID string) ([]models.Record, error)
}

// OpenRecordQuery selects an unsubmitted record created after CreatedAfter.
type OpenRecordQuery struct {
	TaskID       string
	UserID       string
	FlowIndex    int
	DataID       string // optional
	CreatedAfter time.Time
}

// DiscardQuery selects records to mark discarded.
type DiscardQuery struct {
	TaskID    string
	DataID    string
	FlowIndex *int     // nil matches every round
	UserIDs   []string // nil matches every creator
	// SubmittedOnly restricts the update to committed records.
	SubmittedOnly bool
}
