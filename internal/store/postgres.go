package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"labelflow/internal/models"
)

// Postgres keeps one table per entity and stores nested documents as JSONB.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const taskColumns = `id, kind, title, description, creator_id, status, tool_config, distribute_count,
	expire_time, teams, target_task_id, target_data_last_time, is_data_recreate, recreate_data_ids,
	created_at, updated_at`

func scanTask(row rowScanner) (models.Task, error) {
	var t models.Task
	var toolConfig []byte
	var target pgtype.Text
	if err := row.Scan(&t.ID, &t.Kind, &t.Title, &t.Description, &t.CreatorID, &t.Status, &toolConfig,
		&t.DistributeCount, &t.ExpireTime, &t.Teams, &target, &t.TargetDataLastTime, &t.IsDataRecreate,
		&t.RecreateDataIDs, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return models.Task{}, err
	}
	if err := unmarshalJSON(toolConfig, &t.ToolConfig); err != nil {
		return models.Task{}, fmt.Errorf("unmarshal tool config: %w", err)
	}
	t.TargetTaskID = textValue(target)
	return t, nil
}

func (s *Postgres) CreateTask(ctx context.Context, t models.Task) error {
	toolConfig, err := marshalJSON(t.ToolConfig, "{}")
	if err != nil {
		return fmt.Errorf("marshal tool config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, t.ID, t.Kind, t.Title, t.Description, t.CreatorID, t.Status, toolConfig, t.DistributeCount,
		t.ExpireTime, nonNil(t.Teams), emptyToNil(t.TargetTaskID), t.TargetDataLastTime, t.IsDataRecreate,
		nonNil(t.RecreateDataIDs), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Postgres) GetTask(ctx context.Context, id string) (models.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

func (s *Postgres) SaveTask(ctx context.Context, t models.Task) error {
	toolConfig, err := marshalJSON(t.ToolConfig, "{}")
	if err != nil {
		return fmt.Errorf("marshal tool config: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET title = $2, description = $3, status = $4, tool_config = $5, distribute_count = $6,
		    expire_time = $7, teams = $8, target_task_id = $9, is_data_recreate = $10, updated_at = $11
		WHERE id = $1
	`, t.ID, t.Title, t.Description, t.Status, toolConfig, t.DistributeCount, t.ExpireTime,
		nonNil(t.Teams), emptyToNil(t.TargetTaskID), t.IsDataRecreate, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", t.ID, models.ErrNotFound)
	}
	return nil
}

func (s *Postgres) ListTasks(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return collect(rows, scanTask)
}

func (s *Postgres) FindAuditTaskByTarget(ctx context.Context, targetTaskID string) (models.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE kind = $1 AND target_task_id = $2 LIMIT 1
	`, models.KindAudit, targetTaskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("audit task for %s: %w", targetTaskID, models.ErrNotFound)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

func (s *Postgres) AdvanceWatermark(ctx context.Context, taskID string, t time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET target_data_last_time = GREATEST(target_data_last_time, $2) WHERE id = $1
	`, taskID, t)
	return err
}

func (s *Postgres) AppendRecreateDataID(ctx context.Context, taskID, dataID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET recreate_data_ids = array_append(recreate_data_ids, $2::text)
		WHERE id = $1 AND NOT ($2::text = ANY(recreate_data_ids))
	`, taskID, dataID)
	return err
}

func (s *Postgres) RemoveRecreateDataIDs(ctx context.Context, taskID string, ids []string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET recreate_data_ids = ARRAY(SELECT x FROM unnest(recreate_data_ids) AS x WHERE NOT (x = ANY($2::text[])))
		WHERE id = $1
	`, taskID, nonNil(ids))
	return err
}

func (s *Postgres) DeleteTask(ctx context.Context, taskID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	for _, stmt := range []string{
		`DELETE FROM tasks WHERE id = $1`,
		`DELETE FROM flows WHERE task_id = $1`,
		`DELETE FROM flow_data WHERE task_id = $1`,
		`DELETE FROM records WHERE task_id = $1`,
		`DELETE FROM data WHERE task_id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, taskID); err != nil {
			return fmt.Errorf("delete task %s: %w", taskID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const flowColumns = `task_id, idx, sample_ratio, max_audit_count, pass_audit_count, expire_time, teams, is_last, created_at`

func scanFlow(row rowScanner) (models.Flow, error) {
	var f models.Flow
	err := row.Scan(&f.TaskID, &f.Index, &f.SampleRatio, &f.MaxAuditCount, &f.PassAuditCount,
		&f.ExpireTime, &f.Teams, &f.IsLast, &f.CreatedAt)
	return f, err
}

func (s *Postgres) ReplaceFlows(ctx context.Context, taskID string, flows []models.Flow) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `DELETE FROM flows WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("delete flows: %w", err)
	}
	for _, f := range flows {
		if _, err := tx.Exec(ctx, `
			INSERT INTO flows (`+flowColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, taskID, f.Index, f.SampleRatio, f.MaxAuditCount, f.PassAuditCount, f.ExpireTime,
			nonNil(f.Teams), f.IsLast, f.CreatedAt); err != nil {
			return fmt.Errorf("insert flow %d: %w", f.Index, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Postgres) ListFlows(ctx context.Context, taskID string) ([]models.Flow, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+flowColumns+` FROM flows WHERE task_id = $1 ORDER BY idx`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query flows: %w", err)
	}
	return collect(rows, scanFlow)
}

func (s *Postgres) GetFlow(ctx context.Context, taskID string, index int) (models.Flow, error) {
	f, err := scanFlow(s.pool.QueryRow(ctx, `SELECT `+flowColumns+` FROM flows WHERE task_id = $1 AND idx = $2`, taskID, index))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Flow{}, fmt.Errorf("flow %s/%d: %w", taskID, index, models.ErrNotFound)
	}
	if err != nil {
		return models.Flow{}, fmt.Errorf("scan flow: %w", err)
	}
	return f, nil
}

func (s *Postgres) SetFlowTeams(ctx context.Context, taskID string, index int, teams []string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE flows SET teams = $3 WHERE task_id = $1 AND idx = $2`, taskID, index, nonNil(teams))
	if err != nil {
		return fmt.Errorf("update flow teams: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("flow %s/%d: %w", taskID, index, models.ErrNotFound)
	}
	return nil
}

const dataColumns = `id, task_id, source_data_id, questionnaire_id, status, prompt, conversation_id, conversation,
	reference_evaluation, evaluation, custom, created_at, updated_at`

func scanData(row rowScanner) (models.Data, error) {
	var d models.Data
	var source pgtype.Text
	var conversation, reference, evaluation, custom []byte
	if err := row.Scan(&d.ID, &d.TaskID, &source, &d.QuestionnaireID, &d.Status, &d.Prompt, &d.ConversationID,
		&conversation, &reference, &evaluation, &custom, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return models.Data{}, err
	}
	d.SourceDataID = textValue(source)
	if err := unmarshalJSON(conversation, &d.Conversation); err != nil {
		return models.Data{}, fmt.Errorf("unmarshal conversation: %w", err)
	}
	if len(reference) > 0 {
		d.ReferenceEvaluation = &models.Evaluation{}
		if err := json.Unmarshal(reference, d.ReferenceEvaluation); err != nil {
			return models.Data{}, fmt.Errorf("unmarshal reference evaluation: %w", err)
		}
	}
	if err := unmarshalJSON(evaluation, &d.Evaluation); err != nil {
		return models.Data{}, fmt.Errorf("unmarshal evaluation: %w", err)
	}
	if err := unmarshalJSON(custom, &d.Custom); err != nil {
		return models.Data{}, fmt.Errorf("unmarshal custom: %w", err)
	}
	return d, nil
}

func (s *Postgres) InsertData(ctx context.Context, items []models.Data) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range items {
		conversation, err := marshalJSON(d.Conversation, "[]")
		if err != nil {
			return fmt.Errorf("marshal conversation: %w", err)
		}
		var reference []byte
		if d.ReferenceEvaluation != nil {
			if reference, err = json.Marshal(d.ReferenceEvaluation); err != nil {
				return fmt.Errorf("marshal reference evaluation: %w", err)
			}
		}
		evaluation, err := json.Marshal(d.Evaluation)
		if err != nil {
			return fmt.Errorf("marshal evaluation: %w", err)
		}
		custom, err := marshalJSON(d.Custom, "{}")
		if err != nil {
			return fmt.Errorf("marshal custom: %w", err)
		}
		batch.Queue(`
			INSERT INTO data (`+dataColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, d.ID, d.TaskID, emptyToNil(d.SourceDataID), d.QuestionnaireID, d.Status, d.Prompt, d.ConversationID,
			conversation, reference, evaluation, custom, d.CreatedAt, d.UpdatedAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert data: %w", err)
	}
	return nil
}

func (s *Postgres) GetData(ctx context.Context, id string) (models.Data, error) {
	d, err := scanData(s.pool.QueryRow(ctx, `SELECT `+dataColumns+` FROM data WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Data{}, fmt.Errorf("data %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Data{}, fmt.Errorf("scan data: %w", err)
	}
	return d, nil
}

func (s *Postgres) UpdateData(ctx context.Context, id string, u models.DataUpdate) error {
	sets := []string{"updated_at = $2"}
	args := []any{id, time.Now().UTC()}
	if u.Status != nil {
		args = append(args, *u.Status)
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if u.Evaluation != nil {
		evaluation, err := json.Marshal(u.Evaluation)
		if err != nil {
			return fmt.Errorf("marshal evaluation: %w", err)
		}
		args = append(args, evaluation)
		sets = append(sets, fmt.Sprintf("evaluation = $%d", len(args)))
	}
	tag, err := s.pool.Exec(ctx, `UPDATE data SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update data: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("data %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *Postgres) AppendDataEvaluation(ctx context.Context, id string, entry map[string]any) error {
	if entry == nil {
		entry = map[string]any{}
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal evaluation entry: %w", err)
	}
	recordID, _ := entry[models.EntryRecordKey].(string)
	tag, err := s.pool.Exec(ctx, `
		UPDATE data
		SET evaluation = CASE
		        WHEN $4::text <> '' AND COALESCE(evaluation->'data_evaluation', '[]'::jsonb)
		             @> jsonb_build_array(jsonb_build_object('`+models.EntryRecordKey+`', $4::text))
		        THEN evaluation
		        ELSE jsonb_set(evaluation, '{data_evaluation}',
		             COALESCE(evaluation->'data_evaluation', '[]'::jsonb) || jsonb_build_array($2::jsonb))
		    END,
		    updated_at = $3
		WHERE id = $1
	`, id, raw, time.Now().UTC(), recordID)
	if err != nil {
		return fmt.Errorf("append evaluation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("data %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *Postgres) ClaimPendingData(ctx context.Context, taskID string, excludeQuestionnaireIDs []string) (models.Data, error) {
	d, err := scanData(s.pool.QueryRow(ctx, `
		UPDATE data SET status = $3, updated_at = $4
		WHERE id = (
			SELECT id FROM data
			WHERE task_id = $1 AND status = $5 AND NOT (questionnaire_id = ANY($2::text[]))
			ORDER BY random()
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND status = $5
		RETURNING `+dataColumns,
		taskID, nonNil(excludeQuestionnaireIDs), models.DataProcessing, time.Now().UTC(), models.DataPending))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Data{}, fmt.Errorf("task %s: %w", taskID, models.ErrExhausted)
	}
	if err != nil {
		return models.Data{}, fmt.Errorf("claim data: %w", err)
	}
	return d, nil
}

func (s *Postgres) ListCompletedData(ctx context.Context, taskID string, after, before time.Time) ([]models.Data, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+dataColumns+` FROM data
		WHERE task_id = $1 AND status = $2 AND updated_at > $3 AND updated_at <= $4
		ORDER BY updated_at
	`, taskID, models.DataCompleted, after, before)
	if err != nil {
		return nil, fmt.Errorf("query completed data: %w", err)
	}
	return collect(rows, scanData)
}

func (s *Postgres) FindDataBySource(ctx context.Context, taskID, sourceDataID string) (models.Data, error) {
	d, err := scanData(s.pool.QueryRow(ctx, `
		SELECT `+dataColumns+` FROM data WHERE task_id = $1 AND source_data_id = $2 LIMIT 1
	`, taskID, sourceDataID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Data{}, fmt.Errorf("data from %s: %w", sourceDataID, models.ErrNotFound)
	}
	if err != nil {
		return models.Data{}, fmt.Errorf("scan data: %w", err)
	}
	return d, nil
}

func (s *Postgres) ListData(ctx context.Context, taskID string) ([]models.Data, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+dataColumns+` FROM data WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query data: %w", err)
	}
	return collect(rows, scanData)
}

func (s *Postgres) ListProcessingData(ctx context.Context, taskID string, before time.Time) ([]models.Data, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+dataColumns+` FROM data
		WHERE task_id = $1 AND status = $2 AND updated_at < $3
		ORDER BY updated_at
	`, taskID, models.DataProcessing, before)
	if err != nil {
		return nil, fmt.Errorf("query processing data: %w", err)
	}
	return collect(rows, scanData)
}

func (s *Postgres) DeleteData(ctx context.Context, taskID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM data WHERE task_id = $1`, taskID)
	return err
}

func (s *Postgres) CountData(ctx context.Context, taskID string) (map[models.DataStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM data WHERE task_id = $1 GROUP BY status`, taskID)
	if err != nil {
		return nil, fmt.Errorf("count data: %w", err)
	}
	defer rows.Close()
	out := map[models.DataStatus]int{}
	for rows.Next() {
		var status models.DataStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

const flowDataColumns = `task_id, idx, data_id, remain_audit_count, remain_pass_count, pass_audit_user_ids,
	reject_audit_user_ids, status, updated_at`

func scanFlowData(row rowScanner) (models.FlowData, error) {
	var fd models.FlowData
	err := row.Scan(&fd.TaskID, &fd.Index, &fd.DataID, &fd.RemainAuditCount, &fd.RemainPassCount,
		&fd.PassAuditUserIDs, &fd.RejectAuditUserIDs, &fd.Status, &fd.UpdatedAt)
	return fd, err
}

func (s *Postgres) InsertFlowData(ctx context.Context, fd models.FlowData) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO flow_data (`+flowDataColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (task_id, idx, data_id) DO NOTHING
	`, fd.TaskID, fd.Index, fd.DataID, fd.RemainAuditCount, fd.RemainPassCount, nonNil(fd.PassAuditUserIDs),
		nonNil(fd.RejectAuditUserIDs), fd.Status, fd.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert flow data: %w", err)
	}
	return nil
}

func (s *Postgres) GetFlowData(ctx context.Context, taskID string, index int, dataID string) (models.FlowData, error) {
	fd, err := scanFlowData(s.pool.QueryRow(ctx, `
		SELECT `+flowDataColumns+` FROM flow_data WHERE task_id = $1 AND idx = $2 AND data_id = $3
	`, taskID, index, dataID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.FlowData{}, fmt.Errorf("flow data %s/%d/%s: %w", taskID, index, dataID, models.ErrNotFound)
	}
	if err != nil {
		return models.FlowData{}, fmt.Errorf("scan flow data: %w", err)
	}
	return fd, nil
}

func (s *Postgres) ClaimPendingFlowData(ctx context.Context, taskID string, index int, excludeDataIDs []string) (models.FlowData, error) {
	fd, err := scanFlowData(s.pool.QueryRow(ctx, `
		UPDATE flow_data SET status = $4, updated_at = $5
		WHERE (task_id, idx, data_id) = (
			SELECT task_id, idx, data_id FROM flow_data
			WHERE task_id = $1 AND idx = $2 AND status = $6 AND NOT (data_id = ANY($3::text[]))
			  AND remain_pass_count > 0 AND remain_audit_count >= remain_pass_count
			ORDER BY random()
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND status = $6
		RETURNING `+flowDataColumns,
		taskID, index, nonNil(excludeDataIDs), models.FlowDataProcessing, time.Now().UTC(), models.FlowDataPending))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.FlowData{}, fmt.Errorf("task %s flow %d: %w", taskID, index, models.ErrExhausted)
	}
	if err != nil {
		return models.FlowData{}, fmt.Errorf("claim flow data: %w", err)
	}
	return fd, nil
}

func (s *Postgres) SetFlowDataStatus(ctx context.Context, taskID string, index int, dataID string, status models.FlowDataStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE flow_data SET status = $4, updated_at = $5
		WHERE task_id = $1 AND idx = $2 AND data_id = $3 AND status <> $6
	`, taskID, index, dataID, status, time.Now().UTC(), models.FlowDataCompleted)
	if err != nil {
		return fmt.Errorf("update flow data status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetFlowData(ctx, taskID, index, dataID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Postgres) ApplyVerdict(ctx context.Context, taskID string, index int, dataID, userID string, pass bool) (models.FlowData, error) {
	fd, err := scanFlowData(s.pool.QueryRow(ctx, `
		UPDATE flow_data
		SET remain_audit_count = remain_audit_count - 1,
		    remain_pass_count = remain_pass_count - CASE WHEN $5::boolean THEN 1 ELSE 0 END,
		    pass_audit_user_ids = CASE WHEN $5::boolean THEN array_append(pass_audit_user_ids, $4::text) ELSE pass_audit_user_ids END,
		    reject_audit_user_ids = CASE WHEN $5::boolean THEN reject_audit_user_ids ELSE array_append(reject_audit_user_ids, $4::text) END,
		    status = $6,
		    updated_at = $7
		WHERE task_id = $1 AND idx = $2 AND data_id = $3 AND status <> $8 AND remain_audit_count > 0
		  AND NOT ($4::text = ANY(pass_audit_user_ids) OR $4::text = ANY(reject_audit_user_ids))
		RETURNING `+flowDataColumns,
		taskID, index, dataID, userID, pass, models.FlowDataPending, time.Now().UTC(), models.FlowDataCompleted))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := s.GetFlowData(ctx, taskID, index, dataID); err != nil {
			return models.FlowData{}, err
		}
		return models.FlowData{}, fmt.Errorf("flow data %s/%d/%s resolved or already voted by %s: %w", taskID, index, dataID, userID, models.ErrPreconditionFailed)
	}
	if err != nil {
		return models.FlowData{}, fmt.Errorf("apply verdict: %w", err)
	}
	return fd, nil
}

func (s *Postgres) CompleteFlowData(ctx context.Context, taskID string, index int, dataID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE flow_data SET status = $4, updated_at = $5
		WHERE task_id = $1 AND idx = $2 AND data_id = $3 AND status <> $4
	`, taskID, index, dataID, models.FlowDataCompleted, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("complete flow data: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) ListUnresolvedFlowData(ctx context.Context, taskID string, before time.Time) ([]models.FlowData, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+flowDataColumns+` FROM flow_data
		WHERE task_id = $1 AND status <> $2 AND updated_at < $3
		  AND (remain_pass_count <= 0 OR remain_audit_count <= 0 OR remain_audit_count < remain_pass_count)
		ORDER BY idx, updated_at
	`, taskID, models.FlowDataCompleted, before)
	if err != nil {
		return nil, fmt.Errorf("query unresolved flow data: %w", err)
	}
	return collect(rows, scanFlowData)
}

func (s *Postgres) ListProcessingFlowData(ctx context.Context, taskID string, before time.Time) ([]models.FlowData, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+flowDataColumns+` FROM flow_data
		WHERE task_id = $1 AND status = $2 AND updated_at < $3
		ORDER BY idx, updated_at
	`, taskID, models.FlowDataProcessing, before)
	if err != nil {
		return nil, fmt.Errorf("query processing flow data: %w", err)
	}
	return collect(rows, scanFlowData)
}

func (s *Postgres) ListFlowData(ctx context.Context, taskID string) ([]models.FlowData, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+flowDataColumns+` FROM flow_data WHERE task_id = $1 ORDER BY idx, data_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query flow data: %w", err)
	}
	return collect(rows, scanFlowData)
}

const recordColumns = `id, task_id, data_id, flow_index, questionnaire_id, creator_id, created_at, submitted_at, evaluation,
	is_pass, status`

func scanRecord(row rowScanner) (models.Record, error) {
	var r models.Record
	var evaluation []byte
	if err := row.Scan(&r.ID, &r.TaskID, &r.DataID, &r.FlowIndex, &r.QuestionnaireID, &r.CreatorID,
		&r.CreatedAt, &r.SubmittedAt, &evaluation, &r.Pass, &r.Status); err != nil {
		return models.Record{}, err
	}
	if len(evaluation) > 0 {
		r.Evaluation = &models.Evaluation{}
		if err := json.Unmarshal(evaluation, r.Evaluation); err != nil {
			return models.Record{}, fmt.Errorf("unmarshal record evaluation: %w", err)
		}
	}
	return r, nil
}

func (s *Postgres) InsertRecord(ctx context.Context, r models.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, NULL, NULL, $8)
	`, r.ID, r.TaskID, r.DataID, r.FlowIndex, r.QuestionnaireID, r.CreatorID, r.CreatedAt, r.Status)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == openClaimIndex {
		return fmt.Errorf("user %s already holds a claim in %s/%d: %w", r.CreatorID, r.TaskID, r.FlowIndex, models.ErrPreconditionFailed)
	}
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (s *Postgres) FindOpenRecord(ctx context.Context, q OpenRecordQuery) (models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records
		WHERE task_id = $1 AND creator_id = $2 AND flow_index = $3 AND submitted_at IS NULL AND created_at > $4`
	args := []any{q.TaskID, q.UserID, q.FlowIndex, q.CreatedAfter}
	if q.DataID != "" {
		args = append(args, q.DataID)
		query += fmt.Sprintf(" AND data_id = $%d", len(args))
	}
	r, err := scanRecord(s.pool.QueryRow(ctx, query+` ORDER BY created_at DESC LIMIT 1`, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Record{}, fmt.Errorf("open record for %s: %w", q.UserID, models.ErrNotFound)
	}
	if err != nil {
		return models.Record{}, fmt.Errorf("scan record: %w", err)
	}
	return r, nil
}

func (s *Postgres) ListSubmittedRecords(ctx context.Context, taskID, userID string) ([]models.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE task_id = $1 AND creator_id = $2 AND submitted_at IS NOT NULL
	`, taskID, userID)
	if err != nil {
		return nil, fmt.Errorf("query submitted records: %w", err)
	}
	return collect(rows, scanRecord)
}

func (s *Postgres) SubmitRecord(ctx context.Context, id string, sub models.Submission) error {
	evaluation, err := json.Marshal(sub.Evaluation)
	if err != nil {
		return fmt.Errorf("marshal evaluation: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE records SET submitted_at = $2, evaluation = $3, is_pass = $4, status = $5
		WHERE id = $1 AND submitted_at IS NULL
	`, id, sub.At, evaluation, sub.Pass, models.RecordCompleted)
	if err != nil {
		return fmt.Errorf("submit record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %s not open: %w", id, models.ErrNotOwner)
	}
	return nil
}

func (s *Postgres) DeleteOpenRecord(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM records WHERE id = $1 AND submitted_at IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) DiscardRecords(ctx context.Context, q DiscardQuery) error {
	conds := []string{"task_id = $2", "data_id = $3"}
	args := []any{models.RecordDiscarded, q.TaskID, q.DataID}
	if q.FlowIndex != nil {
		args = append(args, *q.FlowIndex)
		conds = append(conds, fmt.Sprintf("flow_index = $%d", len(args)))
	}
	if q.UserIDs != nil {
		args = append(args, q.UserIDs)
		conds = append(conds, fmt.Sprintf("creator_id = ANY($%d::text[])", len(args)))
	}
	if q.SubmittedOnly {
		conds = append(conds, "submitted_at IS NOT NULL")
	}
	_, err := s.pool.Exec(ctx, `UPDATE records SET status = $1 WHERE `+strings.Join(conds, " AND "), args...)
	if err != nil {
		return fmt.Errorf("discard records: %w", err)
	}
	return nil
}

func (s *Postgres) ListExpiredRecords(ctx context.Context, taskID string, flowIndex int, cutoff time.Time) ([]models.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE task_id = $1 AND flow_index = $2 AND submitted_at IS NULL AND created_at < $3
		ORDER BY created_at
	`, taskID, flowIndex, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query expired records: %w", err)
	}
	return collect(rows, scanRecord)
}

func (s *Postgres) ListRecords(ctx context.Context, taskID string) ([]models.Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+` FROM records WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	return collect(rows, scanRecord)
}

func (s *Postgres) ListItemRecords(ctx context.Context, taskID string, flowIndex int, dataID string) ([]models.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE task_id = $1 AND flow_index = $2 AND data_id = $3
		ORDER BY created_at, id
	`, taskID, flowIndex, dataID)
	if err != nil {
		return nil, fmt.Errorf("query item records: %w", err)
	}
	return collect(rows, scanRecord)
}

const (
	uniqueViolation = "23505"
	openClaimIndex  = "records_one_open_claim"
)

func collect[T any](rows pgx.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalJSON(v any, empty string) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return []byte(empty), nil
	}
	return raw, nil
}

func unmarshalJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func textValue(t pgtype.Text) string {
	if t.Valid {
		return t.String
	}
	return ""
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// nonNil keeps pgx from encoding a nil slice as NULL.
func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
