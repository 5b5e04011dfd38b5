package store

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"labelflow/internal/models"
)

type flowKey struct {
	taskID string
	index  int
}

type flowDataKey struct {
	taskID string
	index  int
	dataID string
}

// Memory is an in-process Store used by tests and single-node development runs.
type Memory struct {
	mu  sync.Mutex
	now func() time.Time

	tasks    map[string]models.Task
	flows    map[flowKey]models.Flow
	data     map[string]models.Data
	flowData map[flowDataKey]models.FlowData
	records  map[string]models.Record
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty store stamping update times with clock (time.Now when nil).
func NewMemory(clock func() time.Time) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{
		now:      clock,
		tasks:    map[string]models.Task{},
		flows:    map[flowKey]models.Flow{},
		data:     map[string]models.Data{},
		flowData: map[flowDataKey]models.FlowData{},
		records:  map[string]models.Record{},
	}
}

func (m *Memory) CreateTask(_ context.Context, t models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return fmt.Errorf("task %s already exists: %w", t.ID, models.ErrInvalidArgument)
	}
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	return cloneTask(t), nil
}

func (m *Memory) SaveTask(_ context.Context, t models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[t.ID]
	if !ok {
		return fmt.Errorf("task %s: %w", t.ID, models.ErrNotFound)
	}
	cur.Title = t.Title
	cur.Description = t.Description
	cur.Status = t.Status
	cur.ToolConfig = t.ToolConfig
	cur.DistributeCount = t.DistributeCount
	cur.ExpireTime = t.ExpireTime
	cur.Teams = append([]string(nil), t.Teams...)
	cur.TargetTaskID = t.TargetTaskID
	cur.IsDataRecreate = t.IsDataRecreate
	cur.UpdatedAt = t.UpdatedAt
	m.tasks[t.ID] = cur
	return nil
}

func (m *Memory) ListTasks(_ context.Context, status models.TaskStatus) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if t.Status == status {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) FindAuditTaskByTarget(_ context.Context, targetTaskID string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.Kind == models.KindAudit && t.TargetTaskID == targetTaskID {
			return cloneTask(t), nil
		}
	}
	return models.Task{}, fmt.Errorf("audit task for %s: %w", targetTaskID, models.ErrNotFound)
}

func (m *Memory) AdvanceWatermark(_ context.Context, taskID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil
	}
	if at.After(t.TargetDataLastTime) {
		t.TargetDataLastTime = at
		m.tasks[taskID] = t
	}
	return nil
}

func (m *Memory) AppendRecreateDataID(_ context.Context, taskID, dataID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || contains(t.RecreateDataIDs, dataID) {
		return nil
	}
	t.RecreateDataIDs = append(append([]string(nil), t.RecreateDataIDs...), dataID)
	m.tasks[taskID] = t
	return nil
}

func (m *Memory) RemoveRecreateDataIDs(_ context.Context, taskID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil
	}
	kept := []string{}
	for _, id := range t.RecreateDataIDs {
		if !contains(ids, id) {
			kept = append(kept, id)
		}
	}
	t.RecreateDataIDs = kept
	m.tasks[taskID] = t
	return nil
}

func (m *Memory) DeleteTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, taskID)
	for k := range m.flows {
		if k.taskID == taskID {
			delete(m.flows, k)
		}
	}
	for k := range m.flowData {
		if k.taskID == taskID {
			delete(m.flowData, k)
		}
	}
	for id, r := range m.records {
		if r.TaskID == taskID {
			delete(m.records, id)
		}
	}
	for id, d := range m.data {
		if d.TaskID == taskID {
			delete(m.data, id)
		}
	}
	return nil
}

func (m *Memory) ReplaceFlows(_ context.Context, taskID string, flows []models.Flow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.flows {
		if k.taskID == taskID {
			delete(m.flows, k)
		}
	}
	for _, f := range flows {
		f.TaskID = taskID
		f.Teams = append([]string(nil), f.Teams...)
		m.flows[flowKey{taskID, f.Index}] = f
	}
	return nil
}

func (m *Memory) ListFlows(_ context.Context, taskID string) ([]models.Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Flow
	for k, f := range m.flows {
		if k.taskID == taskID {
			f.Teams = append([]string(nil), f.Teams...)
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *Memory) GetFlow(_ context.Context, taskID string, index int) (models.Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[flowKey{taskID, index}]
	if !ok {
		return models.Flow{}, fmt.Errorf("flow %s/%d: %w", taskID, index, models.ErrNotFound)
	}
	f.Teams = append([]string(nil), f.Teams...)
	return f, nil
}

func (m *Memory) SetFlowTeams(_ context.Context, taskID string, index int, teams []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := flowKey{taskID, index}
	f, ok := m.flows[k]
	if !ok {
		return fmt.Errorf("flow %s/%d: %w", taskID, index, models.ErrNotFound)
	}
	f.Teams = append([]string(nil), teams...)
	m.flows[k] = f
	return nil
}

func (m *Memory) InsertData(_ context.Context, items []models.Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range items {
		if _, ok := m.data[d.ID]; ok {
			return fmt.Errorf("data %s already exists: %w", d.ID, models.ErrInvalidArgument)
		}
	}
	for _, d := range items {
		m.data[d.ID] = cloneData(d)
	}
	return nil
}

func (m *Memory) GetData(_ context.Context, id string) (models.Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[id]
	if !ok {
		return models.Data{}, fmt.Errorf("data %s: %w", id, models.ErrNotFound)
	}
	return cloneData(d), nil
}

func (m *Memory) UpdateData(_ context.Context, id string, u models.DataUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[id]
	if !ok {
		return fmt.Errorf("data %s: %w", id, models.ErrNotFound)
	}
	if u.Status != nil {
		d.Status = *u.Status
	}
	if u.Evaluation != nil {
		d.Evaluation = cloneEvaluation(*u.Evaluation)
	}
	d.UpdatedAt = m.now()
	m.data[id] = d
	return nil
}

func (m *Memory) AppendDataEvaluation(_ context.Context, id string, entry map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[id]
	if !ok {
		return fmt.Errorf("data %s: %w", id, models.ErrNotFound)
	}
	if entry == nil {
		entry = map[string]any{}
	}
	if id, ok := entry[models.EntryRecordKey].(string); ok && d.Evaluation.HasEntry(id) {
		return nil
	}
	d.Evaluation = cloneEvaluation(d.Evaluation)
	d.Evaluation.DataEvaluation = append(d.Evaluation.DataEvaluation, entry)
	d.UpdatedAt = m.now()
	m.data[id] = d
	return nil
}

func (m *Memory) ClaimPendingData(_ context.Context, taskID string, excludeQuestionnaireIDs []string) (models.Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []string
	for id, d := range m.data {
		if d.TaskID == taskID && d.Status == models.DataPending && !contains(excludeQuestionnaireIDs, d.QuestionnaireID) {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return models.Data{}, fmt.Errorf("task %s: %w", taskID, models.ErrExhausted)
	}
	sort.Strings(candidates)
	d := m.data[candidates[rand.Intn(len(candidates))]]
	d.Status = models.DataProcessing
	d.UpdatedAt = m.now()
	m.data[d.ID] = d
	return cloneData(d), nil
}

func (m *Memory) ListCompletedData(_ context.Context, taskID string, after, before time.Time) ([]models.Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Data
	for _, d := range m.data {
		if d.TaskID == taskID && d.Status == models.DataCompleted && d.UpdatedAt.After(after) && !d.UpdatedAt.After(before) {
			out = append(out, cloneData(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) FindDataBySource(_ context.Context, taskID, sourceDataID string) (models.Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.data {
		if d.TaskID == taskID && d.SourceDataID == sourceDataID {
			return cloneData(d), nil
		}
	}
	return models.Data{}, fmt.Errorf("data from %s: %w", sourceDataID, models.ErrNotFound)
}

func (m *Memory) ListData(_ context.Context, taskID string) ([]models.Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Data
	for _, d := range m.data {
		if d.TaskID == taskID {
			out = append(out, cloneData(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) ListProcessingData(_ context.Context, taskID string, before time.Time) ([]models.Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Data
	for _, d := range m.data {
		if d.TaskID == taskID && d.Status == models.DataProcessing && d.UpdatedAt.Before(before) {
			out = append(out, cloneData(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) DeleteData(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range m.data {
		if d.TaskID == taskID {
			delete(m.data, id)
		}
	}
	return nil
}

func (m *Memory) CountData(_ context.Context, taskID string) (map[models.DataStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[models.DataStatus]int{}
	for _, d := range m.data {
		if d.TaskID == taskID {
			out[d.Status]++
		}
	}
	return out, nil
}

func (m *Memory) InsertFlowData(_ context.Context, fd models.FlowData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := flowDataKey{fd.TaskID, fd.Index, fd.DataID}
	if _, ok := m.flowData[k]; ok {
		return nil
	}
	m.flowData[k] = cloneFlowData(fd)
	return nil
}

func (m *Memory) GetFlowData(_ context.Context, taskID string, index int, dataID string) (models.FlowData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fd, ok := m.flowData[flowDataKey{taskID, index, dataID}]
	if !ok {
		return models.FlowData{}, fmt.Errorf("flow data %s/%d/%s: %w", taskID, index, dataID, models.ErrNotFound)
	}
	return cloneFlowData(fd), nil
}

func (m *Memory) ClaimPendingFlowData(_ context.Context, taskID string, index int, excludeDataIDs []string) (models.FlowData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []flowDataKey
	for k, fd := range m.flowData {
		if k.taskID != taskID || k.index != index || fd.Status != models.FlowDataPending {
			continue
		}
		if fd.Resolve() != models.Indeterminate || contains(excludeDataIDs, k.dataID) {
			continue
		}
		candidates = append(candidates, k)
	}
	if len(candidates) == 0 {
		return models.FlowData{}, fmt.Errorf("task %s flow %d: %w", taskID, index, models.ErrExhausted)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dataID < candidates[j].dataID })
	k := candidates[rand.Intn(len(candidates))]
	fd := m.flowData[k]
	fd.Status = models.FlowDataProcessing
	fd.UpdatedAt = m.now()
	m.flowData[k] = fd
	return cloneFlowData(fd), nil
}

func (m *Memory) SetFlowDataStatus(_ context.Context, taskID string, index int, dataID string, status models.FlowDataStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := flowDataKey{taskID, index, dataID}
	fd, ok := m.flowData[k]
	if !ok {
		return fmt.Errorf("flow data %s/%d/%s: %w", taskID, index, dataID, models.ErrNotFound)
	}
	if fd.Status == models.FlowDataCompleted {
		return nil
	}
	fd.Status = status
	fd.UpdatedAt = m.now()
	m.flowData[k] = fd
	return nil
}

func (m *Memory) ApplyVerdict(_ context.Context, taskID string, index int, dataID, userID string, pass bool) (models.FlowData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := flowDataKey{taskID, index, dataID}
	fd, ok := m.flowData[k]
	if !ok {
		return models.FlowData{}, fmt.Errorf("flow data %s/%d/%s: %w", taskID, index, dataID, models.ErrNotFound)
	}
	if fd.Status == models.FlowDataCompleted || fd.RemainAuditCount <= 0 {
		return models.FlowData{}, fmt.Errorf("flow data %s/%d/%s already resolved: %w", taskID, index, dataID, models.ErrPreconditionFailed)
	}
	if contains(fd.PassAuditUserIDs, userID) || contains(fd.RejectAuditUserIDs, userID) {
		return models.FlowData{}, fmt.Errorf("user %s already voted on %s/%d/%s: %w", userID, taskID, index, dataID, models.ErrPreconditionFailed)
	}
	fd = cloneFlowData(fd)
	fd.RemainAuditCount--
	if pass {
		fd.RemainPassCount--
		fd.PassAuditUserIDs = append(fd.PassAuditUserIDs, userID)
	} else {
		fd.RejectAuditUserIDs = append(fd.RejectAuditUserIDs, userID)
	}
	fd.Status = models.FlowDataPending
	fd.UpdatedAt = m.now()
	m.flowData[k] = fd
	return cloneFlowData(fd), nil
}

func (m *Memory) CompleteFlowData(_ context.Context, taskID string, index int, dataID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := flowDataKey{taskID, index, dataID}
	fd, ok := m.flowData[k]
	if !ok || fd.Status == models.FlowDataCompleted {
		return false, nil
	}
	fd.Status = models.FlowDataCompleted
	fd.UpdatedAt = m.now()
	m.flowData[k] = fd
	return true, nil
}

func (m *Memory) ListUnresolvedFlowData(_ context.Context, taskID string, before time.Time) ([]models.FlowData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.FlowData
	for k, fd := range m.flowData {
		if k.taskID != taskID || fd.Status == models.FlowDataCompleted || !fd.UpdatedAt.Before(before) {
			continue
		}
		if fd.Resolve() != models.Indeterminate {
			out = append(out, cloneFlowData(fd))
		}
	}
	sortFlowData(out)
	return out, nil
}

func (m *Memory) ListProcessingFlowData(_ context.Context, taskID string, before time.Time) ([]models.FlowData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.FlowData
	for k, fd := range m.flowData {
		if k.taskID == taskID && fd.Status == models.FlowDataProcessing && fd.UpdatedAt.Before(before) {
			out = append(out, cloneFlowData(fd))
		}
	}
	sortFlowData(out)
	return out, nil
}

func (m *Memory) ListFlowData(_ context.Context, taskID string) ([]models.FlowData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.FlowData
	for k, fd := range m.flowData {
		if k.taskID == taskID {
			out = append(out, cloneFlowData(fd))
		}
	}
	sortFlowData(out)
	return out, nil
}

func (m *Memory) InsertRecord(_ context.Context, r models.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.ID]; ok {
		return fmt.Errorf("record %s already exists: %w", r.ID, models.ErrInvalidArgument)
	}
	for _, o := range m.records {
		if o.TaskID == r.TaskID && o.CreatorID == r.CreatorID && o.FlowIndex == r.FlowIndex && !o.Submitted() {
			return fmt.Errorf("user %s already holds a claim in %s/%d: %w", r.CreatorID, r.TaskID, r.FlowIndex, models.ErrPreconditionFailed)
		}
	}
	r.SubmittedAt = nil
	r.Evaluation = nil
	r.Pass = nil
	m.records[r.ID] = r
	return nil
}

func (m *Memory) FindOpenRecord(_ context.Context, q OpenRecordQuery) (models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.Record
	for _, r := range m.records {
		if r.TaskID != q.TaskID || r.CreatorID != q.UserID || r.FlowIndex != q.FlowIndex || r.Submitted() {
			continue
		}
		if q.DataID != "" && r.DataID != q.DataID {
			continue
		}
		if !r.CreatedAt.After(q.CreatedAfter) {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			r := r
			best = &r
		}
	}
	if best == nil {
		return models.Record{}, fmt.Errorf("open record for %s: %w", q.UserID, models.ErrNotFound)
	}
	return cloneRecord(*best), nil
}

func (m *Memory) ListSubmittedRecords(_ context.Context, taskID, userID string) ([]models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Record
	for _, r := range m.records {
		if r.TaskID == taskID && r.CreatorID == userID && r.Submitted() {
			out = append(out, cloneRecord(r))
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) SubmitRecord(_ context.Context, id string, sub models.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.Submitted() {
		return fmt.Errorf("record %s not open: %w", id, models.ErrNotOwner)
	}
	at := sub.At
	e := cloneEvaluation(sub.Evaluation)
	r.SubmittedAt = &at
	r.Evaluation = &e
	if sub.Pass != nil {
		pass := *sub.Pass
		r.Pass = &pass
	}
	r.Status = models.RecordCompleted
	m.records[id] = r
	return nil
}

func (m *Memory) DeleteOpenRecord(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.Submitted() {
		return false, nil
	}
	delete(m.records, id)
	return true, nil
}

func (m *Memory) DiscardRecords(_ context.Context, q DiscardQuery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.records {
		if r.TaskID != q.TaskID || r.DataID != q.DataID {
			continue
		}
		if q.FlowIndex != nil && r.FlowIndex != *q.FlowIndex {
			continue
		}
		if q.UserIDs != nil && !contains(q.UserIDs, r.CreatorID) {
			continue
		}
		if q.SubmittedOnly && !r.Submitted() {
			continue
		}
		r.Status = models.RecordDiscarded
		m.records[id] = r
	}
	return nil
}

func (m *Memory) ListExpiredRecords(_ context.Context, taskID string, flowIndex int, cutoff time.Time) ([]models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Record
	for _, r := range m.records {
		if r.TaskID == taskID && r.FlowIndex == flowIndex && !r.Submitted() && r.CreatedAt.Before(cutoff) {
			out = append(out, cloneRecord(r))
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) ListRecords(_ context.Context, taskID string) ([]models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Record
	for _, r := range m.records {
		if r.TaskID == taskID {
			out = append(out, cloneRecord(r))
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) ListItemRecords(_ context.Context, taskID string, flowIndex int, dataID string) ([]models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Record
	for _, r := range m.records {
		if r.TaskID == taskID && r.FlowIndex == flowIndex && r.DataID == dataID {
			out = append(out, cloneRecord(r))
		}
	}
	sortRecords(out)
	return out, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func sortFlowData(out []models.FlowData) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].DataID < out[j].DataID
	})
}

func sortRecords(out []models.Record) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}

func cloneTask(t models.Task) models.Task {
	t.Teams = append([]string(nil), t.Teams...)
	t.RecreateDataIDs = append([]string{}, t.RecreateDataIDs...)
	return t
}

func cloneEvaluation(e models.Evaluation) models.Evaluation {
	if e.DataEvaluation != nil {
		e.DataEvaluation = append([]map[string]any(nil), e.DataEvaluation...)
	}
	if e.QuestionnaireEvaluation != nil {
		q := *e.QuestionnaireEvaluation
		e.QuestionnaireEvaluation = &q
	}
	return e
}

func cloneData(d models.Data) models.Data {
	d.Conversation = append([]models.Message(nil), d.Conversation...)
	d.Evaluation = cloneEvaluation(d.Evaluation)
	if d.ReferenceEvaluation != nil {
		ref := cloneEvaluation(*d.ReferenceEvaluation)
		d.ReferenceEvaluation = &ref
	}
	return d
}

func cloneFlowData(fd models.FlowData) models.FlowData {
	fd.PassAuditUserIDs = append([]string{}, fd.PassAuditUserIDs...)
	fd.RejectAuditUserIDs = append([]string{}, fd.RejectAuditUserIDs...)
	return fd
}

func cloneRecord(r models.Record) models.Record {
	if r.SubmittedAt != nil {
		at := *r.SubmittedAt
		r.SubmittedAt = &at
	}
	if r.Evaluation != nil {
		e := cloneEvaluation(*r.Evaluation)
		r.Evaluation = &e
	}
	if r.Pass != nil {
		pass := *r.Pass
		r.Pass = &pass
	}
	return r
}
