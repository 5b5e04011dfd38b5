package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"labelflow/internal/models"
)

func seedFlowData(t *testing.T, m *Memory, audit, pass int) {
	t.Helper()
	f := models.Flow{TaskID: "t1", Index: 1, MaxAuditCount: audit, PassAuditCount: pass}
	require.NoError(t, m.InsertFlowData(context.Background(), f.NewFlowData("d1", time.Unix(0, 0))))
}

func TestMemoryClaimPendingDataExcludesQuestionnaires(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	require.NoError(t, m.InsertData(ctx, []models.Data{
		{ID: "a", TaskID: "t1", QuestionnaireID: "q1", Status: models.DataPending},
		{ID: "b", TaskID: "t1", QuestionnaireID: "q2", Status: models.DataPending},
	}))

	d, err := m.ClaimPendingData(ctx, "t1", []string{"q1"})
	require.NoError(t, err)
	require.Equal(t, "b", d.ID)
	require.Equal(t, models.DataProcessing, d.Status)

	_, err = m.ClaimPendingData(ctx, "t1", []string{"q1"})
	require.ErrorIs(t, err, models.ErrExhausted)
}

func TestMemoryApplyVerdictNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	seedFlowData(t, m, 1, 1)

	fd, err := m.ApplyVerdict(ctx, "t1", 1, "d1", "u1", false)
	require.NoError(t, err)
	require.Equal(t, 0, fd.RemainAuditCount)
	require.Equal(t, []string{"u1"}, fd.RejectAuditUserIDs)
	require.Equal(t, models.Exhausted, fd.Resolve())

	_, err = m.ApplyVerdict(ctx, "t1", 1, "d1", "u2", true)
	require.ErrorIs(t, err, models.ErrPreconditionFailed)

	_, err = m.ApplyVerdict(ctx, "t1", 1, "missing", "u2", true)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryCompleteFlowDataOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	seedFlowData(t, m, 3, 2)

	done, err := m.CompleteFlowData(ctx, "t1", 1, "d1")
	require.NoError(t, err)
	require.True(t, done)

	done, err = m.CompleteFlowData(ctx, "t1", 1, "d1")
	require.NoError(t, err)
	require.False(t, done)

	_, err = m.ClaimPendingFlowData(ctx, "t1", 1, nil)
	require.ErrorIs(t, err, models.ErrExhausted)
}

func TestMemoryClaimPendingFlowDataSkipsResolvedRows(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	seedFlowData(t, m, 2, 1)

	_, err := m.ApplyVerdict(ctx, "t1", 1, "d1", "u1", true)
	require.NoError(t, err)

	_, err = m.ClaimPendingFlowData(ctx, "t1", 1, nil)
	require.ErrorIs(t, err, models.ErrExhausted)

	unresolved, err := m.ListUnresolvedFlowData(ctx, "t1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
}

func TestMemorySingleOpenRecordPerRound(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	now := time.Now()
	require.NoError(t, m.InsertRecord(ctx, models.Record{ID: "r1", TaskID: "t1", DataID: "a", CreatorID: "u1", CreatedAt: now}))

	err := m.InsertRecord(ctx, models.Record{ID: "r2", TaskID: "t1", DataID: "b", CreatorID: "u1", CreatedAt: now})
	require.ErrorIs(t, err, models.ErrPreconditionFailed)

	require.NoError(t, m.SubmitRecord(ctx, "r1", models.Submission{At: now}))
	require.ErrorIs(t, m.SubmitRecord(ctx, "r1", models.Submission{At: now}), models.ErrNotOwner)
	require.NoError(t, m.InsertRecord(ctx, models.Record{ID: "r2", TaskID: "t1", DataID: "b", CreatorID: "u1", CreatedAt: now}))
}

func TestMemoryApplyVerdictOneVotePerUser(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	seedFlowData(t, m, 3, 2)

	_, err := m.ApplyVerdict(ctx, "t1", 1, "d1", "u1", true)
	require.NoError(t, err)
	_, err = m.ApplyVerdict(ctx, "t1", 1, "d1", "u1", false)
	require.ErrorIs(t, err, models.ErrPreconditionFailed)

	fd, err := m.GetFlowData(ctx, "t1", 1, "d1")
	require.NoError(t, err)
	require.Equal(t, 2, fd.RemainAuditCount)
	require.Equal(t, 1, fd.RemainPassCount)
	require.Empty(t, fd.RejectAuditUserIDs)
}

func TestMemoryAppendDataEvaluationOncePerRecord(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	require.NoError(t, m.InsertData(ctx, []models.Data{{ID: "d1", TaskID: "t1", Status: models.DataPending}}))

	entry := models.TagEntry(map[string]any{"score": 1}, "r1")
	require.NoError(t, m.AppendDataEvaluation(ctx, "d1", entry))
	require.NoError(t, m.AppendDataEvaluation(ctx, "d1", entry))
	require.NoError(t, m.AppendDataEvaluation(ctx, "d1", map[string]any{"score": 2}))

	d, err := m.GetData(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, d.Evaluation.DataEvaluation, 2)
	require.True(t, d.Evaluation.HasEntry("r1"))
}

func TestMemorySubmitRecordKeepsVerdict(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	now := time.Now()
	require.NoError(t, m.InsertRecord(ctx, models.Record{ID: "r1", TaskID: "t1", DataID: "d1", FlowIndex: 1, CreatorID: "u1", CreatedAt: now}))

	pass := true
	require.NoError(t, m.SubmitRecord(ctx, "r1", models.Submission{At: now, Pass: &pass}))
	pass = false

	recs, err := m.ListItemRecords(ctx, "t1", 1, "d1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].Pass)
	require.True(t, *recs[0].Pass)
	require.Equal(t, models.RecordCompleted, recs[0].Status)

	recs, err = m.ListItemRecords(ctx, "t1", 0, "d1")
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestMemoryRecreateBacklogAndWatermark(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.CreateTask(ctx, models.Task{ID: "t1", Kind: models.KindAudit, TargetDataLastTime: base}))

	require.NoError(t, m.AppendRecreateDataID(ctx, "t1", "d1"))
	require.NoError(t, m.AppendRecreateDataID(ctx, "t1", "d1"))
	require.NoError(t, m.AppendRecreateDataID(ctx, "t1", "d2"))
	require.NoError(t, m.RemoveRecreateDataIDs(ctx, "t1", []string{"d1"}))

	require.NoError(t, m.AdvanceWatermark(ctx, "t1", base.Add(time.Minute)))
	require.NoError(t, m.AdvanceWatermark(ctx, "t1", base))

	task, err := m.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, []string{"d2"}, task.RecreateDataIDs)
	require.Equal(t, base.Add(time.Minute), task.TargetDataLastTime)
}
