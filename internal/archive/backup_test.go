package archive

import (
	"archive/zip"
	"bufio"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"labelflow/internal/models"
	"labelflow/internal/store"
)

func TestBackupWritesEveryCollection(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(nil)
	now := time.Now().UTC()
	require.NoError(t, st.CreateTask(ctx, models.Task{ID: "audit", Kind: models.KindAudit, Title: "audit", Status: models.TaskDone, CreatedAt: now}))
	flow := models.Flow{TaskID: "audit", Index: 1, SampleRatio: 100, MaxAuditCount: 1, PassAuditCount: 1, ExpireTime: 60, IsLast: true}
	require.NoError(t, st.ReplaceFlows(ctx, "audit", []models.Flow{flow}))
	require.NoError(t, st.InsertData(ctx, []models.Data{
		{ID: "d1", TaskID: "audit", QuestionnaireID: "q1", Status: models.DataCompleted},
		{ID: "d2", TaskID: "audit", QuestionnaireID: "q2", Status: models.DataDiscarded},
	}))
	require.NoError(t, st.InsertFlowData(ctx, flow.NewFlowData("d1", now)))
	require.NoError(t, st.InsertRecord(ctx, models.Record{ID: "r1", TaskID: "audit", DataID: "d1", FlowIndex: 1, CreatorID: "u1", CreatedAt: now}))

	dir := t.TempDir()
	a := NewArchiver(st, &LocalUploader{BaseDir: dir}, "labelflow")
	loc, err := a.Backup(ctx, "audit")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "labelflow", "task_backup", "audit.zip"), loc)

	zr, err := zip.OpenReader(loc)
	require.NoError(t, err)
	defer zr.Close()

	lines := map[string]int{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		sc := bufio.NewScanner(rc)
		for sc.Scan() {
			require.True(t, json.Valid(sc.Bytes()), "%s holds invalid json", f.Name)
			lines[f.Name]++
		}
		rc.Close()
	}
	require.Equal(t, map[string]int{
		"task.json":       1,
		"flow.jsonl":      1,
		"flow_data.jsonl": 1,
		"record.jsonl":    1,
		"data.jsonl":      2,
	}, lines)
}

func TestBackupMissingTask(t *testing.T) {
	a := NewArchiver(store.NewMemory(nil), &LocalUploader{BaseDir: t.TempDir()}, "")
	_, err := a.Backup(context.Background(), "missing")
	require.ErrorIs(t, err, models.ErrNotFound)
}
