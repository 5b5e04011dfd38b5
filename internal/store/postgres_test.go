//go:build integration

package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"labelflow/internal/models"
)

// Run with: POSTGRES_DSN=postgres://... go test -tags integration ./internal/store/
func newPostgres(t *testing.T) (*Postgres, string) {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pg, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pg.Close)
	require.NoError(t, pg.RunMigrations(ctx))

	taskID := "it-" + uuid.NewString()
	t.Cleanup(func() { _ = pg.DeleteTask(context.Background(), taskID) })
	return pg, taskID
}

func TestPostgresClaimPendingFlowDataIsExclusive(t *testing.T) {
	pg, taskID := newPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()
	flow := models.Flow{TaskID: taskID, Index: 1, MaxAuditCount: 2, PassAuditCount: 1}
	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, pg.InsertFlowData(ctx, flow.NewFlowData(fmt.Sprintf("%s-d%d", taskID, i), now)))
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < n+5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fd, err := pg.ClaimPendingFlowData(ctx, taskID, 1, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				seen["exhausted"]++
				return
			}
			seen[fd.DataID]++
		}()
	}
	wg.Wait()

	require.Equal(t, 5, seen["exhausted"])
	delete(seen, "exhausted")
	require.Len(t, seen, n)
	for id, count := range seen {
		require.Equal(t, 1, count, id)
	}
}

func TestPostgresClaimPendingDataIsExclusive(t *testing.T) {
	pg, taskID := newPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()
	const n = 10
	items := make([]models.Data, n)
	for i := range items {
		items[i] = models.Data{
			ID: fmt.Sprintf("%s-d%d", taskID, i), TaskID: taskID, QuestionnaireID: fmt.Sprintf("q%d", i),
			Status: models.DataPending, CreatedAt: now, UpdatedAt: now,
		}
	}
	require.NoError(t, pg.InsertData(ctx, items))

	claimed := make(chan string, n*2)
	var wg sync.WaitGroup
	for i := 0; i < n*2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, err := pg.ClaimPendingData(ctx, taskID, []string{"q0"}); err == nil {
				claimed <- d.ID
			}
		}()
	}
	wg.Wait()
	close(claimed)

	seen := map[string]bool{}
	for id := range claimed {
		require.False(t, seen[id], id)
		seen[id] = true
	}
	require.Len(t, seen, n-1)
	require.False(t, seen[taskID+"-d0"])
}

func TestPostgresApplyVerdictGuards(t *testing.T) {
	pg, taskID := newPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()
	flow := models.Flow{TaskID: taskID, Index: 1, MaxAuditCount: 1, PassAuditCount: 1}
	dataID := taskID + "-d1"
	require.NoError(t, pg.InsertFlowData(ctx, flow.NewFlowData(dataID, now)))

	fd, err := pg.ApplyVerdict(ctx, taskID, 1, dataID, "u1", false)
	require.NoError(t, err)
	require.Equal(t, 0, fd.RemainAuditCount)
	require.Equal(t, []string{"u1"}, fd.RejectAuditUserIDs)

	_, err = pg.ApplyVerdict(ctx, taskID, 1, dataID, "u2", true)
	require.ErrorIs(t, err, models.ErrPreconditionFailed)
	_, err = pg.ApplyVerdict(ctx, taskID, 1, taskID+"-missing", "u2", true)
	require.ErrorIs(t, err, models.ErrNotFound)

	wide := models.Flow{TaskID: taskID, Index: 2, MaxAuditCount: 3, PassAuditCount: 2}
	require.NoError(t, pg.InsertFlowData(ctx, wide.NewFlowData(dataID, now)))
	_, err = pg.ApplyVerdict(ctx, taskID, 2, dataID, "u1", true)
	require.NoError(t, err)
	_, err = pg.ApplyVerdict(ctx, taskID, 2, dataID, "u1", true)
	require.ErrorIs(t, err, models.ErrPreconditionFailed)

	done, err := pg.CompleteFlowData(ctx, taskID, 2, dataID)
	require.NoError(t, err)
	require.True(t, done)
	_, err = pg.ApplyVerdict(ctx, taskID, 2, dataID, "u2", true)
	require.ErrorIs(t, err, models.ErrPreconditionFailed)

	got, err := pg.GetFlowData(ctx, taskID, 2, dataID)
	require.NoError(t, err)
	require.Equal(t, 2, got.RemainAuditCount)
	require.Equal(t, 1, got.RemainPassCount)
	require.Equal(t, models.FlowDataCompleted, got.Status)
}

func TestPostgresSingleOpenRecordPerRound(t *testing.T) {
	pg, taskID := newPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	first := models.Record{
		ID: uuid.NewString(), TaskID: taskID, DataID: "a", FlowIndex: 1, QuestionnaireID: "q1",
		CreatorID: "u1", CreatedAt: now, Status: models.RecordProcessing,
	}
	require.NoError(t, pg.InsertRecord(ctx, first))

	second := first
	second.ID = uuid.NewString()
	second.DataID = "b"
	require.ErrorIs(t, pg.InsertRecord(ctx, second), models.ErrPreconditionFailed)

	pass := true
	sub := models.Submission{At: now, Evaluation: models.Evaluation{DataEvaluation: []map[string]any{{"ok": true}}}, Pass: &pass}
	require.NoError(t, pg.SubmitRecord(ctx, first.ID, sub))
	require.ErrorIs(t, pg.SubmitRecord(ctx, first.ID, sub), models.ErrNotOwner)
	require.NoError(t, pg.InsertRecord(ctx, second))

	recs, err := pg.ListItemRecords(ctx, taskID, 1, "a")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.True(t, recs[0].Submitted())
	require.NotNil(t, recs[0].Pass)
	require.True(t, *recs[0].Pass)
}

func TestPostgresAppendDataEvaluationOncePerRecord(t *testing.T) {
	pg, taskID := newPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()
	id := taskID + "-d1"
	require.NoError(t, pg.InsertData(ctx, []models.Data{{
		ID: id, TaskID: taskID, QuestionnaireID: "q1", Status: models.DataPending, CreatedAt: now, UpdatedAt: now,
	}}))

	entry := models.TagEntry(map[string]any{"note": "fine"}, "r1")
	require.NoError(t, pg.AppendDataEvaluation(ctx, id, entry))
	require.NoError(t, pg.AppendDataEvaluation(ctx, id, entry))
	require.NoError(t, pg.AppendDataEvaluation(ctx, id, models.TagEntry(nil, "r2")))
	require.ErrorIs(t, pg.AppendDataEvaluation(ctx, taskID+"-missing", entry), models.ErrNotFound)

	d, err := pg.GetData(ctx, id)
	require.NoError(t, err)
	require.Len(t, d.Evaluation.DataEvaluation, 2)
	require.True(t, d.Evaluation.HasEntry("r1"))
	require.True(t, d.Evaluation.HasEntry("r2"))
}
