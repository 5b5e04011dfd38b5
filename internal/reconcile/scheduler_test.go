package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"labelflow/internal/models"
)

func TestSchedulerSyncTracksOpenTasks(t *testing.T) {
	f := newFixture(t)
	f.labelTask(t, "label")
	f.auditTask(t, "audit", "label", false, models.Flow{SampleRatio: 100, MaxAuditCount: 1, PassAuditCount: 1})
	require.NoError(t, f.st.CreateTask(f.ctx, models.Task{ID: "draft", Kind: models.KindLabel, Status: models.TaskCreated}))

	s := NewScheduler(f.st, f.job, 30*time.Second, 30*time.Second, nil)
	require.NoError(t, s.Sync(f.ctx))
	require.ElementsMatch(t, []string{"label", "audit"}, s.Scheduled())

	task, err := f.st.GetTask(f.ctx, "label")
	require.NoError(t, err)
	task.Status = models.TaskDone
	require.NoError(t, f.st.SaveTask(f.ctx, task))

	draft, err := f.st.GetTask(f.ctx, "draft")
	require.NoError(t, err)
	draft.Status = models.TaskOpen
	require.NoError(t, f.st.SaveTask(f.ctx, draft))

	require.NoError(t, s.Sync(f.ctx))
	require.ElementsMatch(t, []string{"audit", "draft"}, s.Scheduled())
	require.Len(t, s.cron.Entries(), 2)
}
