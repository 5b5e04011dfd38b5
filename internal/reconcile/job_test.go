package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"labelflow/internal/engine"
	"labelflow/internal/lock"
	"labelflow/internal/models"
	"labelflow/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	ctx    context.Context
	clock  *fakeClock
	st     *store.Memory
	eng    *engine.Engine
	locker *lock.RedisLocker
	job    *Job
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemory(clock.Now)
	eng := engine.NewWithClock(st, logger, clock.Now)
	locker := lock.NewRedisLocker(client, lock.TaskPrefix)
	return &fixture{
		ctx:    context.Background(),
		clock:  clock,
		st:     st,
		eng:    eng,
		locker: locker,
		job: NewJob(st, eng, locker, Options{
			LockTTL: time.Minute,
			Grace:   5 * time.Second,
			Logger:  logger,
			Now:     clock.Now,
		}),
	}
}

func (f *fixture) labelTask(t *testing.T, id string) {
	t.Helper()
	now := f.clock.Now()
	require.NoError(t, f.st.CreateTask(f.ctx, models.Task{
		ID: id, Kind: models.KindLabel, Status: models.TaskOpen, ExpireTime: 60, DistributeCount: 1,
		CreatedAt: now, UpdatedAt: now,
	}))
}

func (f *fixture) auditTask(t *testing.T, id, target string, recreate bool, flows ...models.Flow) {
	t.Helper()
	now := f.clock.Now()
	require.NoError(t, f.st.CreateTask(f.ctx, models.Task{
		ID: id, Kind: models.KindAudit, Status: models.TaskOpen, TargetTaskID: target,
		IsDataRecreate: recreate, CreatedAt: now, UpdatedAt: now,
	}))
	for i := range flows {
		flows[i].TaskID = id
		flows[i].Index = i + 1
		flows[i].IsLast = i == len(flows)-1
		flows[i].ExpireTime = 60
	}
	require.NoError(t, f.st.ReplaceFlows(f.ctx, id, flows))
}

// completeUpstream inserts n completed label items, one second apart, ending at last.
func (f *fixture) completeUpstream(t *testing.T, taskID string, n int, last time.Time) []models.Data {
	t.Helper()
	items := make([]models.Data, n)
	for i := range items {
		at := last.Add(-time.Duration(n-1-i) * time.Second)
		items[i] = models.Data{
			ID: fmt.Sprintf("%s-up-%d", taskID, i), TaskID: taskID, QuestionnaireID: fmt.Sprintf("q%d", i),
			Status: models.DataCompleted, Prompt: "prompt", CreatedAt: at, UpdatedAt: at,
			Evaluation: models.Evaluation{ConversationEvaluation: map[string]any{"score": 3}},
		}
	}
	require.NoError(t, f.st.InsertData(f.ctx, items))
	return items
}

func TestLeaseReclaimedAfterExpiry(t *testing.T) {
	f := newFixture(t)
	f.labelTask(t, "label")
	now := f.clock.Now()
	require.NoError(t, f.st.InsertData(f.ctx, []models.Data{{
		ID: "d1", TaskID: "label", QuestionnaireID: "q1", Status: models.DataPending, CreatedAt: now, UpdatedAt: now,
	}}))

	_, err := f.eng.Get(f.ctx, "label", engine.Worker{ID: "u1"}, 0)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	report, err := f.job.Run(f.ctx, "label")
	require.NoError(t, err)
	require.Zero(t, report.Reclaimed)

	f.clock.Advance(31 * time.Second)
	report, err = f.job.Run(f.ctx, "label")
	require.NoError(t, err)
	require.Equal(t, 1, report.Reclaimed)

	d, err := f.st.GetData(f.ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, models.DataPending, d.Status)
	records, err := f.st.ListRecords(f.ctx, "label")
	require.NoError(t, err)
	require.Empty(t, records)

	c, err := f.eng.Get(f.ctx, "label", engine.Worker{ID: "u2"}, 0)
	require.NoError(t, err)
	require.Equal(t, "d1", c.Data.ID)
}

func TestAuditLeaseReclaimedPerFlow(t *testing.T) {
	f := newFixture(t)
	f.labelTask(t, "label")
	f.auditTask(t, "audit", "label", false, models.Flow{SampleRatio: 100, MaxAuditCount: 2, PassAuditCount: 1})
	f.completeUpstream(t, "label", 1, f.clock.Now().Add(-10*time.Second))

	report, err := f.job.Run(f.ctx, "audit")
	require.NoError(t, err)
	require.Equal(t, 1, report.Admitted)

	c, err := f.eng.Get(f.ctx, "audit", engine.Worker{ID: "u1"}, 1)
	require.NoError(t, err)

	f.clock.Advance(61 * time.Second)
	report, err = f.job.Run(f.ctx, "audit")
	require.NoError(t, err)
	require.Equal(t, 1, report.Reclaimed)

	fd, err := f.st.GetFlowData(f.ctx, "audit", 1, c.Data.ID)
	require.NoError(t, err)
	require.Equal(t, models.FlowDataPending, fd.Status)
}

func TestIntakeAdmitsSampleAndAdvancesWatermark(t *testing.T) {
	f := newFixture(t)
	f.labelTask(t, "label")
	f.auditTask(t, "audit", "label", false, models.Flow{SampleRatio: 50, MaxAuditCount: 1, PassAuditCount: 1})
	last := f.clock.Now().Add(-10 * time.Second)
	f.completeUpstream(t, "label", 10, last)

	report, err := f.job.Run(f.ctx, "audit")
	require.NoError(t, err)
	require.Equal(t, 10, report.Scanned)
	require.GreaterOrEqual(t, report.Admitted, 0)
	require.LessOrEqual(t, report.Admitted, 10)

	task, err := f.st.GetTask(f.ctx, "audit")
	require.NoError(t, err)
	require.Equal(t, last, task.TargetDataLastTime)

	rows, err := f.st.ListFlowData(f.ctx, "audit")
	require.NoError(t, err)
	require.Len(t, rows, report.Admitted)
}

func TestIntakeCopiesItemsAndRespectsGraceWindow(t *testing.T) {
	f := newFixture(t)
	f.labelTask(t, "label")
	f.auditTask(t, "audit", "label", false, models.Flow{SampleRatio: 100, MaxAuditCount: 3, PassAuditCount: 2})
	settled := f.completeUpstream(t, "label", 3, f.clock.Now().Add(-10*time.Second))
	fresh := f.clock.Now().Add(-2 * time.Second)
	require.NoError(t, f.st.InsertData(f.ctx, []models.Data{{
		ID: "in-flight", TaskID: "label", QuestionnaireID: "qx", Status: models.DataCompleted, CreatedAt: fresh, UpdatedAt: fresh,
	}}))

	report, err := f.job.Run(f.ctx, "audit")
	require.NoError(t, err)
	require.Equal(t, 3, report.Admitted)

	copies, err := f.st.ListData(f.ctx, "audit")
	require.NoError(t, err)
	require.Len(t, copies, 3)
	for _, d := range copies {
		require.Equal(t, models.DataPending, d.Status)
		require.NotEmpty(t, d.SourceDataID)
		require.Equal(t, "prompt", d.Prompt)
		require.Equal(t, 3, d.Evaluation.ConversationEvaluation["score"])

		fd, err := f.st.GetFlowData(f.ctx, "audit", 1, d.ID)
		require.NoError(t, err)
		require.Equal(t, 3, fd.RemainAuditCount)
		require.Equal(t, 2, fd.RemainPassCount)
	}

	task, err := f.st.GetTask(f.ctx, "audit")
	require.NoError(t, err)
	require.Equal(t, settled[2].UpdatedAt, task.TargetDataLastTime)

	// the in-flight item is picked up once it leaves the grace window
	f.clock.Advance(10 * time.Second)
	report, err = f.job.Run(f.ctx, "audit")
	require.NoError(t, err)
	require.Equal(t, 1, report.Admitted)
	_, err = f.st.FindDataBySource(f.ctx, "audit", "in-flight")
	require.NoError(t, err)
}

func TestRunTwiceIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.labelTask(t, "label")
	f.auditTask(t, "audit", "label", false, models.Flow{SampleRatio: 100, MaxAuditCount: 1, PassAuditCount: 1})
	f.completeUpstream(t, "label", 4, f.clock.Now().Add(-10*time.Second))

	_, err := f.job.Run(f.ctx, "audit")
	require.NoError(t, err)
	before, err := f.st.GetTask(f.ctx, "audit")
	require.NoError(t, err)

	report, err := f.job.Run(f.ctx, "audit")
	require.NoError(t, err)
	require.Equal(t, Report{}, report)

	after, err := f.st.GetTask(f.ctx, "audit")
	require.NoError(t, err)
	require.Equal(t, before.TargetDataLastTime, after.TargetDataLastTime)
	data, err := f.st.ListData(f.ctx, "audit")
	require.NoError(t, err)
	require.Len(t, data, 4)
	rows, err := f.st.ListFlowData(f.ctx, "audit")
	require.NoError(t, err)
	require.Len(t, rows, 4)
}

func TestRunSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	f.labelTask(t, "label")

	lease, err := f.locker.TryAcquire(f.ctx, "label", time.Minute)
	require.NoError(t, err)

	report, err := f.job.Run(f.ctx, "label")
	require.NoError(t, err)
	require.True(t, report.Skipped)

	require.NoError(t, lease.Release(f.ctx))
	report, err = f.job.Run(f.ctx, "label")
	require.NoError(t, err)
	require.False(t, report.Skipped)
}

func TestRecreationReopensItemUpstream(t *testing.T) {
	f := newFixture(t)
	f.labelTask(t, "label")
	f.auditTask(t, "audit", "label", true, models.Flow{SampleRatio: 100, MaxAuditCount: 1, PassAuditCount: 1})
	f.completeUpstream(t, "label", 1, f.clock.Now().Add(-10*time.Second))

	_, err := f.job.Run(f.ctx, "audit")
	require.NoError(t, err)

	w := engine.Worker{ID: "auditor"}
	c, err := f.eng.Get(f.ctx, "audit", w, 1)
	require.NoError(t, err)
	require.NoError(t, f.eng.Commit(f.ctx, "audit", w, c.Data.ID, 1, models.Judgment{Pass: false}))

	task, err := f.st.GetTask(f.ctx, "audit")
	require.NoError(t, err)
	require.Equal(t, []string{c.Data.ID}, task.RecreateDataIDs)

	report, err := f.job.Run(f.ctx, "audit")
	require.NoError(t, err)
	require.Equal(t, 1, report.Recreated)

	task, err = f.st.GetTask(f.ctx, "audit")
	require.NoError(t, err)
	require.Empty(t, task.RecreateDataIDs)

	upstream, err := f.st.ListData(f.ctx, "label")
	require.NoError(t, err)
	require.Len(t, upstream, 2)
	var reopened models.Data
	for _, d := range upstream {
		if d.Status == models.DataPending {
			reopened = d
		}
	}
	require.Equal(t, "q0", reopened.QuestionnaireID)
	require.Empty(t, reopened.Evaluation.ConversationEvaluation)

	audited, err := f.st.GetData(f.ctx, c.Data.ID)
	require.NoError(t, err)
	require.Equal(t, models.DataDiscarded, audited.Status)
	records, err := f.st.ListRecords(f.ctx, "audit")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, models.RecordDiscarded, records[0].Status)

	// a lost backlog removal does not create a second copy
	require.NoError(t, f.st.AppendRecreateDataID(f.ctx, "audit", c.Data.ID))
	report, err = f.job.Run(f.ctx, "audit")
	require.NoError(t, err)
	require.Zero(t, report.Recreated)
	upstream, err = f.st.ListData(f.ctx, "label")
	require.NoError(t, err)
	require.Len(t, upstream, 2)
}

func TestReplayFinishesInterruptedResolution(t *testing.T) {
	f := newFixture(t)
	f.labelTask(t, "label")
	f.auditTask(t, "audit", "label", false, models.Flow{SampleRatio: 100, MaxAuditCount: 1, PassAuditCount: 1})
	f.completeUpstream(t, "label", 1, f.clock.Now().Add(-10*time.Second))
	_, err := f.job.Run(f.ctx, "audit")
	require.NoError(t, err)

	data, err := f.st.ListData(f.ctx, "audit")
	require.NoError(t, err)
	require.Len(t, data, 1)
	dataID := data[0].ID

	// verdict landed, follow-up writes did not
	_, err = f.st.ApplyVerdict(f.ctx, "audit", 1, dataID, "u1", true)
	require.NoError(t, err)

	report, err := f.job.Run(f.ctx, "audit")
	require.NoError(t, err)
	require.Zero(t, report.Replayed)

	f.clock.Advance(6 * time.Second)
	report, err = f.job.Run(f.ctx, "audit")
	require.NoError(t, err)
	require.Equal(t, 1, report.Replayed)

	d, err := f.st.GetData(f.ctx, dataID)
	require.NoError(t, err)
	require.Equal(t, models.DataCompleted, d.Status)
	fd, err := f.st.GetFlowData(f.ctx, "audit", 1, dataID)
	require.NoError(t, err)
	require.Equal(t, models.FlowDataCompleted, fd.Status)
}

func TestRunIgnoresClosedTasks(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	require.NoError(t, f.st.CreateTask(f.ctx, models.Task{ID: "draft", Kind: models.KindLabel, Status: models.TaskCreated, CreatedAt: now}))

	report, err := f.job.Run(f.ctx, "draft")
	require.NoError(t, err)
	require.Equal(t, Report{}, report)

	_, err = f.job.Run(f.ctx, "missing")
	require.ErrorIs(t, err, models.ErrNotFound)
}

var errTransient = errors.New("transient db error")

// flakyStore fails the first verdict or the first completing data write it sees.
type flakyStore struct {
	*store.Memory
	failVerdict  bool
	failComplete bool
}

func (s *flakyStore) ApplyVerdict(ctx context.Context, taskID string, index int, dataID, userID string, pass bool) (models.FlowData, error) {
	if s.failVerdict {
		s.failVerdict = false
		return models.FlowData{}, errTransient
	}
	return s.Memory.ApplyVerdict(ctx, taskID, index, dataID, userID, pass)
}

func (s *flakyStore) UpdateData(ctx context.Context, id string, u models.DataUpdate) error {
	if s.failComplete && u.Status != nil && *u.Status == models.DataCompleted {
		s.failComplete = false
		return errTransient
	}
	return s.Memory.UpdateData(ctx, id, u)
}

func (f *fixture) flakyEngine(fs *flakyStore) *engine.Engine {
	return engine.NewWithClock(fs, slog.New(slog.NewTextHandler(io.Discard, nil)), f.clock.Now)
}

func TestSettleReappliesVerdictOfInterruptedAuditCommit(t *testing.T) {
	f := newFixture(t)
	f.labelTask(t, "label")
	f.auditTask(t, "audit", "label", false, models.Flow{SampleRatio: 100, MaxAuditCount: 3, PassAuditCount: 2})
	f.completeUpstream(t, "label", 1, f.clock.Now().Add(-10*time.Second))
	_, err := f.job.Run(f.ctx, "audit")
	require.NoError(t, err)

	eng := f.flakyEngine(&flakyStore{Memory: f.st, failVerdict: true})
	u1 := engine.Worker{ID: "u1"}
	c, err := eng.Get(f.ctx, "audit", u1, 1)
	require.NoError(t, err)
	judgment := models.Judgment{Pass: true, DataEvaluation: map[string]any{"note": "fine"}}
	require.ErrorIs(t, eng.Commit(f.ctx, "audit", u1, c.Data.ID, 1, judgment), errTransient)
	require.ErrorIs(t, eng.Commit(f.ctx, "audit", u1, c.Data.ID, 1, judgment), models.ErrNotOwner)

	// a commit this recent may still be running
	report, err := f.job.Run(f.ctx, "audit")
	require.NoError(t, err)
	require.Zero(t, report.Settled)

	f.clock.Advance(6 * time.Second)
	report, err = f.job.Run(f.ctx, "audit")
	require.NoError(t, err)
	require.Equal(t, 1, report.Settled)

	fd, err := f.st.GetFlowData(f.ctx, "audit", 1, c.Data.ID)
	require.NoError(t, err)
	require.Equal(t, models.FlowDataPending, fd.Status)
	require.Equal(t, 2, fd.RemainAuditCount)
	require.Equal(t, 1, fd.RemainPassCount)
	require.Equal(t, []string{"u1"}, fd.PassAuditUserIDs)

	d, err := f.st.GetData(f.ctx, c.Data.ID)
	require.NoError(t, err)
	require.Len(t, d.Evaluation.DataEvaluation, 1)
	require.Equal(t, "fine", d.Evaluation.DataEvaluation[0]["note"])

	report, err = f.job.Run(f.ctx, "audit")
	require.NoError(t, err)
	require.Zero(t, report.Settled)

	u2 := engine.Worker{ID: "u2"}
	next, err := f.eng.Get(f.ctx, "audit", u2, 1)
	require.NoError(t, err)
	require.Equal(t, c.Data.ID, next.Data.ID)
	require.NoError(t, f.eng.Commit(f.ctx, "audit", u2, next.Data.ID, 1, models.Judgment{Pass: true}))

	d, err = f.st.GetData(f.ctx, c.Data.ID)
	require.NoError(t, err)
	require.Equal(t, models.DataCompleted, d.Status)
	require.Len(t, d.Evaluation.DataEvaluation, 2)
}

func TestSettleResolvesRoundWhenReappliedVerdictDecidesIt(t *testing.T) {
	f := newFixture(t)
	f.labelTask(t, "label")
	f.auditTask(t, "audit", "label", true, models.Flow{SampleRatio: 100, MaxAuditCount: 1, PassAuditCount: 1})
	f.completeUpstream(t, "label", 1, f.clock.Now().Add(-10*time.Second))
	_, err := f.job.Run(f.ctx, "audit")
	require.NoError(t, err)

	eng := f.flakyEngine(&flakyStore{Memory: f.st, failVerdict: true})
	u1 := engine.Worker{ID: "u1"}
	c, err := eng.Get(f.ctx, "audit", u1, 1)
	require.NoError(t, err)
	require.Error(t, eng.Commit(f.ctx, "audit", u1, c.Data.ID, 1, models.Judgment{Pass: false}))

	f.clock.Advance(6 * time.Second)
	report, err := f.job.Run(f.ctx, "audit")
	require.NoError(t, err)
	require.Equal(t, 1, report.Settled)

	fd, err := f.st.GetFlowData(f.ctx, "audit", 1, c.Data.ID)
	require.NoError(t, err)
	require.Equal(t, models.FlowDataCompleted, fd.Status)
	require.Equal(t, []string{"u1"}, fd.RejectAuditUserIDs)
	d, err := f.st.GetData(f.ctx, c.Data.ID)
	require.NoError(t, err)
	require.Equal(t, models.DataDiscarded, d.Status)
	task, err := f.st.GetTask(f.ctx, "audit")
	require.NoError(t, err)
	require.Equal(t, []string{c.Data.ID}, task.RecreateDataIDs)
}

func TestSettleCompletesInterruptedLabelCommit(t *testing.T) {
	f := newFixture(t)
	f.labelTask(t, "label")
	now := f.clock.Now()
	require.NoError(t, f.st.InsertData(f.ctx, []models.Data{{
		ID: "d1", TaskID: "label", QuestionnaireID: "q1", Status: models.DataPending, CreatedAt: now, UpdatedAt: now,
	}}))

	eng := f.flakyEngine(&flakyStore{Memory: f.st, failComplete: true})
	u1 := engine.Worker{ID: "u1"}
	c, err := eng.Get(f.ctx, "label", u1, 0)
	require.NoError(t, err)
	judgment := models.Judgment{ConversationEvaluation: map[string]any{"score": 5}}
	require.ErrorIs(t, eng.Commit(f.ctx, "label", u1, c.Data.ID, 0, judgment), errTransient)
	require.ErrorIs(t, eng.Commit(f.ctx, "label", u1, c.Data.ID, 0, judgment), models.ErrNotOwner)

	f.clock.Advance(6 * time.Second)
	report, err := f.job.Run(f.ctx, "label")
	require.NoError(t, err)
	require.Equal(t, 1, report.Settled)

	d, err := f.st.GetData(f.ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, models.DataCompleted, d.Status)
	require.Equal(t, 5, d.Evaluation.ConversationEvaluation["score"])
}

func TestSettleReturnsUnclaimedItemsToPending(t *testing.T) {
	f := newFixture(t)
	f.labelTask(t, "label")
	now := f.clock.Now()
	require.NoError(t, f.st.InsertData(f.ctx, []models.Data{{
		ID: "d1", TaskID: "label", QuestionnaireID: "q1", Status: models.DataProcessing, CreatedAt: now, UpdatedAt: now,
	}}))

	report, err := f.job.Run(f.ctx, "label")
	require.NoError(t, err)
	require.Zero(t, report.Settled)

	f.clock.Advance(6 * time.Second)
	report, err = f.job.Run(f.ctx, "label")
	require.NoError(t, err)
	require.Equal(t, 1, report.Settled)

	c, err := f.eng.Get(f.ctx, "label", engine.Worker{ID: "u1"}, 0)
	require.NoError(t, err)
	require.Equal(t, "d1", c.Data.ID)
}

func TestSettleLeavesLiveClaimsAlone(t *testing.T) {
	f := newFixture(t)
	f.labelTask(t, "label")
	now := f.clock.Now()
	require.NoError(t, f.st.InsertData(f.ctx, []models.Data{{
		ID: "d1", TaskID: "label", QuestionnaireID: "q1", Status: models.DataPending, CreatedAt: now, UpdatedAt: now,
	}}))
	_, err := f.eng.Get(f.ctx, "label", engine.Worker{ID: "u1"}, 0)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	report, err := f.job.Run(f.ctx, "label")
	require.NoError(t, err)
	require.Zero(t, report.Settled)

	d, err := f.st.GetData(f.ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, models.DataProcessing, d.Status)
}
