package history

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/stepflow/state"
	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	store, err := NewStore(db, zaptest.NewLogger(t))
	require.NoError(t, err)
	return store
}

func sampleResult(runID, workflowID string, status workflow.RunStatus) *workflow.RunResult {
	now := time.Now()
	return &workflow.RunResult{
		RunID:      runID,
		WorkflowID: workflowID,
		Status:     status,
		Reason:     workflow.ReasonCompleted,
		StartTime:  now.Add(-time.Second),
		EndTime:    now,
		Duration:   time.Second,
		State:      state.Snapshot{"x": float64(5), "y": "result"},
		Events: []workflow.ProgressEvent{
			{Kind: workflow.EventStepStarted, RunID: runID, StepID: "w"},
			{Kind: workflow.EventStepCompleted, RunID: runID, StepID: "w"},
			{Kind: workflow.EventWorkflowDone, RunID: runID, Reason: workflow.ReasonCompleted},
		},
		Steps: []*workflow.StepExecution{
			{
				StepID:    "w",
				Kind:      workflow.StepKindWorker,
				OutputKey: "y",
				StartTime: now.Add(-time.Second),
				EndTime:   now,
				Duration:  time.Second,
				Status:    workflow.ExecStatusCompleted,
			},
		},
	}
}

func TestStoreRecordAndGet(t *testing.T) {
	t.Parallel()

	store := setupStore(t)
	ctx := context.Background()

	result := sampleResult("run-1", "pipeline", workflow.RunStatusDone)
	require.NoError(t, store.Record(ctx, result))

	run, steps, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "pipeline", run.WorkflowID)
	assert.Equal(t, "done", run.Status)
	assert.Equal(t, "completed", run.Reason)
	assert.Equal(t, int64(1000), run.DurationMS)

	require.Len(t, steps, 1)
	assert.Equal(t, "w", steps[0].StepID)
	assert.Equal(t, "completed", steps[0].Status)
	assert.Equal(t, "y", steps[0].OutputKey)

	finalState, err := run.FinalState()
	require.NoError(t, err)
	assert.Equal(t, float64(5), finalState["x"])
	assert.Equal(t, "result", finalState["y"])

	events, err := run.EventLog()
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, workflow.EventWorkflowDone, events[2].Kind)
}

func TestStoreRecordFailedRun(t *testing.T) {
	t.Parallel()

	store := setupStore(t)
	ctx := context.Background()

	result := sampleResult("run-2", "pipeline", workflow.RunStatusFailed)
	result.Err = types.NewError(types.ErrWorkerExecutionFailed, "downstream unavailable").WithStepID("w")

	require.NoError(t, store.Record(ctx, result))

	run, _, err := store.GetRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, "failed", run.Status)
	assert.Contains(t, run.Error, "WORKER_EXECUTION_FAILED")
	assert.Contains(t, run.Error, "step w")
}

func TestStoreGetRunNotFound(t *testing.T) {
	t.Parallel()

	store := setupStore(t)
	_, _, err := store.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, types.ErrRunNotFound, types.GetErrorCode(err))
}

func TestStoreListRuns(t *testing.T) {
	t.Parallel()

	store := setupStore(t)
	ctx := context.Background()

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		result := sampleResult(id, "pipeline", workflow.RunStatusDone)
		result.StartTime = time.Now().Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Record(ctx, result))
	}
	other := sampleResult("run-d", "other", workflow.RunStatusDone)
	require.NoError(t, store.Record(ctx, other))

	runs, err := store.ListRuns(ctx, Query{WorkflowID: "pipeline"})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-c", runs[0].RunID, "most recent first")

	limited, err := store.ListRuns(ctx, Query{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	since, err := store.ListRuns(ctx, Query{Since: time.Now().Add(90 * time.Second)})
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "run-c", since[0].RunID)
}

func TestStoreListRunsByStatus(t *testing.T) {
	t.Parallel()

	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, sampleResult("run-ok", "pipeline", workflow.RunStatusDone)))
	failed := sampleResult("run-bad", "pipeline", workflow.RunStatusFailed)
	require.NoError(t, store.Record(ctx, failed))

	runs, err := store.ListRuns(ctx, Query{Status: string(workflow.RunStatusFailed)})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-bad", runs[0].RunID)
}

func TestStoreRecordDatabaseError(t *testing.T) {
	t.Parallel()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	dialector := postgres.New(postgres.Config{Conn: mockDB})
	gormDB, err := gorm.Open(dialector, &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)

	// Schema migration is mocked away; exercise Record's error path only.
	store := &Store{db: gormDB, logger: zaptest.NewLogger(t)}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "workflow_runs"`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err = store.Record(context.Background(), sampleResult("run-x", "pipeline", workflow.RunStatusDone))
	require.Error(t, err)
	assert.Equal(t, types.ErrHistoryUnavailable, types.GetErrorCode(err))
}

func TestStoreRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.Driver = "oracle"
	_, err := Open(opts, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}
