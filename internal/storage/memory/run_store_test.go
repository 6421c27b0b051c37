package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valuation-lab/internal/domain"
	"valuation-lab/internal/storage"
)

func testRun(runID string) *domain.Run {
	return &domain.Run{
		RunID:            runID,
		RunType:          domain.RunTypeEODOfficial,
		Status:           domain.RunQueued,
		AsOfTime:         time.Date(2024, 3, 15, 17, 0, 0, 0, time.UTC),
		MarketSnapshotID: "ms-1",
		Measures:         []string{domain.MeasurePV},
		Scenarios:        []domain.ScenarioRef{{ScenarioID: domain.ScenarioBase}},
		PortfolioScope:   []string{"BOOK-A"},
		HashMod:          1,
		RequestedAt:      time.Now().UTC(),
	}
}

func testTask(taskID, runID string) *domain.RunTask {
	return &domain.RunTask{
		TaskID:             taskID,
		RunID:              runID,
		PortfolioNodeID:    "BOOK-A",
		ProductType:        "FIXED_BOND",
		PositionSnapshotID: "ps-1",
		HashMod:            1,
		HashBucket:         0,
		Status:             domain.TaskQueued,
		MaxAttempts:        3,
	}
}

func TestRunStore_CreateWithTasksAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewRunStore()

	tasks := []*domain.RunTask{testTask("t1", "run-1"), testTask("t2", "run-1")}
	require.NoError(t, store.CreateWithTasks(ctx, testRun("run-1"), tasks))

	run, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunQueued, run.Status)

	listed, err := store.ListTasks(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "t1", listed[0].TaskID)
	assert.Equal(t, "t2", listed[1].TaskID)
	assert.False(t, listed[0].CreatedAt.IsZero())
}

func TestRunStore_CreateDuplicateRunID(t *testing.T) {
	ctx := context.Background()
	store := NewRunStore()

	require.NoError(t, store.CreateWithTasks(ctx, testRun("run-1"), []*domain.RunTask{testTask("t1", "run-1")}))

	err := store.CreateWithTasks(ctx, testRun("run-1"), []*domain.RunTask{testTask("t9", "run-1")})
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func TestRunStore_GetNotFound(t *testing.T) {
	store := NewRunStore()

	_, err := store.Get(context.Background(), "run-missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunStore_List(t *testing.T) {
	ctx := context.Background()
	store := NewRunStore()

	early := testRun("run-early")
	early.RequestedAt = time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)
	late := testRun("run-late")
	late.RequestedAt = time.Date(2024, 3, 15, 17, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateWithTasks(ctx, early, nil))
	require.NoError(t, store.CreateWithTasks(ctx, late, nil))

	runs, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-late", runs[0].RunID)
	assert.Equal(t, "run-early", runs[1].RunID)

	runs, err = store.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-late", runs[0].RunID)
}

func TestRunStore_TaskCounts(t *testing.T) {
	ctx := context.Background()
	store := NewRunStore()
	queue := NewTaskQueue(store)

	tasks := []*domain.RunTask{testTask("t1", "run-1"), testTask("t2", "run-1"), testTask("t3", "run-1")}
	require.NoError(t, store.CreateWithTasks(ctx, testRun("run-1"), tasks))

	claimed, err := queue.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, queue.Succeed(ctx, claimed.TaskID, "w1", ""))

	claimed, err = queue.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	counts, err := store.TaskCounts(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCounts{Queued: 1, Running: 1, Succeeded: 1}, counts)
	assert.Equal(t, 3, counts.Total())
}

func TestRunStore_RequestCancelDeadLettersQueuedTasks(t *testing.T) {
	ctx := context.Background()
	store := NewRunStore()

	tasks := []*domain.RunTask{testTask("t1", "run-1"), testTask("t2", "run-1")}
	require.NoError(t, store.CreateWithTasks(ctx, testRun("run-1"), tasks))

	require.NoError(t, store.RequestCancel(ctx, "run-1"))

	run, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, run.Status)
	require.NotNil(t, run.CompletedAt)

	listed, err := store.ListTasks(ctx, "run-1")
	require.NoError(t, err)
	for _, task := range listed {
		assert.Equal(t, domain.TaskDead, task.Status)
		assert.Equal(t, "run cancelled", task.LastError)
		assert.Nil(t, task.LeasedUntil)
	}
}

func TestRunStore_RequestCancelWaitsForRunningTask(t *testing.T) {
	ctx := context.Background()
	store := NewRunStore()
	queue := NewTaskQueue(store)

	tasks := []*domain.RunTask{testTask("t1", "run-1"), testTask("t2", "run-1")}
	require.NoError(t, store.CreateWithTasks(ctx, testRun("run-1"), tasks))

	claimed, err := queue.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, store.RequestCancel(ctx, "run-1"))

	// The in-flight task keeps the run in CANCELLING until it resolves.
	run, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelling, run.Status)

	require.NoError(t, queue.Fail(ctx, claimed.TaskID, "w1", "cancelled: run cancelled", false))
	status, err := store.FinalizeIfDone(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, status)
}

func TestRunStore_RequestCancelInvalidStates(t *testing.T) {
	ctx := context.Background()
	store := NewRunStore()

	assert.ErrorIs(t, store.RequestCancel(ctx, "run-missing"), storage.ErrNotFound)

	require.NoError(t, store.CreateWithTasks(ctx, testRun("run-1"), nil))
	// Zero tasks finalize immediately, so the run is already terminal.
	_, err := store.FinalizeIfDone(ctx, "run-1")
	require.NoError(t, err)
	assert.ErrorIs(t, store.RequestCancel(ctx, "run-1"), storage.ErrInvalidInput)
}

func TestRunStore_FinalizeCompletedWithSummary(t *testing.T) {
	ctx := context.Background()
	store := NewRunStore()
	queue := NewTaskQueue(store)

	tasks := []*domain.RunTask{testTask("t1", "run-1"), testTask("t2", "run-1")}
	require.NoError(t, store.CreateWithTasks(ctx, testRun("run-1"), tasks))

	for i := 0; i < 2; i++ {
		claimed, err := queue.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, queue.Succeed(ctx, claimed.TaskID, "w1", ""))
	}

	status, err := store.FinalizeIfDone(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, status)

	run, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, run.Error)

	var digest struct {
		Succeeded int `json:"succeeded"`
		Dead      int `json:"dead"`
		Total     int `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(run.Summary), &digest))
	assert.Equal(t, 2, digest.Succeeded)
	assert.Equal(t, 0, digest.Dead)
	assert.Equal(t, 2, digest.Total)
}

func TestRunStore_FinalizeFailedCarriesDeadErrors(t *testing.T) {
	ctx := context.Background()
	store := NewRunStore()
	queue := NewTaskQueue(store)

	require.NoError(t, store.CreateWithTasks(ctx, testRun("run-1"), []*domain.RunTask{testTask("t1", "run-1")}))

	claimed, err := queue.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, queue.Fail(ctx, claimed.TaskID, "w1", "unknown_product: no pricer for EQUITY_OPTION", false))

	status, err := store.FinalizeIfDone(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, status)

	run, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Contains(t, run.Error, "unknown_product")
	assert.Contains(t, run.Summary, `"dead":1`)
}

func TestRunStore_FinalizeIsStableOnTerminalRun(t *testing.T) {
	ctx := context.Background()
	store := NewRunStore()

	require.NoError(t, store.CreateWithTasks(ctx, testRun("run-1"), []*domain.RunTask{testTask("t1", "run-1")}))
	require.NoError(t, store.RequestCancel(ctx, "run-1"))

	status, err := store.FinalizeIfDone(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, status)

	// A second finalize must not flap the status or timestamps.
	run1, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	status, err = store.FinalizeIfDone(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, status)
	run2, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run1.CompletedAt, run2.CompletedAt)
}
