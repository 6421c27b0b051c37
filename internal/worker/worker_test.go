package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valuation-lab/internal/domain"
	"valuation-lab/internal/idhash"
	"valuation-lab/internal/orchestrator"
	"valuation-lab/internal/pricer"
	"valuation-lab/internal/scenario"
	"valuation-lab/internal/storage/memory"
)

type fixture struct {
	runs      *memory.RunStore
	queue     *memory.TaskQueue
	markets   *memory.MarketSnapshotStore
	positions *memory.PositionSnapshotStore
	results   *memory.ResultStore
	orch      *orchestrator.Orchestrator
	worker    *Worker
}

var testAsOf = time.Date(2024, 3, 15, 17, 0, 0, 0, time.UTC)

func setup(t *testing.T, instruments InstrumentSource) *fixture {
	t.Helper()

	f := &fixture{
		runs:      memory.NewRunStore(),
		markets:   memory.NewMarketSnapshotStore(),
		positions: memory.NewPositionSnapshotStore(),
		results:   memory.NewResultStore(),
	}
	f.queue = memory.NewTaskQueue(f.runs)

	registry, err := pricer.Bootstrap()
	require.NoError(t, err)

	f.orch = orchestrator.New(orchestrator.Options{
		RunStore:          f.runs,
		MarketSnapshots:   f.markets,
		PositionSnapshots: f.positions,
		Scenarios:         scenario.NewEngine(),
	})
	f.worker = New(Options{
		Queue:             f.queue,
		Runs:              f.runs,
		MarketSnapshots:   f.markets,
		PositionSnapshots: f.positions,
		Results:           f.results,
		Instruments:       instruments,
		Registry:          registry,
		Scenarios:         scenario.NewEngine(),
		WorkerID:          "w-test",
		Lease:             time.Minute,
		IdleSleep:         time.Millisecond,
	})
	return f
}

func (f *fixture) seedMarket(t *testing.T, rate float64) {
	t.Helper()

	payload := domain.MarketPayload{
		Curves: []domain.Curve{
			{ID: "USD-OIS", Nodes: []domain.CurveNode{
				{Tenor: "1Y", Rate: rate},
				{Tenor: "5Y", Rate: rate},
			}},
		},
		FXSpots: []domain.FXSpot{{Pair: "EURUSD", Rate: 1.10}},
	}
	hash, err := idhash.Hash(payload)
	require.NoError(t, err)

	require.NoError(t, f.markets.Put(context.Background(), &domain.MarketSnapshot{
		SnapshotID:  "ms-1",
		AsOfTime:    testAsOf,
		Payload:     payload,
		DQStatus:    domain.DQPass,
		PayloadHash: hash,
	}))
}

func (f *fixture) seedPositions(t *testing.T, nodeID string, positions ...domain.Position) {
	t.Helper()

	hash, err := idhash.Hash(positions)
	require.NoError(t, err)
	_, err = f.positions.Put(context.Background(), &domain.PositionSnapshot{
		PositionSnapshotID: idhash.PositionSnapshotID(nodeID, hash),
		AsOfTime:           testAsOf.Add(-time.Hour),
		PortfolioNodeID:    nodeID,
		Positions:          positions,
		PayloadHash:        hash,
	})
	require.NoError(t, err)
}

func (f *fixture) submit(t *testing.T, req *orchestrator.SubmitRequest) {
	t.Helper()
	_, err := f.orch.SubmitRun(context.Background(), req)
	require.NoError(t, err)
}

// drain runs claim cycles until the queue goes idle.
func (f *fixture) drain(t *testing.T) int {
	t.Helper()
	executed := 0
	for i := 0; i < 100; i++ {
		worked, err := f.worker.ProcessOne(context.Background())
		require.NoError(t, err)
		if !worked {
			return executed
		}
		executed++
	}
	t.Fatal("queue never went idle")
	return executed
}

func parBond(positionID string) domain.Position {
	return domain.Position{
		PositionID:   positionID,
		ProductType:  pricer.ProductFixedBond,
		BaseCurrency: "USD",
		Instrument:   map[string]any{"face": 100.0, "coupon": 0.05, "maturity": "5Y"},
	}
}

func baseRequest(runID string) *orchestrator.SubmitRequest {
	return &orchestrator.SubmitRequest{
		RunID:            runID,
		RunType:          domain.RunTypeEODOfficial,
		AsOfTime:         testAsOf,
		MarketSnapshotID: "ms-1",
		PortfolioScope:   []string{"BOOK-A"},
		Measures:         []string{domain.MeasurePV},
		Scenarios:        []domain.ScenarioRef{{ScenarioID: domain.ScenarioBase}},
	}
}

func TestWorker_CompletesParBondRun(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)
	f.seedMarket(t, 0.05)
	f.seedPositions(t, "BOOK-A", parBond("p1"))
	f.submit(t, baseRequest("run-1"))

	executed := f.drain(t)
	assert.Equal(t, 1, executed)

	run, err := f.runs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)

	tasks, err := f.runs.ListTasks(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskSucceeded, tasks[0].Status)
	assert.Empty(t, tasks[0].LastError)

	result, err := f.results.Get(ctx, "run-1", "p1", domain.ScenarioBase)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, result.Measures[domain.MeasurePV], 1e-4)
	assert.Equal(t, "w-test", result.ComputeMeta.WorkerID)
	assert.Equal(t, "fixed_bond_discounting", result.ComputeMeta.Pricer)
	assert.NotEmpty(t, result.InputHash)
}

func TestWorker_PricesEveryScenario(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)
	f.seedMarket(t, 0.05)
	f.seedPositions(t, "BOOK-A", parBond("p1"))

	req := baseRequest("run-1")
	req.Scenarios = []domain.ScenarioRef{
		{ScenarioID: domain.ScenarioBase},
		{ScenarioID: domain.ScenarioRatesParallel1},
	}
	f.submit(t, req)
	f.drain(t)

	basePV, err := f.results.Get(ctx, "run-1", "p1", domain.ScenarioBase)
	require.NoError(t, err)
	shockedPV, err := f.results.Get(ctx, "run-1", "p1", domain.ScenarioRatesParallel1)
	require.NoError(t, err)

	// A 1 bp parallel rate bump must cost a long bond value.
	assert.Less(t, shockedPV.Measures[domain.MeasurePV], basePV.Measures[domain.MeasurePV])
	assert.NotEqual(t, basePV.InputHash, shockedPV.InputHash)

	n, err := f.results.CountByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestWorker_PartitionsPositionsByBucket(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)
	f.seedMarket(t, 0.05)
	f.seedPositions(t, "BOOK-A", parBond("p1"), parBond("p2"), parBond("p3"))

	req := baseRequest("run-1")
	req.HashMod = 4
	f.submit(t, req)

	executed := f.drain(t)
	assert.Equal(t, 4, executed)

	run, err := f.runs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)

	// Every position priced exactly once across the bucket partition.
	n, err := f.results.CountByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestWorker_UnknownProductDeadLettersTask(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)
	f.seedMarket(t, 0.05)
	f.seedPositions(t, "BOOK-A",
		parBond("p1"),
		domain.Position{PositionID: "p2", ProductType: "EQUITY_OPTION", BaseCurrency: "USD"},
	)
	f.submit(t, baseRequest("run-1"))
	f.drain(t)

	tasks, err := f.runs.ListTasks(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	byProduct := make(map[string]*domain.RunTask)
	for _, task := range tasks {
		byProduct[task.ProductType] = task
	}
	assert.Equal(t, domain.TaskSucceeded, byProduct[pricer.ProductFixedBond].Status)
	assert.Equal(t, domain.TaskDead, byProduct["EQUITY_OPTION"].Status)
	assert.Contains(t, byProduct["EQUITY_OPTION"].LastError, "unknown_product")

	// The bond task succeeded, so the run completes with partial coverage.
	run, err := f.runs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Contains(t, run.Summary, "unknown_product")
}

func TestWorker_MissingInstrumentIsPositionError(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)
	f.seedMarket(t, 0.05)
	f.seedPositions(t, "BOOK-A",
		parBond("p1"),
		domain.Position{PositionID: "p2", ProductType: pricer.ProductFixedBond, BaseCurrency: "USD"},
	)
	f.submit(t, baseRequest("run-1"))
	f.drain(t)

	// One bad position never fails the task; it is skipped and noted.
	tasks, err := f.runs.ListTasks(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskSucceeded, tasks[0].Status)
	assert.Contains(t, tasks[0].LastError, "1 position errors")
	assert.Contains(t, tasks[0].LastError, "p2")

	_, err = f.results.Get(ctx, "run-1", "p1", domain.ScenarioBase)
	assert.NoError(t, err)
	n, err := f.results.CountByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWorker_ResolvesInstrumentFromSource(t *testing.T) {
	ctx := context.Background()
	source := NewStaticInstrumentSource(map[string]map[string]any{
		"bond-xyz": {"face": 100.0, "coupon": 0.05, "maturity": "5Y"},
	})
	f := setup(t, source)
	f.seedMarket(t, 0.05)
	f.seedPositions(t, "BOOK-A", domain.Position{
		PositionID:   "p1",
		ProductType:  pricer.ProductFixedBond,
		InstrumentID: "bond-xyz",
		BaseCurrency: "USD",
	})
	f.submit(t, baseRequest("run-1"))
	f.drain(t)

	result, err := f.results.Get(ctx, "run-1", "p1", domain.ScenarioBase)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, result.Measures[domain.MeasurePV], 1e-4)
}

func TestWorker_CancelledRunYieldsNoWork(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)
	f.seedMarket(t, 0.05)
	f.seedPositions(t, "BOOK-A", parBond("p1"))
	f.submit(t, baseRequest("run-1"))

	require.NoError(t, f.runs.RequestCancel(ctx, "run-1"))

	executed := f.drain(t)
	assert.Equal(t, 0, executed)

	run, err := f.runs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, run.Status)

	n, err := f.results.CountByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWorker_CrashDuringCancelFinalizesRun(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)
	f.seedMarket(t, 0.05)
	f.seedPositions(t, "BOOK-A", parBond("p1"))
	f.submit(t, baseRequest("run-1"))

	// A peer claims the only task and crashes, then the run is cancelled
	// while the lapsed lease is still on the books. The reap must produce
	// the completion event; nothing else will, since cancelling runs are
	// not claimable.
	task, err := f.queue.Claim(ctx, "w-crashed", -time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.NoError(t, f.runs.RequestCancel(ctx, "run-1"))

	executed := f.drain(t)
	assert.Equal(t, 0, executed)

	run, err := f.runs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, run.Status)

	tasks, err := f.runs.ListTasks(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskDead, tasks[0].Status)
	assert.Equal(t, "run cancelled", tasks[0].LastError)
}

func TestWorker_ReexecutionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)
	f.seedMarket(t, 0.05)
	f.seedPositions(t, "BOOK-A", parBond("p1"))
	f.submit(t, baseRequest("run-1"))

	// A peer claims with a lease that lapses immediately, simulating a crash
	// mid-attempt; the reap hands the task back without burning the budget.
	task, err := f.queue.Claim(ctx, "w-crashed", -time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	f.drain(t)

	first, err := f.results.Get(ctx, "run-1", "p1", domain.ScenarioBase)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, first.Measures[domain.MeasurePV], 1e-4)

	run, err := f.runs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)

	tasks, err := f.runs.ListTasks(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	// The reap requeued without charging the budget, the retry claimed it.
	assert.Equal(t, 2, tasks[0].Attempt)
	assert.Equal(t, domain.TaskSucceeded, tasks[0].Status)
}

func TestWorker_IdleClaimReportsNoWork(t *testing.T) {
	f := setup(t, nil)

	worked, err := f.worker.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestDigest(t *testing.T) {
	assert.Empty(t, digest(nil))
	assert.Equal(t, "a; b", digest([]string{"a", "b"}))
	assert.Equal(t, "a; b; c; d; e; and 2 more", digest([]string{"a", "b", "c", "d", "e", "f", "g"}))
}

func TestClassifyStoreError(t *testing.T) {
	kind, retriable := classifyStoreError(context.DeadlineExceeded)
	assert.Equal(t, kindTransientIO, kind)
	assert.True(t, retriable)
}
