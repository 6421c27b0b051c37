package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valuation-lab/internal/domain"
	"valuation-lab/internal/idhash"
	"valuation-lab/internal/scenario"
	"valuation-lab/internal/storage"
	"valuation-lab/internal/storage/memory"
)

type fixture struct {
	orch      *Orchestrator
	runs      *memory.RunStore
	markets   *memory.MarketSnapshotStore
	positions *memory.PositionSnapshotStore
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		runs:      memory.NewRunStore(),
		markets:   memory.NewMarketSnapshotStore(),
		positions: memory.NewPositionSnapshotStore(),
	}
	f.orch = New(Options{
		RunStore:          f.runs,
		MarketSnapshots:   f.markets,
		PositionSnapshots: f.positions,
		Scenarios:         scenario.NewEngine(),
		DefaultHashMod:    1,
		MaxAttempts:       3,
	})
	return f
}

var testAsOf = time.Date(2024, 3, 15, 17, 0, 0, 0, time.UTC)

func (f *fixture) seedMarket(t *testing.T, id string, dq domain.DQStatus) {
	t.Helper()
	err := f.markets.Put(context.Background(), &domain.MarketSnapshot{
		SnapshotID:  id,
		AsOfTime:    testAsOf,
		Payload:     domain.MarketPayload{Curves: []domain.Curve{{ID: "USD-OIS"}}},
		DQStatus:    dq,
		PayloadHash: "mh-" + id,
	})
	require.NoError(t, err)
}

func (f *fixture) seedPositions(t *testing.T, nodeID string, positions ...domain.Position) {
	t.Helper()
	_, err := f.positions.Put(context.Background(), &domain.PositionSnapshot{
		PositionSnapshotID: "ps-" + nodeID,
		AsOfTime:           testAsOf.Add(-time.Hour),
		PortfolioNodeID:    nodeID,
		Positions:          positions,
		PayloadHash:        "ph-" + nodeID,
	})
	require.NoError(t, err)
}

func validRequest() *SubmitRequest {
	return &SubmitRequest{
		RunID:            "run-1",
		RunType:          domain.RunTypeEODOfficial,
		AsOfTime:         testAsOf,
		MarketSnapshotID: "ms-1",
		PortfolioScope:   []string{"BOOK-A"},
		Measures:         []string{domain.MeasurePV, domain.MeasureDV01},
		Scenarios:        []domain.ScenarioRef{{ScenarioID: domain.ScenarioBase}},
	}
}

func TestSubmitRun_FanOutPerNodeProductBucket(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.seedMarket(t, "ms-1", domain.DQPass)
	f.seedPositions(t, "BOOK-A",
		domain.Position{PositionID: "p1", ProductType: "FIXED_BOND"},
		domain.Position{PositionID: "p2", ProductType: "FX_FWD"},
		domain.Position{PositionID: "p3", ProductType: "FIXED_BOND"},
	)

	req := validRequest()
	req.HashMod = 4
	res, err := f.orch.SubmitRun(ctx, req)
	require.NoError(t, err)

	// Two product types times four buckets.
	assert.Equal(t, 8, res.TaskCount)
	assert.Equal(t, domain.RunQueued, res.Run.Status)

	tasks, err := f.runs.ListTasks(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, tasks, 8)
	want := make(map[string]bool)
	for _, productType := range []string{"FIXED_BOND", "FX_FWD"} {
		for bucket := 0; bucket < 4; bucket++ {
			want[idhash.TaskID("run-1", "BOOK-A", productType, bucket)] = true
		}
	}
	for _, task := range tasks {
		assert.True(t, want[task.TaskID], "unexpected task id %s", task.TaskID)
		assert.Equal(t, "ps-BOOK-A", task.PositionSnapshotID)
		assert.Equal(t, 4, task.HashMod)
		assert.Equal(t, 3, task.MaxAttempts)
		assert.Equal(t, 0, task.Attempt)
		assert.Equal(t, domain.TaskQueued, task.Status)
	}
}

func TestSubmitRun_ImplicitBaseScenario(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.seedMarket(t, "ms-1", domain.DQPass)
	f.seedPositions(t, "BOOK-A", domain.Position{PositionID: "p1", ProductType: "FIXED_BOND"})

	// A request naming only shocks still computes the unshocked baseline.
	req := validRequest()
	req.Scenarios = []domain.ScenarioRef{{ScenarioID: domain.ScenarioRatesParallel1}}
	res, err := f.orch.SubmitRun(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.Run.Scenarios, 2)
	assert.Equal(t, domain.ScenarioBase, res.Run.Scenarios[0].ScenarioID)
	assert.Equal(t, domain.ScenarioRatesParallel1, res.Run.Scenarios[1].ScenarioID)

	stored, err := f.runs.Get(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, stored.Scenarios, 2)
	assert.Equal(t, domain.ScenarioBase, stored.Scenarios[0].ScenarioID)

	// An explicit BASE is not duplicated, wherever it sits in the list.
	req = validRequest()
	req.RunID = "run-2"
	req.Scenarios = []domain.ScenarioRef{
		{ScenarioID: domain.ScenarioRatesParallel1},
		{ScenarioID: domain.ScenarioBase},
	}
	res, err = f.orch.SubmitRun(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.Run.Scenarios, 2)
}

func TestSubmitRun_MultiNodeScope(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.seedMarket(t, "ms-1", domain.DQWarn)
	f.seedPositions(t, "BOOK-A", domain.Position{PositionID: "p1", ProductType: "FIXED_BOND"})
	f.seedPositions(t, "BOOK-B", domain.Position{PositionID: "p2", ProductType: "FLOATING_LOAN"})

	req := validRequest()
	req.PortfolioScope = []string{"BOOK-A", "BOOK-B"}
	res, err := f.orch.SubmitRun(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TaskCount)
}

func TestSubmitRun_GeneratesRunID(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.seedMarket(t, "ms-1", domain.DQPass)
	f.seedPositions(t, "BOOK-A", domain.Position{PositionID: "p1", ProductType: "FIXED_BOND"})

	req := validRequest()
	req.RunID = ""
	res, err := f.orch.SubmitRun(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Run.RunID)

	_, err = f.runs.Get(ctx, res.Run.RunID)
	assert.NoError(t, err)
}

func TestSubmitRun_DuplicateRunID(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.seedMarket(t, "ms-1", domain.DQPass)
	f.seedPositions(t, "BOOK-A", domain.Position{PositionID: "p1", ProductType: "FIXED_BOND"})

	_, err := f.orch.SubmitRun(ctx, validRequest())
	require.NoError(t, err)

	_, err = f.orch.SubmitRun(ctx, validRequest())
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func TestSubmitRun_ValidationRejections(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.seedMarket(t, "ms-1", domain.DQPass)
	f.seedPositions(t, "BOOK-A", domain.Position{PositionID: "p1", ProductType: "FIXED_BOND"})

	tests := []struct {
		name   string
		mutate func(*SubmitRequest)
	}{
		{"unknown run type", func(r *SubmitRequest) { r.RunType = "BACKFILL" }},
		{"zero as of", func(r *SubmitRequest) { r.AsOfTime = time.Time{} }},
		{"empty scope", func(r *SubmitRequest) { r.PortfolioScope = nil }},
		{"empty measures", func(r *SubmitRequest) { r.Measures = nil }},
		{"invalid measure", func(r *SubmitRequest) { r.Measures = []string{"GAMMA"} }},
		{"empty scenarios", func(r *SubmitRequest) { r.Scenarios = nil }},
		{"unknown scenario", func(r *SubmitRequest) {
			r.Scenarios = []domain.ScenarioRef{{ScenarioID: "RATES_PARALLEL_100BP"}}
		}},
		{"negative hash mod", func(r *SubmitRequest) { r.HashMod = -2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			_, err := f.orch.SubmitRun(ctx, req)
			assert.ErrorIs(t, err, storage.ErrInvalidInput)

			// Rejected submissions leave no run behind.
			_, err = f.runs.Get(ctx, "run-1")
			assert.ErrorIs(t, err, storage.ErrNotFound)
		})
	}
}

func TestSubmitRun_InadmissibleSnapshot(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.seedMarket(t, "ms-1", domain.DQFail)
	f.seedPositions(t, "BOOK-A", domain.Position{PositionID: "p1", ProductType: "FIXED_BOND"})

	_, err := f.orch.SubmitRun(ctx, validRequest())
	assert.ErrorIs(t, err, ErrSnapshotNotAdmissible)
}

func TestSubmitRun_MissingMarketSnapshot(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.seedPositions(t, "BOOK-A", domain.Position{PositionID: "p1", ProductType: "FIXED_BOND"})

	_, err := f.orch.SubmitRun(ctx, validRequest())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSubmitRun_UnresolvableScopeNode(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.seedMarket(t, "ms-1", domain.DQPass)

	_, err := f.orch.SubmitRun(ctx, validRequest())
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestSubmitRun_EmptySnapshotRejected(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.seedMarket(t, "ms-1", domain.DQPass)
	f.seedPositions(t, "BOOK-A")

	_, err := f.orch.SubmitRun(ctx, validRequest())
	assert.ErrorIs(t, err, ErrEmptyFanOut)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.seedMarket(t, "ms-1", domain.DQPass)
	f.seedPositions(t, "BOOK-A", domain.Position{PositionID: "p1", ProductType: "FIXED_BOND"})

	_, err := f.orch.SubmitRun(ctx, validRequest())
	require.NoError(t, err)

	status, err := f.orch.Status(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunQueued, status.Run.Status)
	assert.Equal(t, domain.TaskCounts{Queued: 1}, status.Counts)

	_, err = f.orch.Status(ctx, "run-missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.seedMarket(t, "ms-1", domain.DQPass)
	f.seedPositions(t, "BOOK-A", domain.Position{PositionID: "p1", ProductType: "FIXED_BOND"})

	_, err := f.orch.SubmitRun(ctx, validRequest())
	require.NoError(t, err)

	require.NoError(t, f.orch.Cancel(ctx, "run-1"))

	status, err := f.orch.Status(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, status.Run.Status)

	assert.ErrorIs(t, f.orch.Cancel(ctx, "run-missing"), storage.ErrNotFound)
	// Cancelling a terminal run is rejected.
	assert.ErrorIs(t, f.orch.Cancel(ctx, "run-1"), storage.ErrInvalidInput)
}
