// Package orchestrator accepts run requests, validates them against stored
// snapshots and the scenario registry, and fans them out into queued tasks.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"valuation-lab/internal/domain"
	"valuation-lab/internal/idhash"
	"valuation-lab/internal/scenario"
	"valuation-lab/internal/storage"
)

// Validation failures surfaced to the boundary layer.
var (
	// ErrSnapshotNotAdmissible rejects runs over FAIL-quality market data.
	ErrSnapshotNotAdmissible = errors.New("market snapshot not admissible")

	// ErrEmptyFanOut rejects runs whose scope resolves to zero tasks.
	ErrEmptyFanOut = errors.New("run resolves to no tasks")
)

const defaultMaxAttempts = 3

// Orchestrator coordinates run submission.
type Orchestrator struct {
	runStore          storage.RunStore
	marketSnapshots   storage.MarketSnapshotStore
	positionSnapshots storage.PositionSnapshotStore
	scenarios         *scenario.Engine

	defaultHashMod int
	maxAttempts    int
	verbose        bool
	logger         *log.Logger
}

// Options for creating Orchestrator.
type Options struct {
	RunStore          storage.RunStore
	MarketSnapshots   storage.MarketSnapshotStore
	PositionSnapshots storage.PositionSnapshotStore
	Scenarios         *scenario.Engine

	// DefaultHashMod applies when the request omits hash_mod. Zero means 1.
	DefaultHashMod int
	// MaxAttempts is the per-task attempt budget. Zero means 3.
	MaxAttempts int

	Verbose bool
	Logger  *log.Logger
}

// New creates a new Orchestrator.
func New(opts Options) *Orchestrator {
	hashMod := opts.DefaultHashMod
	if hashMod < 1 {
		hashMod = 1
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		runStore:          opts.RunStore,
		marketSnapshots:   opts.MarketSnapshots,
		positionSnapshots: opts.PositionSnapshots,
		scenarios:         opts.Scenarios,
		defaultHashMod:    hashMod,
		maxAttempts:       maxAttempts,
		verbose:           opts.Verbose,
		logger:            logger,
	}
}

// SubmitRequest is a validated-on-entry run request.
type SubmitRequest struct {
	RunID            string
	RunType          domain.RunType
	AsOfTime         time.Time
	MarketSnapshotID string
	PortfolioScope   []string
	Measures         []string
	Scenarios        []domain.ScenarioRef
	HashMod          int
}

// SubmitResult reports the accepted run and its fan-out size.
type SubmitResult struct {
	Run       *domain.Run
	TaskCount int
}

// SubmitRun validates the request, resolves the portfolio scope to position
// snapshots, fans out one task per (node, product_type, bucket), and inserts
// the run with its tasks in one transaction. A run id collision returns
// storage.ErrDuplicateKey with nothing written.
func (o *Orchestrator) SubmitRun(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	run, err := o.buildRun(ctx, req)
	if err != nil {
		return nil, err
	}

	tasks, err := o.fanOut(ctx, run)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: scope %v has no positions", ErrEmptyFanOut, run.PortfolioScope)
	}

	if err := o.runStore.CreateWithTasks(ctx, run, tasks); err != nil {
		return nil, fmt.Errorf("create run %s: %w", run.RunID, err)
	}

	o.log("accepted run %s: %d tasks over %d nodes (hash_mod=%d)",
		run.RunID, len(tasks), len(run.PortfolioScope), run.HashMod)
	return &SubmitResult{Run: run, TaskCount: len(tasks)}, nil
}

// buildRun validates the request fields and assembles the QUEUED run record.
func (o *Orchestrator) buildRun(ctx context.Context, req *SubmitRequest) (*domain.Run, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", storage.ErrInvalidInput)
	}
	if !req.RunType.Valid() {
		return nil, fmt.Errorf("%w: unknown run_type %q", storage.ErrInvalidInput, req.RunType)
	}
	if req.AsOfTime.IsZero() {
		return nil, fmt.Errorf("%w: as_of_time is required", storage.ErrInvalidInput)
	}
	if len(req.PortfolioScope) == 0 {
		return nil, fmt.Errorf("%w: portfolio_scope is empty", storage.ErrInvalidInput)
	}
	if len(req.Measures) == 0 {
		return nil, fmt.Errorf("%w: measures is empty", storage.ErrInvalidInput)
	}
	for _, tag := range req.Measures {
		if !domain.ValidMeasureTag(tag) {
			return nil, fmt.Errorf("%w: invalid measure tag %q", storage.ErrInvalidInput, tag)
		}
	}
	if len(req.Scenarios) == 0 {
		return nil, fmt.Errorf("%w: scenarios is empty", storage.ErrInvalidInput)
	}
	hasBase := false
	for _, ref := range req.Scenarios {
		if !o.scenarios.Registered(ref.ScenarioID) {
			return nil, fmt.Errorf("%w: unknown scenario %q (registered: %v)",
				storage.ErrInvalidInput, ref.ScenarioID, o.scenarios.List())
		}
		if ref.ScenarioID == domain.ScenarioBase {
			hasBase = true
		}
	}
	// Every run carries the unshocked BASE scenario; requests that name only
	// shocks get it prepended.
	scenarios := append([]domain.ScenarioRef(nil), req.Scenarios...)
	if !hasBase {
		scenarios = append([]domain.ScenarioRef{{ScenarioID: domain.ScenarioBase}}, scenarios...)
	}

	hashMod := req.HashMod
	if hashMod == 0 {
		hashMod = o.defaultHashMod
	}
	if hashMod < 1 {
		return nil, fmt.Errorf("%w: hash_mod %d must be >= 1", storage.ErrInvalidInput, hashMod)
	}

	snap, err := o.marketSnapshots.Get(ctx, req.MarketSnapshotID)
	if err != nil {
		return nil, fmt.Errorf("market snapshot %s: %w", req.MarketSnapshotID, err)
	}
	if !snap.DQStatus.Admissible() {
		return nil, fmt.Errorf("%w: snapshot %s has dq_status %s",
			ErrSnapshotNotAdmissible, snap.SnapshotID, snap.DQStatus)
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	return &domain.Run{
		RunID:            runID,
		RunType:          req.RunType,
		Status:           domain.RunQueued,
		AsOfTime:         req.AsOfTime,
		MarketSnapshotID: snap.SnapshotID,
		Measures:         append([]string(nil), req.Measures...),
		Scenarios:        scenarios,
		PortfolioScope:   append([]string(nil), req.PortfolioScope...),
		HashMod:          hashMod,
		RequestedAt:      time.Now().UTC(),
	}, nil
}

// fanOut resolves each scope node to its latest position snapshot at or
// before as_of_time and emits one task per (node, product_type, bucket).
func (o *Orchestrator) fanOut(ctx context.Context, run *domain.Run) ([]*domain.RunTask, error) {
	now := time.Now().UTC()
	var tasks []*domain.RunTask

	for _, nodeID := range run.PortfolioScope {
		snap, err := o.positionSnapshots.LatestForNode(ctx, nodeID, run.AsOfTime)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("%w: no position snapshot for node %s at or before %s",
					storage.ErrInvalidInput, nodeID, run.AsOfTime.Format(time.RFC3339))
			}
			return nil, fmt.Errorf("resolve node %s: %w", nodeID, err)
		}

		for _, productType := range snap.ProductTypes() {
			for bucket := 0; bucket < run.HashMod; bucket++ {
				tasks = append(tasks, &domain.RunTask{
					TaskID:             idhash.TaskID(run.RunID, nodeID, productType, bucket),
					RunID:              run.RunID,
					PortfolioNodeID:    nodeID,
					ProductType:        productType,
					PositionSnapshotID: snap.PositionSnapshotID,
					HashMod:            run.HashMod,
					HashBucket:         bucket,
					Status:             domain.TaskQueued,
					Attempt:            0,
					MaxAttempts:        o.maxAttempts,
					CreatedAt:          now,
					UpdatedAt:          now,
				})
			}
		}
	}
	return tasks, nil
}

// RunStatus is a run with its live task counts.
type RunStatus struct {
	Run    *domain.Run
	Counts domain.TaskCounts
}

// Status retrieves a run together with its task counts.
func (o *Orchestrator) Status(ctx context.Context, runID string) (*RunStatus, error) {
	run, err := o.runStore.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	counts, err := o.runStore.TaskCounts(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("count tasks of run %s: %w", runID, err)
	}
	return &RunStatus{Run: run, Counts: counts}, nil
}

// Cancel requests cancellation of a QUEUED or RUNNING run.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	if err := o.runStore.RequestCancel(ctx, runID); err != nil {
		return fmt.Errorf("cancel run %s: %w", runID, err)
	}
	o.log("cancellation requested for run %s", runID)
	return nil
}

func (o *Orchestrator) log(format string, args ...interface{}) {
	if o.verbose {
		o.logger.Printf("[orchestrator] "+format, args...)
	}
}
