package storage

import (
	"context"
	"time"

	"valuation-lab/internal/domain"
)

// MarketSnapshotStore provides access to marketdata_snapshot storage.
type MarketSnapshotStore interface {
	// Put stores a snapshot. Same id + same payload hash is an idempotent
	// no-op; same id + different hash returns ErrHashMismatch.
	Put(ctx context.Context, snap *domain.MarketSnapshot) error

	// Get retrieves a snapshot by id. Returns ErrNotFound if not exists.
	Get(ctx context.Context, snapshotID string) (*domain.MarketSnapshot, error)
}

// PositionSnapshotStore provides access to position_snapshot storage.
type PositionSnapshotStore interface {
	// Put stores a snapshot, deduplicating by (portfolio_node_id,
	// payload_hash): when the pair already exists the stored id is returned
	// and nothing is written.
	Put(ctx context.Context, snap *domain.PositionSnapshot) (string, error)

	// Get retrieves a snapshot by id. Returns ErrNotFound if not exists.
	Get(ctx context.Context, positionSnapshotID string) (*domain.PositionSnapshot, error)

	// LatestForNode retrieves the newest snapshot for a portfolio node with
	// as_of_time at or before asOf. Returns ErrNotFound if none qualifies.
	LatestForNode(ctx context.Context, portfolioNodeID string, asOf time.Time) (*domain.PositionSnapshot, error)
}

// RunStore provides access to run storage and the run state machine.
type RunStore interface {
	// CreateWithTasks inserts the run row and all its task rows in a single
	// transaction. Returns ErrDuplicateKey (and writes nothing) if the run
	// id exists.
	CreateWithTasks(ctx context.Context, run *domain.Run, tasks []*domain.RunTask) error

	// Get retrieves a run by id. Returns ErrNotFound if not exists.
	Get(ctx context.Context, runID string) (*domain.Run, error)

	// List retrieves runs ordered by requested_at descending.
	List(ctx context.Context, limit int) ([]*domain.Run, error)

	// TaskCounts aggregates task statuses for a run.
	TaskCounts(ctx context.Context, runID string) (domain.TaskCounts, error)

	// ListTasks retrieves all tasks of a run ordered by task_id.
	ListTasks(ctx context.Context, runID string) ([]*domain.RunTask, error)

	// RequestCancel moves a QUEUED or RUNNING run to CANCELLING. Cancelling
	// a run in any other state returns ErrInvalidInput.
	RequestCancel(ctx context.Context, runID string) error

	// FinalizeIfDone recomputes the run status from its task counts inside a
	// transaction that locks the run row, applying the completion rules.
	// Returns the (possibly unchanged) status.
	FinalizeIfDone(ctx context.Context, runID string) (domain.RunStatus, error)
}

// TaskQueue is the durable lease-based task queue.
type TaskQueue interface {
	// Claim atomically leases one claimable task: QUEUED, or RUNNING with a
	// lapsed lease, skipping tasks of cancelling/cancelled runs and rows
	// locked by concurrent claimers. Increments attempt, stamps the worker
	// id, and moves the owning run to RUNNING on its first claim. Returns
	// (nil, nil) when no task is claimable.
	Claim(ctx context.Context, workerID string, lease time.Duration) (*domain.RunTask, error)

	// Heartbeat extends the lease. Returns ErrLeaseLost when the lease is no
	// longer held, ErrRunCancelling when the owning run is cancelling.
	Heartbeat(ctx context.Context, taskID, workerID string, lease time.Duration) error

	// Succeed finalizes a task as SUCCEEDED iff the lease is current; note
	// lands in last_error (used for per-position error digests).
	Succeed(ctx context.Context, taskID, workerID, note string) error

	// Fail records a failure iff the lease is current. Retriable failures
	// below the attempt budget requeue the task; everything else is DEAD.
	Fail(ctx context.Context, taskID, workerID, taskErr string, retriable bool) error

	// Reap requeues RUNNING tasks whose lease has lapsed without changing
	// attempt (the lapse itself made no progress). Lapsed tasks already out
	// of attempts are dead-lettered instead; their run ids are returned so
	// the caller can finalize those runs. Workers call it before claiming.
	Reap(ctx context.Context) (requeued int, deadRunIDs []string, err error)
}

// ResultStore provides access to valuation_result storage.
type ResultStore interface {
	// UpsertBatch idempotently writes results in one transaction. Rows whose
	// (run_id, position_id, scenario_id) exists with an equal input_hash are
	// no-ops; a differing input_hash overwrites (last writer wins) and is
	// reported back as a conflict diagnostic.
	UpsertBatch(ctx context.Context, results []*domain.ValuationResult) (conflicts []string, err error)

	// Get retrieves one result. Returns ErrNotFound if not exists.
	Get(ctx context.Context, runID, positionID, scenarioID string) (*domain.ValuationResult, error)

	// GetByRun retrieves all results for a run ordered by position then scenario.
	GetByRun(ctx context.Context, runID string) ([]*domain.ValuationResult, error)

	// CountByRun returns the number of result rows for a run.
	CountByRun(ctx context.Context, runID string) (int, error)
}

// ResultAnalyticsSink mirrors finished results into an analytics store for
// the downstream aggregation services. Mirroring is best-effort and never
// blocks task completion.
type ResultAnalyticsSink interface {
	MirrorResults(ctx context.Context, results []*domain.ValuationResult) error
}
