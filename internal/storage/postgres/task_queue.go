package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"valuation-lab/internal/domain"
	"valuation-lab/internal/storage"
)

// TaskQueue implements storage.TaskQueue using PostgreSQL row locks as the
// claim arbiter. Claim, heartbeat and completion each run as short separate
// transactions so no lock is held across pricing work.
type TaskQueue struct {
	pool *Pool
}

// NewTaskQueue creates a new TaskQueue.
func NewTaskQueue(pool *Pool) *TaskQueue {
	return &TaskQueue{pool: pool}
}

// Compile-time interface check.
var _ storage.TaskQueue = (*TaskQueue)(nil)

const taskColumns = `task_id, run_id, portfolio_node_id, product_type, position_snapshot_id,
	hash_mod, hash_bucket, status, attempt, max_attempts,
	leased_until, lease_owner, last_error, created_at, updated_at`

// maxLastErrorLen bounds the accumulated error digest on a task row.
const maxLastErrorLen = 4000

// Claim leases one claimable task. Candidate rows are QUEUED, or RUNNING with
// a lapsed lease, in runs that are still live; SKIP LOCKED keeps concurrent
// claimers off each other's rows. Ties on updated_at break by task_id.
func (q *TaskQueue) Claim(ctx context.Context, workerID string, lease time.Duration) (*domain.RunTask, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT t.task_id, t.run_id
		FROM run_task t
		JOIN run r ON r.run_id = t.run_id
		WHERE t.attempt < t.max_attempts
		  AND r.status IN ($1, $2)
		  AND (t.status = $3 OR (t.status = $4 AND t.leased_until <= now()))
		ORDER BY t.updated_at ASC, t.task_id ASC
		FOR UPDATE OF t SKIP LOCKED
		LIMIT 1
	`, string(domain.RunQueued), string(domain.RunRunning),
		string(domain.TaskQueued), string(domain.TaskRunning))

	var taskID, runID string
	if err := row.Scan(&taskID, &runID); err != nil {
		if isNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("select claimable task: %w", err)
	}

	claimed := tx.QueryRow(ctx, `
		UPDATE run_task
		SET status = $2, leased_until = now() + make_interval(secs => $3),
		    attempt = attempt + 1, lease_owner = $4, updated_at = now()
		WHERE task_id = $1
		RETURNING `+taskColumns,
		taskID, string(domain.TaskRunning), lease.Seconds(), workerID)

	task, err := scanTask(claimed)
	if err != nil {
		return nil, fmt.Errorf("lease task: %w", err)
	}

	// First claim of any task moves the run out of QUEUED.
	_, err = tx.Exec(ctx, `
		UPDATE run SET status = $2, started_at = COALESCE(started_at, now())
		WHERE run_id = $1 AND status = $3
	`, runID, string(domain.RunRunning), string(domain.RunQueued))
	if err != nil {
		return nil, fmt.Errorf("mark run running: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return task, nil
}

// Heartbeat refreshes the lease iff it is still held by workerID. Reports
// ErrRunCancelling so in-flight workers observe cancellation at the next
// heartbeat boundary.
func (q *TaskQueue) Heartbeat(ctx context.Context, taskID, workerID string, lease time.Duration) error {
	var runStatus string
	err := q.pool.QueryRow(ctx, `
		UPDATE run_task t
		SET leased_until = now() + make_interval(secs => $3), updated_at = now()
		FROM run r
		WHERE t.task_id = $1 AND t.lease_owner = $2
		  AND t.status = $4 AND t.leased_until > now()
		  AND r.run_id = t.run_id
		RETURNING r.status
	`, taskID, workerID, lease.Seconds(), string(domain.TaskRunning)).Scan(&runStatus)
	if err != nil {
		if isNotFoundError(err) {
			return storage.ErrLeaseLost
		}
		return fmt.Errorf("heartbeat task: %w", err)
	}

	if domain.RunStatus(runStatus) == domain.RunCancelling {
		return storage.ErrRunCancelling
	}
	return nil
}

// Succeed finalizes a task iff the lease is current. note (a per-position
// error digest, possibly empty) lands in last_error.
func (q *TaskQueue) Succeed(ctx context.Context, taskID, workerID, note string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE run_task
		SET status = $3, leased_until = NULL, last_error = $4, updated_at = now()
		WHERE task_id = $1 AND lease_owner = $2
		  AND status = $5 AND leased_until > now()
	`, taskID, workerID, string(domain.TaskSucceeded), truncateError(note), string(domain.TaskRunning))
	if err != nil {
		return fmt.Errorf("succeed task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrLeaseLost
	}
	return nil
}

// Fail records a failure iff the lease is current: requeue when retriable and
// under the attempt budget, DEAD otherwise. Error messages accumulate across
// attempts in last_error.
func (q *TaskQueue) Fail(ctx context.Context, taskID, workerID, taskErr string, retriable bool) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin fail tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		attempt     int
		maxAttempts int
		lastError   string
	)
	err = tx.QueryRow(ctx, `
		SELECT attempt, max_attempts, last_error FROM run_task
		WHERE task_id = $1 AND lease_owner = $2
		  AND status = $3 AND leased_until > now()
		FOR UPDATE
	`, taskID, workerID, string(domain.TaskRunning)).Scan(&attempt, &maxAttempts, &lastError)
	if err != nil {
		if isNotFoundError(err) {
			return storage.ErrLeaseLost
		}
		return fmt.Errorf("lock failing task: %w", err)
	}

	next := domain.TaskDead
	if retriable && attempt < maxAttempts {
		next = domain.TaskQueued
	}

	_, err = tx.Exec(ctx, `
		UPDATE run_task
		SET status = $2, leased_until = NULL, lease_owner = '', last_error = $3, updated_at = now()
		WHERE task_id = $1
	`, taskID, string(next), appendAttemptError(lastError, attempt, taskErr))
	if err != nil {
		return fmt.Errorf("record task failure: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit fail tx: %w", err)
	}
	return nil
}

// Reap requeues lapsed RUNNING tasks without touching attempt. Lapsed tasks
// already at their attempt budget, or belonging to a cancelling run, go DEAD
// instead; their run ids are returned for finalization. Cancelling runs must
// dead-letter here because their tasks are no longer claimable, so no
// completion event would ever drain them.
func (q *TaskQueue) Reap(ctx context.Context) (int, []string, error) {
	rows, err := q.pool.Query(ctx, `
		UPDATE run_task t
		SET status = $1, leased_until = NULL, lease_owner = '',
		    last_error = CASE WHEN r.status = $2 THEN $3 ELSE $4 END,
		    updated_at = now()
		FROM run r
		WHERE r.run_id = t.run_id
		  AND t.task_id IN (
			SELECT t2.task_id FROM run_task t2
			JOIN run r2 ON r2.run_id = t2.run_id
			WHERE t2.status = $5 AND t2.leased_until <= now()
			  AND (t2.attempt >= t2.max_attempts OR r2.status = $2)
			FOR UPDATE OF t2 SKIP LOCKED
		  )
		RETURNING t.run_id
	`, string(domain.TaskDead), string(domain.RunCancelling),
		"run cancelled", "lease expired after final attempt", string(domain.TaskRunning))
	if err != nil {
		return 0, nil, fmt.Errorf("dead-letter lapsed tasks: %w", err)
	}
	deadRuns, err := collectDistinct(rows)
	if err != nil {
		return 0, nil, err
	}

	tag, err := q.pool.Exec(ctx, `
		UPDATE run_task
		SET status = $1, leased_until = NULL, lease_owner = '', updated_at = now()
		WHERE task_id IN (
			SELECT task_id FROM run_task
			WHERE status = $2 AND leased_until <= now() AND attempt < max_attempts
			FOR UPDATE SKIP LOCKED
		)
	`, string(domain.TaskQueued), string(domain.TaskRunning))
	if err != nil {
		return 0, nil, fmt.Errorf("requeue lapsed tasks: %w", err)
	}

	return int(tag.RowsAffected()), deadRuns, nil
}

// collectDistinct drains a single-string-column result into a deduplicated slice.
func collectDistinct(rows pgx.Rows) ([]string, error) {
	defer rows.Close()

	seen := make(map[string]bool)
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan reaped run id: %w", err)
		}
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reaped run ids: %w", err)
	}
	return out, nil
}

// appendAttemptError accumulates per-attempt messages so a dead task shows
// its full failure history.
func appendAttemptError(prev string, attempt int, msg string) string {
	entry := fmt.Sprintf("attempt %d: %s", attempt, msg)
	if prev == "" {
		return truncateError(entry)
	}
	return truncateError(prev + "; " + entry)
}

func truncateError(s string) string {
	if len(s) > maxLastErrorLen {
		return s[:maxLastErrorLen]
	}
	return s
}

// scanTask scans one task row from any pgx row source.
func scanTask(row pgx.Row) (*domain.RunTask, error) {
	var (
		task   domain.RunTask
		status string
	)
	err := row.Scan(
		&task.TaskID,
		&task.RunID,
		&task.PortfolioNodeID,
		&task.ProductType,
		&task.PositionSnapshotID,
		&task.HashMod,
		&task.HashBucket,
		&status,
		&task.Attempt,
		&task.MaxAttempts,
		&task.LeasedUntil,
		&task.LeaseOwner,
		&task.LastError,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	task.Status = domain.TaskStatus(status)
	return &task, nil
}
