package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"valuation-lab/internal/domain"
	"valuation-lab/internal/runstate"
	"valuation-lab/internal/storage"
)

// RunStore implements storage.RunStore using PostgreSQL.
type RunStore struct {
	pool *Pool
}

// NewRunStore creates a new RunStore.
func NewRunStore(pool *Pool) *RunStore {
	return &RunStore{pool: pool}
}

// Compile-time interface check.
var _ storage.RunStore = (*RunStore)(nil)

const runColumns = `run_id, run_type, status, as_of_time, market_snapshot_id,
	measures, scenarios, portfolio_scope, hash_mod,
	requested_at, started_at, completed_at, summary, error`

// CreateWithTasks inserts the run and all its tasks atomically. Returns
// ErrDuplicateKey and writes nothing if the run id exists.
func (s *RunStore) CreateWithTasks(ctx context.Context, run *domain.Run, tasks []*domain.RunTask) error {
	if run == nil || run.RunID == "" {
		return storage.ErrInvalidInput
	}

	measures, err := json.Marshal(run.Measures)
	if err != nil {
		return fmt.Errorf("marshal measures: %w", err)
	}
	scenarios, err := json.Marshal(run.Scenarios)
	if err != nil {
		return fmt.Errorf("marshal scenarios: %w", err)
	}
	scope, err := json.Marshal(run.PortfolioScope)
	if err != nil {
		return fmt.Errorf("marshal portfolio scope: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO run (
			run_id, run_type, status, as_of_time, market_snapshot_id,
			measures, scenarios, portfolio_scope, hash_mod, requested_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		run.RunID,
		string(run.RunType),
		string(run.Status),
		run.AsOfTime,
		run.MarketSnapshotID,
		measures,
		scenarios,
		scope,
		run.HashMod,
		run.RequestedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert run: %w", err)
	}

	taskQuery := `
		INSERT INTO run_task (
			task_id, run_id, portfolio_node_id, product_type, position_snapshot_id,
			hash_mod, hash_bucket, status, attempt, max_attempts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	for _, task := range tasks {
		_, err := tx.Exec(ctx, taskQuery,
			task.TaskID,
			task.RunID,
			task.PortfolioNodeID,
			task.ProductType,
			task.PositionSnapshotID,
			task.HashMod,
			task.HashBucket,
			string(task.Status),
			task.Attempt,
			task.MaxAttempts,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert run task: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Get retrieves a run by id. Returns ErrNotFound if not exists.
func (s *RunStore) Get(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM run WHERE run_id = $1`, runID)
	run, err := scanRun(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// List retrieves runs ordered by requested_at descending.
func (s *RunStore) List(ctx context.Context, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM run ORDER BY requested_at DESC, run_id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}

// TaskCounts aggregates task statuses for a run.
func (s *RunStore) TaskCounts(ctx context.Context, runID string) (domain.TaskCounts, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM run_task WHERE run_id = $1 GROUP BY status`, runID)
	if err != nil {
		return domain.TaskCounts{}, fmt.Errorf("count run tasks: %w", err)
	}
	defer rows.Close()

	counts, err := scanTaskCounts(rows)
	if err != nil {
		return domain.TaskCounts{}, err
	}
	return counts, nil
}

// ListTasks retrieves all tasks of a run ordered by task_id.
func (s *RunStore) ListTasks(ctx context.Context, runID string) ([]*domain.RunTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM run_task WHERE run_id = $1 ORDER BY task_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.RunTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return tasks, nil
}

// RequestCancel moves a QUEUED or RUNNING run to CANCELLING, then finalizes
// immediately in case nothing is in flight.
func (s *RunStore) RequestCancel(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE run SET status = $2
		WHERE run_id = $1 AND status IN ($3, $4)
	`, runID, string(domain.RunCancelling), string(domain.RunQueued), string(domain.RunRunning))
	if err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var status string
		err := s.pool.QueryRow(ctx, `SELECT status FROM run WHERE run_id = $1`, runID).Scan(&status)
		if err != nil {
			if isNotFoundError(err) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("check run status: %w", err)
		}
		return fmt.Errorf("%w: run is %s", storage.ErrInvalidInput, status)
	}

	if _, err := s.FinalizeIfDone(ctx, runID); err != nil {
		return fmt.Errorf("finalize after cancel: %w", err)
	}
	return nil
}

// FinalizeIfDone recomputes the run status from task counts with the run row
// locked, so concurrent task completions serialize per run.
func (s *RunStore) FinalizeIfDone(ctx context.Context, runID string) (domain.RunStatus, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx,
		`SELECT status FROM run WHERE run_id = $1 FOR UPDATE`, runID).Scan(&current)
	if err != nil {
		if isNotFoundError(err) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("lock run row: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT status, count(*) FROM run_task WHERE run_id = $1 GROUP BY status`, runID)
	if err != nil {
		return "", fmt.Errorf("count run tasks: %w", err)
	}
	counts, err := scanTaskCounts(rows)
	if err != nil {
		return "", err
	}

	next, changed := runstate.Decide(domain.RunStatus(current), counts)
	if !changed {
		if err := tx.Commit(ctx); err != nil {
			return "", fmt.Errorf("commit tx: %w", err)
		}
		return next, nil
	}

	if next == domain.RunCancelled && counts.Queued > 0 {
		// Never-claimed tasks of a cancelled run are dead-lettered so the
		// run's task set still reaches a terminal state.
		_, err := tx.Exec(ctx, `
			UPDATE run_task
			SET status = $2, leased_until = NULL, lease_owner = '',
			    last_error = 'run cancelled', updated_at = now()
			WHERE run_id = $1 AND status = $3
		`, runID, string(domain.TaskDead), string(domain.TaskQueued))
		if err != nil {
			return "", fmt.Errorf("dead-letter cancelled tasks: %w", err)
		}
		counts.Dead += counts.Queued
		counts.Queued = 0
	}

	summary, errText, err := buildRunDigest(ctx, tx, runID, next, counts)
	if err != nil {
		return "", err
	}

	if next.Terminal() {
		_, err = tx.Exec(ctx, `
			UPDATE run SET status = $2, completed_at = now(), summary = $3, error = $4
			WHERE run_id = $1
		`, runID, string(next), summary, errText)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE run SET status = $2, started_at = COALESCE(started_at, now())
			WHERE run_id = $1
		`, runID, string(next))
	}
	if err != nil {
		return "", fmt.Errorf("update run status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return next, nil
}

// buildRunDigest renders the terminal summary and error aggregation: task
// counts plus a digest of dead-task errors.
func buildRunDigest(ctx context.Context, tx pgx.Tx, runID string, next domain.RunStatus, counts domain.TaskCounts) (summary, errText string, err error) {
	if !next.Terminal() {
		return "", "", nil
	}

	var deadErrors []string
	if counts.Dead > 0 {
		rows, err := tx.Query(ctx, `
			SELECT last_error FROM run_task
			WHERE run_id = $1 AND status = $2 AND last_error <> ''
			ORDER BY task_id LIMIT 5
		`, runID, string(domain.TaskDead))
		if err != nil {
			return "", "", fmt.Errorf("collect dead task errors: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var e string
			if err := rows.Scan(&e); err != nil {
				return "", "", fmt.Errorf("scan dead task error: %w", err)
			}
			deadErrors = append(deadErrors, e)
		}
		if err := rows.Err(); err != nil {
			return "", "", fmt.Errorf("iterate dead task errors: %w", err)
		}
	}

	digest := struct {
		Succeeded  int      `json:"succeeded"`
		Dead       int      `json:"dead"`
		Total      int      `json:"total"`
		DeadErrors []string `json:"dead_errors,omitempty"`
	}{counts.Succeeded, counts.Dead, counts.Total(), deadErrors}

	raw, err := json.Marshal(digest)
	if err != nil {
		return "", "", fmt.Errorf("marshal run digest: %w", err)
	}
	summary = string(raw)
	if next == domain.RunFailed {
		errText = strings.Join(deadErrors, "; ")
		if errText == "" {
			errText = "all tasks dead"
		}
	}
	return summary, errText, nil
}

// scanRun scans one run row from any pgx row source.
func scanRun(row pgx.Row) (*domain.Run, error) {
	var (
		run       domain.Run
		runType   string
		status    string
		measures  []byte
		scenarios []byte
		scope     []byte
	)
	err := row.Scan(
		&run.RunID,
		&runType,
		&status,
		&run.AsOfTime,
		&run.MarketSnapshotID,
		&measures,
		&scenarios,
		&scope,
		&run.HashMod,
		&run.RequestedAt,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Summary,
		&run.Error,
	)
	if err != nil {
		return nil, err
	}

	run.RunType = domain.RunType(runType)
	run.Status = domain.RunStatus(status)
	if err := json.Unmarshal(measures, &run.Measures); err != nil {
		return nil, fmt.Errorf("unmarshal measures: %w", err)
	}
	if err := json.Unmarshal(scenarios, &run.Scenarios); err != nil {
		return nil, fmt.Errorf("unmarshal scenarios: %w", err)
	}
	if err := json.Unmarshal(scope, &run.PortfolioScope); err != nil {
		return nil, fmt.Errorf("unmarshal portfolio scope: %w", err)
	}
	return &run, nil
}

// scanTaskCounts folds (status, count) rows into TaskCounts and closes rows.
func scanTaskCounts(rows pgx.Rows) (domain.TaskCounts, error) {
	defer rows.Close()

	var counts domain.TaskCounts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("scan task count: %w", err)
		}
		switch domain.TaskStatus(status) {
		case domain.TaskQueued:
			counts.Queued = n
		case domain.TaskRunning:
			counts.Running = n
		case domain.TaskSucceeded:
			counts.Succeeded = n
		case domain.TaskFailed:
			counts.Failed = n
		case domain.TaskDead:
			counts.Dead = n
		}
	}
	if err := rows.Err(); err != nil {
		return counts, fmt.Errorf("iterate task counts: %w", err)
	}
	return counts, nil
}
