package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"valuation-lab/internal/domain"
	"valuation-lab/internal/storage"
)

// TaskQueue is an in-memory implementation of storage.TaskQueue operating on
// a RunStore's task map so claims and run transitions share one lock.
type TaskQueue struct {
	rs *RunStore
}

// NewTaskQueue creates a queue over the given run store.
func NewTaskQueue(rs *RunStore) *TaskQueue {
	return &TaskQueue{rs: rs}
}

// Compile-time interface check.
var _ storage.TaskQueue = (*TaskQueue)(nil)

const maxLastErrorLen = 4000

// Claim leases one claimable task: QUEUED or lapsed-RUNNING, live run,
// attempts remaining; oldest updated_at first, ties by task_id.
func (q *TaskQueue) Claim(_ context.Context, workerID string, lease time.Duration) (*domain.RunTask, error) {
	q.rs.mu.Lock()
	defer q.rs.mu.Unlock()

	now := time.Now().UTC()

	var candidates []*domain.RunTask
	for _, task := range q.rs.tasks {
		run, ok := q.rs.runs[task.RunID]
		if !ok || (run.Status != domain.RunQueued && run.Status != domain.RunRunning) {
			continue
		}
		if task.Attempt >= task.MaxAttempts {
			continue
		}
		claimable := task.Status == domain.TaskQueued ||
			(task.Status == domain.TaskRunning && task.LeasedUntil != nil && !task.LeasedUntil.After(now))
		if claimable {
			candidates = append(candidates, task)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].UpdatedAt.Equal(candidates[j].UpdatedAt) {
			return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt)
		}
		return candidates[i].TaskID < candidates[j].TaskID
	})

	task := candidates[0]
	leasedUntil := now.Add(lease)
	task.Status = domain.TaskRunning
	task.LeasedUntil = &leasedUntil
	task.LeaseOwner = workerID
	task.Attempt++
	task.UpdatedAt = now

	if run := q.rs.runs[task.RunID]; run.Status == domain.RunQueued {
		run.Status = domain.RunRunning
		started := now
		run.StartedAt = &started
	}

	copied := *task
	return &copied, nil
}

// Heartbeat refreshes the lease iff still held by workerID.
func (q *TaskQueue) Heartbeat(_ context.Context, taskID, workerID string, lease time.Duration) error {
	q.rs.mu.Lock()
	defer q.rs.mu.Unlock()

	task, err := q.leasedTaskLocked(taskID, workerID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	leasedUntil := now.Add(lease)
	task.LeasedUntil = &leasedUntil
	task.UpdatedAt = now

	if run, ok := q.rs.runs[task.RunID]; ok && run.Status == domain.RunCancelling {
		return storage.ErrRunCancelling
	}
	return nil
}

// Succeed finalizes the task iff the lease is current.
func (q *TaskQueue) Succeed(_ context.Context, taskID, workerID, note string) error {
	q.rs.mu.Lock()
	defer q.rs.mu.Unlock()

	task, err := q.leasedTaskLocked(taskID, workerID)
	if err != nil {
		return err
	}

	task.Status = domain.TaskSucceeded
	task.LeasedUntil = nil
	task.LastError = truncate(note)
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail records a failure iff the lease is current.
func (q *TaskQueue) Fail(_ context.Context, taskID, workerID, taskErr string, retriable bool) error {
	q.rs.mu.Lock()
	defer q.rs.mu.Unlock()

	task, err := q.leasedTaskLocked(taskID, workerID)
	if err != nil {
		return err
	}

	entry := fmt.Sprintf("attempt %d: %s", task.Attempt, taskErr)
	if task.LastError != "" {
		entry = task.LastError + "; " + entry
	}
	task.LastError = truncate(entry)

	if retriable && task.Attempt < task.MaxAttempts {
		task.Status = domain.TaskQueued
	} else {
		task.Status = domain.TaskDead
	}
	task.LeasedUntil = nil
	task.LeaseOwner = ""
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// Reap requeues lapsed RUNNING tasks without touching attempt. Lapsed tasks
// out of attempts, or belonging to a cancelling run, go DEAD instead; their
// run ids are returned for finalization. Cancelling runs must dead-letter
// here because their tasks are no longer claimable, so no completion event
// would ever drain them.
func (q *TaskQueue) Reap(_ context.Context) (int, []string, error) {
	q.rs.mu.Lock()
	defer q.rs.mu.Unlock()

	now := time.Now().UTC()
	requeued := 0
	deadRunsSeen := make(map[string]bool)
	var deadRuns []string

	for _, task := range q.rs.tasks {
		if task.Status != domain.TaskRunning || task.LeasedUntil == nil || task.LeasedUntil.After(now) {
			continue
		}
		task.LeasedUntil = nil
		task.LeaseOwner = ""
		task.UpdatedAt = now

		run, ok := q.rs.runs[task.RunID]
		cancelling := ok && run.Status == domain.RunCancelling
		switch {
		case cancelling || task.Attempt >= task.MaxAttempts:
			task.Status = domain.TaskDead
			if cancelling {
				task.LastError = "run cancelled"
			} else {
				task.LastError = "lease expired after final attempt"
			}
			if !deadRunsSeen[task.RunID] {
				deadRunsSeen[task.RunID] = true
				deadRuns = append(deadRuns, task.RunID)
			}
		default:
			task.Status = domain.TaskQueued
			requeued++
		}
	}
	sort.Strings(deadRuns)
	return requeued, deadRuns, nil
}

// leasedTaskLocked returns the task iff workerID holds a live lease on it.
func (q *TaskQueue) leasedTaskLocked(taskID, workerID string) (*domain.RunTask, error) {
	task, ok := q.rs.tasks[taskID]
	if !ok {
		return nil, storage.ErrLeaseLost
	}
	if task.Status != domain.TaskRunning || task.LeaseOwner != workerID ||
		task.LeasedUntil == nil || !task.LeasedUntil.After(time.Now().UTC()) {
		return nil, storage.ErrLeaseLost
	}
	return task, nil
}

func truncate(s string) string {
	if len(s) > maxLastErrorLen {
		return s[:maxLastErrorLen]
	}
	return s
}
