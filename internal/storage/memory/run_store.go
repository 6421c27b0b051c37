package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"valuation-lab/internal/domain"
	"valuation-lab/internal/runstate"
	"valuation-lab/internal/storage"
)

// RunStore is an in-memory implementation of storage.RunStore. It also owns
// the task map so the queue and the state machine see one consistent view
// under one lock, the role the database plays for the postgres backend.
type RunStore struct {
	mu    sync.Mutex
	runs  map[string]*domain.Run
	tasks map[string]*domain.RunTask
}

// NewRunStore creates a new in-memory run store.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:  make(map[string]*domain.Run),
		tasks: make(map[string]*domain.RunTask),
	}
}

// Compile-time interface check.
var _ storage.RunStore = (*RunStore)(nil)

// CreateWithTasks inserts the run and its tasks atomically.
func (s *RunStore) CreateWithTasks(_ context.Context, run *domain.Run, tasks []*domain.RunTask) error {
	if run == nil || run.RunID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.RunID]; exists {
		return storage.ErrDuplicateKey
	}
	for _, task := range tasks {
		if _, exists := s.tasks[task.TaskID]; exists {
			return storage.ErrDuplicateKey
		}
	}

	now := time.Now().UTC()
	stored := *run
	s.runs[run.RunID] = &stored
	for _, task := range tasks {
		t := *task
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if t.UpdatedAt.IsZero() {
			t.UpdatedAt = now
		}
		s.tasks[task.TaskID] = &t
	}
	return nil
}

// Get retrieves a run by id.
func (s *RunStore) Get(_ context.Context, runID string) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *run
	return &copied, nil
}

// List retrieves runs ordered by requested_at descending.
func (s *RunStore) List(_ context.Context, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	runs := make([]*domain.Run, 0, len(s.runs))
	for _, run := range s.runs {
		copied := *run
		runs = append(runs, &copied)
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].RequestedAt.Equal(runs[j].RequestedAt) {
			return runs[i].RequestedAt.After(runs[j].RequestedAt)
		}
		return runs[i].RunID < runs[j].RunID
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// TaskCounts aggregates task statuses for a run.
func (s *RunStore) TaskCounts(_ context.Context, runID string) (domain.TaskCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countsLocked(runID), nil
}

func (s *RunStore) countsLocked(runID string) domain.TaskCounts {
	var counts domain.TaskCounts
	for _, task := range s.tasks {
		if task.RunID != runID {
			continue
		}
		switch task.Status {
		case domain.TaskQueued:
			counts.Queued++
		case domain.TaskRunning:
			counts.Running++
		case domain.TaskSucceeded:
			counts.Succeeded++
		case domain.TaskFailed:
			counts.Failed++
		case domain.TaskDead:
			counts.Dead++
		}
	}
	return counts
}

// ListTasks retrieves all tasks of a run ordered by task_id.
func (s *RunStore) ListTasks(_ context.Context, runID string) ([]*domain.RunTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []*domain.RunTask
	for _, task := range s.tasks {
		if task.RunID == runID {
			copied := *task
			tasks = append(tasks, &copied)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].TaskID < tasks[j].TaskID })
	return tasks, nil
}

// RequestCancel moves a QUEUED or RUNNING run to CANCELLING and finalizes
// immediately in case nothing is in flight.
func (s *RunStore) RequestCancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	run, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return storage.ErrNotFound
	}
	if run.Status != domain.RunQueued && run.Status != domain.RunRunning {
		status := run.Status
		s.mu.Unlock()
		return fmt.Errorf("%w: run is %s", storage.ErrInvalidInput, status)
	}
	run.Status = domain.RunCancelling
	s.mu.Unlock()

	_, err := s.FinalizeIfDone(ctx, runID)
	return err
}

// FinalizeIfDone recomputes the run status from task counts under the lock.
func (s *RunStore) FinalizeIfDone(_ context.Context, runID string) (domain.RunStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return "", storage.ErrNotFound
	}

	counts := s.countsLocked(runID)
	next, changed := runstate.Decide(run.Status, counts)
	if !changed {
		return next, nil
	}

	now := time.Now().UTC()
	if next == domain.RunCancelled && counts.Queued > 0 {
		for _, task := range s.tasks {
			if task.RunID == runID && task.Status == domain.TaskQueued {
				task.Status = domain.TaskDead
				task.LastError = "run cancelled"
				task.LeasedUntil = nil
				task.LeaseOwner = ""
				task.UpdatedAt = now
			}
		}
		counts.Dead += counts.Queued
		counts.Queued = 0
	}

	run.Status = next
	if next.Terminal() {
		completed := now
		run.CompletedAt = &completed
		run.Summary, run.Error = s.digestLocked(runID, next, counts)
	} else if run.StartedAt == nil {
		started := now
		run.StartedAt = &started
	}
	return next, nil
}

func (s *RunStore) digestLocked(runID string, next domain.RunStatus, counts domain.TaskCounts) (summary, errText string) {
	var deadErrors []string
	if counts.Dead > 0 {
		var ids []string
		for id, task := range s.tasks {
			if task.RunID == runID && task.Status == domain.TaskDead && task.LastError != "" {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		for _, id := range ids {
			if len(deadErrors) == 5 {
				break
			}
			deadErrors = append(deadErrors, s.tasks[id].LastError)
		}
	}

	digest := struct {
		Succeeded  int      `json:"succeeded"`
		Dead       int      `json:"dead"`
		Total      int      `json:"total"`
		DeadErrors []string `json:"dead_errors,omitempty"`
	}{counts.Succeeded, counts.Dead, counts.Total(), deadErrors}

	raw, _ := json.Marshal(digest)
	summary = string(raw)
	if next == domain.RunFailed {
		errText = strings.Join(deadErrors, "; ")
		if errText == "" {
			errText = "all tasks dead"
		}
	}
	return summary, errText
}
