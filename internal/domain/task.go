package domain

import "time"

// TaskStatus is the run-task lifecycle state.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
	TaskDead      TaskStatus = "DEAD"
)

// Terminal reports whether the task can no longer be claimed.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskDead:
		return true
	}
	return false
}

// RunTask is one unit of work inside a run: all positions of one product type
// in one hash bucket of one portfolio node's snapshot.
//
// A task in RUNNING whose LeasedUntil has passed is reclaimable; the lease,
// not the status, is authoritative for ownership.
type RunTask struct {
	TaskID             string
	RunID              string
	PortfolioNodeID    string
	ProductType        string
	PositionSnapshotID string
	HashMod            int
	HashBucket         int
	Status             TaskStatus
	Attempt            int
	MaxAttempts        int
	LeasedUntil        *time.Time
	LeaseOwner         string
	LastError          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TaskCounts aggregates task statuses for one run.
type TaskCounts struct {
	Queued    int
	Running   int
	Succeeded int
	Failed    int
	Dead      int
}

// Total returns the number of tasks counted.
func (c TaskCounts) Total() int {
	return c.Queued + c.Running + c.Succeeded + c.Failed + c.Dead
}
