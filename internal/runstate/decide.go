// Package runstate holds the pure decision logic of the run state machine.
// Backends apply it inside a transaction that locks the run row.
package runstate

import "valuation-lab/internal/domain"

// Decide returns the run status implied by its task counts and whether it
// differs from current. Terminal states never change.
//
// Rules: a cancelling run becomes CANCELLED once nothing is running; a run
// with no queued or running tasks is COMPLETED when at least one task
// succeeded and FAILED when all are dead; a queued run with work in flight
// is RUNNING.
func Decide(current domain.RunStatus, c domain.TaskCounts) (domain.RunStatus, bool) {
	if current.Terminal() {
		return current, false
	}

	if current == domain.RunCancelling {
		if c.Running == 0 {
			return domain.RunCancelled, true
		}
		return current, false
	}

	if c.Queued == 0 && c.Running == 0 {
		if c.Succeeded >= 1 {
			return domain.RunCompleted, true
		}
		if c.Dead > 0 {
			return domain.RunFailed, true
		}
		// A run with zero tasks completes vacuously empty-failed; the
		// orchestrator rejects empty fan-outs so this is unreachable in
		// practice.
		return domain.RunFailed, current != domain.RunFailed
	}

	if current == domain.RunQueued && c.Running > 0 {
		return domain.RunRunning, true
	}
	return current, false
}
