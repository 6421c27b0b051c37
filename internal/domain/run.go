package domain

import "time"

// RunType classifies the purpose of a valuation run.
type RunType string

const (
	RunTypeEODOfficial RunType = "EOD_OFFICIAL"
	RunTypeIntraday    RunType = "INTRADAY"
	RunTypeSandbox     RunType = "SANDBOX"
)

// Valid reports whether t is a known run type.
func (t RunType) Valid() bool {
	switch t {
	case RunTypeEODOfficial, RunTypeIntraday, RunTypeSandbox:
		return true
	}
	return false
}

// RunStatus is the run lifecycle state.
type RunStatus string

const (
	RunQueued     RunStatus = "QUEUED"
	RunRunning    RunStatus = "RUNNING"
	RunCancelling RunStatus = "CANCELLING"
	RunCancelled  RunStatus = "CANCELLED"
	RunFailed     RunStatus = "FAILED"
	RunCompleted  RunStatus = "COMPLETED"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCancelled, RunFailed, RunCompleted:
		return true
	}
	return false
}

// ScenarioRef names one scenario requested for a run.
type ScenarioRef struct {
	ScenarioID string `json:"scenario_set_id"`
}

// Run is a client-requested batch valuation over a fixed market snapshot,
// portfolio scope, measure set and scenario sequence.
type Run struct {
	RunID            string
	RunType          RunType
	Status           RunStatus
	AsOfTime         time.Time
	MarketSnapshotID string
	Measures         []string
	Scenarios        []ScenarioRef
	PortfolioScope   []string
	HashMod          int
	RequestedAt      time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	Summary          string
	Error            string
}

// HasScenario reports whether the run requests the given scenario id.
func (r *Run) HasScenario(scenarioID string) bool {
	for _, s := range r.Scenarios {
		if s.ScenarioID == scenarioID {
			return true
		}
	}
	return false
}
