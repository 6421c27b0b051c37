package domain

import "time"

// ComputeMeta records which pricer produced a result and how long it took.
type ComputeMeta struct {
	Pricer        string `json:"pricer"`
	PricerVersion string `json:"pricer_version"`
	WorkerID      string `json:"worker_id"`
	ElapsedMicros int64  `json:"elapsed_micros"`
}

// ValuationResult is the per-(run, position, scenario) measure record.
// InputHash fingerprints the exact bytes that fed the pricer; repeated writes
// with an equal hash are no-ops, a differing hash is a conflict.
type ValuationResult struct {
	RunID           string
	PositionID      string
	ScenarioID      string
	PortfolioNodeID string
	ProductType     string
	BaseCurrency    string
	Measures        map[string]float64
	ComputeMeta     ComputeMeta
	InputHash       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
