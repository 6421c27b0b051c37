package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"valuation-lab/internal/domain"
	"valuation-lab/internal/storage"
)

// ResultStore is an in-memory implementation of storage.ResultStore.
type ResultStore struct {
	mu   sync.RWMutex
	data map[string]*domain.ValuationResult // keyed by composite key
}

// NewResultStore creates a new in-memory result store.
func NewResultStore() *ResultStore {
	return &ResultStore{data: make(map[string]*domain.ValuationResult)}
}

// Compile-time interface check.
var _ storage.ResultStore = (*ResultStore)(nil)

func resultKey(runID, positionID, scenarioID string) string {
	return runID + "|" + positionID + "|" + scenarioID
}

// UpsertBatch writes results atomically with the input-hash idempotence rule:
// equal hash is a no-op, differing hash overwrites and is reported back.
func (s *ResultStore) UpsertBatch(_ context.Context, results []*domain.ValuationResult) ([]string, error) {
	if len(results) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var conflicts []string
	for _, r := range results {
		key := resultKey(r.RunID, r.PositionID, r.ScenarioID)
		existing, ok := s.data[key]
		if ok && existing.InputHash == r.InputHash {
			continue
		}
		if ok {
			conflicts = append(conflicts, fmt.Sprintf(
				"result conflict for (%s, %s, %s): input hash %s superseded by %s",
				r.RunID, r.PositionID, r.ScenarioID, existing.InputHash, r.InputHash))
		}

		stored := *r
		stored.Measures = copyMeasures(r.Measures)
		if ok {
			stored.CreatedAt = existing.CreatedAt
		} else if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		stored.UpdatedAt = now
		s.data[key] = &stored
	}
	return conflicts, nil
}

// Get retrieves one result.
func (s *ResultStore) Get(_ context.Context, runID, positionID, scenarioID string) (*domain.ValuationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.data[resultKey(runID, positionID, scenarioID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *r
	copied.Measures = copyMeasures(r.Measures)
	return &copied, nil
}

// GetByRun retrieves all results for a run ordered by position then scenario.
func (s *ResultStore) GetByRun(_ context.Context, runID string) ([]*domain.ValuationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*domain.ValuationResult
	for _, r := range s.data {
		if r.RunID != runID {
			continue
		}
		copied := *r
		copied.Measures = copyMeasures(r.Measures)
		results = append(results, &copied)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].PositionID != results[j].PositionID {
			return results[i].PositionID < results[j].PositionID
		}
		return results[i].ScenarioID < results[j].ScenarioID
	})
	return results, nil
}

// CountByRun returns the number of result rows for a run.
func (s *ResultStore) CountByRun(_ context.Context, runID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.data {
		if r.RunID == runID {
			n++
		}
	}
	return n, nil
}

func copyMeasures(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
