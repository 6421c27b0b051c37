package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"valuation-lab/internal/domain"
	"valuation-lab/internal/storage"
)

// ResultStore implements storage.ResultStore using PostgreSQL.
type ResultStore struct {
	pool *Pool
}

// NewResultStore creates a new ResultStore.
func NewResultStore(pool *Pool) *ResultStore {
	return &ResultStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ResultStore = (*ResultStore)(nil)

const resultColumns = `run_id, position_id, scenario_id, portfolio_node_id, product_type,
	base_currency, measures, compute_meta, input_hash, created_at, updated_at`

// UpsertBatch writes results in one transaction. A row whose stored
// input_hash equals the incoming one is left untouched; a differing hash is
// overwritten (a successful retry supersedes a stale partial write) and
// reported as a conflict diagnostic for the caller to surface.
func (s *ResultStore) UpsertBatch(ctx context.Context, results []*domain.ValuationResult) ([]string, error) {
	if len(results) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var conflicts []string
	for _, r := range results {
		conflict, err := upsertOne(ctx, tx, r)
		if err != nil {
			return nil, err
		}
		if conflict != "" {
			conflicts = append(conflicts, conflict)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return conflicts, nil
}

func upsertOne(ctx context.Context, tx pgx.Tx, r *domain.ValuationResult) (string, error) {
	var existingHash string
	err := tx.QueryRow(ctx, `
		SELECT input_hash FROM valuation_result
		WHERE run_id = $1 AND position_id = $2 AND scenario_id = $3
		FOR UPDATE
	`, r.RunID, r.PositionID, r.ScenarioID).Scan(&existingHash)

	switch {
	case err == nil && existingHash == r.InputHash:
		// Identical inputs produced this row already; nothing to do.
		return "", nil
	case err != nil && !isNotFoundError(err):
		return "", fmt.Errorf("check existing result: %w", err)
	}

	measures, merr := json.Marshal(r.Measures)
	if merr != nil {
		return "", fmt.Errorf("marshal measures: %w", merr)
	}
	meta, merr := json.Marshal(r.ComputeMeta)
	if merr != nil {
		return "", fmt.Errorf("marshal compute meta: %w", merr)
	}

	_, werr := tx.Exec(ctx, `
		INSERT INTO valuation_result (
			run_id, position_id, scenario_id, portfolio_node_id, product_type,
			base_currency, measures, compute_meta, input_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, position_id, scenario_id) DO UPDATE SET
			portfolio_node_id = EXCLUDED.portfolio_node_id,
			product_type = EXCLUDED.product_type,
			base_currency = EXCLUDED.base_currency,
			measures = EXCLUDED.measures,
			compute_meta = EXCLUDED.compute_meta,
			input_hash = EXCLUDED.input_hash,
			updated_at = now()
	`, r.RunID, r.PositionID, r.ScenarioID, r.PortfolioNodeID, r.ProductType,
		r.BaseCurrency, measures, meta, r.InputHash)
	if werr != nil {
		return "", fmt.Errorf("upsert result: %w", werr)
	}

	if err == nil && existingHash != r.InputHash {
		return fmt.Sprintf("result conflict for (%s, %s, %s): input hash %s superseded by %s",
			r.RunID, r.PositionID, r.ScenarioID, existingHash, r.InputHash), nil
	}
	return "", nil
}

// Get retrieves one result. Returns ErrNotFound if not exists.
func (s *ResultStore) Get(ctx context.Context, runID, positionID, scenarioID string) (*domain.ValuationResult, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+resultColumns+` FROM valuation_result
		WHERE run_id = $1 AND position_id = $2 AND scenario_id = $3
	`, runID, positionID, scenarioID)

	result, err := scanResult(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get result: %w", err)
	}
	return result, nil
}

// GetByRun retrieves all results for a run ordered by position then scenario.
func (s *ResultStore) GetByRun(ctx context.Context, runID string) ([]*domain.ValuationResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+resultColumns+` FROM valuation_result
		WHERE run_id = $1
		ORDER BY position_id, scenario_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("get results by run: %w", err)
	}
	defer rows.Close()

	var results []*domain.ValuationResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate result rows: %w", err)
	}
	return results, nil
}

// CountByRun returns the number of result rows for a run.
func (s *ResultStore) CountByRun(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM valuation_result WHERE run_id = $1`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}
	return n, nil
}

// scanResult scans one result row from any pgx row source.
func scanResult(row pgx.Row) (*domain.ValuationResult, error) {
	var (
		r        domain.ValuationResult
		measures []byte
		meta     []byte
	)
	err := row.Scan(
		&r.RunID,
		&r.PositionID,
		&r.ScenarioID,
		&r.PortfolioNodeID,
		&r.ProductType,
		&r.BaseCurrency,
		&measures,
		&meta,
		&r.InputHash,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(measures, &r.Measures); err != nil {
		return nil, fmt.Errorf("unmarshal measures: %w", err)
	}
	if err := json.Unmarshal(meta, &r.ComputeMeta); err != nil {
		return nil, fmt.Errorf("unmarshal compute meta: %w", err)
	}
	return &r, nil
}
