package clickhouse

import (
	"context"
	"fmt"
	"sort"
	"time"

	"valuation-lab/internal/domain"
	"valuation-lab/internal/observability"
	"valuation-lab/internal/storage"
)

// ResultAnalyticsStore implements storage.ResultAnalyticsSink using ClickHouse.
// Each valuation result is exploded into one row per measure tag so the
// aggregation queries stay flat.
type ResultAnalyticsStore struct {
	conn *Conn
}

// NewResultAnalyticsStore creates a new ResultAnalyticsStore.
func NewResultAnalyticsStore(conn *Conn) *ResultAnalyticsStore {
	return &ResultAnalyticsStore{conn: conn}
}

// Compile-time interface check.
var _ storage.ResultAnalyticsSink = (*ResultAnalyticsStore)(nil)

// MirrorResults batch-inserts results into the analytics table. Re-mirroring
// the same rows is safe: ReplacingMergeTree collapses duplicates by sort key.
func (s *ResultAnalyticsStore) MirrorResults(ctx context.Context, results []*domain.ValuationResult) (err error) {
	if len(results) == 0 {
		return nil
	}
	start := time.Now()
	defer func() {
		observability.RecordDBQuery("clickhouse", "mirror_results", time.Since(start).Seconds(), err)
	}()

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO valuation_result_analytics (
			run_id, position_id, scenario_id,
			portfolio_node_id, product_type, base_currency,
			measure_tag, measure_value, input_hash
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range results {
		tags := make([]string, 0, len(r.Measures))
		for tag := range r.Measures {
			tags = append(tags, tag)
		}
		sort.Strings(tags)

		for _, tag := range tags {
			err = batch.Append(
				r.RunID, r.PositionID, r.ScenarioID,
				r.PortfolioNodeID, r.ProductType, r.BaseCurrency,
				tag, r.Measures[tag], r.InputHash,
			)
			if err != nil {
				return fmt.Errorf("append to batch: %w", err)
			}
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// NodeTotal is an aggregated measure over one portfolio node in one scenario.
type NodeTotal struct {
	PortfolioNodeID string
	ScenarioID      string
	MeasureTag      string
	Total           float64
	Positions       uint64
}

// TotalsByPortfolioNode sums a run's measures per (node, scenario, tag).
func (s *ResultAnalyticsStore) TotalsByPortfolioNode(ctx context.Context, runID string) (totals []*NodeTotal, err error) {
	start := time.Now()
	defer func() {
		observability.RecordDBQuery("clickhouse", "totals_by_node", time.Since(start).Seconds(), err)
	}()

	query := `
		SELECT
			portfolio_node_id, scenario_id, measure_tag,
			sum(measure_value), count(DISTINCT position_id)
		FROM valuation_result_analytics FINAL
		WHERE run_id = ?
		GROUP BY portfolio_node_id, scenario_id, measure_tag
		ORDER BY portfolio_node_id ASC, scenario_id ASC, measure_tag ASC
	`

	rows, err := s.conn.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("query node totals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t NodeTotal
		if err := rows.Scan(&t.PortfolioNodeID, &t.ScenarioID, &t.MeasureTag, &t.Total, &t.Positions); err != nil {
			return nil, fmt.Errorf("scan node total row: %w", err)
		}
		totals = append(totals, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node total rows: %w", err)
	}
	return totals, nil
}

// CountByRun returns the number of mirrored measure rows for a run.
func (s *ResultAnalyticsStore) CountByRun(ctx context.Context, runID string) (uint64, error) {
	start := time.Now()
	var count uint64
	err := s.conn.QueryRow(ctx,
		`SELECT count(*) FROM valuation_result_analytics FINAL WHERE run_id = ?`, runID,
	).Scan(&count)
	observability.RecordDBQuery("clickhouse", "count_by_run", time.Since(start).Seconds(), err)
	if err != nil {
		return 0, fmt.Errorf("count mirrored rows: %w", err)
	}
	return count, nil
}
