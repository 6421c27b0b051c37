package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"valuation-lab/internal/domain"
	"valuation-lab/internal/storage"
)

// PositionSnapshotStore implements storage.PositionSnapshotStore using PostgreSQL.
type PositionSnapshotStore struct {
	pool *Pool
}

// NewPositionSnapshotStore creates a new PositionSnapshotStore.
func NewPositionSnapshotStore(pool *Pool) *PositionSnapshotStore {
	return &PositionSnapshotStore{pool: pool}
}

// Compile-time interface check.
var _ storage.PositionSnapshotStore = (*PositionSnapshotStore)(nil)

// Put stores a snapshot, deduplicating by (portfolio_node_id, payload_hash).
// Returns the id that now holds the content, whether freshly inserted or not.
func (s *PositionSnapshotStore) Put(ctx context.Context, snap *domain.PositionSnapshot) (string, error) {
	if snap == nil || snap.PositionSnapshotID == "" || snap.PortfolioNodeID == "" || snap.PayloadHash == "" {
		return "", storage.ErrInvalidInput
	}

	payload, err := json.Marshal(snap.Positions)
	if err != nil {
		return "", fmt.Errorf("marshal positions: %w", err)
	}

	query := `
		INSERT INTO position_snapshot (
			position_snapshot_id, as_of_time, portfolio_node_id, payload, payload_hash
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (portfolio_node_id, payload_hash) DO NOTHING
	`

	tag, err := s.pool.Exec(ctx, query,
		snap.PositionSnapshotID,
		snap.AsOfTime,
		snap.PortfolioNodeID,
		payload,
		snap.PayloadHash,
	)
	if err != nil {
		return "", fmt.Errorf("insert position snapshot: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return snap.PositionSnapshotID, nil
	}

	var existingID string
	err = s.pool.QueryRow(ctx,
		`SELECT position_snapshot_id FROM position_snapshot
		 WHERE portfolio_node_id = $1 AND payload_hash = $2`,
		snap.PortfolioNodeID, snap.PayloadHash,
	).Scan(&existingID)
	if err != nil {
		return "", fmt.Errorf("lookup deduplicated position snapshot: %w", err)
	}
	return existingID, nil
}

// Get retrieves a snapshot by id. Returns ErrNotFound if not exists.
func (s *PositionSnapshotStore) Get(ctx context.Context, positionSnapshotID string) (*domain.PositionSnapshot, error) {
	query := `
		SELECT position_snapshot_id, as_of_time, portfolio_node_id, payload, payload_hash, created_at
		FROM position_snapshot
		WHERE position_snapshot_id = $1
	`
	return s.scanOne(ctx, query, positionSnapshotID)
}

// LatestForNode retrieves the newest snapshot for a node at or before asOf.
func (s *PositionSnapshotStore) LatestForNode(ctx context.Context, portfolioNodeID string, asOf time.Time) (*domain.PositionSnapshot, error) {
	query := `
		SELECT position_snapshot_id, as_of_time, portfolio_node_id, payload, payload_hash, created_at
		FROM position_snapshot
		WHERE portfolio_node_id = $1 AND as_of_time <= $2
		ORDER BY as_of_time DESC, created_at DESC
		LIMIT 1
	`
	return s.scanOne(ctx, query, portfolioNodeID, asOf)
}

func (s *PositionSnapshotStore) scanOne(ctx context.Context, query string, args ...any) (*domain.PositionSnapshot, error) {
	var (
		snap    domain.PositionSnapshot
		payload []byte
	)
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&snap.PositionSnapshotID,
		&snap.AsOfTime,
		&snap.PortfolioNodeID,
		&payload,
		&snap.PayloadHash,
		&snap.CreatedAt,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get position snapshot: %w", err)
	}

	if err := json.Unmarshal(payload, &snap.Positions); err != nil {
		return nil, fmt.Errorf("unmarshal positions: %w", err)
	}
	return &snap, nil
}
